package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
	"github.com/google/uuid"
	"github.com/withObsrvr/telemetry-arrow-ingest/logging"
	"github.com/withObsrvr/telemetry-arrow-ingest/schema"
)

const fingerprintFile = "_fingerprint"

// ParquetStore writes every batch to its own Parquet file under
// <base>/<table>/. A _fingerprint file in each table directory records the
// schema the table was created with.
type ParquetStore struct {
	logger      *logging.ComponentLogger
	allocator   memory.Allocator
	basePath    string
	compression compress.Compression

	mu     sync.RWMutex
	tables map[string]string
	closed bool

	// Metrics
	filesWritten   int64
	bytesWritten   int64
	recordsWritten int64
}

// ParquetStats contains writer statistics
type ParquetStats struct {
	FilesWritten   int64
	BytesWritten   int64
	RecordsWritten int64
}

// NewParquetStore creates the base directory. An empty compression name
// selects zstd.
func NewParquetStore(basePath, compression string, allocator memory.Allocator, logger *logging.ComponentLogger) (*ParquetStore, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if allocator == nil {
		allocator = memory.DefaultAllocator
	}
	codec, err := parquetCodec(compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	logger.Info().
		Str("base_path", basePath).
		Str("compression", codec.String()).
		Msg("Created Parquet store")

	return &ParquetStore{
		logger:      logger,
		allocator:   allocator,
		basePath:    basePath,
		compression: codec,
		tables:      make(map[string]string),
	}, nil
}

func parquetCodec(name string) (compress.Compression, error) {
	switch strings.ToLower(name) {
	case "", "zstd":
		return compress.Codecs.Zstd, nil
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed, nil
	case "snappy":
		return compress.Codecs.Snappy, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	}
	return compress.Codecs.Uncompressed, fmt.Errorf("unsupported parquet compression %q", name)
}

func (p *ParquetStore) tableDir(table string) string {
	return filepath.Join(p.basePath, table)
}

func (p *ParquetStore) CreateSchemaIfAbsent(ctx context.Context, ref TableRef, as *arrow.Schema) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Fatal(ErrClosed)
	}

	table := ref.Name()
	fp := schema.Fingerprint(as)
	if recorded, ok := p.tables[table]; ok {
		return checkFingerprint(table, recorded, fp)
	}

	dir := p.tableDir(table)
	recorded, err := os.ReadFile(filepath.Join(dir, fingerprintFile))
	switch {
	case err == nil:
		if err := checkFingerprint(table, strings.TrimSpace(string(recorded)), fp); err != nil {
			return err
		}
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Retryable(fmt.Errorf("failed to create table directory: %w", err))
		}
		if err := writeFileAtomic(filepath.Join(dir, fingerprintFile), []byte(fp+"\n")); err != nil {
			return Retryable(err)
		}
		p.logger.Info().
			Str("table", table).
			Str("path", dir).
			Int("columns", as.NumFields()).
			Msg("Created table")
	default:
		return Retryable(fmt.Errorf("read fingerprint of %s: %w", table, err))
	}

	p.tables[table] = fp
	return nil
}

func (p *ParquetStore) AppendBatch(ctx context.Context, ref TableRef, rec arrow.Record) error {
	table := ref.Name()

	p.mu.RLock()
	closed := p.closed
	recorded, ok := p.tables[table]
	p.mu.RUnlock()

	if closed {
		return Fatal(ErrClosed)
	}
	if !ok {
		return Fatal(fmt.Errorf("%w: %s", ErrUnknownTable, table))
	}
	if err := checkFingerprint(table, recorded, schema.Fingerprint(rec.Schema())); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	name := fmt.Sprintf("part-%d-%s.parquet", time.Now().UnixNano(), uuid.NewString())
	path := filepath.Join(p.tableDir(table), name)
	size, err := p.writeFile(path, rec)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.filesWritten++
	p.bytesWritten += size
	p.recordsWritten += rec.NumRows()
	p.mu.Unlock()

	p.logger.Debug().
		Str("path", path).
		Int64("rows", rec.NumRows()).
		Int64("bytes", size).
		Msg("Wrote Parquet file")
	return nil
}

// writeFile writes rec to a temporary file and renames it into place so
// readers never see a partial file.
func (p *ParquetStore) writeFile(path string, rec arrow.Record) (int64, error) {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return 0, Retryable(fmt.Errorf("failed to create file: %w", err))
	}

	props := parquet.NewWriterProperties(
		parquet.WithCompression(p.compression),
		parquet.WithDictionaryDefault(true),
		parquet.WithDataPageSize(1024*1024),
		parquet.WithAllocator(p.allocator),
		parquet.WithCreatedBy("telemetry-arrow-ingest"),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
		pqarrow.WithAllocator(p.allocator),
	)

	writer, err := pqarrow.NewFileWriter(rec.Schema(), file, props, arrowProps)
	if err != nil {
		file.Close()
		os.Remove(tmp)
		return 0, Fatal(fmt.Errorf("failed to create Parquet writer: %w", err))
	}

	if err := writer.Write(rec); err != nil {
		writer.Close()
		os.Remove(tmp)
		return 0, Retryable(fmt.Errorf("failed to write record: %w", err))
	}

	// Close the Parquet writer (this also closes the underlying file)
	if err := writer.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		os.Remove(tmp)
		return 0, Retryable(fmt.Errorf("failed to close Parquet writer: %w", err))
	}

	info, err := os.Stat(tmp)
	if err != nil {
		os.Remove(tmp)
		return 0, Retryable(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, Retryable(fmt.Errorf("failed to publish file: %w", err))
	}
	return info.Size(), nil
}

// GetStats returns writer statistics
func (p *ParquetStore) GetStats() ParquetStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ParquetStats{
		FilesWritten:   p.filesWritten,
		BytesWritten:   p.bytesWritten,
		RecordsWritten: p.recordsWritten,
	}
}

func (p *ParquetStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	p.logger.Info().
		Int64("files_written", p.filesWritten).
		Int64("bytes_written", p.bytesWritten).
		Int64("records_written", p.recordsWritten).
		Msg("Closed Parquet store")
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
