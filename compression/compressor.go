package compression

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/withObsrvr/telemetry-arrow-ingest/logging"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/gzip"
)

// CompressionType defines supported gRPC message compression algorithms
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionZstd CompressionType = "zstd"
	CompressionLZ4  CompressionType = "lz4"
	CompressionGzip CompressionType = "gzip"
)

// CompressionMetrics tracks compression performance
type CompressionMetrics struct {
	BytesIn          int64 // uncompressed bytes written
	BytesOut         int64 // compressed bytes produced
	BytesDecoded     int64 // uncompressed bytes read back
	MessagesEncoded  int64
	MessagesDecoded  int64
	CompressionRatio float64
}

type counters struct {
	bytesIn, bytesOut, bytesDecoded atomic.Int64
	encoded, decoded                atomic.Int64
}

func (c *counters) snapshot() CompressionMetrics {
	m := CompressionMetrics{
		BytesIn:         c.bytesIn.Load(),
		BytesOut:        c.bytesOut.Load(),
		BytesDecoded:    c.bytesDecoded.Load(),
		MessagesEncoded: c.encoded.Load(),
		MessagesDecoded: c.decoded.Load(),
	}
	if m.BytesOut > 0 {
		m.CompressionRatio = float64(m.BytesIn) / float64(m.BytesOut)
	}
	return m
}

// Compressor is a gRPC encoding.Compressor that reports its metrics
type Compressor interface {
	encoding.Compressor
	GetMetrics() CompressionMetrics
}

var (
	registryMu sync.Mutex
	registered = map[CompressionType]Compressor{}
)

// Register installs the named compressors with gRPC and returns the ones it
// tracks. It must run before any server or client is created. "none" and
// empty names are ignored.
func Register(names []string, logger *logging.ComponentLogger) ([]Compressor, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	var out []Compressor
	for _, name := range names {
		typ := CompressionType(strings.ToLower(strings.TrimSpace(name)))
		if typ == "" || typ == CompressionNone {
			continue
		}
		if typ == CompressionGzip {
			// registered by grpc's own gzip package
			continue
		}

		c, ok := registered[typ]
		if !ok {
			var err error
			c, err = New(typ)
			if err != nil {
				return nil, err
			}
			encoding.RegisterCompressor(c)
			registered[typ] = c
			if logger != nil {
				logger.Info().
					Str("compression", string(typ)).
					Msg("Registered gRPC compressor")
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// New creates a compressor without registering it
func New(typ CompressionType) (Compressor, error) {
	switch typ {
	case CompressionZstd:
		return newZstdCompressor(zstd.SpeedDefault), nil
	case CompressionLZ4:
		return newLZ4Compressor(lz4.Fast), nil
	}
	return nil, fmt.Errorf("unsupported compression type: %s", typ)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// zstd

type zstdCompressor struct {
	level    zstd.EncoderLevel
	encoders sync.Pool
	decoders sync.Pool
	stats    counters
}

func newZstdCompressor(level zstd.EncoderLevel) *zstdCompressor {
	return &zstdCompressor{level: level}
}

func (c *zstdCompressor) Name() string { return string(CompressionZstd) }

func (c *zstdCompressor) GetMetrics() CompressionMetrics { return c.stats.snapshot() }

func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	cw := &countingWriter{w: w}
	enc, _ := c.encoders.Get().(*zstd.Encoder)
	if enc == nil {
		var err error
		enc, err = zstd.NewWriter(cw,
			zstd.WithEncoderLevel(c.level),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	} else {
		enc.Reset(cw)
	}
	return &zstdWriter{enc: enc, out: cw, c: c}, nil
}

func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec, _ := c.decoders.Get().(*zstd.Decoder)
	if dec == nil {
		var err error
		dec, err = zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
	} else if err := dec.Reset(r); err != nil {
		c.decoders.Put(dec)
		return nil, fmt.Errorf("failed to reset zstd decoder: %w", err)
	}
	return &zstdReader{dec: dec, c: c}, nil
}

type zstdWriter struct {
	enc *zstd.Encoder
	out *countingWriter
	in  int64
	c   *zstdCompressor
}

func (z *zstdWriter) Write(p []byte) (int, error) {
	n, err := z.enc.Write(p)
	z.in += int64(n)
	return n, err
}

func (z *zstdWriter) Close() error {
	if z.enc == nil {
		return nil
	}
	err := z.enc.Close()
	z.c.stats.bytesIn.Add(z.in)
	z.c.stats.bytesOut.Add(z.out.n)
	z.c.stats.encoded.Add(1)
	z.enc.Reset(nil)
	z.c.encoders.Put(z.enc)
	z.enc = nil
	return err
}

type zstdReader struct {
	dec *zstd.Decoder
	n   int64
	c   *zstdCompressor
}

func (z *zstdReader) Read(p []byte) (int, error) {
	if z.dec == nil {
		return 0, io.EOF
	}
	n, err := z.dec.Read(p)
	z.n += int64(n)
	if err == io.EOF {
		z.c.stats.bytesDecoded.Add(z.n)
		z.c.stats.decoded.Add(1)
		z.c.decoders.Put(z.dec)
		z.dec = nil
	}
	return n, err
}

// lz4

type lz4Compressor struct {
	level   lz4.CompressionLevel
	writers sync.Pool
	readers sync.Pool
	stats   counters
}

func newLZ4Compressor(level lz4.CompressionLevel) *lz4Compressor {
	return &lz4Compressor{level: level}
}

func (c *lz4Compressor) Name() string { return string(CompressionLZ4) }

func (c *lz4Compressor) GetMetrics() CompressionMetrics { return c.stats.snapshot() }

func (c *lz4Compressor) Compress(w io.Writer) (io.WriteCloser, error) {
	cw := &countingWriter{w: w}
	zw, _ := c.writers.Get().(*lz4.Writer)
	if zw == nil {
		zw = lz4.NewWriter(cw)
	} else {
		zw.Reset(cw)
	}
	if err := zw.Apply(lz4.CompressionLevelOption(c.level)); err != nil {
		return nil, fmt.Errorf("lz4 options: %w", err)
	}
	return &lz4Writer{zw: zw, out: cw, c: c}, nil
}

func (c *lz4Compressor) Decompress(r io.Reader) (io.Reader, error) {
	zr, _ := c.readers.Get().(*lz4.Reader)
	if zr == nil {
		zr = lz4.NewReader(r)
	} else {
		zr.Reset(r)
	}
	return &lz4Reader{zr: zr, c: c}, nil
}

type lz4Writer struct {
	zw  *lz4.Writer
	out *countingWriter
	in  int64
	c   *lz4Compressor
}

func (l *lz4Writer) Write(p []byte) (int, error) {
	n, err := l.zw.Write(p)
	l.in += int64(n)
	return n, err
}

func (l *lz4Writer) Close() error {
	if l.zw == nil {
		return nil
	}
	err := l.zw.Close()
	l.c.stats.bytesIn.Add(l.in)
	l.c.stats.bytesOut.Add(l.out.n)
	l.c.stats.encoded.Add(1)
	l.c.writers.Put(l.zw)
	l.zw = nil
	return err
}

type lz4Reader struct {
	zr *lz4.Reader
	n  int64
	c  *lz4Compressor
}

func (l *lz4Reader) Read(p []byte) (int, error) {
	if l.zr == nil {
		return 0, io.EOF
	}
	n, err := l.zr.Read(p)
	l.n += int64(n)
	if err == io.EOF {
		l.c.stats.bytesDecoded.Add(l.n)
		l.c.stats.decoded.Add(1)
		l.c.readers.Put(l.zr)
		l.zr = nil
	}
	return n, err
}
