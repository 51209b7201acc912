package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"

	"github.com/apache/arrow/go/v17/arrow"
	duckdb "github.com/duckdb/duckdb-go/v2"
	"github.com/withObsrvr/telemetry-arrow-ingest/logging"
	"github.com/withObsrvr/telemetry-arrow-ingest/schema"
)

// DuckDBStore writes batches into DuckDB tables through native appenders.
type DuckDBStore struct {
	logger    *logging.ComponentLogger
	connector *duckdb.Connector
	db        *sql.DB // DDL and catalog queries
	conn      *duckdb.Conn

	mu     sync.Mutex
	tables map[string]string // table name -> fingerprint
	closed bool
}

// NewDuckDBStore opens (or creates) the database at path. An empty path
// opens an in-memory database.
func NewDuckDBStore(ctx context.Context, path string, logger *logging.ComponentLogger) (*DuckDBStore, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	connector, err := duckdb.NewConnector(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}
	db := sql.OpenDB(connector)

	// Get native connection for appenders
	conn, err := connector.Connect(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to get native connection: %w", err)
	}
	duckConn, ok := conn.(*duckdb.Conn)
	if !ok {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("failed to cast to *duckdb.Conn")
	}

	if _, err := db.ExecContext(ctx, schema.CatalogSQL(schema.DuckDB)); err != nil {
		duckConn.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create catalog table: %w", err)
	}

	logger.Info().
		Str("path", path).
		Msg("DuckDB store opened")

	return &DuckDBStore{
		logger:    logger,
		connector: connector,
		db:        db,
		conn:      duckConn,
		tables:    make(map[string]string),
	}, nil
}

// DB exposes the database handle for queries.
func (s *DuckDBStore) DB() *sql.DB {
	return s.db
}

func (s *DuckDBStore) CreateSchemaIfAbsent(ctx context.Context, ref TableRef, as *arrow.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Fatal(ErrClosed)
	}

	table := ref.Name()
	fp := schema.Fingerprint(as)
	if recorded, ok := s.tables[table]; ok {
		return checkFingerprint(table, recorded, fp)
	}

	var recorded string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT fingerprint FROM %s WHERE table_name = $1", schema.CatalogTable), table,
	).Scan(&recorded)
	switch {
	case err == nil:
		if err := checkFingerprint(table, recorded, fp); err != nil {
			return err
		}
		s.tables[table] = fp
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return classifyDuckDB(fmt.Errorf("catalog lookup for %s: %w", table, err))
	}

	ddl, err := schema.CreateTableSQL(schema.DuckDB, table, as)
	if err != nil {
		return Fatal(fmt.Errorf("table %s: %w", table, err))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyDuckDB(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return classifyDuckDB(fmt.Errorf("create table %s: %w", table, err))
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (table_name, signal, payload_type, schema_id, fingerprint, arrow_schema)
VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`, schema.CatalogTable),
		table, ref.Signal, ref.PayloadType, ref.SchemaID, fp, as.String(),
	); err != nil {
		return classifyDuckDB(fmt.Errorf("record table %s: %w", table, err))
	}
	if err := tx.Commit(); err != nil {
		return classifyDuckDB(err)
	}

	s.tables[table] = fp
	s.logger.Info().
		Str("table", table).
		Str("signal", ref.Signal).
		Str("schema_id", ref.SchemaID).
		Int("columns", as.NumFields()).
		Msg("Created table")
	return nil
}

// AppendBatch writes rec inside its own transaction, so a failed batch
// leaves no rows behind and can be retried as a whole.
func (s *DuckDBStore) AppendBatch(ctx context.Context, ref TableRef, rec arrow.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Fatal(ErrClosed)
	}

	table := ref.Name()
	recorded, ok := s.tables[table]
	if !ok {
		return Fatal(fmt.Errorf("%w: %s", ErrUnknownTable, table))
	}
	if err := checkFingerprint(table, recorded, schema.Fingerprint(rec.Schema())); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// cancellation is checked between rows, not by the transaction
	tx, err := s.conn.BeginTx(context.Background(), driver.TxOptions{})
	if err != nil {
		return classifyDuckDB(fmt.Errorf("begin append to %s: %w", table, err))
	}

	appender, err := duckdb.NewAppenderFromConn(s.conn, "", table)
	if err != nil {
		s.rollback(tx, table)
		return classifyDuckDB(fmt.Errorf("create appender for %s: %w", table, err))
	}

	if err := appendRows(ctx, appender, table, rec); err != nil {
		// Close flushes what was buffered into the transaction, which the
		// rollback then discards.
		appender.Close()
		s.rollback(tx, table)
		return err
	}

	if err := appender.Close(); err != nil {
		s.rollback(tx, table)
		return classifyDuckDB(fmt.Errorf("flush %s: %w", table, err))
	}
	if err := tx.Commit(); err != nil {
		s.rollback(tx, table)
		return classifyDuckDB(fmt.Errorf("commit %s: %w", table, err))
	}
	return nil
}

func appendRows(ctx context.Context, appender *duckdb.Appender, table string, rec arrow.Record) error {
	vals := make([]driver.Value, rec.NumCols())
	for i := 0; i < int(rec.NumRows()); i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		row, err := schema.Row(rec, i)
		if err != nil {
			return Fatal(fmt.Errorf("table %s row %d: %w", table, i, err))
		}
		for c, v := range row {
			vals[c] = v
		}
		if err := appender.AppendRow(vals...); err != nil {
			return classifyDuckDB(fmt.Errorf("append to %s: %w", table, err))
		}
	}
	return nil
}

func (s *DuckDBStore) rollback(tx driver.Tx, table string) {
	if err := tx.Rollback(); err != nil {
		s.logger.Debug().
			Err(err).
			Str("table", table).
			Msg("Rollback after failed append")
	}
}

func (s *DuckDBStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}

// classifyDuckDB marks DuckDB errors that can clear up on their own as
// retryable and the rest as fatal. Other errors stay unclassified.
func classifyDuckDB(err error) error {
	var de *duckdb.Error
	if !errors.As(err, &de) {
		return err
	}
	switch de.Type {
	case duckdb.ErrorTypeIO,
		duckdb.ErrorTypeTransaction,
		duckdb.ErrorTypeConnection,
		duckdb.ErrorTypeNetwork,
		duckdb.ErrorTypeInterrupt,
		duckdb.ErrorTypeOutOfMemory,
		duckdb.ErrorTypeHTTP:
		return Retryable(err)
	}
	return Fatal(err)
}
