package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/withObsrvr/telemetry-arrow-ingest/logging"
	"github.com/withObsrvr/telemetry-arrow-ingest/schema"
)

// PostgresStore writes batches into PostgreSQL tables with COPY.
type PostgresStore struct {
	logger *logging.ComponentLogger
	pool   *pgxpool.Pool

	mu     sync.RWMutex
	tables map[string]string // table name -> fingerprint
	closed bool
}

// NewPostgresStore connects to dsn and makes sure the catalog table exists.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32, logger *logging.ComponentLogger) (*PostgresStore, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	pgConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL DSN: %w", err)
	}
	if maxConns > 0 {
		pgConfig.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	if _, err := pool.Exec(ctx, schema.CatalogSQL(schema.Postgres)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create catalog table: %w", err)
	}

	logger.Info().
		Str("host", pgConfig.ConnConfig.Host).
		Uint16("port", pgConfig.ConnConfig.Port).
		Str("database", pgConfig.ConnConfig.Database).
		Int32("max_conns", pgConfig.MaxConns).
		Msg("Connected to PostgreSQL")

	return &PostgresStore{
		logger: logger,
		pool:   pool,
		tables: make(map[string]string),
	}, nil
}

func (s *PostgresStore) fingerprint(table string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, Fatal(ErrClosed)
	}
	fp, ok := s.tables[table]
	return fp, ok, nil
}

func (s *PostgresStore) CreateSchemaIfAbsent(ctx context.Context, ref TableRef, as *arrow.Schema) error {
	table := ref.Name()
	fp := schema.Fingerprint(as)

	recorded, ok, err := s.fingerprint(table)
	if err != nil {
		return err
	}
	if ok {
		return checkFingerprint(table, recorded, fp)
	}

	ddl, err := schema.CreateTableSQL(schema.Postgres, table, as)
	if err != nil {
		return Fatal(fmt.Errorf("table %s: %w", table, err))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyPostgres(err)
	}
	defer tx.Rollback(ctx)

	// serialize concurrent creators of the same table across processes
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", table); err != nil {
		return classifyPostgres(fmt.Errorf("lock %s: %w", table, err))
	}

	err = tx.QueryRow(ctx,
		fmt.Sprintf("SELECT fingerprint FROM %s WHERE table_name = $1", schema.CatalogTable), table,
	).Scan(&recorded)
	switch {
	case err == nil:
		if err := checkFingerprint(table, recorded, fp); err != nil {
			return err
		}
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return classifyPostgres(fmt.Errorf("create table %s: %w", table, err))
		}
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (table_name, signal, payload_type, schema_id, fingerprint, arrow_schema)
VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`, schema.CatalogTable),
			table, ref.Signal, ref.PayloadType, ref.SchemaID, fp, as.String(),
		); err != nil {
			return classifyPostgres(fmt.Errorf("record table %s: %w", table, err))
		}
		s.logger.Info().
			Str("table", table).
			Str("signal", ref.Signal).
			Str("schema_id", ref.SchemaID).
			Int("columns", as.NumFields()).
			Msg("Created table")
	default:
		return classifyPostgres(fmt.Errorf("catalog lookup for %s: %w", table, err))
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPostgres(err)
	}

	s.mu.Lock()
	s.tables[table] = fp
	s.mu.Unlock()
	return nil
}

func (s *PostgresStore) AppendBatch(ctx context.Context, ref TableRef, rec arrow.Record) error {
	table := ref.Name()
	recorded, ok, err := s.fingerprint(table)
	if err != nil {
		return err
	}
	if !ok {
		return Fatal(fmt.Errorf("%w: %s", ErrUnknownTable, table))
	}
	if err := checkFingerprint(table, recorded, schema.Fingerprint(rec.Schema())); err != nil {
		return err
	}

	rows := make([][]any, rec.NumRows())
	for i := range rows {
		row, err := schema.Row(rec, i)
		if err != nil {
			return Fatal(fmt.Errorf("table %s row %d: %w", table, i, err))
		}
		for c, v := range row {
			if row[c], err = postgresValue(v); err != nil {
				return Fatal(fmt.Errorf("table %s row %d column %q: %w", table, i, rec.ColumnName(c), err))
			}
		}
		rows[i] = row
	}

	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{table},
		schema.ColumnNames(rec.Schema()),
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return classifyPostgres(fmt.Errorf("copy into %s: %w", table, err))
	}
	if n != rec.NumRows() {
		return Fatal(fmt.Errorf("copy into %s: wrote %d of %d rows", table, n, rec.NumRows()))
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.pool.Close()
	return nil
}

// postgresValue widens values to the column types chosen by the Postgres
// dialect and encodes nested values as JSON.
func postgresValue(v any) (any, error) {
	switch x := v.(type) {
	case int8:
		return int16(x), nil
	case uint8:
		return int16(x), nil
	case uint16:
		return int32(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return pgtype.Numeric{Int: new(big.Int).SetUint64(x), Valid: true}, nil
	case []any, map[string]any:
		return json.Marshal(x)
	}
	return v, nil
}

// classifyPostgres marks connection, contention and resource errors as
// retryable and every other server error as fatal.
func classifyPostgres(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "40"), // transaction rollback
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			strings.HasPrefix(pgErr.Code, "57P0"):
			return Retryable(err)
		}
		return Fatal(err)
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return Retryable(err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return Retryable(err)
	}
	return err
}
