package storage

import (
	"context"
	"fmt"

	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/withObsrvr/telemetry-arrow-ingest/config"
	"github.com/withObsrvr/telemetry-arrow-ingest/logging"
)

// memoryDriverMaxRows bounds the memory driver per table.
const memoryDriverMaxRows = 1_000_000

// Open creates the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, allocator memory.Allocator, logger *logging.ComponentLogger) (Store, error) {
	switch cfg.Driver {
	case "duckdb":
		return NewDuckDBStore(ctx, cfg.DuckDB.Path, logger)
	case "postgres":
		return NewPostgresStore(ctx, cfg.Postgres.ConnectionString(), cfg.Postgres.MaxConns, logger)
	case "parquet":
		return NewParquetStore(cfg.Parquet.BasePath, cfg.Parquet.Compression, allocator, logger)
	case "memory":
		return NewMemoryStore(memoryDriverMaxRows), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
