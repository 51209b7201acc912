package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the service configuration
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Storage StorageConfig `yaml:"storage"`
	Retry   RetryConfig   `yaml:"retry"`
}

// ServiceConfig holds service-level settings
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
}

// ServerConfig holds transport bootstrap settings
type ServerConfig struct {
	ListenAddress       string   `yaml:"listen_address"`
	HealthPort          int      `yaml:"health_port"`
	Compression         []string `yaml:"compression"`
	MaxRecvMessageMiB   int      `yaml:"max_recv_message_mib"`
	Reflection          bool     `yaml:"reflection"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_seconds"`
}

// SessionConfig tunes the per-call ingest pipeline
type SessionConfig struct {
	InboundQueue            int   `yaml:"inbound_queue"`
	OutboundQueue           int   `yaml:"outbound_queue"`
	DecodeConcurrency       int   `yaml:"decode_concurrency"`
	MaxBufferedBytes        int64 `yaml:"max_buffered_bytes"`
	AllowCrossUnitFragments bool  `yaml:"allow_cross_unit_fragments"`
	MemorySoftLimitBytes    int64 `yaml:"memory_soft_limit_bytes"`
}

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	Driver    string         `yaml:"driver"`
	QueueSize int            `yaml:"queue_size"`
	DuckDB    DuckDBConfig   `yaml:"duckdb"`
	Postgres  PostgresConfig `yaml:"postgres"`
	Parquet   ParquetConfig  `yaml:"parquet"`
}

// DuckDBConfig holds DuckDB settings
type DuckDBConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int32  `yaml:"max_conns"`
}

// ParquetConfig holds Parquet archive settings
type ParquetConfig struct {
	BasePath    string `yaml:"base_path"`
	Compression string `yaml:"compression"`
}

// RetryConfig controls storage retries
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
	JitterFactor   float64 `yaml:"jitter_factor"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "telemetry-arrow-ingest",
			Version:     "v1.0.0",
			Environment: "development",
			LogLevel:    "info",
		},
		Server: ServerConfig{
			ListenAddress:       "0.0.0.0:10000",
			HealthPort:          8088,
			Compression:         []string{"zstd"},
			MaxRecvMessageMiB:   64,
			Reflection:          true,
			ShutdownTimeoutSecs: 30,
		},
		Session: SessionConfig{
			InboundQueue:         4,
			OutboundQueue:        16,
			DecodeConcurrency:    4,
			MaxBufferedBytes:     256 << 20,
			MemorySoftLimitBytes: 1 << 30,
		},
		Storage: StorageConfig{
			Driver:    "duckdb",
			QueueSize: 64,
			DuckDB:    DuckDBConfig{Path: "telemetry.duckdb"},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "telemetry",
				User:     "postgres",
				SSLMode:  "disable",
				MaxConns: 8,
			},
			Parquet: ParquetConfig{BasePath: "data/parquet", Compression: "zstd"},
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			InitialDelayMs: 100,
			MaxDelayMs:     5000,
			BackoffFactor:  2.0,
			JitterFactor:   0.1,
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of the defaults.
// An empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides settings from environment variables
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("LISTEN_ADDRESS"); v != "" {
		c.Server.ListenAddress = v
	}
	if v := os.Getenv("HEALTH_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HEALTH_PORT: %w", err)
		}
		c.Server.HealthPort = port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Service.LogLevel = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Service.Environment = v
	}
	if v := os.Getenv("COMPRESSION"); v != "" {
		c.Server.Compression = parseCSV(v)
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("DUCKDB_PATH"); v != "" {
		c.Storage.DuckDB.Path = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("PARQUET_PATH"); v != "" {
		c.Storage.Parquet.BasePath = v
	}
	if v := os.Getenv("DECODE_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DECODE_CONCURRENCY: %w", err)
		}
		c.Session.DecodeConcurrency = n
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Server.ListenAddress == "" {
		errs = append(errs, errors.New("server.listen_address is required"))
	}
	if c.Server.HealthPort < 0 || c.Server.HealthPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid server.health_port: %d", c.Server.HealthPort))
	}
	for _, name := range c.Server.Compression {
		switch name {
		case "zstd", "lz4", "gzip":
		default:
			errs = append(errs, fmt.Errorf("unsupported compression %q", name))
		}
	}
	if c.Session.InboundQueue < 1 {
		errs = append(errs, errors.New("session.inbound_queue must be at least 1"))
	}
	if c.Session.OutboundQueue < 1 {
		errs = append(errs, errors.New("session.outbound_queue must be at least 1"))
	}
	if c.Session.DecodeConcurrency < 1 {
		errs = append(errs, errors.New("session.decode_concurrency must be at least 1"))
	}
	if c.Session.MaxBufferedBytes < 0 {
		errs = append(errs, errors.New("session.max_buffered_bytes must not be negative"))
	}
	if c.Storage.QueueSize < 1 {
		errs = append(errs, errors.New("storage.queue_size must be at least 1"))
	}

	switch c.Storage.Driver {
	case "duckdb":
		// empty path means an in-memory database
	case "postgres":
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.Host == "" {
			errs = append(errs, errors.New("storage.postgres needs a dsn or host"))
		}
	case "parquet":
		if c.Storage.Parquet.BasePath == "" {
			errs = append(errs, errors.New("storage.parquet.base_path is required"))
		}
		switch strings.ToLower(c.Storage.Parquet.Compression) {
		case "", "zstd", "snappy", "gzip", "none", "uncompressed":
		default:
			errs = append(errs, fmt.Errorf("unsupported storage.parquet.compression %q", c.Storage.Parquet.Compression))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.BackoffFactor < 1 {
		errs = append(errs, errors.New("retry.backoff_factor must be at least 1"))
	}

	return errors.Join(errs...)
}

// ShutdownTimeout returns the graceful shutdown budget as a Duration
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSecs) * time.Second
}

// InitialDelay returns the first retry delay as a Duration
func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMs) * time.Millisecond
}

// MaxDelay returns the retry delay cap as a Duration
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// ConnectionString builds a PostgreSQL connection string
func (p PostgresConfig) ConnectionString() string {
	if p.DSN != "" {
		return p.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		p.Host, p.Port, p.Database, p.User, p.Password, p.SSLMode,
	)
}

// parseCSV parses a comma-separated string into a slice
func parseCSV(s string) []string {
	var result []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			result = append(result, v)
		}
	}
	return result
}
