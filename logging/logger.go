package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ComponentLogger provides structured logging for the ingest service
type ComponentLogger struct {
	logger    zerolog.Logger
	component string
	version   string
}

// Options controls logger construction. Zero values fall back to the
// LOG_LEVEL and ENVIRONMENT environment variables.
type Options struct {
	Level       string
	Environment string
	Output      io.Writer
}

// NewComponentLogger creates a component-specific logger with consistent context
func NewComponentLogger(componentName, version string) *ComponentLogger {
	return NewComponentLoggerWithOptions(componentName, version, Options{})
}

// NewComponentLoggerWithOptions creates a component logger with explicit level and output settings
func NewComponentLoggerWithOptions(componentName, version string, opts Options) *ComponentLogger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level := opts.Level
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	zerolog.SetGlobalLevel(ParseLevel(level))

	environment := opts.Environment
	if environment == "" {
		environment = os.Getenv("ENVIRONMENT")
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
		// Console output for development
		if environment != "production" {
			out = zerolog.ConsoleWriter{
				Out:        os.Stderr,
				TimeFormat: time.RFC3339,
			}
		}
	}

	logger := zerolog.New(out).
		With().
		Timestamp().
		Str("component", componentName).
		Str("version", version).
		Logger()

	return &ComponentLogger{
		logger:    logger,
		component: componentName,
		version:   version,
	}
}

// NewNopLogger returns a logger that discards everything. Used by tests.
func NewNopLogger() *ComponentLogger {
	return &ComponentLogger{logger: zerolog.Nop(), component: "nop"}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cl *ComponentLogger) Info() *zerolog.Event {
	return cl.logger.Info()
}

func (cl *ComponentLogger) Error() *zerolog.Event {
	return cl.logger.Error()
}

func (cl *ComponentLogger) Warn() *zerolog.Event {
	return cl.logger.Warn()
}

func (cl *ComponentLogger) Debug() *zerolog.Event {
	return cl.logger.Debug()
}

// With returns a child logger carrying an extra string field
func (cl *ComponentLogger) With(key, value string) *ComponentLogger {
	return &ComponentLogger{
		logger:    cl.logger.With().Str(key, value).Logger(),
		component: cl.component,
		version:   cl.version,
	}
}

// Zerolog exposes the underlying logger for libraries that want one
func (cl *ComponentLogger) Zerolog() zerolog.Logger {
	return cl.logger
}

// LogStartup logs service startup with structured fields
func (cl *ComponentLogger) LogStartup(config StartupConfig) {
	cl.Info().
		Str("listen_address", config.ListenAddress).
		Int("health_port", config.HealthPort).
		Str("storage_driver", config.StorageDriver).
		Strs("compression", config.Compression).
		Int("decode_concurrency", config.DecodeConcurrency).
		Msg("Starting telemetry ingest service")
}

// LogSessionEvent logs a session lifecycle event for one streaming call
func (cl *ComponentLogger) LogSessionEvent(operation, signal, sessionID, peer string) {
	cl.Info().
		Str("operation", operation).
		Str("signal", signal).
		Str("session_id", sessionID).
		Str("peer", peer).
		Msg("Ingest session event")
}

// LogArrowMemory logs Arrow memory allocator statistics
func (cl *ComponentLogger) LogArrowMemory(allocatedBytes int64) {
	cl.Debug().
		Int64("allocated_bytes", allocatedBytes).
		Str("allocator_type", "tracked_go_allocator").
		Msg("Arrow memory statistics")
}

// StartupConfig represents service startup configuration
type StartupConfig struct {
	ListenAddress     string
	HealthPort        int
	StorageDriver     string
	Compression       []string
	DecodeConcurrency int
}
