package ingest

import (
	"time"

	"github.com/withObsrvr/telemetry-arrow-ingest/logging"
)

// SessionInfo identifies a session in events.
type SessionInfo struct {
	ID     string
	Signal Signal
	Peer   string
}

// SessionStats summarizes a finished session.
type SessionStats struct {
	Units    int64
	Payloads int64
	Statuses map[StatusCode]int64
	Duration time.Duration
}

// EventSink receives session and storage events. Implementations must be
// safe for concurrent use.
type EventSink interface {
	SessionOpened(s SessionInfo)
	SessionClosed(s SessionInfo, stats SessionStats, err error)
	UnitAcknowledged(s SessionInfo, st Status, elapsed time.Duration)
	PayloadProcessed(s SessionInfo, o Outcome)
	DecodeError(s SessionInfo, schemaID string, pt PayloadType, err error)
	StorageError(signal Signal, table string, err error)
	StorageRetry(signal Signal, table string, attempt int, err error)
	BatchStored(signal Signal, table string, rows int64)
}

// NopEventSink discards every event.
type NopEventSink struct{}

func (NopEventSink) SessionOpened(SessionInfo) {}
func (NopEventSink) SessionClosed(SessionInfo, SessionStats, error) {}
func (NopEventSink) UnitAcknowledged(SessionInfo, Status, time.Duration) {}
func (NopEventSink) PayloadProcessed(SessionInfo, Outcome) {}
func (NopEventSink) DecodeError(SessionInfo, string, PayloadType, error) {}
func (NopEventSink) StorageError(Signal, string, error) {}
func (NopEventSink) StorageRetry(Signal, string, int, error) {}
func (NopEventSink) BatchStored(Signal, string, int64) {}

// LogEventSink writes events to a component logger.
type LogEventSink struct {
	logger *logging.ComponentLogger
}

func NewLogEventSink(logger *logging.ComponentLogger) *LogEventSink {
	return &LogEventSink{logger: logger}
}

func (l *LogEventSink) SessionOpened(s SessionInfo) {
	l.logger.LogSessionEvent("opened", s.Signal.String(), s.ID, s.Peer)
}

func (l *LogEventSink) SessionClosed(s SessionInfo, stats SessionStats, err error) {
	ev := l.logger.Info()
	if err != nil {
		ev = l.logger.Warn().Err(err)
	}
	ev.Str("session_id", s.ID).
		Str("signal", s.Signal.String()).
		Str("peer", s.Peer).
		Int64("units", stats.Units).
		Int64("payloads", stats.Payloads).
		Int64("ok", stats.Statuses[StatusOK]).
		Int64("no_data", stats.Statuses[StatusNoData]).
		Int64("errors", stats.Statuses[StatusError]).
		Dur("duration", stats.Duration).
		Msg("Session closed")
}

func (l *LogEventSink) UnitAcknowledged(s SessionInfo, st Status, elapsed time.Duration) {
	ev := l.logger.Debug()
	if st.Code == StatusError {
		ev = l.logger.Warn()
	}
	ev.Str("session_id", s.ID).
		Str("signal", s.Signal.String()).
		Int64("unit_id", st.UnitID).
		Str("code", st.Code.String()).
		Str("message", st.Message).
		Dur("elapsed", elapsed).
		Msg("Unit acknowledged")
}

func (l *LogEventSink) PayloadProcessed(s SessionInfo, o Outcome) {
	l.logger.Debug().
		Str("session_id", s.ID).
		Str("schema_id", o.SchemaID).
		Str("payload_type", o.Type.String()).
		Str("code", o.Code.String()).
		Int("batches", o.Batches).
		Int64("rows", o.Rows).
		Msg("Payload processed")
}

func (l *LogEventSink) DecodeError(s SessionInfo, schemaID string, pt PayloadType, err error) {
	l.logger.Warn().
		Err(err).
		Str("session_id", s.ID).
		Str("signal", s.Signal.String()).
		Str("schema_id", schemaID).
		Str("payload_type", pt.String()).
		Msg("Decode error")
}

func (l *LogEventSink) StorageError(signal Signal, table string, err error) {
	l.logger.Error().
		Err(err).
		Str("signal", signal.String()).
		Str("table", table).
		Msg("Storage error")
}

func (l *LogEventSink) StorageRetry(signal Signal, table string, attempt int, err error) {
	l.logger.Warn().
		Err(err).
		Str("signal", signal.String()).
		Str("table", table).
		Int("attempt", attempt).
		Msg("Retrying storage write")
}

func (l *LogEventSink) BatchStored(signal Signal, table string, rows int64) {
	l.logger.Debug().
		Str("signal", signal.String()).
		Str("table", table).
		Int64("rows", rows).
		Msg("Batch stored")
}

// MultiEventSink fans events out to every sink in order.
type MultiEventSink []EventSink

func (m MultiEventSink) SessionOpened(s SessionInfo) {
	for _, sink := range m {
		sink.SessionOpened(s)
	}
}

func (m MultiEventSink) SessionClosed(s SessionInfo, stats SessionStats, err error) {
	for _, sink := range m {
		sink.SessionClosed(s, stats, err)
	}
}

func (m MultiEventSink) UnitAcknowledged(s SessionInfo, st Status, elapsed time.Duration) {
	for _, sink := range m {
		sink.UnitAcknowledged(s, st, elapsed)
	}
}

func (m MultiEventSink) PayloadProcessed(s SessionInfo, o Outcome) {
	for _, sink := range m {
		sink.PayloadProcessed(s, o)
	}
}

func (m MultiEventSink) DecodeError(s SessionInfo, schemaID string, pt PayloadType, err error) {
	for _, sink := range m {
		sink.DecodeError(s, schemaID, pt, err)
	}
}

func (m MultiEventSink) StorageError(signal Signal, table string, err error) {
	for _, sink := range m {
		sink.StorageError(signal, table, err)
	}
}

func (m MultiEventSink) StorageRetry(signal Signal, table string, attempt int, err error) {
	for _, sink := range m {
		sink.StorageRetry(signal, table, attempt, err)
	}
}

func (m MultiEventSink) BatchStored(signal Signal, table string, rows int64) {
	for _, sink := range m {
		sink.BatchStored(signal, table, rows)
	}
}
