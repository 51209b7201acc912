// Package storage persists decoded record batches, one table per logical
// stream, and classifies storage failures as retryable or fatal.
package storage

import (
	"context"
	"errors"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/withObsrvr/telemetry-arrow-ingest/schema"
)

var (
	// ErrIncompatibleSchema reports a table that exists with a different schema.
	ErrIncompatibleSchema = errors.New("incompatible schema for existing table")
	// ErrUnknownTable reports an append to a table that was never created.
	ErrUnknownTable = errors.New("table not created")
	// ErrClosed reports use of a closed store.
	ErrClosed = errors.New("store closed")
)

// TableRef names the table that holds one logical stream.
type TableRef struct {
	Signal      string
	PayloadType string
	SchemaID    string
}

// Name returns the sanitized table name.
func (t TableRef) Name() string {
	return schema.TableName(t.Signal, t.PayloadType, t.SchemaID)
}

// Store is the durable storage collaborator.
//
// CreateSchemaIfAbsent is idempotent for an identical schema and returns a
// fatal ErrIncompatibleSchema for a different one. AppendBatch does not take
// ownership of rec.
type Store interface {
	CreateSchemaIfAbsent(ctx context.Context, ref TableRef, s *arrow.Schema) error
	AppendBatch(ctx context.Context, ref TableRef, rec arrow.Record) error
	Close() error
}

type classifiedError struct {
	err       error
	retryable bool
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Retryable marks err as transient storage unavailability.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, retryable: true}
}

// Fatal marks err as permanent; retrying cannot succeed.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var ce *classifiedError
	return errors.As(err, &ce) && ce.retryable
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var ce *classifiedError
	return errors.As(err, &ce) && !ce.retryable
}

// checkFingerprint compares a recorded fingerprint with the wanted one.
func checkFingerprint(table, recorded, want string) error {
	if recorded == want {
		return nil
	}
	return Fatal(&SchemaMismatchError{Table: table, Recorded: recorded, Received: want})
}

// SchemaMismatchError details an ErrIncompatibleSchema.
type SchemaMismatchError struct {
	Table    string
	Recorded string
	Received string
}

func (e *SchemaMismatchError) Error() string {
	return "table " + e.Table + ": " + ErrIncompatibleSchema.Error() +
		" (recorded " + short(e.Recorded) + ", received " + short(e.Received) + ")"
}

func (e *SchemaMismatchError) Unwrap() error { return ErrIncompatibleSchema }

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
