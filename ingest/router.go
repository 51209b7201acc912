package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/withObsrvr/telemetry-arrow-ingest/resilience"
	"github.com/withObsrvr/telemetry-arrow-ingest/storage"
)

// StorageClassifier maps storage error classes onto retry decisions.
func StorageClassifier(err error) resilience.Decision {
	switch {
	case storage.IsFatal(err):
		return resilience.Stop
	case storage.IsRetryable(err), errors.Is(err, resilience.ErrCircuitOpen):
		return resilience.Retry
	}
	return resilience.Undecided
}

// BreakerCounts reports whether err should count against the storage
// circuit breaker. Fatal errors describe the request, not the store.
func BreakerCounts(err error) bool {
	return !storage.IsFatal(err) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// storageReason reports fatal storage errors, such as a schema that no
// longer matches its table, as invalid input.
func storageReason(err error) Reason {
	if storage.IsFatal(err) {
		return ReasonInvalid
	}
	return ReasonUnavailable
}

// Router hands decoded batches to storage, creating each table on first use.
type Router struct {
	store   storage.Store
	retry   *resilience.RetryManager
	breaker *resilience.CircuitBreaker
	events  EventSink

	// table name -> schema already created through this router
	ensured sync.Map
}

// NewRouter creates a Router. breaker may be nil.
func NewRouter(store storage.Store, retry *resilience.RetryManager, breaker *resilience.CircuitBreaker, events EventSink) *Router {
	if events == nil {
		events = NopEventSink{}
	}
	return &Router{
		store:   store,
		retry:   retry,
		breaker: breaker,
		events:  events,
	}
}

// Route stores rec in the table for (signal, payload type, schema id).
// Retryable storage failures are retried under the router's policy; fatal
// ones are returned at once. rec is not released.
func (r *Router) Route(ctx context.Context, signal Signal, schemaID string, pt PayloadType, rec arrow.Record) error {
	ref := storage.TableRef{Signal: signal.String(), PayloadType: pt.String(), SchemaID: schemaID}
	table := ref.Name()

	if err := r.ensure(ctx, signal, ref, rec.Schema()); err != nil {
		return err
	}

	err := r.do(ctx, signal, "append "+table, table, func() error {
		return r.store.AppendBatch(ctx, ref, rec)
	})
	if err != nil {
		return err
	}

	r.events.BatchStored(signal, table, rec.NumRows())
	return nil
}

func (r *Router) ensure(ctx context.Context, signal Signal, ref storage.TableRef, s *arrow.Schema) error {
	table := ref.Name()
	if known, ok := r.ensured.Load(table); ok && known.(*arrow.Schema).Equal(s) {
		return nil
	}

	err := r.do(ctx, signal, "create "+table, table, func() error {
		return r.store.CreateSchemaIfAbsent(ctx, ref, s)
	})
	if err != nil {
		return err
	}
	r.ensured.Store(table, s)
	return nil
}

func (r *Router) do(ctx context.Context, signal Signal, operation, table string, fn func() error) error {
	call := fn
	if r.breaker != nil {
		call = func() error { return r.breaker.Execute(fn) }
	}

	err := r.retry.ExecuteNotify(ctx, operation, call, func(attempt int, err error) {
		r.events.StorageRetry(signal, table, attempt, err)
	})
	if err != nil {
		if ctx.Err() == nil {
			r.events.StorageError(signal, table, err)
		}
		return fmt.Errorf("storage %s: %w", operation, err)
	}
	return nil
}
