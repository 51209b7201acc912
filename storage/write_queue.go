package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/withObsrvr/telemetry-arrow-ingest/logging"
)

// writeJob is one storage call waiting for the writer goroutine.
type writeJob struct {
	ctx    context.Context
	ref    TableRef
	schema *arrow.Schema // set for table creation
	rec    arrow.Record  // set for appends, retained while queued

	submittedAt time.Time
	result      chan error
}

// WriteQueue serializes storage calls from many sessions onto a single
// writer goroutine. It implements Store, so sessions can use it in place of
// the store it wraps.
type WriteQueue struct {
	store  Store
	logger *logging.ComponentLogger

	queue chan *writeJob
	done  chan struct{}
	wg    sync.WaitGroup

	// guards stopped against concurrent Submit
	stateMu sync.RWMutex
	stopped bool
	started bool

	metricsMu sync.Mutex
	metrics   *WriteQueueMetrics

	queueSize   int
	logInterval time.Duration
}

// WriteQueueMetrics tracks queue performance
type WriteQueueMetrics struct {
	TotalJobsSubmitted int64
	TotalJobsWritten   int64
	TotalJobsFailed    int64
	TotalJobsSkipped   int64
	TotalRowsWritten   int64
	CurrentQueueDepth  int

	// Per-signal metrics
	SignalMetrics map[string]*SignalWriteMetrics
}

// SignalWriteMetrics tracks per-signal write performance
type SignalWriteMetrics struct {
	BatchesWritten int64
	RowsWritten    int64
	LastWriteTime  time.Time
	TotalWriteTime time.Duration
}

// NewWriteQueue creates a queue in front of store. logInterval enables
// periodic queue depth logging when positive.
func NewWriteQueue(store Store, queueSize int, logInterval time.Duration, logger *logging.ComponentLogger) *WriteQueue {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &WriteQueue{
		store:       store,
		logger:      logger,
		queue:       make(chan *writeJob, queueSize),
		done:        make(chan struct{}),
		queueSize:   queueSize,
		logInterval: logInterval,
		metrics: &WriteQueueMetrics{
			SignalMetrics: make(map[string]*SignalWriteMetrics),
		},
	}
}

// Start starts the writer goroutine.
func (wq *WriteQueue) Start(ctx context.Context) {
	wq.stateMu.Lock()
	defer wq.stateMu.Unlock()
	if wq.started || wq.stopped {
		return
	}
	wq.started = true

	wq.wg.Add(1)
	go func() {
		defer wq.wg.Done()
		wq.writerLoop(ctx)
	}()

	if wq.logInterval > 0 {
		wq.wg.Add(1)
		go func() {
			defer wq.wg.Done()
			wq.monitorLoop(ctx)
		}()
	}
}

func (wq *WriteQueue) CreateSchemaIfAbsent(ctx context.Context, ref TableRef, s *arrow.Schema) error {
	return wq.submit(ctx, &writeJob{ctx: ctx, ref: ref, schema: s})
}

func (wq *WriteQueue) AppendBatch(ctx context.Context, ref TableRef, rec arrow.Record) error {
	rec.Retain()
	return wq.submit(ctx, &writeJob{ctx: ctx, ref: ref, rec: rec})
}

// submit blocks until the job is queued and executed, or ctx is done.
func (wq *WriteQueue) submit(ctx context.Context, job *writeJob) error {
	job.submittedAt = time.Now()
	job.result = make(chan error, 1)

	wq.stateMu.RLock()
	if wq.stopped {
		wq.stateMu.RUnlock()
		job.release()
		return Fatal(ErrClosed)
	}

	wq.metricsMu.Lock()
	wq.metrics.TotalJobsSubmitted++
	wq.metricsMu.Unlock()

	select {
	case wq.queue <- job:
		wq.stateMu.RUnlock()
	case <-ctx.Done():
		wq.stateMu.RUnlock()
		job.release()
		return ctx.Err()
	}

	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		// the writer skips jobs whose context is done
		return ctx.Err()
	}
}

func (j *writeJob) release() {
	if j.rec != nil {
		j.rec.Release()
		j.rec = nil
	}
}

// writerLoop is the main queue draining loop
func (wq *WriteQueue) writerLoop(ctx context.Context) {
	wq.logger.Debug().Msg("Write queue writer loop started")

	for {
		select {
		case <-ctx.Done():
			wq.logger.Info().Msg("Context cancelled, draining remaining jobs")
			wq.drainQueue()
			return

		case <-wq.done:
			wq.logger.Info().Msg("Shutdown signal received, draining remaining jobs")
			wq.drainQueue()
			return

		case job := <-wq.queue:
			wq.execute(job)
		}
	}
}

// drainQueue drains remaining jobs on shutdown
func (wq *WriteQueue) drainQueue() {
	for {
		select {
		case job := <-wq.queue:
			wq.execute(job)
		default:
			wq.logger.Debug().Msg("Write queue drained")
			return
		}
	}
}

func (wq *WriteQueue) execute(job *writeJob) {
	defer job.release()

	if err := job.ctx.Err(); err != nil {
		wq.metricsMu.Lock()
		wq.metrics.TotalJobsSkipped++
		wq.metrics.CurrentQueueDepth = len(wq.queue)
		wq.metricsMu.Unlock()
		job.result <- err
		return
	}

	start := time.Now()
	var (
		err  error
		rows int64
	)
	if job.rec != nil {
		rows = job.rec.NumRows()
		err = wq.store.AppendBatch(job.ctx, job.ref, job.rec)
	} else {
		err = wq.store.CreateSchemaIfAbsent(job.ctx, job.ref, job.schema)
	}
	elapsed := time.Since(start)

	wq.metricsMu.Lock()
	if err != nil {
		wq.metrics.TotalJobsFailed++
	} else {
		wq.metrics.TotalJobsWritten++
		if job.rec != nil {
			wq.metrics.TotalRowsWritten += rows

			sm, ok := wq.metrics.SignalMetrics[job.ref.Signal]
			if !ok {
				sm = &SignalWriteMetrics{}
				wq.metrics.SignalMetrics[job.ref.Signal] = sm
			}
			sm.BatchesWritten++
			sm.RowsWritten += rows
			sm.LastWriteTime = time.Now()
			sm.TotalWriteTime += elapsed
		}
	}
	wq.metrics.CurrentQueueDepth = len(wq.queue)
	wq.metricsMu.Unlock()

	job.result <- err

	if err != nil {
		wq.logger.Warn().
			Err(err).
			Str("table", job.ref.Name()).
			Dur("queue_wait", start.Sub(job.submittedAt)).
			Dur("took", elapsed).
			Msg("Storage write failed")
	}
}

// monitorLoop logs queue depth at regular intervals
func (wq *WriteQueue) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(wq.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wq.done:
			return
		case <-ticker.C:
			m := wq.GetMetrics()
			wq.logger.Info().
				Int("depth", m.CurrentQueueDepth).
				Int("capacity", wq.queueSize).
				Float64("utilization_pct", float64(m.CurrentQueueDepth)/float64(wq.queueSize)*100).
				Int64("submitted", m.TotalJobsSubmitted).
				Int64("written", m.TotalJobsWritten).
				Int64("failed", m.TotalJobsFailed).
				Msg("Write queue status")

			for signal, sm := range m.SignalMetrics {
				if sm.BatchesWritten > 0 {
					wq.logger.Debug().
						Str("signal", signal).
						Int64("batches", sm.BatchesWritten).
						Int64("rows", sm.RowsWritten).
						Dur("avg_write_time", sm.TotalWriteTime/time.Duration(sm.BatchesWritten)).
						Msg("Write queue signal stats")
				}
			}
		}
	}
}

// Stop stops accepting jobs, drains the queue and waits for the writer.
func (wq *WriteQueue) Stop() {
	wq.stateMu.Lock()
	if wq.stopped {
		wq.stateMu.Unlock()
		return
	}
	wq.stopped = true
	started := wq.started
	close(wq.done)
	wq.stateMu.Unlock()

	if started {
		wq.wg.Wait()
	} else {
		wq.drainQueue()
	}
	wq.logger.Info().Msg("Write queue stopped")
}

// Close stops the queue and closes the wrapped store.
func (wq *WriteQueue) Close() error {
	wq.Stop()
	if err := wq.store.Close(); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// Depth returns the number of queued jobs.
func (wq *WriteQueue) Depth() int {
	return len(wq.queue)
}

// Capacity returns the queue size.
func (wq *WriteQueue) Capacity() int {
	return wq.queueSize
}

// GetMetrics returns current queue metrics (thread-safe)
func (wq *WriteQueue) GetMetrics() WriteQueueMetrics {
	wq.metricsMu.Lock()
	defer wq.metricsMu.Unlock()

	metrics := WriteQueueMetrics{
		TotalJobsSubmitted: wq.metrics.TotalJobsSubmitted,
		TotalJobsWritten:   wq.metrics.TotalJobsWritten,
		TotalJobsFailed:    wq.metrics.TotalJobsFailed,
		TotalJobsSkipped:   wq.metrics.TotalJobsSkipped,
		TotalRowsWritten:   wq.metrics.TotalRowsWritten,
		CurrentQueueDepth:  len(wq.queue),
		SignalMetrics:      make(map[string]*SignalWriteMetrics, len(wq.metrics.SignalMetrics)),
	}
	for signal, sm := range wq.metrics.SignalMetrics {
		cp := *sm
		metrics.SignalMetrics[signal] = &cp
	}
	return metrics
}
