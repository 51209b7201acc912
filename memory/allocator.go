package memory

import (
	"sync/atomic"
	"time"

	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/withObsrvr/telemetry-arrow-ingest/logging"
)

// TrackedAllocator wraps an Arrow allocator and keeps live byte counts so the
// service can report how much decoded data is resident at any time.
type TrackedAllocator struct {
	memory.Allocator
	logger    *logging.ComponentLogger
	softLimit int64

	current     atomic.Int64
	peak        atomic.Int64
	allocations atomic.Int64
	frees       atomic.Int64
	overLimit   atomic.Int64
	lastWarning atomic.Int64
}

// MemoryMetrics tracks memory usage statistics
type MemoryMetrics struct {
	TotalAllocations   int64
	TotalDeallocations int64
	PeakMemory         int64
	CurrentMemory      int64
	OverLimitEvents    int64
}

// NewTrackedAllocator creates a tracking allocator over the Go allocator.
// softLimit of zero disables the over-limit warning.
func NewTrackedAllocator(softLimit int64, logger *logging.ComponentLogger) *TrackedAllocator {
	return NewTrackedAllocatorFrom(memory.NewGoAllocator(), softLimit, logger)
}

// NewTrackedAllocatorFrom wraps an arbitrary allocator, e.g. a CheckedAllocator in tests.
func NewTrackedAllocatorFrom(base memory.Allocator, softLimit int64, logger *logging.ComponentLogger) *TrackedAllocator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &TrackedAllocator{
		Allocator: base,
		logger:    logger,
		softLimit: softLimit,
	}
}

// Allocate allocates memory with tracking
func (a *TrackedAllocator) Allocate(size int) []byte {
	buf := a.Allocator.Allocate(size)
	a.allocations.Add(1)
	a.grow(int64(len(buf)))
	return buf
}

// Reallocate reallocates memory with tracking
func (a *TrackedAllocator) Reallocate(size int, buf []byte) []byte {
	oldSize := len(buf)
	newBuf := a.Allocator.Reallocate(size, buf)
	a.grow(int64(len(newBuf) - oldSize))
	return newBuf
}

// Free frees memory with tracking
func (a *TrackedAllocator) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	a.current.Add(-int64(len(buf)))
	a.frees.Add(1)
	a.Allocator.Free(buf)
}

func (a *TrackedAllocator) grow(delta int64) {
	current := a.current.Add(delta)
	for {
		peak := a.peak.Load()
		if current <= peak || a.peak.CompareAndSwap(peak, current) {
			break
		}
	}

	if a.softLimit > 0 && current > a.softLimit {
		a.overLimit.Add(1)
		// at most one warning per second
		now := time.Now().Unix()
		last := a.lastWarning.Load()
		if now > last && a.lastWarning.CompareAndSwap(last, now) {
			a.logger.Warn().
				Int64("current", current).
				Int64("soft_limit", a.softLimit).
				Msg("Arrow memory above soft limit")
		}
	}
}

// Allocated returns the bytes currently held by live Arrow buffers
func (a *TrackedAllocator) Allocated() int64 {
	return a.current.Load()
}

// GetMetrics returns a snapshot of the allocator counters
func (a *TrackedAllocator) GetMetrics() MemoryMetrics {
	return MemoryMetrics{
		TotalAllocations:   a.allocations.Load(),
		TotalDeallocations: a.frees.Load(),
		PeakMemory:         a.peak.Load(),
		CurrentMemory:      a.current.Load(),
		OverLimitEvents:    a.overLimit.Load(),
	}
}

// StartMonitoring logs allocator statistics until stop is closed
func (a *TrackedAllocator) StartMonitoring(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.logger.LogArrowMemory(a.Allocated())
		case <-stop:
			return
		}
	}
}
