package memory

import (
	"testing"

	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackedAllocatorCountsLiveBytes(t *testing.T) {
	checked := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer checked.AssertSize(t, 0)

	alloc := NewTrackedAllocatorFrom(checked, 0, nil)

	buf := alloc.Allocate(128)
	require.Len(t, buf, 128)
	assert.Equal(t, int64(128), alloc.Allocated())

	buf = alloc.Reallocate(512, buf)
	assert.Equal(t, int64(512), alloc.Allocated())

	alloc.Free(buf)
	assert.Equal(t, int64(0), alloc.Allocated())

	m := alloc.GetMetrics()
	assert.Equal(t, int64(1), m.TotalAllocations)
	assert.Equal(t, int64(1), m.TotalDeallocations)
	assert.Equal(t, int64(512), m.PeakMemory)
}

func TestTrackedAllocatorWithArrowBuilder(t *testing.T) {
	alloc := NewTrackedAllocator(1, nil)

	b := array.NewInt64Builder(alloc)
	for i := 0; i < 1000; i++ {
		b.Append(int64(i))
	}
	arr := b.NewInt64Array()
	b.Release()

	assert.Greater(t, alloc.Allocated(), int64(0))
	assert.Greater(t, alloc.GetMetrics().OverLimitEvents, int64(0))

	arr.Release()
	assert.Equal(t, int64(0), alloc.Allocated())
}
