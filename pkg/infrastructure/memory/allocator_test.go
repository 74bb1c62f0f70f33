package memory

import (
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackedAllocator(t *testing.T) {
	checked := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer checked.AssertSize(t, 0)
	alloc := NewTrackedAllocator(checked)

	buf := alloc.Allocate(512)
	require.Len(t, buf, 512)
	assert.Equal(t, int64(512), alloc.BytesUsed())

	buf = alloc.Reallocate(1024, buf)
	require.Len(t, buf, 1024)
	assert.Equal(t, int64(1024), alloc.BytesUsed())

	buf = alloc.Reallocate(256, buf)
	assert.Equal(t, int64(256), alloc.BytesUsed())
	assert.Equal(t, int64(1024), alloc.PeakBytes())

	alloc.Free(buf)
	assert.Equal(t, int64(0), alloc.BytesUsed())
	assert.Equal(t, int64(1024), alloc.PeakBytes())
	assert.Equal(t, int64(1), alloc.Allocations())
}

func TestTrackedAllocatorDefaultsToGoAllocator(t *testing.T) {
	alloc := NewTrackedAllocator(nil)
	buf := alloc.Allocate(64)
	assert.Len(t, buf, 64)
	alloc.Free(buf)
	assert.Zero(t, alloc.BytesUsed())
}

func TestTrackedAllocatorRecordLifecycle(t *testing.T) {
	alloc := NewTrackedAllocator(memory.NewGoAllocator())

	b := array.NewInt64Builder(alloc)
	b.AppendValues([]int64{1, 2, 3}, nil)
	arr := b.NewArray()
	b.Release()

	rec := array.NewRecord(
		arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil),
		[]arrow.Array{arr}, 3)
	arr.Release()
	assert.Positive(t, alloc.BytesUsed())

	rec.Release()
	assert.Zero(t, alloc.BytesUsed())
}

func TestTrackedAllocatorConcurrent(t *testing.T) {
	alloc := NewTrackedAllocator(memory.NewGoAllocator())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := alloc.Allocate(1024)
			alloc.Free(buf)
		}()
	}
	wg.Wait()

	assert.Zero(t, alloc.BytesUsed())
	assert.Equal(t, int64(10), alloc.Allocations())
	assert.LessOrEqual(t, alloc.PeakBytes(), int64(10*1024))
}
