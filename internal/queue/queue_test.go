package queue

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO_DrainPreservesOrder(t *testing.T) {
	q := NewFIFO[int](0)
	for i := 0; i < 5; i++ {
		require.True(t, q.Push(i))
	}
	assert.Equal(t, 5, q.Len())
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, q.Drain()); diff != "" {
		t.Errorf("Drain mismatch (-want +got):\n%s", diff)
	}
}

func TestFIFO_IdempotentDrain(t *testing.T) {
	q := NewFIFO[string](0)
	q.Push("a")
	require.Len(t, q.Drain(), 1)
	assert.Empty(t, q.Drain())
	assert.Equal(t, 0, q.Len())
}

func TestFIFO_Limit(t *testing.T) {
	q := NewFIFO[int](2)
	assert.True(t, q.Push(1))
	assert.True(t, q.Push(2))
	assert.False(t, q.Push(3))
	assert.Equal(t, []int{1, 2}, q.Drain())
	assert.True(t, q.Push(3))
}

func TestFIFO_ConcurrentProducers(t *testing.T) {
	q := NewFIFO[int](0)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				q.Push(i)
			}
		}()
	}
	total := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		total += len(q.Drain())
		select {
		case <-done:
			total += len(q.Drain())
			assert.Equal(t, 1000, total)
			return
		default:
		}
	}
}

func TestRing_EvictsOldest(t *testing.T) {
	r := NewRing[int](3)
	_, ok := r.Last()
	assert.False(t, ok)

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, 5, last)
}

func TestRing_PartialFill(t *testing.T) {
	r := NewRing[string](4)
	r.Push("a")
	r.Push("b")
	assert.Equal(t, []string{"a", "b"}, r.Snapshot())
	assert.Equal(t, 4, r.Cap())
}
