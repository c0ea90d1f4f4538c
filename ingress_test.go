package fiberloop

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngressQueueFIFO(t *testing.T) {
	q := newIngressQueue()

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		q.Push(func() { got = append(got, i) })
	}
	assert.Equal(t, 10, q.Length())

	batch := q.Swap(nil)
	for _, fn := range batch {
		fn()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	assert.True(t, q.IsEmpty())
}

func TestIngressQueueSwapRecyclesBatch(t *testing.T) {
	q := newIngressQueue()

	q.Push(func() {})
	q.Push(func() {})
	first := q.Swap(nil)
	require.Len(t, first, 2)

	// The drained batch's backing array comes back as the append target
	// after one more swap, so the steady state stays allocation-free.
	q.Push(func() {})
	second := q.Swap(first)
	require.Len(t, second, 1)

	q.Push(func() {})
	third := q.Swap(second)
	require.Len(t, third, 1)
	assert.Same(t, &first[:cap(first)][0], &third[:cap(third)][0])
}

func TestIngressQueueSwapEmpty(t *testing.T) {
	q := newIngressQueue()
	assert.Empty(t, q.Swap(nil))
	assert.True(t, q.IsEmpty())
	assert.Equal(t, 0, q.Length())
}

func TestIngressQueueConcurrentProducers(t *testing.T) {
	q := newIngressQueue()

	const producers = 8
	const perProducer = 2000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(func() {})
			}
		}()
	}

	// Single consumer swapping concurrently with the producers.
	popped := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		var batch []func()
		for popped < producers*perProducer {
			batch = q.Swap(batch)
			for _, fn := range batch {
				fn()
				popped++
			}
		}
	}()

	wg.Wait()
	<-done

	assert.Equal(t, producers*perProducer, popped)
	assert.True(t, q.IsEmpty())
}

func TestIngressQueueInterleavedPushSwap(t *testing.T) {
	q := newIngressQueue()

	// Pushes landing after a swap wait for the next one; order is preserved
	// across batches.
	var got []int
	q.Push(func() { got = append(got, 1) })
	batch := q.Swap(nil)
	q.Push(func() { got = append(got, 2) })
	for _, fn := range batch {
		fn()
	}
	batch = q.Swap(batch)
	for _, fn := range batch {
		fn()
	}
	assert.Equal(t, []int{1, 2}, got)
}
