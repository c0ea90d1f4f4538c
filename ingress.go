package fiberloop

import (
	"sync"
)

// ingressQueue carries tasks submitted from arbitrary goroutines into the
// loop. Producers append under a short mutex; the loop goroutine takes the
// whole pending batch in one swap per tick, so FIFO order is preserved and
// the lock is never held across task execution.
//
// Concurrency model:
//   - Push: any goroutine (producers)
//   - Swap: ONLY the loop goroutine (single consumer)
//
// Drained batches are recycled: Swap installs the caller's finished batch
// as the new append target, so the two backing arrays ping-pong and the
// steady state is allocation-free.
type ingressQueue struct {
	mu    sync.Mutex
	batch []func()
}

func newIngressQueue() *ingressQueue {
	return &ingressQueue{}
}

// Push appends a task. Always succeeds; ordering is the lock acquisition
// order of the producers.
func (q *ingressQueue) Push(fn func()) {
	q.mu.Lock()
	q.batch = append(q.batch, fn)
	q.mu.Unlock()
}

// Swap exchanges the pending batch for the caller's drained one and
// returns it. The returned slice is owned by the caller until the next
// Swap. Loop goroutine only.
func (q *ingressQueue) Swap(drained []func()) []func() {
	for i := range drained {
		drained[i] = nil
	}
	q.mu.Lock()
	batch := q.batch
	q.batch = drained[:0]
	q.mu.Unlock()
	return batch
}

// Length returns the number of pending tasks.
func (q *ingressQueue) Length() int {
	q.mu.Lock()
	n := len(q.batch)
	q.mu.Unlock()
	return n
}

// IsEmpty reports whether no tasks are pending.
func (q *ingressQueue) IsEmpty() bool {
	return q.Length() == 0
}
