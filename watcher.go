package fiberloop

import (
	"io"
	"runtime"
	"time"
)

// Watcher is the fiber-facing view of one file descriptor's readiness. It
// owns a lazily-registered [Monitor] and parks at most one fiber at a time.
//
// A Watcher belongs to its creating loop for life; its methods must be
// called from that loop's goroutine or one of its fibers. Interests only
// ever widen over the watcher's life, so readiness being tracked for one
// parked operation is never lost to another.
type Watcher struct {
	loop      *Loop
	fd        int
	monitor   *Monitor
	cleanup   runtime.Cleanup
	interests IOEvents
	readiness IOEvents
	waiting   IOEvents
	waiter    *Fiber
	delivered bool
	err       error
	closed    bool
}

// NewWatcher creates a watcher for fd. The monitor registration is
// deferred until the first operation that needs it; interests seeds the
// initial registration and is widened as operations require.
func (l *Loop) NewWatcher(fd int, interests IOEvents) (*Watcher, error) {
	if lookupLoop(getGoroutineID()) != l {
		return nil, &CrossThreadError{Message: "new watcher from goroutine outside the owning loop"}
	}
	if l.state.IsTerminal() {
		return nil, ErrLoopClosed
	}
	return &Watcher{
		loop:      l,
		fd:        fd,
		interests: interests & (EventRead | EventWrite),
	}, nil
}

// FD returns the watched file descriptor.
func (w *Watcher) FD() int {
	return w.fd
}

// Interests returns the currently tracked interest set.
func (w *Watcher) Interests() IOEvents {
	return w.interests
}

// Readiness returns the last observed readiness. It is sticky: bits
// accumulate as callbacks fire and are cleared only by [Watcher.ClearStatus].
func (w *Watcher) Readiness() IOEvents {
	return w.readiness
}

// Closed reports whether Close has been called.
func (w *Watcher) Closed() bool {
	return w.closed
}

// Wait parks the calling fiber until the descriptor is ready for mode,
// the timeout elapses, or the watcher is closed. Returns (true, nil) on
// readiness and (false, nil) on timeout. A non-positive timeout waits
// indefinitely. Close while parked returns the sticky error wrapped in a
// [*BeamError]; a foreign injected error propagates unchanged.
//
// Only one fiber may wait at a time; a second concurrent Wait fails with
// a [*SchedulerError].
func (w *Watcher) Wait(timeout time.Duration, mode IOEvents) (bool, error) {
	l := w.loop
	f, err := l.requireFiber("watcher wait")
	if err != nil {
		return false, err
	}
	if l.state.IsTerminal() {
		return false, ErrLoopClosed
	}
	if w.closed {
		return false, io.EOF
	}
	if w.waiter != nil {
		return false, &SchedulerError{Message: "watcher already has a waiting fiber"}
	}

	mode &= EventRead | EventWrite
	if mode == 0 {
		return false, &SchedulerError{Message: "watcher wait requires a read or write mode"}
	}
	if err := w.ensureInterests(mode); err != nil {
		return false, err
	}

	w.waiting = mode
	w.waiter = f
	w.delivered = false

	tErr := &TimeoutError{Message: "watcher wait deadline exceeded"}
	werr := l.guard(timeout, tErr, func() error {
		f.state.Store(uint32(FiberWaiting))
		return f.suspend()
	})

	w.waiting = 0
	w.waiter = nil

	if werr != nil {
		if werr == error(tErr) {
			// Readiness delivered in the same tick as the deadline wins
			// the tie: the wait reports the I/O, not the timeout.
			if w.delivered && w.err == nil {
				return true, nil
			}
			return false, nil
		}
		return false, werr
	}
	if w.err != nil {
		return false, w.err
	}
	return true, nil
}

// WaitReadable waits for the descriptor to become readable.
func (w *Watcher) WaitReadable(timeout time.Duration) (bool, error) {
	return w.Wait(timeout, EventRead)
}

// WaitWritable waits for the descriptor to become writable.
func (w *Watcher) WaitWritable(timeout time.Duration) (bool, error) {
	return w.Wait(timeout, EventWrite)
}

// Readable reports whether the descriptor was last observed readable,
// ensuring the read interest is tracked first.
func (w *Watcher) Readable() (bool, error) {
	if w.closed {
		return false, w.err
	}
	if err := w.ensureInterests(EventRead); err != nil {
		return false, err
	}
	return w.readiness&EventRead != 0, nil
}

// Writable reports whether the descriptor was last observed writable,
// ensuring the write interest is tracked first.
func (w *Watcher) Writable() (bool, error) {
	if w.closed {
		return false, w.err
	}
	if err := w.ensureInterests(EventWrite); err != nil {
		return false, err
	}
	return w.readiness&EventWrite != 0, nil
}

// ClearStatus resets the observed readiness so consumers can decide
// whether a further wait is needed.
func (w *Watcher) ClearStatus() {
	w.readiness = 0
	if w.monitor != nil {
		w.monitor.ClearReadiness()
	}
}

// Close releases the watcher. Idempotent. Sets the sticky "closed stream"
// error, closes the underlying monitor, and unblocks any parked fiber with
// the sticky error wrapped in a [*BeamError].
func (w *Watcher) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.err == nil {
		w.err = &IOError{Message: "closed stream"}
	}
	if w.monitor != nil {
		w.cleanup.Stop()
		w.monitor.Close()
	}
	if w.waiter != nil {
		w.loop.wake(w.waiter, wrapBeam(w.err))
	}
	return nil
}

// ensureInterests widens the tracked interest set to include mode,
// registering the monitor on first use.
func (w *Watcher) ensureInterests(mode IOEvents) error {
	if w.monitor == nil {
		want := w.interests | mode
		m, err := w.loop.RegisterFD(w.fd, want, w.onReady)
		if err != nil {
			return err
		}
		w.monitor = m
		w.interests = want
		// Backstop for watchers dropped without Close: the descriptor's
		// registration must not outlive the watcher.
		w.cleanup = runtime.AddCleanup(w, func(m *Monitor) { m.Close() }, m)
		return nil
	}
	if w.interests&mode == mode {
		return nil
	}
	want := w.interests | mode
	if err := w.monitor.SetInterests(want); err != nil {
		return err
	}
	w.interests = want
	return nil
}

// onReady is the monitor callback, invoked on the loop goroutine during
// the poll phase. Readiness accumulates; a parked fiber is woken only when
// the observed events intersect its awaited mode (errors and hangups wake
// any mode).
func (w *Watcher) onReady(ev IOEvents) {
	w.readiness |= ev
	if w.waiter == nil {
		return
	}
	if ev&(w.waiting|EventError|EventHangup) == 0 {
		return
	}
	w.delivered = true
	w.loop.wake(w.waiter, nil)
}
