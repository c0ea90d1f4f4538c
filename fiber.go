package fiberloop

import (
	"sync/atomic"
)

// FiberState represents the lifecycle state of a fiber.
type FiberState uint32

const (
	// FiberCreated indicates the fiber has been constructed but not yet
	// queued.
	FiberCreated FiberState = iota
	// FiberRunnable indicates the fiber is queued and will run on an
	// upcoming tick.
	FiberRunnable
	// FiberRunning indicates the fiber is currently executing. At most one
	// fiber per loop is in this state.
	FiberRunning
	// FiberWaiting indicates the fiber is parked at a suspension point.
	FiberWaiting
	// FiberDead indicates the fiber's entry function has returned. Terminal.
	FiberDead
)

// String returns a human-readable representation of the state.
func (s FiberState) String() string {
	switch s {
	case FiberCreated:
		return "Created"
	case FiberRunnable:
		return "Runnable"
	case FiberRunning:
		return "Running"
	case FiberWaiting:
		return "Waiting"
	case FiberDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// resumeSignal transfers control from the scheduler to a fiber. A non-nil
// err is an injected cancellation, returned from the suspension point the
// fiber is parked at.
type resumeSignal struct {
	err error
}

// schedEvent transfers control from a fiber back to the scheduler. done is
// set when the fiber's entry function has returned.
type schedEvent struct {
	fiber *Fiber
	done  bool
}

// Fiber is a lightweight cooperative execution context scheduled by a
// [Loop]. It is backed by a goroutine, but a strict handshake with the
// scheduler guarantees that at any instant at most one of {the loop
// goroutine, one fiber} executes, so fibers share loop state without locks.
//
// A Fiber belongs to its creating loop for life. Apart from the read-only
// accessors, its methods must be called from that loop's goroutine or one
// of its fibers.
type Fiber struct {
	loop  *Loop
	id    uint64
	entry func() (any, error)
	state atomic.Uint32

	// resumeCh carries exactly one resumeSignal per scheduler→fiber
	// handoff. Unbuffered: the send synchronizes the two sides.
	resumeCh chan resumeSignal

	// Scheduler-side fields. Guarded by the single-runner invariant, not
	// by a lock: only the loop goroutine or the currently running fiber
	// touches them, and never both at once.
	pending error    // error to deliver at the next resume
	joiners []*Fiber // fibers parked in Join on this fiber
	started bool     // goroutine launched
	result  any
	err     error
}

// ID returns the fiber's loop-unique identifier.
func (f *Fiber) ID() uint64 {
	return f.id
}

// Loop returns the owning loop.
func (f *Fiber) Loop() *Loop {
	return f.loop
}

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() FiberState {
	return FiberState(f.state.Load())
}

// Alive reports whether the fiber has not yet terminated.
func (f *Fiber) Alive() bool {
	return f.State() != FiberDead
}

// Dead reports whether the fiber has terminated. Its signature makes it
// usable directly as a [Loop.RunUntil] predicate.
func (f *Fiber) Dead() bool {
	return f.State() == FiberDead
}

// Join parks the calling fiber until f terminates, then returns f's result.
// An error escaping f is wrapped in a [*BeamError] exactly once. Joining a
// dead fiber returns immediately. A fiber cannot join itself, and Join
// requires a running fiber on f's own loop.
func (f *Fiber) Join() (any, error) {
	l := f.loop
	if lookupLoop(getGoroutineID()) != l {
		return nil, &CrossThreadError{Message: "join from goroutine outside the owning loop"}
	}
	cur := l.running
	if cur == nil {
		return nil, &SchedulerError{Message: "join requires a running fiber"}
	}
	if cur == f {
		return nil, &SchedulerError{Message: "fiber cannot join itself"}
	}
	if f.Dead() {
		return f.result, wrapBeam(f.err)
	}

	f.joiners = append(f.joiners, cur)
	cur.state.Store(uint32(FiberWaiting))
	if err := cur.suspend(); err != nil {
		f.removeJoiner(cur)
		return nil, err
	}
	return f.result, wrapBeam(f.err)
}

// removeJoiner drops fib from the joiner list, preserving order.
func (f *Fiber) removeJoiner(fib *Fiber) {
	for i, j := range f.joiners {
		if j == fib {
			f.joiners = append(f.joiners[:i], f.joiners[i+1:]...)
			return
		}
	}
}

// suspend yields control from the fiber back to the scheduler and blocks
// until resumed. The caller must have already recorded the fiber's new
// state (Waiting or Runnable) and any bookkeeping for its wakeup. Returns
// the error injected while parked, if any.
func (f *Fiber) suspend() error {
	f.loop.schedCh <- schedEvent{fiber: f}
	sig := <-f.resumeCh
	return sig.err
}

// run is the fiber goroutine's body. It binds the goroutine to the owning
// loop so Current and the cross-loop guards resolve from inside the fiber,
// waits for the first resume, executes the entry function with panic
// recovery, and hands the terminal event to the scheduler.
func (f *Fiber) run() {
	gid := getGoroutineID()
	bindGoroutine(gid, f.loop)

	sig := <-f.resumeCh
	if sig.err != nil {
		// Canceled before first run: the entry function never executes.
		f.result, f.err = nil, sig.err
	} else {
		f.result, f.err = f.callEntry()
	}

	unbindGoroutine(gid)
	f.loop.schedCh <- schedEvent{fiber: f, done: true}
}

// callEntry invokes the entry function, converting panics to [PanicError].
func (f *Fiber) callEntry() (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, PanicError{Value: r}
		}
	}()
	return f.entry()
}
