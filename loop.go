package fiberloop

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

const (
	// defaultMaxPollInterval bounds how long a single poll may block when no timer
	// is due sooner. Keeps the loop responsive to Close from other
	// goroutines even with an empty timer heap.
	defaultMaxPollInterval = 10 * time.Second
)

// loopIDCounter allocates process-unique loop identifiers.
var loopIDCounter atomic.Uint64

// Waiter is a pluggable suspension source for [Loop.Wait]. Start arms the
// waiter; it must arrange for wake to be called exactly once from the
// loop's goroutine (directly, or via a timer or I/O callback) when the
// awaited condition holds. A non-nil error passed to wake is delivered to
// the parked fiber as the return value of Wait.
type Waiter interface {
	Start(l *Loop, wake func(err error)) error
}

// Loop is a single-threaded cooperative scheduler. One goroutine owns the
// loop; fibers spawned on it interleave on that goroutine's schedule, so
// state shared between fibers of one loop needs no locking.
//
// Cross-goroutine interaction is limited to [Loop.Submit] (and the methods
// documented as routing through it), [Loop.RegisterFD], [Loop.Close], and
// the read-only accessors. Everything else must be called from the owning goroutine or
// one of the loop's fibers.
type Loop struct {
	_ [0]func() // Prevent comparison

	id    uint64
	state *loopStateMachine

	// Scheduler state. Guarded by the single-runner invariant: only the
	// loop goroutine or the currently running fiber touches these fields,
	// never both at once.
	running  *Fiber
	runq     *queue.Queue
	fibers   map[uint64]*Fiber
	timers   timerHeap
	timerSeq uint64
	tick     uint64

	// schedCh carries fiber→scheduler handoffs. Unbuffered: the send
	// synchronizes the two sides.
	schedCh chan schedEvent

	fiberSeq atomic.Uint64

	// ingress carries tasks submitted from foreign goroutines.
	// ingressBatch is the drained batch being executed, recycled through
	// Swap each tick.
	ingress      *ingressQueue
	ingressBatch []func()

	sel         selector
	wakeFd      int
	wakeWriteFd int
	wakeBuf     [8]byte
	wakePending atomic.Uint32

	// Monotonic clock: tickAnchor is fixed at construction and
	// tickElapsedTime advances at the start of each tick and again after
	// the poll phase, so now() is stable within each phase and cheap to
	// read.
	tickAnchor      time.Time
	tickElapsedTime atomic.Int64

	// ownerGID is the goroutine bound to this loop, 0 until the first
	// RunUntil (or Current) binds one.
	ownerGID atomic.Uint64

	releaseOnce sync.Once

	logger          *logiface.Logger[logiface.Event]
	metrics         *Metrics
	maxPollInterval time.Duration
}

// New creates a loop with the given options. The loop starts Idle; drive
// it with [Loop.RunUntil] from the goroutine that will own it.
func New(opts ...LoopOption) (*Loop, error) {
	resolved := resolveLoopOptions(opts...)

	readFd, writeFd, err := createWakeFd(0, wakeFdCloexec|wakeFdNonblock)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		id:              loopIDCounter.Add(1),
		state:           newLoopStateMachine(),
		runq:            queue.New(),
		fibers:          make(map[uint64]*Fiber),
		schedCh:         make(chan schedEvent),
		ingress:         newIngressQueue(),
		wakeFd:          readFd,
		wakeWriteFd:     writeFd,
		tickAnchor:      time.Now(),
		logger:          resolved.logger,
		maxPollInterval: resolved.maxPollInterval,
	}
	if resolved.metrics {
		l.metrics = newMetrics()
	}

	if err := l.sel.init(); err != nil {
		unix.Close(readFd)
		if writeFd != readFd {
			unix.Close(writeFd)
		}
		return nil, err
	}

	if _, err := l.sel.register(l.wakeFd, EventRead, func(IOEvents) {
		l.drainWake()
	}); err != nil {
		l.sel.close()
		unix.Close(readFd)
		if writeFd != readFd {
			unix.Close(writeFd)
		}
		return nil, err
	}

	return l, nil
}

// ID returns the loop's process-unique identifier.
func (l *Loop) ID() uint64 {
	return l.id
}

// State returns the loop's current lifecycle state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Metrics returns a snapshot of the loop's runtime metrics, or nil when
// metrics collection is disabled.
func (l *Loop) Metrics() *MetricsSnapshot {
	if l.metrics == nil {
		return nil
	}
	return l.metrics.snapshot()
}

// RunUntil drives the loop until pred returns true or the loop closes.
// pred is evaluated between ticks on the loop goroutine, so it may touch
// loop state freely; a nil pred runs until Close. The first call binds the
// calling goroutine as the loop's owner for life.
//
// Returns nil when pred stopped the loop, [ErrLoopClosed] when Close did,
// a [*SchedulerError] when called from one of the loop's fibers, and
// [ErrLoopRunning] on other reentrant calls (such as from a loop callback).
func (l *Loop) RunUntil(pred func() bool) error {
	gid := getGoroutineID()
	if lookupLoop(gid) == l && l.running != nil {
		return &SchedulerError{Message: "nested run from inside a fiber"}
	}
	if !l.ownerGID.CompareAndSwap(0, gid) && l.ownerGID.Load() != gid {
		return &CrossThreadError{Message: "run from goroutine that does not own the loop"}
	}
	if lookupLoop(gid) != l {
		bindGoroutine(gid, l)
	}

	if !l.state.TryTransition(StateIdle, StateRunning) {
		if l.state.IsTerminal() {
			return ErrLoopClosed
		}
		return ErrLoopRunning
	}
	defer l.state.TryTransition(StateRunning, StateIdle)

	for pred == nil || !pred() {
		if l.state.IsTerminal() {
			l.shutdownFibers()
			l.releaseFDs()
			return ErrLoopClosed
		}
		l.runTick()
		if l.state.IsTerminal() {
			l.shutdownFibers()
			l.releaseFDs()
			return ErrLoopClosed
		}
	}
	return nil
}

// runTick executes one scheduler revolution: drain the ready queue, drain
// cross-goroutine submissions, poll for I/O, then fire expired timers. I/O
// callbacks run before timer callbacks that became due during the same
// poll.
func (l *Loop) runTick() {
	start := time.Now()
	l.tick++
	l.tickElapsedTime.Store(int64(time.Since(l.tickAnchor)))

	worked := l.runReady()
	worked += l.drainIngress()

	// Any work this tick may have satisfied the RunUntil predicate, which
	// is only evaluated between ticks. Poll without blocking so the caller
	// observes the new state promptly.
	l.poll(worked > 0)

	l.tickElapsedTime.Store(int64(time.Since(l.tickAnchor)))
	l.runTimers()

	if l.metrics != nil {
		l.metrics.recordTick(time.Since(start))
	}
}

// runReady resumes every fiber queued at the start of the tick, returning
// the number resumed. The length snapshot means a fiber that yields runs
// again next tick, not this one, so a yield loop cannot starve the poll
// phase.
func (l *Loop) runReady() int {
	n := l.runq.Length()
	resumed := 0
	for i := 0; i < n; i++ {
		if l.state.IsTerminal() {
			return resumed
		}
		f := l.runq.Remove().(*Fiber)
		if f.Dead() {
			continue
		}
		l.resumeFiber(f)
		resumed++
	}
	return resumed
}

// resumeFiber hands control to f and blocks until f yields back. Any
// pending injected error is delivered through the resume signal.
func (l *Loop) resumeFiber(f *Fiber) {
	if !f.started {
		f.started = true
		go f.run()
	}

	err := f.pending
	f.pending = nil
	f.state.Store(uint32(FiberRunning))
	l.running = f

	f.resumeCh <- resumeSignal{err: err}
	ev := <-l.schedCh

	l.running = nil
	if ev.done {
		l.finishFiber(ev.fiber)
	}
}

// finishFiber records f's termination and wakes its joiners. An error that
// escaped with no joiner to receive it is logged rather than lost.
func (l *Loop) finishFiber(f *Fiber) {
	f.state.Store(uint32(FiberDead))
	delete(l.fibers, f.id)

	joiners := f.joiners
	f.joiners = nil
	for _, j := range joiners {
		l.wake(j, nil)
	}

	if f.err != nil && len(joiners) == 0 {
		if _, ok := f.err.(PanicError); ok {
			l.logger.Err().
				Err(f.err).
				Uint64("fiber", f.id).
				Log("fiber terminated by panic with no joiner")
		} else {
			l.logger.Warning().
				Err(f.err).
				Uint64("fiber", f.id).
				Log("fiber error discarded, no joiner")
		}
	}
}

// wake transitions f toward Runnable and records an injected error.
// Injection is first-wins: a pending error already recorded is never
// overwritten. Waking a dead fiber is a no-op; waking a fiber that is
// already runnable or running only records the error.
func (l *Loop) wake(f *Fiber, err error) {
	switch f.State() {
	case FiberDead:
		return
	case FiberWaiting:
		if err != nil && f.pending == nil {
			f.pending = err
		}
		f.state.Store(uint32(FiberRunnable))
		l.runq.Add(f)
	default:
		if err != nil && f.pending == nil {
			f.pending = err
		}
	}
}

// Spawn creates a fiber running entry and queues it for the next tick.
// Callable from any goroutine: calls from outside the owning loop route
// through [Loop.Submit]. The returned fiber can be joined, but only from
// a fiber of the same loop.
func (l *Loop) Spawn(entry func() (any, error)) *Fiber {
	f := &Fiber{
		loop:     l,
		id:       l.fiberSeq.Add(1),
		entry:    entry,
		resumeCh: make(chan resumeSignal),
	}

	if lookupLoop(getGoroutineID()) == l {
		l.enqueueFiber(f)
		return f
	}

	if err := l.Submit(func() { l.enqueueFiber(f) }); err != nil {
		f.err = ErrLoopClosed
		f.state.Store(uint32(FiberDead))
	}
	return f
}

// enqueueFiber admits f to the scheduler. Loop goroutine only.
func (l *Loop) enqueueFiber(f *Fiber) {
	if l.state.IsTerminal() {
		f.err = ErrLoopClosed
		f.state.Store(uint32(FiberDead))
		return
	}
	l.fibers[f.id] = f
	f.state.Store(uint32(FiberRunnable))
	l.runq.Add(f)
	if l.metrics != nil {
		l.metrics.fibersSpawned.Add(1)
	}
}

// requireFiber returns the currently running fiber, or an error when the
// caller is not a fiber of this loop.
func (l *Loop) requireFiber(op string) (*Fiber, error) {
	if lookupLoop(getGoroutineID()) != l {
		return nil, &CrossThreadError{Message: op + " from goroutine outside the owning loop"}
	}
	// Safe without synchronization: while a fiber runs, the loop goroutine
	// is parked in resumeFiber, so l.running is stable.
	if l.running == nil {
		return nil, &SchedulerError{Message: op + " requires a running fiber"}
	}
	return l.running, nil
}

// Yield reschedules the calling fiber to the back of the ready queue and
// suspends it until the next tick. Returns any error injected while
// parked.
func (l *Loop) Yield() error {
	f, err := l.requireFiber("yield")
	if err != nil {
		return err
	}
	if l.state.IsTerminal() {
		return ErrLoopClosed
	}
	return l.yieldFiber(f)
}

// yieldFiber parks f as runnable for the next tick.
func (l *Loop) yieldFiber(f *Fiber) error {
	f.state.Store(uint32(FiberRunnable))
	l.runq.Add(f)
	return f.suspend()
}

// Sleep parks the calling fiber for at least d. A zero duration yields for
// exactly one tick; a negative duration parks forever (until an error is
// injected or the loop closes). Returns the injected error, if any.
func (l *Loop) Sleep(d time.Duration) error {
	f, err := l.requireFiber("sleep")
	if err != nil {
		return err
	}
	if l.state.IsTerminal() {
		return ErrLoopClosed
	}

	if d == 0 {
		return l.yieldFiber(f)
	}

	if d < 0 {
		f.state.Store(uint32(FiberWaiting))
		return f.suspend()
	}

	t := l.addTimer(d, func() { l.wake(f, nil) })
	f.state.Store(uint32(FiberWaiting))
	if err := f.suspend(); err != nil {
		t.Cancel()
		return err
	}
	return nil
}

// Wait parks the calling fiber on w. The waiter's wake callback resumes
// the fiber; a non-nil error given to wake (or injected while parked) is
// returned.
func (l *Loop) Wait(w Waiter) error {
	f, err := l.requireFiber("wait")
	if err != nil {
		return err
	}
	if l.state.IsTerminal() {
		return ErrLoopClosed
	}

	if err := w.Start(l, func(werr error) { l.wake(f, werr) }); err != nil {
		return err
	}
	f.state.Store(uint32(FiberWaiting))
	return f.suspend()
}

// AddTimer schedules fn to run on the loop goroutine once d has elapsed.
// Must be called from the owning loop; foreign goroutines combine
// [Loop.Submit] with AddTimer instead.
func (l *Loop) AddTimer(d time.Duration, fn func()) (*TimerEntry, error) {
	if lookupLoop(getGoroutineID()) != l {
		return nil, &CrossThreadError{Message: "add timer from goroutine outside the owning loop"}
	}
	if l.state.IsTerminal() {
		return nil, ErrLoopClosed
	}
	return l.addTimer(d, fn), nil
}

func (l *Loop) addTimer(d time.Duration, fn func()) *TimerEntry {
	l.timerSeq++
	// Deadlines anchor to the wall clock at scheduling time, not the
	// tick-start snapshot, so Sleep(d) never returns before d has elapsed
	// from the caller's perspective.
	t := &TimerEntry{
		when: time.Now().Add(d),
		fn:   fn,
		seq:  l.timerSeq,
	}
	l.timers.push(t)
	return t
}

// now returns the loop's tick-stable monotonic clock reading.
func (l *Loop) now() time.Time {
	return l.tickAnchor.Add(time.Duration(l.tickElapsedTime.Load()))
}

// runTimers fires every timer whose deadline has passed.
func (l *Loop) runTimers() {
	now := l.now()
	for {
		t := l.timers.popExpired(now)
		if t == nil {
			return
		}
		t.fired = true
		if l.metrics != nil {
			l.metrics.timersFired.Add(1)
		}
		l.safeExecute(t.fn)
		if l.state.IsTerminal() {
			return
		}
	}
}

// pollTimeout computes the poll phase's blocking budget in milliseconds:
// the time until the nearest live timer, capped at the configured maximum.
// Sub-millisecond positive deadlines round up to 1ms so a due-soon timer
// is not spun on.
func (l *Loop) pollTimeout() int {
	timeout := l.maxPollInterval

	if deadline, ok := l.timers.nextDeadline(); ok {
		delta := deadline.Sub(l.now())
		if delta < timeout {
			timeout = delta
		}
	}

	if timeout <= 0 {
		return 0
	}
	if timeout < time.Millisecond {
		return 1
	}
	return int(timeout.Milliseconds())
}

// poll blocks on the selector for up to the computed timeout, dispatching
// any ready I/O callbacks. Runnable fibers or pending submissions force a
// non-blocking poll. The Running→Sleeping→Running transitions publish the
// blocking window to Submit, which kicks the wake fd to cut a sleep short.
func (l *Loop) poll(forceNonblock bool) {
	if l.state.Load() != StateRunning {
		return
	}

	timeout := l.pollTimeout()
	if forceNonblock || l.runq.Length() > 0 {
		timeout = 0
	}

	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	// Recheck after publishing Sleeping: a Submit that raced the
	// transition may have skipped the wake kick.
	if timeout != 0 && !l.ingress.IsEmpty() {
		timeout = 0
	}

	_, err := l.sel.poll(timeout)
	l.state.TryTransition(StateSleeping, StateRunning)
	if l.metrics != nil {
		l.metrics.polls.Add(1)
	}

	if err != nil {
		if err == ErrSelectorClosed {
			return
		}
		l.logger.Err().
			Err(err).
			Uint64("loop", l.id).
			Log("selector poll failed, closing loop")
		l.Close()
	}
}

// drainIngress runs every task submitted from foreign goroutines since the
// last tick, returning the number executed. Tasks still unexecuted when the
// loop closes mid-batch are dropped.
func (l *Loop) drainIngress() int {
	l.ingressBatch = l.ingress.Swap(l.ingressBatch)
	for i, fn := range l.ingressBatch {
		l.safeExecute(fn)
		if l.state.IsTerminal() {
			return i + 1
		}
	}
	return len(l.ingressBatch)
}

// Submit queues fn to run on the loop goroutine on an upcoming tick. Safe
// to call from any goroutine; this is the only cross-goroutine entry point
// for work. A loop blocked in poll is woken. Returns [ErrLoopClosed] once
// the loop is closed; tasks still queued at close are dropped.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return nil
	}
	if !l.state.CanAcceptWork() {
		return ErrLoopClosed
	}

	l.ingress.Push(fn)

	if l.state.Load() == StateSleeping && l.wakePending.CompareAndSwap(0, 1) {
		if !l.writeWake() {
			l.wakePending.Store(0)
		}
	}
	if l.metrics != nil {
		l.metrics.submissions.Add(1)
	}
	return nil
}

// writeWake kicks the wake fd so a blocked poll returns.
func (l *Loop) writeWake() bool {
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, err := unix.Write(l.wakeWriteFd, buf)
	if err == nil && l.metrics != nil {
		l.metrics.wakeups.Add(1)
	}
	return err == nil
}

// drainWake empties the wake fd. Runs as the wake fd's I/O callback.
func (l *Loop) drainWake() {
	for {
		if _, err := unix.Read(l.wakeFd, l.wakeBuf[:]); err != nil {
			break
		}
	}
	l.wakePending.Store(0)
}

// RegisterFD registers fd with the loop's selector, invoking cb on the
// loop goroutine when any of the requested events fire. Safe to call from
// any goroutine. Most callers want the higher-level [Watcher] instead.
func (l *Loop) RegisterFD(fd int, interests IOEvents, cb IOCallback) (*Monitor, error) {
	if l.state.IsTerminal() {
		return nil, ErrLoopClosed
	}
	return l.sel.register(fd, interests, cb)
}

// Close transitions the loop to Closed and releases its file descriptors.
// Idempotent; safe from any goroutine. A loop blocked in poll is woken so
// its RunUntil can observe the closure, unwind all fibers with
// [ErrLoopClosed], and return.
func (l *Loop) Close() error {
	for {
		cur := l.state.Load()
		if cur == StateClosed {
			return nil
		}
		if !l.state.TryTransition(cur, StateClosed) {
			continue
		}

		switch cur {
		case StateSleeping:
			l.writeWake()
		case StateIdle:
			// No RunUntil in flight to perform teardown.
			if l.ownerGID.Load() == getGoroutineID() {
				l.shutdownFibers()
			}
			l.releaseFDs()
		}
		return nil
	}
}

// shutdownFibers unwinds every live fiber with [ErrLoopClosed]. Waiting
// fibers are woken with the injected error; fibers that never started
// terminate without running their entry function.
func (l *Loop) shutdownFibers() {
	for _, f := range l.fibers {
		if f.State() == FiberWaiting {
			l.wake(f, wrapBeam(ErrLoopClosed))
		}
	}

	for l.runq.Length() > 0 {
		f := l.runq.Remove().(*Fiber)
		if f.Dead() {
			continue
		}
		if f.pending == nil {
			f.pending = wrapBeam(ErrLoopClosed)
		}
		l.resumeFiber(f)
	}
}

// releaseFDs closes the selector and wake descriptors exactly once.
func (l *Loop) releaseFDs() {
	l.releaseOnce.Do(func() {
		l.sel.close()
		unix.Close(l.wakeFd)
		if l.wakeWriteFd != l.wakeFd {
			unix.Close(l.wakeWriteFd)
		}
	})
}

// safeExecute runs fn, converting a panic into a log line instead of
// tearing down the loop goroutine.
func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Err().
				Err(PanicError{Value: r}).
				Uint64("loop", l.id).
				Log("panic in loop callback")
		}
	}()
	fn()
}
