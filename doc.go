// Package fiberloop provides a cooperative, fiber-style concurrency runtime
// for Go: blocking-looking code on lightweight fibers, multiplexed onto a
// single scheduler goroutine with readiness-based I/O polling and a timer
// heap.
//
// # Architecture
//
// The runtime is built around a [Loop] core. Each Loop owns a platform
// selector (epoll on Linux, kqueue on Darwin), a min-heap of timers, a FIFO
// run queue of ready fibers, and a wake descriptor that lets other
// goroutines interrupt a blocking poll.
//
// A [Fiber] is a goroutine-backed execution context driven by a strict
// handshake with its scheduler: at any instant at most one of {the
// scheduler, one fiber} executes, so fibers and loop internals need no
// locking among themselves. User code on a fiber calls apparently blocking
// primitives ([Loop.Sleep], [Watcher.WaitReadable], [Fiber.Join]); the
// primitive parks the fiber and hands control back to the loop, which
// resumes it when the awaited event fires.
//
// A [Watcher] bridges a raw file descriptor to the loop: it registers
// readiness interest through a [Monitor], parks the calling fiber, and
// wakes it on readiness, timeout, or close.
//
// # Tick Model
//
// One tick of the loop:
//  1. Resume runnable fibers in FIFO order.
//  2. Drain externally submitted tasks ([Loop.Submit]).
//  3. Block in the selector with timeout = nearest timer deadline.
//  4. Dispatch readiness callbacks (I/O callbacks run before timers).
//  5. Pop and run expired timers, skipping canceled entries.
//
// # Thread Model
//
// A Loop is bound to one goroutine; [Current] lazily creates and binds a
// Loop on first use. Fibers, watchers, and timers belong to their creating
// Loop for life — using them from a foreign goroutine fails with
// [*CrossThreadError]. [Loop.Submit] is the only cross-goroutine entry
// point; it is safe to call from anywhere and wakes a sleeping loop.
//
// # Cancellation
//
// Cancellation is cooperative. The scheduler marks a waiting fiber with a
// pending error and makes it runnable; on resume, the suspension point
// returns that error. [Loop.Timeout] and [Watcher.Close] are both built on
// this single mechanism.
//
// # Usage
//
//	loop, err := fiberloop.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer loop.Close()
//
//	f := loop.Spawn(func() (any, error) {
//		if err := loop.Sleep(10 * time.Millisecond); err != nil {
//			return nil, err
//		}
//		return "done", nil
//	})
//
//	if err := loop.RunUntil(f.Dead); err != nil {
//		log.Fatal(err)
//	}
//
// # Error Types
//
// The package provides a small error taxonomy:
//   - [TimeoutError]: deadline expiry inside [Loop.Timeout]
//   - [IOError]: watcher closed while a waiter was parked
//   - [BeamError]: wraps errors delivered from scheduler machinery to a fiber
//   - [CrossThreadError]: loop-bound object used from the wrong goroutine
//   - [SchedulerError]: precondition violation (no running fiber, double wait)
//   - [PanicError]: wraps panics recovered from a fiber entry
//
// All error types implement the standard [error] interface and
// [errors.Unwrap] where they carry a cause.
package fiberloop
