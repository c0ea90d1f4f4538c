package fiberloop

import (
	"time"
)

// Timeout runs fn under a deadline. If fn is still suspended when d
// elapses, a [*TimeoutError] is injected at its suspension point and
// becomes fn's (and Timeout's) return value. A non-positive d runs fn
// inline with no guard armed.
//
// Cancellation is race-free: when fn completes normally the timer is
// canceled, and an injection that already fired but was not yet delivered
// is consumed, so it can never surface at a later suspension point of the
// same fiber. Errors that are not this guard's own injection, including an
// outer guard's TimeoutError, propagate unchanged; the innermost guard
// wins only when its deadline is earliest.
//
// Requires a running fiber on this loop.
func (l *Loop) Timeout(d time.Duration, fn func() error) error {
	return l.guard(d, nil, fn)
}

// TimeoutWith is [Loop.Timeout] with a caller-supplied cancellation error
// injected in place of the default [*TimeoutError]. The error is delivered
// verbatim.
func (l *Loop) TimeoutWith(d time.Duration, cause error, fn func() error) error {
	return l.guard(d, cause, fn)
}

// guard implements the timeout primitive. inject is the error delivered on
// expiry; nil selects a fresh per-guard *TimeoutError so ownership can be
// decided by identity.
func (l *Loop) guard(d time.Duration, inject error, fn func() error) error {
	f, err := l.requireFiber("timeout")
	if err != nil {
		return err
	}
	if l.state.IsTerminal() {
		return ErrLoopClosed
	}
	if fn == nil {
		return nil
	}
	if d <= 0 {
		return fn()
	}

	if inject == nil {
		inject = &TimeoutError{Message: "deadline exceeded"}
	}
	t := l.addTimer(d, func() { l.wake(f, inject) })

	err = fn()
	t.Cancel()

	// The timer may have fired after fn's last suspension point. Consume
	// the undelivered injection so it cannot leak into a later suspension.
	if f.pending == inject {
		f.pending = nil
	}
	return err
}
