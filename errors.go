// Package fiberloop error types with cause chain support.
package fiberloop

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrLoopClosed is returned when operations are attempted on a closed loop.
	ErrLoopClosed = errors.New("fiberloop: loop is closed")

	// ErrLoopRunning is returned when RunUntil is called on a loop that is
	// already inside RunUntil.
	ErrLoopRunning = errors.New("fiberloop: loop is already running")
)

// TimeoutError reports that a deadline expired within a [Loop.Timeout]
// region before the guarded block completed.
//
// Each armed timeout injects its own distinct *TimeoutError instance, so a
// guard can tell its own expiry apart from one raised by a nested region.
type TimeoutError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return "fiberloop: operation timed out"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// IOError reports a stream-level failure on a watcher, most commonly
// "closed stream" when [Watcher.Close] runs while a fiber is parked.
type IOError struct {
	Message string
}

// Error implements the error interface.
func (e *IOError) Error() string {
	if e.Message == "" {
		return "fiberloop: i/o error"
	}
	return "fiberloop: " + e.Message
}

// BeamError wraps an error that originated in scheduler machinery and was
// delivered to a fiber at a suspension point. [Fiber.Join] also wraps the
// joined fiber's escaped error in a BeamError, exactly once.
type BeamError struct {
	Cause error
}

// Error implements the error interface.
func (e *BeamError) Error() string {
	if e.Cause == nil {
		return "fiberloop: beam error"
	}
	return fmt.Sprintf("fiberloop: beam error: %v", e.Cause)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *BeamError) Unwrap() error {
	return e.Cause
}

// wrapBeam wraps err in a *BeamError unless it already is one.
func wrapBeam(err error) error {
	if err == nil {
		return nil
	}
	var be *BeamError
	if errors.As(err, &be) {
		return err
	}
	return &BeamError{Cause: err}
}

// CrossThreadError reports that a loop-bound object (fiber, watcher, timer)
// was used from a goroutine that does not belong to its owning loop.
type CrossThreadError struct {
	Message string
}

// Error implements the error interface.
func (e *CrossThreadError) Error() string {
	if e.Message == "" {
		return "fiberloop: cross-loop access"
	}
	return "fiberloop: " + e.Message
}

// SchedulerError reports a scheduling precondition violation, such as
// suspending without a running fiber or parking two fibers on one watcher.
type SchedulerError struct {
	Message string
}

// Error implements the error interface.
func (e *SchedulerError) Error() string {
	if e.Message == "" {
		return "fiberloop: scheduler error"
	}
	return "fiberloop: " + e.Message
}

// PanicError wraps a panic value recovered from a fiber entry function.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("fiberloop: fiber panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
// This enables use with [errors.Is] and [errors.As] for error matching
// through the cause chain.
//
// If the panic Value is not an error (e.g., a string or other type),
// returns nil.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
