package fiberloop

import (
	"sync/atomic"
)

// LoopState represents the current state of a loop.
//
// State machine:
//
//	StateIdle (0) → StateRunning          [RunUntil]
//	StateRunning → StateSleeping          [poll via CAS]
//	StateSleeping → StateRunning          [poll return via CAS]
//	StateRunning → StateClosed            [Close]
//	StateSleeping → StateClosed           [Close, plus wake write]
//	StateIdle → StateClosed               [Close]
//	StateRunning → StateIdle              [RunUntil return]
//	StateClosed → (terminal)
//
// Transition rules:
//   - Use TryTransition (CAS) for the reversible states (Running, Sleeping).
//   - Store is reserved for the terminal state.
type LoopState uint64

const (
	// StateIdle indicates the loop exists but is not inside RunUntil.
	StateIdle LoopState = iota
	// StateRunning indicates the loop is actively resuming fibers or
	// dispatching callbacks.
	StateRunning
	// StateSleeping indicates the loop is blocked in the selector waiting
	// for readiness or a timer deadline.
	StateSleeping
	// StateClosed indicates the loop has been closed. Terminal.
	StateClosed
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// loopStateMachine is a lock-free state holder with cache-line padding.
//
// Cache-line padding prevents false sharing between the loop goroutine
// (which flips Running/Sleeping every tick) and submitter goroutines
// (which read the state on every Submit).
type loopStateMachine struct { // betteralign:ignore
	_ [sizeOfCacheLine]byte                      // Cache line padding (before value) //nolint:unused
	v atomic.Uint64                              // State value
	_ [sizeOfCacheLine - sizeOfAtomicUint64]byte // Pad to complete cache line //nolint:unused
}

// newLoopStateMachine creates a state machine in the Idle state.
func newLoopStateMachine() *loopStateMachine {
	s := &loopStateMachine{}
	s.v.Store(uint64(StateIdle))
	return s
}

// Load returns the current state atomically.
func (s *loopStateMachine) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state. No transition validation.
func (s *loopStateMachine) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
func (s *loopStateMachine) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// IsTerminal returns true if the current state is terminal (Closed).
func (s *loopStateMachine) IsTerminal() bool {
	return s.Load() == StateClosed
}

// CanAcceptWork returns true if the loop can accept new work.
func (s *loopStateMachine) CanAcceptWork() bool {
	return s.Load() != StateClosed
}
