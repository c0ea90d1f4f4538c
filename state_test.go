package fiberloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoopStateString(t *testing.T) {
	assert.Equal(t, "Idle", StateIdle.String())
	assert.Equal(t, "Running", StateRunning.String())
	assert.Equal(t, "Sleeping", StateSleeping.String())
	assert.Equal(t, "Closed", StateClosed.String())
	assert.Equal(t, "Unknown", LoopState(99).String())
}

func TestStateMachineTransitions(t *testing.T) {
	s := newLoopStateMachine()
	assert.Equal(t, StateIdle, s.Load())

	assert.True(t, s.TryTransition(StateIdle, StateRunning))
	assert.Equal(t, StateRunning, s.Load())

	// CAS from the wrong state fails and leaves the value alone.
	assert.False(t, s.TryTransition(StateIdle, StateClosed))
	assert.Equal(t, StateRunning, s.Load())

	assert.True(t, s.TryTransition(StateRunning, StateSleeping))
	assert.True(t, s.TryTransition(StateSleeping, StateRunning))
}

func TestStateMachineTerminal(t *testing.T) {
	s := newLoopStateMachine()
	assert.False(t, s.IsTerminal())
	assert.True(t, s.CanAcceptWork())

	s.Store(StateClosed)
	assert.True(t, s.IsTerminal())
	assert.False(t, s.CanAcceptWork())
	assert.False(t, s.TryTransition(StateIdle, StateRunning))
}
