package fiberloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnAndJoin(t *testing.T) {
	l := newTestLoop(t)

	f := l.Spawn(func() (any, error) { return 42, nil })

	var got any
	var jerr error
	j := l.Spawn(func() (any, error) {
		got, jerr = f.Join()
		return nil, nil
	})

	require.NoError(t, l.RunUntil(j.Dead))
	require.NoError(t, jerr)
	assert.Equal(t, 42, got)
	assert.Equal(t, FiberDead, f.State())
}

func TestJoinPropagatesErrorWrapped(t *testing.T) {
	l := newTestLoop(t)

	boom := &IOError{Message: "boom"}
	f := l.Spawn(func() (any, error) { return nil, boom })

	var jerr error
	j := l.Spawn(func() (any, error) {
		_, jerr = f.Join()
		return nil, nil
	})

	require.NoError(t, l.RunUntil(j.Dead))

	var be *BeamError
	require.ErrorAs(t, jerr, &be)
	assert.Same(t, boom, be.Cause)
}

func TestRunUntilPredicate(t *testing.T) {
	// Idle ticks block in poll, so keep them short.
	l := newTestLoop(t, WithMaxPollInterval(10*time.Millisecond))

	ticks := 0
	require.NoError(t, l.RunUntil(func() bool {
		ticks++
		return ticks > 3
	}))
	assert.Equal(t, 4, ticks)
}

func TestRunQueueFIFO(t *testing.T) {
	l := newTestLoop(t)

	var order []int
	var last *Fiber
	for i := 0; i < 5; i++ {
		i := i
		last = l.Spawn(func() (any, error) {
			order = append(order, i)
			return nil, nil
		})
	}

	require.NoError(t, l.RunUntil(last.Dead))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSubmitWakesSleepingLoop(t *testing.T) {
	l := newTestLoop(t)

	done := false
	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := l.Submit(func() { done = true }); err != nil {
			t.Errorf("Submit failed: %v", err)
		}
	}()

	start := time.Now()
	require.NoError(t, l.RunUntil(func() bool { return done }))
	// Without the wake kick the loop would sleep for the full poll
	// interval (10s); the submit must cut that short.
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSubmitAfterCloseFails(t *testing.T) {
	l := newTestLoop(t)
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Submit(func() {}), ErrLoopClosed)
}

func TestCloseUnwindsParkedFibers(t *testing.T) {
	l := newTestLoop(t)

	var serr error
	l.Spawn(func() (any, error) {
		serr = l.Sleep(-1)
		return nil, serr
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		l.Close()
	}()

	require.ErrorIs(t, l.RunUntil(nil), ErrLoopClosed)
	require.ErrorIs(t, serr, ErrLoopClosed)
	var be *BeamError
	assert.ErrorAs(t, serr, &be)
}

func TestRunUntilCrossGoroutine(t *testing.T) {
	l := newTestLoop(t)
	require.NoError(t, l.RunUntil(func() bool { return true }))

	ch := make(chan error, 1)
	go func() {
		ch <- l.RunUntil(func() bool { return true })
	}()

	var cte *CrossThreadError
	require.ErrorAs(t, <-ch, &cte)
}

func TestRunUntilNestedFromFiber(t *testing.T) {
	l := newTestLoop(t)

	var nerr error
	f := l.Spawn(func() (any, error) {
		nerr = l.RunUntil(nil)
		return nil, nil
	})

	require.NoError(t, l.RunUntil(f.Dead))
	var se *SchedulerError
	require.ErrorAs(t, nerr, &se)
}

func TestYield(t *testing.T) {
	l := newTestLoop(t)

	yields := 0
	f := l.Spawn(func() (any, error) {
		for i := 0; i < 3; i++ {
			if err := l.Yield(); err != nil {
				return nil, err
			}
			yields++
		}
		return nil, nil
	})

	require.NoError(t, l.RunUntil(f.Dead))
	assert.Equal(t, 3, yields)
}

func TestYieldDoesNotStarveSameTick(t *testing.T) {
	l := newTestLoop(t)

	// A yielding fiber must run at most once per tick: the ready queue is
	// snapshotted, so its re-enqueued self lands in the next tick.
	runs := 0
	f := l.Spawn(func() (any, error) {
		for i := 0; i < 2; i++ {
			runs++
			if err := l.Yield(); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	sawPartial := false
	require.NoError(t, l.RunUntil(func() bool {
		if runs == 1 {
			sawPartial = true
		}
		return f.Dead()
	}))
	assert.True(t, sawPartial, "yielding fiber ran to completion within one tick")
}

func TestSpawnAfterClose(t *testing.T) {
	l := newTestLoop(t)
	require.NoError(t, l.Close())

	f := l.Spawn(func() (any, error) { return nil, nil })
	assert.Equal(t, FiberDead, f.State())
}

func TestCloseIdempotent(t *testing.T) {
	l := newTestLoop(t)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.Equal(t, StateClosed, l.State())
}

func TestLoopIDsUnique(t *testing.T) {
	a := newTestLoop(t)
	b := newTestLoop(t)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestCurrentReturnsSameLoop(t *testing.T) {
	ch := make(chan error, 1)
	go func() {
		a, err := Current()
		if err != nil {
			ch <- err
			return
		}
		defer a.Close()
		b, err := Current()
		if err != nil {
			ch <- err
			return
		}
		if a != b {
			ch <- &SchedulerError{Message: "Current returned distinct loops"}
			return
		}
		ch <- a.RunUntil(func() bool { return true })
	}()
	require.NoError(t, <-ch)
}
