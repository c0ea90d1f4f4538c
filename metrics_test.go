package fiberloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsDisabledByDefault(t *testing.T) {
	l := newTestLoop(t)
	assert.Nil(t, l.Metrics())
}

func TestMetricsCounters(t *testing.T) {
	l := newTestLoop(t, WithMetrics(true))

	var fibers []*Fiber
	for i := 0; i < 3; i++ {
		fibers = append(fibers, l.Spawn(func() (any, error) {
			return nil, l.Sleep(5 * time.Millisecond)
		}))
	}
	require.NoError(t, l.Submit(func() {}))

	require.NoError(t, l.RunUntil(func() bool {
		for _, f := range fibers {
			if !f.Dead() {
				return false
			}
		}
		return true
	}))

	s := l.Metrics()
	require.NotNil(t, s)
	assert.Equal(t, uint64(3), s.FibersSpawned)
	assert.GreaterOrEqual(t, s.TimersFired, uint64(3))
	assert.GreaterOrEqual(t, s.Submissions, uint64(1))
	assert.NotZero(t, s.Polls)
	assert.NotZero(t, s.Ticks)
	assert.GreaterOrEqual(t, s.TickLatencyMax, s.TickLatencyAvg)
}

func TestMetricsSnapshotIsCopy(t *testing.T) {
	l := newTestLoop(t, WithMetrics(true))

	f := l.Spawn(func() (any, error) { return nil, nil })
	require.NoError(t, l.RunUntil(f.Dead))

	a := l.Metrics()
	g := l.Spawn(func() (any, error) { return nil, nil })
	require.NoError(t, l.RunUntil(g.Dead))
	b := l.Metrics()

	assert.Equal(t, uint64(1), a.FibersSpawned)
	assert.Equal(t, uint64(2), b.FibersSpawned)
}
