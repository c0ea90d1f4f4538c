package fiberloop

import (
	"sync/atomic"
	"time"
)

// Metrics collects scheduler counters and tick latency aggregates. All
// fields are atomic so snapshots may be taken from any goroutine while the
// loop runs.
type Metrics struct {
	fibersSpawned atomic.Uint64
	timersFired   atomic.Uint64
	polls         atomic.Uint64
	wakeups       atomic.Uint64
	submissions   atomic.Uint64

	ticks       atomic.Uint64
	tickTotalNs atomic.Int64
	tickMaxNs   atomic.Int64
}

func newMetrics() *Metrics {
	return &Metrics{}
}

// recordTick folds one tick's wall-clock duration into the aggregates.
func (m *Metrics) recordTick(d time.Duration) {
	ns := d.Nanoseconds()
	m.ticks.Add(1)
	m.tickTotalNs.Add(ns)
	for {
		cur := m.tickMaxNs.Load()
		if ns <= cur || m.tickMaxNs.CompareAndSwap(cur, ns) {
			return
		}
	}
}

// MetricsSnapshot is a point-in-time copy of a loop's metrics.
type MetricsSnapshot struct {
	FibersSpawned uint64
	TimersFired   uint64
	Polls         uint64
	Wakeups       uint64
	Submissions   uint64

	Ticks          uint64
	TickLatencyMax time.Duration
	TickLatencyAvg time.Duration
}

func (m *Metrics) snapshot() *MetricsSnapshot {
	s := &MetricsSnapshot{
		FibersSpawned:  m.fibersSpawned.Load(),
		TimersFired:    m.timersFired.Load(),
		Polls:          m.polls.Load(),
		Wakeups:        m.wakeups.Load(),
		Submissions:    m.submissions.Load(),
		Ticks:          m.ticks.Load(),
		TickLatencyMax: time.Duration(m.tickMaxNs.Load()),
	}
	if s.Ticks > 0 {
		s.TickLatencyAvg = time.Duration(m.tickTotalNs.Load() / int64(s.Ticks))
	}
	return s
}
