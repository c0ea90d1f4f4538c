package fiberloop

import (
	"time"

	"github.com/joeycumines/logiface"
)

// LoopOption configures a [Loop] at construction.
type LoopOption interface {
	applyLoop(*loopOptions)
}

type loopOptions struct {
	logger          *logiface.Logger[logiface.Event]
	loggerSet       bool
	metrics         bool
	maxPollInterval time.Duration
}

type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions)
}

func (o loopOptionImpl) applyLoop(opts *loopOptions) {
	if o.applyLoopFunc != nil {
		o.applyLoopFunc(opts)
	}
}

// resolveLoopOptions applies opts over the defaults, skipping nil entries.
func resolveLoopOptions(opts ...LoopOption) loopOptions {
	resolved := loopOptions{
		maxPollInterval: defaultMaxPollInterval,
	}
	for _, o := range opts {
		if o != nil {
			o.applyLoop(&resolved)
		}
	}
	if !resolved.loggerSet {
		resolved.logger = defaultLogger()
	}
	return resolved
}

// WithLogger sets the logger used for scheduler diagnostics: discarded
// fiber errors, callback panics, poll failures. The default writes JSON
// lines to stderr at warning level and above. An explicit nil logger
// disables logging entirely; logiface treats nil receivers as no-ops.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return loopOptionImpl{applyLoopFunc: func(opts *loopOptions) {
		opts.logger = logger
		opts.loggerSet = true
	}}
}

// WithMetrics enables runtime metrics collection: scheduler counters and
// tick latency aggregates. Disabled by default; when disabled,
// [Loop.Metrics] returns nil.
func WithMetrics(enabled bool) LoopOption {
	return loopOptionImpl{applyLoopFunc: func(opts *loopOptions) {
		opts.metrics = enabled
	}}
}

// WithMaxPollInterval caps how long the loop may block in a single poll
// when it has no nearer timer deadline. Values <= 0 restore the default
// of 10 seconds.
func WithMaxPollInterval(d time.Duration) LoopOption {
	return loopOptionImpl{applyLoopFunc: func(opts *loopOptions) {
		if d <= 0 {
			d = defaultMaxPollInterval
		}
		opts.maxPollInterval = d
	}}
}
