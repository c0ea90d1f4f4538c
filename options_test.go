package fiberloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultOptions(t *testing.T) {
	opts := resolveLoopOptions()
	assert.Equal(t, defaultMaxPollInterval, opts.maxPollInterval)
	assert.False(t, opts.metrics)
	assert.NotNil(t, opts.logger)
}

func TestWithLoggerNilDisables(t *testing.T) {
	opts := resolveLoopOptions(WithLogger(nil))
	assert.True(t, opts.loggerSet)
	assert.Nil(t, opts.logger)
}

func TestWithMaxPollInterval(t *testing.T) {
	opts := resolveLoopOptions(WithMaxPollInterval(time.Second))
	assert.Equal(t, time.Second, opts.maxPollInterval)

	// Non-positive values restore the default rather than producing a
	// busy-polling loop.
	opts = resolveLoopOptions(WithMaxPollInterval(-1))
	assert.Equal(t, defaultMaxPollInterval, opts.maxPollInterval)
}

func TestWithMetrics(t *testing.T) {
	opts := resolveLoopOptions(WithMetrics(true))
	assert.True(t, opts.metrics)
}

func TestNilOptionIgnored(t *testing.T) {
	opts := resolveLoopOptions(nil, WithMetrics(true))
	assert.True(t, opts.metrics)
}
