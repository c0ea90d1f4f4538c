package fiberloop

import (
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// defaultLoggerState lazily builds the fallback diagnostic sink: one JSON
// line per event to stderr, warnings and up. Shared across loops that were
// constructed without [WithLogger].
var defaultLoggerState struct {
	once   sync.Once
	logger *logiface.Logger[logiface.Event]
}

func defaultLogger() *logiface.Logger[logiface.Event] {
	defaultLoggerState.once.Do(func() {
		defaultLoggerState.logger = stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
			stumpy.L.WithLevel(logiface.LevelWarning),
		).Logger()
	})
	return defaultLoggerState.logger
}
