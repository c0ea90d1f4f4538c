package fiberloop

import (
	"testing"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// discardLogger returns a logger that drops every event, keeping test
// output clean while still exercising the logging paths.
func discardLogger() *logiface.Logger[logiface.Event] {
	return logiface.New[logiface.Event](
		logiface.WithWriter[logiface.Event](logiface.NewWriterFunc(func(logiface.Event) error {
			return nil
		})),
	)
}

// newTestLoop creates a loop with a discarding logger and registers
// cleanup that closes it after the test.
func newTestLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()
	l, err := New(append([]LoopOption{WithLogger(discardLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// makePipe returns a connected (read, write) fd pair with cleanup.
func makePipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe failed: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock failed: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}
