//go:build darwin

package fiberloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// selector multiplexes file descriptor readiness using kqueue (Darwin).
//
// PERFORMANCE: Uses RWMutex for monitor table access. The mutex is only held
// briefly during registration and dispatch; the polling syscall itself is
// lock-free. A dynamic slice instead of a fixed array allows flexible FD
// support.
type selector struct { // betteralign:ignore
	_        [sizeOfCacheLine]byte     // Cache line padding before kq //nolint:unused
	kq       int32                     // kqueue file descriptor
	_        [sizeOfCacheLine - 4]byte // Pad to isolate eventBuf //nolint:unused
	eventBuf [256]unix.Kevent_t        // Preallocated event buffer
	monitors []*Monitor                // fd-indexed, grows on demand
	fdMu     sync.RWMutex              // Protects monitors table access
	closed   atomic.Bool               // Closed flag
}

// init initializes the kqueue instance.
func (s *selector) init() error {
	if s.closed.Load() {
		return ErrSelectorClosed
	}

	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	s.kq = int32(kq)

	s.monitors = make([]*Monitor, maxFDs)

	return nil
}

// close closes the kqueue instance. Idempotent.
func (s *selector) close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.kq > 0 {
		return unix.Close(int(s.kq))
	}
	return nil
}

// register adds fd to the kqueue and returns its Monitor.
func (s *selector) register(fd int, interests IOEvents, cb IOCallback) (*Monitor, error) {
	if s.closed.Load() {
		return nil, ErrSelectorClosed
	}
	if fd < 0 || fd >= maxFDLimit {
		return nil, ErrFDOutOfRange
	}

	m := &Monitor{sel: s, fd: fd, interests: interests, callback: cb}

	s.fdMu.Lock()
	if fd >= len(s.monitors) {
		newSize := fd*2 + 1
		if newSize > maxFDLimit {
			newSize = maxFDLimit + 1
		}
		grown := make([]*Monitor, newSize)
		copy(grown, s.monitors)
		s.monitors = grown
	}

	if s.monitors[fd] != nil {
		s.fdMu.Unlock()
		return nil, ErrFDAlreadyRegistered
	}

	s.monitors[fd] = m

	// Hold lock across Kevent to prevent a race with concurrent unregister.
	kevents := eventsToKevents(fd, interests, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevents) > 0 {
		if _, err := unix.Kevent(int(s.kq), kevents, nil, nil); err != nil {
			s.monitors[fd] = nil // Rollback
			s.fdMu.Unlock()
			return nil, err
		}
	}
	s.fdMu.Unlock()
	return m, nil
}

// unregister removes fd from the kqueue. The owner argument guards against
// removing a newer registration that recycled the same fd number.
func (s *selector) unregister(fd int, owner *Monitor) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	s.fdMu.Lock()
	if fd >= len(s.monitors) || s.monitors[fd] != owner {
		s.fdMu.Unlock()
		return ErrFDNotRegistered
	}

	interests := owner.interests
	s.monitors[fd] = nil

	if !s.closed.Load() {
		kevents := eventsToKevents(fd, interests, unix.EV_DELETE)
		if len(kevents) > 0 {
			unix.Kevent(int(s.kq), kevents, nil, nil) // Ignore errors on delete
		}
	}
	s.fdMu.Unlock()
	return nil
}

// modify updates the events being monitored for a file descriptor.
func (s *selector) modify(fd int, old, interests IOEvents) error {
	if s.closed.Load() {
		return ErrSelectorClosed
	}

	s.fdMu.RLock()
	registered := fd >= 0 && fd < len(s.monitors) && s.monitors[fd] != nil
	s.fdMu.RUnlock()
	if !registered {
		return ErrFDNotRegistered
	}

	if old&^interests != 0 {
		delKevents := eventsToKevents(fd, old&^interests, unix.EV_DELETE)
		if len(delKevents) > 0 {
			unix.Kevent(int(s.kq), delKevents, nil, nil) // Ignore errors
		}
	}

	if interests&^old != 0 {
		addKevents := eventsToKevents(fd, interests&^old, unix.EV_ADD|unix.EV_ENABLE)
		if len(addKevents) > 0 {
			if _, err := unix.Kevent(int(s.kq), addKevents, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// poll blocks for up to timeoutMs waiting for readiness, then dispatches.
// timeoutMs < 0 blocks indefinitely; 0 polls without blocking.
func (s *selector) poll(timeoutMs int) (int, error) {
	if s.closed.Load() {
		return 0, ErrSelectorClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(int(s.kq), nil, s.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	s.dispatch(n)

	return n, nil
}

// dispatch delivers readiness to monitors.
// RACE SAFETY: The monitor pointer is copied under RLock then delivery runs
// outside the lock, so a concurrent unregister never deadlocks dispatch.
func (s *selector) dispatch(n int) {
	for i := 0; i < n; i++ {
		fd := int(s.eventBuf[i].Ident)
		if fd < 0 {
			continue
		}

		s.fdMu.RLock()
		var m *Monitor
		if fd < len(s.monitors) {
			m = s.monitors[fd]
		}
		s.fdMu.RUnlock()

		if m != nil {
			m.deliver(keventToEvents(&s.eventBuf[i]))
		}
	}
}

// eventsToKevents converts IOEvents to kqueue kevent structures.
func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t

	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}

	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}

	return kevents
}

// keventToEvents converts a kqueue event to IOEvents.
func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
