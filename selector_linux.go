//go:build linux

package fiberloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// selector multiplexes file descriptor readiness using epoll (Linux).
//
// PERFORMANCE: RWMutex design with dynamic FD indexing.
// - Dynamic slice instead of fixed array for flexible FD support
// - RWMutex for thread-safe access to the monitor table
// - Inline callback execution, outside the lock
//
// CACHE LINE PADDING: Padding fields (marked with //nolint:unused) isolate
// frequently-accessed fields (epfd, closed) to reduce false sharing.
type selector struct { // betteralign:ignore
	_        [sizeOfCacheLine]byte     // Cache line padding before epfd //nolint:unused
	epfd     int32                     // epoll file descriptor
	_        [sizeOfCacheLine - 4]byte // Pad to isolate eventBuf //nolint:unused
	eventBuf [256]unix.EpollEvent      // Preallocated event buffer
	monitors []*Monitor                // fd-indexed, grows on demand
	fdMu     sync.RWMutex              // Protects monitors table access
	closed   atomic.Bool               // Closed flag
}

// init initializes the epoll instance.
func (s *selector) init() error {
	if s.closed.Load() {
		return ErrSelectorClosed
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	s.epfd = int32(epfd)

	s.monitors = make([]*Monitor, maxFDs)

	return nil
}

// close closes the epoll instance. Idempotent.
func (s *selector) close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.epfd > 0 {
		return unix.Close(int(s.epfd))
	}
	return nil
}

// register adds fd to the epoll set and returns its Monitor.
// THREAD SAFE: Uses fdMu for table access.
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
		// Grow in chunks to minimize allocations
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
	s.fdMu.Unlock()

	ev := &unix.EpollEvent{
		Events: eventsToEpoll(interests),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(int(s.epfd), unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		s.fdMu.Lock()
		s.monitors[fd] = nil // Rollback
		s.fdMu.Unlock()
		return nil, err
	}
	return m, nil
}

// unregister removes fd from the epoll set. The owner argument guards
// against removing a newer registration that recycled the same fd number.
func (s *selector) unregister(fd int, owner *Monitor) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	s.fdMu.Lock()
	if fd >= len(s.monitors) || s.monitors[fd] != owner {
		s.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	s.monitors[fd] = nil
	s.fdMu.Unlock()

	if s.closed.Load() {
		// Closing the epoll fd already dropped every registration.
		return nil
	}
	return unix.EpollCtl(int(s.epfd), unix.EPOLL_CTL_DEL, fd, nil)
}

// modify updates the events being monitored for a file descriptor.
func (s *selector) modify(fd int, _, interests IOEvents) error {
	if s.closed.Load() {
		return ErrSelectorClosed
	}

	s.fdMu.RLock()
	registered := fd >= 0 && fd < len(s.monitors) && s.monitors[fd] != nil
	s.fdMu.RUnlock()
	if !registered {
		return ErrFDNotRegistered
	}

	ev := &unix.EpollEvent{
		Events: eventsToEpoll(interests),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(int(s.epfd), unix.EPOLL_CTL_MOD, fd, ev)
}

// poll blocks for up to timeoutMs waiting for readiness, then dispatches.
// timeoutMs < 0 blocks indefinitely; 0 polls without blocking.
// PERFORMANCE: No lock during poll; relies on fdMu for dispatch safety.
func (s *selector) poll(timeoutMs int) (int, error) {
	if s.closed.Load() {
		return 0, ErrSelectorClosed
	}

	n, err := unix.EpollWait(int(s.epfd), s.eventBuf[:], timeoutMs)
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
		fd := int(s.eventBuf[i].Fd)
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
			m.deliver(epollToEvents(s.eventBuf[i].Events))
		}
	}
}

// eventsToEpoll converts IOEvents to epoll event flags.
func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
