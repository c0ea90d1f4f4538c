package fiberloop

import (
	"runtime"
	"sync"
)

// loopRegistry maps goroutine IDs to the Loop they belong to. The scheduler
// goroutine is bound at creation (Current) or at first RunUntil (New), and
// every fiber goroutine binds itself before running user code, so Current
// and the cross-loop guards resolve correctly from inside fibers.
//
// This is a per-goroutine registry, never a process-wide singleton: two
// goroutines each get their own Loop from Current.
var loopRegistry = struct {
	sync.RWMutex
	m map[uint64]*Loop
}{m: make(map[uint64]*Loop)}

// bindGoroutine associates the given goroutine ID with a loop.
func bindGoroutine(gid uint64, l *Loop) {
	loopRegistry.Lock()
	loopRegistry.m[gid] = l
	loopRegistry.Unlock()
}

// unbindGoroutine removes the association for the given goroutine ID.
func unbindGoroutine(gid uint64) {
	loopRegistry.Lock()
	delete(loopRegistry.m, gid)
	loopRegistry.Unlock()
}

// lookupLoop returns the loop bound to the given goroutine ID, or nil.
func lookupLoop(gid uint64) *Loop {
	loopRegistry.RLock()
	l := loopRegistry.m[gid]
	loopRegistry.RUnlock()
	return l
}

// Current returns the Loop bound to the calling goroutine, lazily creating
// and binding one on first use. Inside a fiber it returns the fiber's
// owning loop.
func Current() (*Loop, error) {
	gid := getGoroutineID()
	if l := lookupLoop(gid); l != nil {
		return l, nil
	}
	l, err := New()
	if err != nil {
		return nil, err
	}
	l.ownerGID.Store(gid)
	bindGoroutine(gid, l)
	return l, nil
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
