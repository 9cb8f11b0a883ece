package endpoint

import (
	"sync"
	"time"
)

// Latch is a re-armable one-shot signal. Blocking reads and writes on a
// readiness backend arm it, register interest and wait; the poller releases
// it instead of dispatching a processing unit.
type Latch struct {
	mu sync.Mutex
	ch chan struct{}
}

// Arm returns the channel the next Release will close. Arming an armed
// latch returns the pending channel.
func (l *Latch) Arm() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ch == nil {
		l.ch = make(chan struct{})
	}
	return l.ch
}

// Armed reports whether a waiter is registered.
func (l *Latch) Armed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch != nil
}

// Release wakes the waiter, if any, and reports whether there was one.
func (l *Latch) Release() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ch == nil {
		return false
	}
	close(l.ch)
	l.ch = nil
	return true
}

// Await waits for ch with a timeout; zero or negative waits forever. It
// reports whether ch was released.
func Await(ch <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		<-ch
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
