package endpoint

import (
	"context"
	"sync"

	"github.com/marmos91/dittonet/internal/logger"
)

// Limiter is the connection-count gate shared by an endpoint's acceptors.
//
// Acceptors call CountUpOrAwait before each accept and workers call
// CountDown when a connection closes. The count never exceeds Max while the
// limit is active, and never goes below zero: an unmatched CountDown is
// logged and ignored.
//
// Thread safety:
// All methods are safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	count    int64
	max      int64
	waiters  int
	released bool

	// changed is closed and replaced whenever a waiter may proceed.
	changed chan struct{}
}

// NewLimiter creates a limiter admitting max concurrent connections. A
// negative max disables the limit.
func NewLimiter(max int) *Limiter {
	return &Limiter{max: int64(max), changed: make(chan struct{})}
}

func (l *Limiter) signalLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// CountUpOrAwait increments the count, waiting while it is at the limit. It
// returns ctx.Err() if ctx ends first and ErrEndpointNotRunning after
// ReleaseAll.
func (l *Limiter) CountUpOrAwait(ctx context.Context) error {
	l.mu.Lock()
	for {
		if l.released {
			l.mu.Unlock()
			return ErrEndpointNotRunning
		}
		if l.max < 0 || l.count < l.max {
			l.count++
			l.mu.Unlock()
			return nil
		}

		ch := l.changed
		l.waiters++
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			l.mu.Lock()
			l.waiters--
			l.mu.Unlock()
			return ctx.Err()
		}

		l.mu.Lock()
		l.waiters--
	}
}

// CountDown decrements the count and returns the new value.
func (l *Limiter) CountDown() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.count--
	if l.count < 0 {
		logger.Warn("Connection limiter count went negative (%d); clamping to 0", l.count)
		l.count = 0
	}
	l.signalLocked()
	return l.count
}

// Count returns the current count.
func (l *Limiter) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Max returns the limit, negative when disabled.
func (l *Limiter) Max() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max
}

// Waiters returns the number of callers blocked in CountUpOrAwait.
func (l *Limiter) Waiters() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters
}

// SetMax changes the limit. Raising it admits waiters immediately; lowering
// it below the current count only delays new admissions.
func (l *Limiter) SetMax(max int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.max = int64(max)
	l.signalLocked()
}

// ReleaseAll fails every current and future waiter. Used on stop.
func (l *Limiter) ReleaseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	l.signalLocked()
}

// Reset re-arms a released limiter with a zero count.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = false
	l.count = 0
}
