package endpoint

import "time"

const (
	// BackoffBase is the delay after the second consecutive accept error.
	BackoffBase = 50 * time.Millisecond

	// BackoffMax caps the delay.
	BackoffMax = 1600 * time.Millisecond
)

// Backoff computes accept-error delays: no delay for the first error, then
// BackoffBase doubling up to BackoffMax, and back to no delay after a
// success. A descriptor-limit condition therefore never spins an acceptor
// at full CPU, and recovery is immediate once capacity returns.
//
// Not safe for concurrent use; each acceptor owns one.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	current time.Duration
}

// NewBackoff returns a Backoff with the default base and cap.
func NewBackoff() *Backoff {
	return &Backoff{Base: BackoffBase, Max: BackoffMax}
}

// Next returns the delay for this error and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.current
	switch {
	case b.current == 0:
		b.current = b.Base
	case b.current < b.Max:
		b.current = min(b.current*2, b.Max)
	}
	return d
}

// Reset restarts the sequence after a success.
func (b *Backoff) Reset() { b.current = 0 }
