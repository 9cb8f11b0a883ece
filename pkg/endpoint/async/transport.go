package async

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/marmos91/dittonet/pkg/completion"
	"github.com/marmos91/dittonet/pkg/endpoint"
)

// gate is a single-permit semaphore guarding one I/O direction.
type gate chan struct{}

func newGate() gate { return make(gate, 1) }

func (g gate) tryAcquire() bool {
	select {
	case g <- struct{}{}:
		return true
	default:
		return false
	}
}

// acquire waits for the permit. It fails with ErrClosed once closing is
// closed and with timeoutErr after timeout; a timeout <= 0 waits forever.
func (g gate) acquire(closing <-chan struct{}, timeout time.Duration, timeoutErr error) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case g <- struct{}{}:
		return nil
	case <-closing:
		return endpoint.ErrClosed
	case <-expired:
		return timeoutErr
	}
}

func (g gate) release() { <-g }

func (g gate) held() bool { return len(g) == 1 }

// transport issues reads and writes on a connection, each on its own
// goroutine, and reports them as deferred completions. Every operation
// carries the wrapper's current timeout as a deadline.
type transport struct {
	conn *net.TCPConn
	w    *Wrapper
}

func (t *transport) Read(p []byte, done completion.Handler) {
	_ = t.conn.SetReadDeadline(deadline(t.w.ReadTimeout()))
	go func() {
		n, err := t.conn.Read(p)
		done(n, mapError(err, endpoint.ErrReadTimeout), completion.Deferred)
	}()
}

func (t *transport) Write(p []byte, done completion.Handler) {
	_ = t.conn.SetWriteDeadline(deadline(t.w.WriteTimeout()))
	go func() {
		n, err := t.conn.Write(p)
		done(n, mapError(err, endpoint.ErrWriteTimeout), completion.Deferred)
	}()
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func mapError(err, timeoutErr error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return timeoutErr
	case errors.Is(err, net.ErrClosed):
		return endpoint.ErrClosed
	default:
		return err
	}
}

// await runs op and waits for its completion.
func await(op func([]byte, completion.Handler), p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	op(p, func(n int, err error, _ completion.Mode) { ch <- result{n, err} })
	r := <-ch
	return r.n, r.err
}
