package secure

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/marmos91/dittonet/pkg/completion"
)

// queue is one direction of an in-memory link.
type queue struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (q *queue) read(p []byte, max int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.buf.Len() == 0 {
		if q.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	if max > 0 && len(p) > max {
		p = p[:max]
	}
	return q.buf.Read(p)
}

func (q *queue) write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, io.ErrClosedPipe
	}
	return q.buf.Write(p)
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// nbEnd is a non-blocking Transport. maxRead > 0 caps each read, which
// exercises fragmented delivery.
type nbEnd struct {
	in, out *queue
	maxRead int
}

func (e *nbEnd) Read(p []byte) (int, error)  { return e.in.read(p, e.maxRead) }
func (e *nbEnd) Write(p []byte) (int, error) { return e.out.write(p) }

func nbPipe() (*nbEnd, *nbEnd) {
	a, b := &queue{}, &queue{}
	return &nbEnd{in: a, out: b}, &nbEnd{in: b, out: a}
}

// asyncEnd completes inline when data is ready and otherwise polls on a
// goroutine and completes deferred.
type asyncEnd struct {
	nb *nbEnd
}

func (a *asyncEnd) Read(p []byte, done completion.Handler) {
	if n, err := a.nb.Read(p); n > 0 || err != nil {
		done(n, err, completion.Inline)
		return
	}
	go func() {
		for {
			n, err := a.nb.Read(p)
			if n > 0 || err != nil {
				done(n, err, completion.Deferred)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func (a *asyncEnd) Write(p []byte, done completion.Handler) {
	n, err := a.nb.Write(p)
	done(n, err, completion.Inline)
}
