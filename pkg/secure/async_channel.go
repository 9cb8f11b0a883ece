package secure

import (
	"errors"
	"io"
	"sync"

	"github.com/marmos91/dittonet/pkg/buffer"
	"github.com/marmos91/dittonet/pkg/completion"
)

// AsyncTransport is a completion-based byte stream. A Read completes with at
// least one byte or an error (io.EOF at end of stream); a Write completes
// once some bytes were written.
type AsyncTransport interface {
	Read(p []byte, done completion.Handler)
	Write(p []byte, done completion.Handler)
}

// AsyncChannel runs TLS over an AsyncTransport. It shares its handshake
// state machine with Channel; only the way I/O is issued differs.
//
// At most one Read and one Write may be outstanding; the caller enforces it.
// A Read and a Write may be outstanding together: mu serializes engine use
// but is never held while the transport works.
type AsyncChannel struct {
	mu sync.Mutex
	handshaker
	t AsyncTransport
}

// NewAsyncChannel creates a server channel whose engine is chosen from the
// ClientHello's SNI by factory.
func NewAsyncChannel(t AsyncTransport, factory EngineFactory, pool *buffer.Pool) *AsyncChannel {
	return &AsyncChannel{handshaker: newHandshaker(factory, nil, pool), t: t}
}

// NewAsyncChannelWithEngine creates a channel over a preconfigured engine.
func NewAsyncChannelWithEngine(t AsyncTransport, engine Engine, pool *buffer.Pool) *AsyncChannel {
	return &AsyncChannel{handshaker: newHandshaker(nil, engine, pool), t: t}
}

// submit issues one operation. It applies the result in the completion and
// reports whether the operation completed inline without error, in which
// case the caller's loop continues. A deferred completion calls resume.
func submit(
	op func([]byte, completion.Handler),
	p []byte,
	apply func(n int, err error) error,
	fail func(err error, mode completion.Mode),
	resume func(),
) bool {
	inline := false
	op(p, func(n int, err error, mode completion.Mode) {
		if err = apply(n, err); err != nil {
			fail(err, mode)
			return
		}
		if mode == completion.Inline {
			inline = true
			return
		}
		resume()
	})
	return inline
}

// Handshake drives the handshake to completion and then calls done exactly
// once, with nil on success.
func (c *AsyncChannel) Handshake(done func(error)) {
	fail := func(err error, _ completion.Mode) {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		done(c.fail(err))
	}
	resume := func() { c.Handshake(done) }

	completion.Loop(func() bool {
		c.mu.Lock()
		st, err := c.advance()
		if err != nil {
			c.mu.Unlock()
			done(err)
			return false
		}

		switch st {
		case stepFlush:
			out := c.netOut.Bytes()
			c.mu.Unlock()
			return submit(c.t.Write, out, c.applyWrite, fail, resume)
		case stepRead:
			if c.netIn.Available() == 0 {
				c.netIn.Compact()
			}
			if c.netIn.Available() == 0 {
				c.mu.Unlock()
				done(ErrBufferTooSmall)
				return false
			}
			free := c.netIn.Free()
			c.mu.Unlock()
			return submit(c.t.Read, free, c.applyRead, fail, resume)
		default:
			c.mu.Unlock()
			done(nil)
			return false
		}
	})
}

func (c *AsyncChannel) applyRead(n int, err error) error {
	c.mu.Lock()
	c.netIn.Commit(n)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if n == 0 {
		return io.ErrNoProgress
	}
	return nil
}

func (c *AsyncChannel) applyWrite(n int, err error) error {
	c.mu.Lock()
	c.netOut.Advance(n)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if n == 0 {
		return io.ErrShortWrite
	}
	return nil
}

// Read decrypts into p and completes with the number of plaintext bytes,
// or io.EOF after close_notify or transport EOF.
func (c *AsyncChannel) Read(p []byte, done completion.Handler) {
	c.read(p, done, completion.Inline)
}

func (c *AsyncChannel) read(p []byte, done completion.Handler, mode completion.Mode) {
	if !c.HandshakeComplete() {
		done(0, ErrHandshakeIncomplete, mode)
		return
	}

	fail := func(err error, m completion.Mode) { done(0, err, m) }
	resume := func() { c.read(p, done, completion.Deferred) }

	completion.Loop(func() bool {
		n, status, free, err := c.unwrapOrFree(p)
		if err != nil {
			done(n, err, mode)
			return false
		}
		if n > 0 || len(p) == 0 {
			done(n, nil, mode)
			return false
		}
		if status == Closed {
			done(0, io.EOF, mode)
			return false
		}
		return submit(c.t.Read, free, c.applyRead, fail, resume)
	})
}

// unwrapOrFree decrypts buffered records into p. When that yields nothing,
// it returns the free space of the network buffer for the next read.
func (c *AsyncChannel) unwrapOrFree(p []byte) (int, Status, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, status, err := c.unwrapInto(p)
	if n > 0 || err != nil || len(p) == 0 || status == Closed {
		return n, status, nil, err
	}
	if c.netIn.Available() == 0 {
		c.netIn.Compact()
	}
	return 0, status, c.netIn.Free(), nil
}

// Write encrypts and sends all of p, then completes with len(p).
func (c *AsyncChannel) Write(p []byte, done completion.Handler) {
	written := 0
	c.write(p, &written, done, completion.Inline)
}

func (c *AsyncChannel) write(p []byte, written *int, done completion.Handler, mode completion.Mode) {
	if !c.HandshakeComplete() {
		done(0, ErrHandshakeIncomplete, mode)
		return
	}

	fail := func(err error, m completion.Mode) { done(*written, err, m) }
	resume := func() { c.write(p, written, done, completion.Deferred) }

	completion.Loop(func() bool {
		c.mu.Lock()
		if c.netOut.Len() > 0 {
			out := c.netOut.Bytes()
			c.mu.Unlock()
			return submit(c.t.Write, out, c.applyWrite, fail, resume)
		}
		if *written == len(p) {
			c.mu.Unlock()
			done(*written, nil, mode)
			return false
		}

		n, status, err := c.wrapApp(p[*written:])
		pending := c.netOut.Len()
		c.mu.Unlock()
		*written += n
		if err != nil {
			done(*written, err, mode)
			return false
		}
		if status == Closed {
			done(*written, io.ErrClosedPipe, mode)
			return false
		}
		if n == 0 && pending == 0 {
			done(*written, io.ErrShortWrite, mode)
			return false
		}
		return true
	})
}

// Rehandshake starts a renegotiation. Both directions must be drained.
// Drive it with Handshake.
func (c *AsyncChannel) Rehandshake() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.complete {
		return ErrHandshakeIncomplete
	}
	return c.restart()
}

// HandshakeComplete reports whether application data may flow.
func (c *AsyncChannel) HandshakeComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// Session describes the negotiated session.
func (c *AsyncChannel) Session() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaker.Session()
}

// Close sends close_notify and then calls done. The transport stays open.
func (c *AsyncChannel) Close(done func(error)) {
	c.mu.Lock()
	closing := c.beginClose()
	c.mu.Unlock()
	if !closing {
		done(nil)
		return
	}

	finish := func(err error) {
		c.mu.Lock()
		c.release()
		c.mu.Unlock()
		done(err)
	}
	var flush func()
	flush = func() {
		completion.Loop(func() bool {
			c.mu.Lock()
			out := c.netOut.Bytes()
			c.mu.Unlock()
			if len(out) == 0 {
				finish(nil)
				return false
			}
			return submit(c.t.Write, out, c.applyWrite,
				func(err error, _ completion.Mode) { finish(err) }, flush)
		})
	}
	flush()
}
