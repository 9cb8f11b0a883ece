package secure

import (
	"errors"
	"io"

	"github.com/marmos91/dittonet/pkg/buffer"
)

// Transport is a non-blocking byte stream.
//
// Read and Write return 0, nil when the operation would block. Read returns
// io.EOF once the peer closed its side.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Interest is the readiness a Channel waits for.
type Interest int

const (
	InterestNone  Interest = 0
	InterestRead  Interest = 1
	InterestWrite Interest = 2
)

// Channel runs TLS over a non-blocking Transport. The readiness and native
// backends use it: every call returns instead of blocking, and Handshake
// reports which readiness to wait for.
//
// Not safe for concurrent use.
type Channel struct {
	handshaker
	t Transport

	// more is set when the last Read may have left plaintext behind.
	more bool
}

// NewChannel creates a server channel whose engine is chosen from the
// ClientHello's SNI by factory.
func NewChannel(t Transport, factory EngineFactory, pool *buffer.Pool) *Channel {
	return &Channel{handshaker: newHandshaker(factory, nil, pool), t: t}
}

// NewChannelWithEngine creates a channel over a preconfigured engine, for
// example a client engine.
func NewChannelWithEngine(t Transport, engine Engine, pool *buffer.Pool) *Channel {
	return &Channel{handshaker: newHandshaker(nil, engine, pool), t: t}
}

// Handshake advances the handshake as far as the transport allows. It
// returns InterestNone once complete, otherwise the readiness to wait for
// before calling again.
func (c *Channel) Handshake() (Interest, error) {
	for {
		st, err := c.advance()
		if err != nil {
			return InterestNone, err
		}

		switch st {
		case stepDone:
			return InterestNone, nil

		case stepFlush:
			done, err := c.Flush()
			if err != nil {
				return InterestNone, c.fail(err)
			}
			if !done {
				return InterestWrite, nil
			}

		case stepRead:
			n, err := c.fill()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				return InterestNone, c.fail(err)
			}
			if n == 0 {
				return InterestRead, nil
			}
		}
	}
}

// fill reads from the transport into netIn.
func (c *Channel) fill() (int, error) {
	if c.netIn.Available() == 0 {
		c.netIn.Compact()
	}
	if c.netIn.Available() == 0 {
		return 0, ErrBufferTooSmall
	}
	n, err := c.t.Read(c.netIn.Free())
	c.netIn.Commit(n)
	return n, err
}

// Flush writes pending encrypted bytes. It reports whether netOut is empty.
func (c *Channel) Flush() (bool, error) {
	for c.netOut.Len() > 0 {
		n, err := c.t.Write(c.netOut.Bytes())
		c.netOut.Advance(n)
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
	}
	return true, nil
}

// Read decrypts into p. It returns 0, nil when no complete record is
// available yet and io.EOF after close_notify or transport EOF.
func (c *Channel) Read(p []byte) (int, error) {
	if !c.complete {
		return 0, ErrHandshakeIncomplete
	}

	for {
		n, status, err := c.unwrapInto(p)
		if c.netOut.Len() > 0 {
			// Post-handshake messages may need a reply; best effort.
			_, _ = c.Flush()
		}
		if err != nil {
			c.more = false
			return n, err
		}
		if n > 0 {
			c.more = n == len(p) || c.appIn.Len() > 0 || engineBuffered(c.engine)
			return n, nil
		}
		if status == Closed {
			c.more = false
			return 0, io.EOF
		}
		if len(p) == 0 {
			return 0, nil
		}

		read, err := c.fill()
		if err != nil {
			c.more = false
			return 0, err
		}
		if read == 0 {
			c.more = false
			return 0, nil
		}
	}
}

// Buffered reports whether Read may return data without new network
// input. Readiness pollers cannot see bytes held by the channel, so the
// caller must read again before waiting for readability.
func (c *Channel) Buffered() bool {
	return c.complete && (c.more || c.appIn.Len() > 0)
}

// Write encrypts p. It returns the number of plaintext bytes consumed; their
// ciphertext may still sit in the channel when the transport would block, in
// which case Flush must be called once writable.
func (c *Channel) Write(p []byte) (int, error) {
	if !c.complete {
		return 0, ErrHandshakeIncomplete
	}
	if done, err := c.Flush(); err != nil || !done {
		return 0, err
	}

	written := 0
	for written < len(p) {
		n, status, err := c.wrapApp(p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if status == Closed {
			return written, io.ErrClosedPipe
		}

		done, err := c.Flush()
		if err != nil {
			return written, err
		}
		if !done || n == 0 {
			break
		}
	}
	return written, nil
}

// Rehandshake starts a renegotiation. Both directions must be drained.
// Drive it with Handshake.
func (c *Channel) Rehandshake() error {
	if !c.complete {
		return ErrHandshakeIncomplete
	}
	return c.restart()
}

// Close sends close_notify as far as the transport accepts it and releases
// the engine. It does not close the transport.
func (c *Channel) Close() error {
	if !c.beginClose() {
		return nil
	}
	_, err := c.Flush()
	c.release()
	return err
}
