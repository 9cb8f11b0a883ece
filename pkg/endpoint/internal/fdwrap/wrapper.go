// Package fdwrap is the socket wrapper shared by the readiness backends.
//
// A Wrapper owns a raw non-blocking descriptor (poll.Handle) and, for TLS
// connections, a secure.Channel over it. Blocking reads and writes are
// emulated: the wrapper arms a latch, asks its Poller for readiness and
// waits; the poller releases the latch instead of dispatching a processing
// unit.
package fdwrap

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittonet/internal/logger"
	"github.com/marmos91/dittonet/pkg/endpoint"
	"github.com/marmos91/dittonet/pkg/poll"
	"github.com/marmos91/dittonet/pkg/secure"
)

// ErrSendfileOverTLS is set on a secure connection that asks for sendfile.
var ErrSendfileOverTLS = errors.New("sendfile is not available on TLS connections")

// Poller is the backend half of a Wrapper.
type Poller interface {
	// Arm adds in to the interest registered for w.
	Arm(w *Wrapper, in poll.Interest)

	// Sendfile waits for w to become writable and then resumes its
	// sendfile task with ContinueSendfile.
	Sendfile(w *Wrapper)

	// Cancel drops w. It is called once, before the descriptor closes.
	Cancel(w *Wrapper)
}

var nextToken atomic.Uint64

// Wrapper is a connection served by a readiness poller.
type Wrapper struct {
	*endpoint.WrapperBase

	token  uint64
	handle *poll.Handle
	poller Poller

	// tlsMu serializes use of channel, which is not safe for concurrent
	// use.
	tlsMu   sync.Mutex
	channel *secure.Channel

	ReadLatch  endpoint.Latch
	WriteLatch endpoint.Latch
}

// New wraps conn. When the endpoint terminates TLS, a channel choosing its
// engine from the ClientHello is attached.
func New(ep *endpoint.Endpoint, conn *net.TCPConn, poller Poller) (*Wrapper, error) {
	h, err := poll.NewHandle(conn)
	if err != nil {
		return nil, err
	}
	w := &Wrapper{
		token:  nextToken.Add(1),
		handle: h,
		poller: poller,
	}
	w.WrapperBase = endpoint.NewWrapperBase(ep, conn, w)
	if ep.IsSSLEnabled() {
		factory := ep.EngineFactory()
		if factory == nil {
			return nil, fmt.Errorf("endpoint %s: TLS enabled but no TLS context", ep.Name())
		}
		w.channel = secure.NewChannel(h, factory, ep.BufferPool())
	}
	return w, nil
}

// Token identifies the wrapper in a poll set.
func (w *Wrapper) Token() uint64 { return w.token }

// Handle returns the owned descriptor.
func (w *Wrapper) Handle() *poll.Handle { return w.handle }

// Poller returns the poller the wrapper was created with.
func (w *Wrapper) Poller() Poller { return w.poller }

// ReadRaw implements endpoint.SocketOps.
func (w *Wrapper) ReadRaw(block bool, p []byte) (int, error) {
	for {
		if w.IsClosed() {
			return 0, endpoint.ErrClosed
		}
		n, err := w.readOnce(p)
		if n > 0 || err != nil || !block || len(p) == 0 {
			return n, err
		}

		ch := w.ReadLatch.Arm()
		w.poller.Arm(w, poll.Read)
		if !endpoint.Await(ch, w.ReadTimeout()) {
			w.ReadLatch.Release()
			return 0, endpoint.ErrReadTimeout
		}
	}
}

func (w *Wrapper) readOnce(p []byte) (int, error) {
	if w.channel == nil {
		return w.handle.Read(p)
	}
	w.tlsMu.Lock()
	defer w.tlsMu.Unlock()
	return w.channel.Read(p)
}

// WriteRaw implements endpoint.SocketOps. A blocking write returns once all
// of p, including any TLS record it produced, reached the socket.
func (w *Wrapper) WriteRaw(block bool, p []byte) (int, error) {
	written := 0
	for {
		if w.IsClosed() {
			return written, endpoint.ErrClosed
		}
		n, pending, err := w.writeOnce(p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if !block || (written == len(p) && !pending) {
			return written, nil
		}

		ch := w.WriteLatch.Arm()
		w.poller.Arm(w, poll.Write)
		if !endpoint.Await(ch, w.WriteTimeout()) {
			w.WriteLatch.Release()
			return written, endpoint.ErrWriteTimeout
		}
	}
}

// writeOnce writes what the socket accepts and reports whether encrypted
// output is still held by the channel.
func (w *Wrapper) writeOnce(p []byte) (int, bool, error) {
	if w.channel == nil {
		n, err := w.handle.Write(p)
		return n, false, err
	}
	w.tlsMu.Lock()
	defer w.tlsMu.Unlock()
	n := 0
	if len(p) > 0 {
		var err error
		if n, err = w.channel.Write(p); err != nil {
			return n, false, err
		}
	}
	done, err := w.channel.Flush()
	return n, !done, err
}

// HasDataToWrite also reports TLS records the socket has not taken yet.
func (w *Wrapper) HasDataToWrite() bool {
	return w.WrapperBase.HasDataToWrite() || w.tlsPending()
}

func (w *Wrapper) tlsPending() bool {
	if w.channel == nil {
		return false
	}
	w.tlsMu.Lock()
	defer w.tlsMu.Unlock()
	return w.channel.HasPendingOutput()
}

// Flush also pushes TLS records held by the channel.
func (w *Wrapper) Flush(block bool) (bool, error) {
	left, err := w.WrapperBase.Flush(block)
	if err != nil || left || w.channel == nil {
		return left, err
	}
	if block {
		_, err := w.WriteRaw(true, nil)
		return false, err
	}
	_, pending, err := w.writeOnce(nil)
	return pending, err
}

// WatchHangup implements endpoint.HangupWatcher. The descriptor is re-armed
// with no interest, which still reports a peer hangup.
func (w *Wrapper) WatchHangup() {
	if !w.IsClosed() {
		w.poller.Arm(w, poll.None)
	}
}

// RegisterReadInterest implements endpoint.SocketOps. Plaintext already
// held by the TLS channel is dispatched right away since the poller would
// never report it.
func (w *Wrapper) RegisterReadInterest() {
	if w.IsClosed() {
		return
	}
	if w.channel != nil {
		w.tlsMu.Lock()
		buffered := w.channel.Buffered()
		w.tlsMu.Unlock()
		if buffered {
			w.Endpoint().ProcessSocket(w, endpoint.EventOpenRead, true)
			return
		}
	}
	w.poller.Arm(w, poll.Read)
}

// RegisterWriteInterest implements endpoint.SocketOps.
func (w *Wrapper) RegisterWriteInterest() {
	if w.IsClosed() {
		return
	}
	w.poller.Arm(w, poll.Write)
}

// Deliver routes readiness from the poller: a blocked reader or writer is
// woken, otherwise a processing unit is dispatched for that direction.
func (w *Wrapper) Deliver(ready poll.Interest) {
	ep := w.Endpoint()
	if ready&poll.Read != 0 && !w.ReadLatch.Release() {
		ep.ProcessSocket(w, endpoint.EventOpenRead, true)
	}
	if ready&poll.Write != 0 && !w.WriteLatch.Release() {
		ep.ProcessSocket(w, endpoint.EventOpenWrite, true)
	}
}

// Waiting reports whether a blocking read or write waits on the poller.
func (w *Wrapper) Waiting() bool {
	return w.ReadLatch.Armed() || w.WriteLatch.Armed()
}

// Handshake implements endpoint.SocketWrapper.
func (w *Wrapper) Handshake() (endpoint.HandshakeResult, error) {
	if w.channel == nil {
		return endpoint.HandshakeDone, nil
	}
	w.tlsMu.Lock()
	in, err := w.channel.Handshake()
	w.tlsMu.Unlock()
	if err != nil {
		return endpoint.HandshakeDone, err
	}
	switch in {
	case secure.InterestRead:
		return endpoint.HandshakeNeedRead, nil
	case secure.InterestWrite:
		return endpoint.HandshakeNeedWrite, nil
	default:
		return endpoint.HandshakeDone, nil
	}
}

// IsSecure reports whether the connection runs TLS.
func (w *Wrapper) IsSecure() bool { return w.channel != nil }

// Session describes the TLS session, zero for plain connections.
func (w *Wrapper) Session() secure.SessionInfo {
	if w.channel == nil {
		return secure.SessionInfo{}
	}
	w.tlsMu.Lock()
	defer w.tlsMu.Unlock()
	return w.channel.Session()
}

// NegotiatedProtocol returns the ALPN protocol, empty if none.
func (w *Wrapper) NegotiatedProtocol() string { return w.Session().NegotiatedProtocol }

// CloseRaw implements endpoint.SocketOps.
func (w *Wrapper) CloseRaw() error {
	w.poller.Cancel(w)
	if w.channel != nil {
		w.tlsMu.Lock()
		if err := w.channel.Close(); err != nil {
			logger.Debug("Connection %s: close_notify not sent: %v", w.ID(), err)
		}
		w.tlsMu.Unlock()
	}
	err := w.handle.Close()
	w.ReadLatch.Release()
	w.WriteLatch.Release()
	return err
}
