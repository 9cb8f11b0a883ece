package async

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/marmos91/dittonet/internal/logger"
	"github.com/marmos91/dittonet/pkg/completion"
	"github.com/marmos91/dittonet/pkg/endpoint"
	"github.com/marmos91/dittonet/pkg/secure"
)

// closeNotifyWait bounds how long Close waits for close_notify to be sent.
const closeNotifyWait = 500 * time.Millisecond

type handshakeState int

const (
	handshakeIdle handshakeState = iota
	handshakePending
	handshakeDone
	handshakeFailed
)

// Wrapper is a connection served by the completion backend.
//
// Each direction has a single-permit gate held while an operation is in
// flight. A non-blocking call that finds its gate held fails with
// ErrReadPending or ErrWritePending; a blocking call waits for it.
//
// Non-blocking reads are served from the inbox, the result of a background
// read. When the inbox is empty a background read is issued and its
// completion dispatches OPEN_READ.
type Wrapper struct {
	*endpoint.WrapperBase

	conn      *net.TCPConn
	transport *transport
	channel   *secure.AsyncChannel

	readGate  gate
	writeGate gate
	closing   chan struct{}

	// inMu guards the inbox. inBuf and outBuf are only used while the
	// matching gate is held.
	inMu   sync.Mutex
	inBuf  []byte
	inbox  []byte
	inErr  error
	outBuf []byte

	// wmu orders the write completion against RegisterWriteInterest.
	wmu           sync.Mutex
	writeInterest bool

	hsMu     sync.Mutex
	hsState  handshakeState
	hsErr    error
	hsParked bool
}

func newWrapper(ep *endpoint.Endpoint, conn *net.TCPConn) (*Wrapper, error) {
	w := &Wrapper{
		conn:      conn,
		readGate:  newGate(),
		writeGate: newGate(),
		closing:   make(chan struct{}),
	}
	w.transport = &transport{conn: conn, w: w}
	w.WrapperBase = endpoint.NewWrapperBase(ep, conn, w)
	if ep.IsSSLEnabled() {
		factory := ep.EngineFactory()
		if factory == nil {
			return nil, fmt.Errorf("endpoint %s: TLS enabled but no TLS context", ep.Name())
		}
		w.channel = secure.NewAsyncChannel(w.transport, factory, ep.BufferPool())
	}
	return w, nil
}

func (w *Wrapper) read(p []byte, done completion.Handler) {
	if w.channel != nil {
		w.channel.Read(p, done)
		return
	}
	w.transport.Read(p, done)
}

func (w *Wrapper) write(p []byte, done completion.Handler) {
	if w.channel != nil {
		w.channel.Write(p, done)
		return
	}
	w.transport.Write(p, done)
}

// takeInbox copies buffered background-read data into p. ok is false when
// there is nothing to report. End of stream stays reported.
func (w *Wrapper) takeInbox(p []byte) (n int, ok bool, err error) {
	w.inMu.Lock()
	defer w.inMu.Unlock()
	if len(w.inbox) > 0 {
		n = copy(p, w.inbox)
		w.inbox = w.inbox[n:]
		return n, true, nil
	}
	if w.inErr != nil {
		err = w.inErr
		if !errors.Is(err, io.EOF) {
			w.inErr = nil
		}
		return 0, true, err
	}
	return 0, false, nil
}

func (w *Wrapper) hasInbox() bool {
	w.inMu.Lock()
	defer w.inMu.Unlock()
	return len(w.inbox) > 0 || w.inErr != nil
}

// fill issues a background read into the inbox. The read gate must be held;
// the completion releases it. fill reports whether the read completed
// before it returned; a later completion dispatches OPEN_READ.
func (w *Wrapper) fill() bool {
	if w.inBuf == nil {
		w.inBuf = make([]byte, w.Endpoint().Config().Socket.AppReadBufSize)
	}
	inline := false
	w.read(w.inBuf, func(n int, err error, mode completion.Mode) {
		w.inMu.Lock()
		w.inbox = w.inBuf[:n]
		w.inErr = err
		w.inMu.Unlock()
		if n > 0 {
			w.TouchRead()
		}
		w.readGate.release()

		if mode == completion.Inline {
			inline = true
			return
		}
		w.readCompleted(err)
	})
	return inline
}

func (w *Wrapper) readCompleted(err error) {
	if w.IsClosed() {
		return
	}
	ep := w.Endpoint()
	if err != nil && !errors.Is(err, io.EOF) {
		if errors.Is(err, endpoint.ErrReadTimeout) {
			ep.Metrics().RecordTimeout(ep.Name(), "read")
		}
		w.SetError(err)
		ep.ProcessSocket(w, endpoint.EventError, true)
		return
	}
	ep.ProcessSocket(w, endpoint.EventOpenRead, true)
}

// ReadRaw implements endpoint.SocketOps.
func (w *Wrapper) ReadRaw(block bool, p []byte) (int, error) {
	if w.IsClosed() {
		return 0, endpoint.ErrClosed
	}
	if n, ok, err := w.takeInbox(p); ok {
		return n, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	if !block {
		if !w.readGate.tryAcquire() {
			return 0, endpoint.ErrReadPending
		}
		if w.fill() {
			n, _, err := w.takeInbox(p)
			return n, err
		}
		return 0, nil
	}

	if err := w.readGate.acquire(w.closing, w.ReadTimeout(), endpoint.ErrReadTimeout); err != nil {
		return 0, err
	}
	defer w.readGate.release()
	// A background read may have completed while we waited.
	if n, ok, err := w.takeInbox(p); ok {
		return n, err
	}
	return await(w.read, p)
}

// WriteRaw implements endpoint.SocketOps. A non-blocking write takes all of
// p and completes in the background; failures surface as an ERROR event.
func (w *Wrapper) WriteRaw(block bool, p []byte) (int, error) {
	if w.IsClosed() {
		return 0, endpoint.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	if !block {
		if !w.writeGate.tryAcquire() {
			return 0, endpoint.ErrWritePending
		}
		w.outBuf = append(w.outBuf[:0], p...)
		w.write(w.outBuf, func(n int, err error, _ completion.Mode) { w.writeCompleted(n, err) })
		return len(p), nil
	}

	if err := w.writeGate.acquire(w.closing, w.WriteTimeout(), endpoint.ErrWriteTimeout); err != nil {
		return 0, err
	}
	defer w.writeGate.release()
	return await(w.write, p)
}

func (w *Wrapper) writeCompleted(n int, err error) {
	w.wmu.Lock()
	interested := w.writeInterest
	w.writeInterest = false
	w.writeGate.release()
	w.wmu.Unlock()

	if n > 0 {
		w.TouchWrite()
	}
	if w.IsClosed() {
		return
	}
	ep := w.Endpoint()
	if err != nil {
		if errors.Is(err, endpoint.ErrWriteTimeout) {
			ep.Metrics().RecordTimeout(ep.Name(), "write")
		}
		w.SetError(err)
		ep.ProcessSocket(w, endpoint.EventError, true)
		return
	}
	if interested {
		ep.ProcessSocket(w, endpoint.EventOpenWrite, true)
	}
}

// HasDataToWrite also reports a write still in flight.
func (w *Wrapper) HasDataToWrite() bool {
	return w.WrapperBase.HasDataToWrite() || w.writeGate.held()
}

// Flush also accounts for a write in flight. A blocking flush waits for
// it.
func (w *Wrapper) Flush(block bool) (bool, error) {
	left, err := w.WrapperBase.Flush(block)
	if err != nil || left {
		return left, err
	}
	if !block {
		return w.writeGate.held(), nil
	}
	if err := w.writeGate.acquire(w.closing, w.WriteTimeout(), endpoint.ErrWriteTimeout); err != nil {
		return true, err
	}
	w.writeGate.release()
	return false, nil
}

// RegisterReadInterest implements endpoint.SocketOps. Unless a read is in
// flight, it issues a minimal background read; its completion dispatches
// OPEN_READ.
func (w *Wrapper) RegisterReadInterest() {
	if w.IsClosed() {
		return
	}
	ep := w.Endpoint()
	if w.hasInbox() {
		ep.ProcessSocket(w, endpoint.EventOpenRead, true)
		return
	}
	if !w.readGate.tryAcquire() {
		return
	}
	if w.hasInbox() {
		w.readGate.release()
		ep.ProcessSocket(w, endpoint.EventOpenRead, true)
		return
	}
	if w.fill() {
		ep.ProcessSocket(w, endpoint.EventOpenRead, true)
	}
}

// RegisterWriteInterest implements endpoint.SocketOps. OPEN_WRITE is
// dispatched once no write is in flight.
func (w *Wrapper) RegisterWriteInterest() {
	if w.IsClosed() {
		return
	}
	w.wmu.Lock()
	if w.writeGate.held() {
		w.writeInterest = true
		w.wmu.Unlock()
		return
	}
	w.wmu.Unlock()
	w.Endpoint().ProcessSocket(w, endpoint.EventOpenWrite, true)
}

// Handshake implements endpoint.SocketWrapper. The handshake runs on
// completions; until it finishes HandshakePending is returned and the
// completion dispatches OPEN_READ.
func (w *Wrapper) Handshake() (endpoint.HandshakeResult, error) {
	if w.channel == nil {
		return endpoint.HandshakeDone, nil
	}

	w.hsMu.Lock()
	switch w.hsState {
	case handshakeDone:
		w.hsMu.Unlock()
		return endpoint.HandshakeDone, nil
	case handshakeFailed:
		err := w.hsErr
		w.hsMu.Unlock()
		return endpoint.HandshakeDone, err
	case handshakePending:
		w.hsMu.Unlock()
		return endpoint.HandshakePending, nil
	}
	w.hsState = handshakePending
	w.hsMu.Unlock()

	w.channel.Handshake(w.handshakeFinished)

	w.hsMu.Lock()
	defer w.hsMu.Unlock()
	switch w.hsState {
	case handshakeDone:
		return endpoint.HandshakeDone, nil
	case handshakeFailed:
		return endpoint.HandshakeDone, w.hsErr
	}
	w.hsParked = true
	return endpoint.HandshakePending, nil
}

func (w *Wrapper) handshakeFinished(err error) {
	w.hsMu.Lock()
	if err != nil {
		w.hsState = handshakeFailed
		w.hsErr = err
	} else {
		w.hsState = handshakeDone
	}
	parked := w.hsParked
	w.hsParked = false
	w.hsMu.Unlock()

	if parked {
		w.Endpoint().ProcessSocket(w, endpoint.EventOpenRead, true)
	}
}

// Rehandshake starts a renegotiation. Both directions must be idle.
func (w *Wrapper) Rehandshake() error {
	if w.channel == nil {
		return errors.New("async: not a TLS connection")
	}
	if w.readGate.held() || w.writeGate.held() || w.hasInbox() {
		return secure.ErrRehandshakePendingData
	}
	if err := w.channel.Rehandshake(); err != nil {
		return err
	}
	done := make(chan error, 1)
	w.channel.Handshake(func(err error) { done <- err })
	return <-done
}

// IsSecure reports whether the connection runs TLS.
func (w *Wrapper) IsSecure() bool { return w.channel != nil }

// Session describes the TLS session, zero for plain connections.
func (w *Wrapper) Session() secure.SessionInfo {
	if w.channel == nil {
		return secure.SessionInfo{}
	}
	return w.channel.Session()
}

// NegotiatedProtocol returns the ALPN protocol, empty if none.
func (w *Wrapper) NegotiatedProtocol() string { return w.Session().NegotiatedProtocol }

// CloseRaw implements endpoint.SocketOps. close_notify is sent only when
// neither direction is in flight, since closing the channel returns its
// buffers to the pool.
func (w *Wrapper) CloseRaw() error {
	close(w.closing)
	if w.channel != nil && w.readGate.tryAcquire() && w.writeGate.tryAcquire() {
		done := make(chan error, 1)
		w.channel.Close(func(err error) { done <- err })
		select {
		case err := <-done:
			if err != nil {
				logger.Debug("Connection %s: close_notify not sent: %v", w.ID(), err)
			}
		case <-time.After(closeNotifyWait):
			logger.Debug("Connection %s: close_notify timed out", w.ID())
		}
	}
	return w.conn.Close()
}
