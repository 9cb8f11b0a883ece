package secure

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/marmos91/dittonet/pkg/tlsconf"
)

const (
	maxPlaintext = 16 * 1024

	// A record is a 5-byte header, at most 16KB of plaintext and at most
	// 256 bytes of expansion (MAC, padding, AEAD tag, inner content type).
	packetBufferSize = 5 + maxPlaintext + 256
)

// ============================================================================
// In-memory transport
// ============================================================================

// memConn is the net.Conn a tls.Conn runs over inside a TLSEngine.
//
// Inbound bytes are pushed by Unwrap, outbound bytes are pulled by Wrap.
// While the handshake goroutine runs, Read blocks until bytes arrive; once it
// is done Read returns a temporary net.Error so tls.Conn.Read reports "no
// data yet" without latching an error.
type memConn struct {
	mu   sync.Mutex
	cond *sync.Cond

	in  bytes.Buffer
	out bytes.Buffer

	handshaking bool
	readWaiting bool
	inEOF       bool
	closed      bool

	started  bool
	hsDone   bool
	hsErr    error
	outClose bool
}

func newMemConn() *memConn {
	m := &memConn{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

type wouldBlock struct{}

func (wouldBlock) Error() string   { return "secure: no buffered network data" }
func (wouldBlock) Timeout() bool   { return true }
func (wouldBlock) Temporary() bool { return true }

var errWouldBlock net.Error = wouldBlock{}

func (m *memConn) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.in.Len() == 0 {
		if m.inEOF || m.closed {
			return 0, io.EOF
		}
		if !m.handshaking {
			return 0, errWouldBlock
		}
		m.readWaiting = true
		m.cond.Broadcast()
		m.cond.Wait()
		m.readWaiting = false
	}
	return m.in.Read(p)
}

func (m *memConn) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, net.ErrClosed
	}
	n, _ := m.out.Write(p)
	m.cond.Broadcast()
	return n, nil
}

func (m *memConn) Close() error {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
	return nil
}

type memAddr struct{}

func (memAddr) Network() string { return "memory" }
func (memAddr) String() string  { return "memory" }

func (m *memConn) LocalAddr() net.Addr                { return memAddr{} }
func (m *memConn) RemoteAddr() net.Addr               { return memAddr{} }
func (m *memConn) SetDeadline(_ time.Time) error      { return nil }
func (m *memConn) SetReadDeadline(_ time.Time) error  { return nil }
func (m *memConn) SetWriteDeadline(_ time.Time) error { return nil }

// statusLocked derives the handshake status. Callers hold mu.
func (m *memConn) statusLocked() HandshakeStatus {
	switch {
	case m.out.Len() > 0:
		return NeedWrap
	case m.hsErr != nil:
		// Surface the failure through the next Wrap.
		return NeedWrap
	case !m.started || m.hsDone:
		return NotHandshaking
	case m.readWaiting && m.in.Len() == 0:
		return NeedUnwrap
	default:
		return NeedTask
	}
}

// quiescentLocked reports whether the handshake goroutine waits for the
// caller: it finished, has bytes to send, or needs bytes.
func (m *memConn) quiescentLocked() bool {
	return m.hsDone || m.out.Len() > 0 || (m.readWaiting && m.in.Len() == 0)
}

// ============================================================================
// TLSEngine
// ============================================================================

// TLSEngine adapts crypto/tls to the Engine interface.
//
// The handshake runs on its own goroutine over an in-memory transport. Its
// computation between network flights is what the engine exposes as a
// delegated task: running the task waits until that goroutine needs I/O or
// finishes. After the handshake, Wrap and Unwrap call tls.Conn Write and
// Read directly on the caller's goroutine.
//
// Renegotiation is not available: crypto/tls does not renegotiate as a
// server.
type TLSEngine struct {
	mc   *memConn
	conn *tls.Conn

	// Guarded by mc.mu.
	cancel           context.CancelFunc
	finishedReported bool
}

// NewTLSEngine creates a server-side engine.
func NewTLSEngine(cfg *tls.Config) *TLSEngine {
	mc := newMemConn()
	return &TLSEngine{mc: mc, conn: tls.Server(mc, cfg)}
}

// NewTLSClientEngine creates a client-side engine.
func NewTLSClientEngine(cfg *tls.Config) *TLSEngine {
	mc := newMemConn()
	return &TLSEngine{mc: mc, conn: tls.Client(mc, cfg)}
}

// BeginHandshake starts the handshake goroutine.
func (e *TLSEngine) BeginHandshake() error {
	m := e.mc
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrRenegotiationUnsupported
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.started = true
	m.handshaking = true
	e.cancel = cancel
	m.mu.Unlock()

	go func() {
		defer cancel()
		err := e.conn.HandshakeContext(ctx)

		m.mu.Lock()
		m.hsDone = true
		m.hsErr = err
		m.handshaking = false
		m.cond.Broadcast()
		m.mu.Unlock()
	}()
	return nil
}

// reportLocked turns the first NotHandshaking after completion into Finished.
func (e *TLSEngine) reportLocked(hs HandshakeStatus) HandshakeStatus {
	m := e.mc
	if hs == NotHandshaking && m.hsDone && m.hsErr == nil && !e.finishedReported {
		e.finishedReported = true
		return Finished
	}
	return hs
}

func (e *TLSEngine) failure() error {
	return fmt.Errorf("%w: %v", ErrHandshakeFailed, e.mc.hsErr)
}

// Wrap drains pending handshake or alert bytes first. Application bytes are
// only accepted after the handshake.
func (e *TLSEngine) Wrap(src, dst []byte) (Result, error) {
	m := e.mc
	m.mu.Lock()

	if m.out.Len() > 0 {
		if len(dst) == 0 {
			hs := m.statusLocked()
			m.mu.Unlock()
			return Result{Status: BufferOverflow, HandshakeStatus: hs}, nil
		}
		n, _ := m.out.Read(dst)
		hs := e.reportLocked(m.statusLocked())
		m.mu.Unlock()
		return Result{Status: OK, HandshakeStatus: hs, Produced: n}, nil
	}
	if m.hsErr != nil {
		m.mu.Unlock()
		return Result{Status: Closed}, e.failure()
	}
	if m.outClose {
		m.mu.Unlock()
		return Result{Status: Closed, HandshakeStatus: NotHandshaking}, nil
	}
	if !m.hsDone {
		hs := m.statusLocked()
		m.mu.Unlock()
		return Result{Status: OK, HandshakeStatus: hs}, nil
	}
	hs := e.reportLocked(NotHandshaking)
	m.mu.Unlock()

	if len(src) == 0 {
		return Result{Status: OK, HandshakeStatus: hs}, nil
	}
	if len(dst) < packetBufferSize {
		return Result{Status: BufferOverflow, HandshakeStatus: hs}, nil
	}

	chunk := src
	if len(chunk) > maxPlaintext {
		chunk = chunk[:maxPlaintext]
	}
	if _, err := e.conn.Write(chunk); err != nil {
		return Result{Status: Closed, HandshakeStatus: hs}, err
	}

	m.mu.Lock()
	n, _ := m.out.Read(dst)
	m.mu.Unlock()
	return Result{Status: OK, HandshakeStatus: hs, Consumed: len(chunk), Produced: n}, nil
}

// Unwrap always consumes all of src; bytes beyond the current record stay
// buffered inside the engine.
func (e *TLSEngine) Unwrap(src, dst []byte) (Result, error) {
	m := e.mc
	m.mu.Lock()

	if m.hsErr != nil && m.out.Len() == 0 {
		m.mu.Unlock()
		return Result{Status: Closed}, e.failure()
	}
	m.in.Write(src)
	m.cond.Broadcast()

	if !m.hsDone {
		hs := m.statusLocked()
		m.mu.Unlock()
		return Result{Status: OK, HandshakeStatus: hs, Consumed: len(src)}, nil
	}
	if m.hsErr != nil {
		hs := m.statusLocked()
		m.mu.Unlock()
		return Result{Status: OK, HandshakeStatus: hs, Consumed: len(src)}, nil
	}
	m.mu.Unlock()

	res := Result{Consumed: len(src)}
	if len(dst) == 0 {
		res.Status = BufferOverflow
		res.HandshakeStatus = e.status()
		return res, nil
	}

	n, err := e.conn.Read(dst)
	res.Produced = n
	res.HandshakeStatus = e.status()

	switch {
	case n > 0:
		res.Status = OK
		return res, nil
	case err == nil:
		res.Status = OK
		return res, nil
	case isWouldBlock(err):
		res.Status = BufferUnderflow
		return res, nil
	case errors.Is(err, io.EOF):
		res.Status = Closed
		return res, nil
	default:
		res.Status = Closed
		return res, err
	}
}

// status reads the status and applies the single Finished report.
func (e *TLSEngine) status() HandshakeStatus {
	e.mc.mu.Lock()
	defer e.mc.mu.Unlock()
	return e.reportLocked(e.mc.statusLocked())
}

func isWouldBlock(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// HandshakeStatus reports the current need without consuming the Finished
// report.
func (e *TLSEngine) HandshakeStatus() HandshakeStatus {
	e.mc.mu.Lock()
	defer e.mc.mu.Unlock()
	return e.mc.statusLocked()
}

// DelegatedTask returns a task waiting for the handshake goroutine to reach
// its next I/O point, or nil when it is already there.
func (e *TLSEngine) DelegatedTask() func() {
	m := e.mc
	m.mu.Lock()
	hs := m.statusLocked()
	m.mu.Unlock()
	if hs != NeedTask {
		return nil
	}

	return func() {
		m.mu.Lock()
		for !m.quiescentLocked() {
			m.cond.Wait()
		}
		m.mu.Unlock()
	}
}

// Session describes the negotiated session. It is empty until the handshake
// succeeded.
func (e *TLSEngine) Session() SessionInfo {
	m := e.mc
	m.mu.Lock()
	ok := m.hsDone && m.hsErr == nil
	m.mu.Unlock()
	if !ok {
		return SessionInfo{}
	}

	st := e.conn.ConnectionState()
	return SessionInfo{
		Version:            st.Version,
		CipherSuite:        tlsconf.Cipher(st.CipherSuite),
		NegotiatedProtocol: st.NegotiatedProtocol,
		ServerName:         st.ServerName,
		PeerCertificates:   st.PeerCertificates,
		Resumed:            st.DidResume,
	}
}

// CloseOutbound queues close_notify after a completed handshake and aborts
// an unfinished one.
func (e *TLSEngine) CloseOutbound() {
	m := e.mc
	m.mu.Lock()
	if m.outClose {
		m.mu.Unlock()
		return
	}
	m.outClose = true
	established := m.hsDone && m.hsErr == nil
	m.mu.Unlock()

	if established {
		_ = e.conn.CloseWrite()
		return
	}
	e.CloseInbound()
}

// CloseInbound stops the handshake goroutine if it is still running.
func (e *TLSEngine) CloseInbound() {
	m := e.mc
	m.mu.Lock()
	m.inEOF = true
	m.cond.Broadcast()
	cancel := e.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// IsOutboundDone reports whether close_notify (if any) was fully wrapped.
func (e *TLSEngine) IsOutboundDone() bool {
	m := e.mc
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outClose && m.out.Len() == 0
}

// Buffered reports whether received bytes have not been decrypted yet.
func (e *TLSEngine) Buffered() bool {
	e.mc.mu.Lock()
	defer e.mc.mu.Unlock()
	return e.mc.in.Len() > 0
}

func (e *TLSEngine) PacketBufferSize() int      { return packetBufferSize }
func (e *TLSEngine) ApplicationBufferSize() int { return maxPlaintext }
