package endpoint

import (
	"bytes"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittonet/pkg/secure"
)

// fakeWrapper is a BackendWrapper whose raw I/O goes to in-memory buffers.
// The accepted connection only supplies addresses and is closed by
// CloseRaw.
type fakeWrapper struct {
	*WrapperBase
	conn net.Conn

	mu  sync.Mutex
	in  bytes.Buffer
	out bytes.Buffer

	// writeLimit caps the bytes a non-blocking WriteRaw accepts; negative
	// is unlimited.
	writeLimit int

	sendfile func(d *SendfileData) SendfileState

	closeRaw      atomic.Int32
	readInterest  atomic.Int32
	writeInterest atomic.Int32
	sendfileCalls atomic.Int32
}

func newFakeWrapper(e *Endpoint, conn net.Conn) *fakeWrapper {
	w := &fakeWrapper{conn: conn, writeLimit: -1}
	w.WrapperBase = NewWrapperBase(e, conn, w)
	return w
}

func (w *fakeWrapper) ReadRaw(block bool, p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.in.Len() == 0 {
		if block {
			return 0, io.EOF
		}
		return 0, nil
	}
	return w.in.Read(p)
}

func (w *fakeWrapper) WriteRaw(block bool, p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !block && w.writeLimit >= 0 && len(p) > w.writeLimit {
		p = p[:w.writeLimit]
	}
	return w.out.Write(p)
}

func (w *fakeWrapper) CloseRaw() error {
	w.closeRaw.Add(1)
	return w.conn.Close()
}

func (w *fakeWrapper) RegisterReadInterest()  { w.readInterest.Add(1) }
func (w *fakeWrapper) RegisterWriteInterest() { w.writeInterest.Add(1) }

func (w *fakeWrapper) IsSecure() bool                      { return false }
func (w *fakeWrapper) Session() secure.SessionInfo         { return secure.SessionInfo{} }
func (w *fakeWrapper) NegotiatedProtocol() string          { return "" }
func (w *fakeWrapper) Handshake() (HandshakeResult, error) { return HandshakeDone, nil }

func (w *fakeWrapper) ProcessSendfile(d *SendfileData) SendfileState {
	w.sendfileCalls.Add(1)
	if w.sendfile != nil {
		return w.sendfile(d)
	}
	return SendfileDone
}

func (w *fakeWrapper) setWriteLimit(n int) {
	w.mu.Lock()
	w.writeLimit = n
	w.mu.Unlock()
}

func (w *fakeWrapper) written() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.String()
}

// fakeBackend hands every registered wrapper to the test.
type fakeBackend struct {
	ep         *Endpoint
	registered chan *fakeWrapper

	// openRead dispatches OPEN_READ on Register.
	openRead bool

	starts atomic.Int32
	stops  atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{registered: make(chan *fakeWrapper, 64)}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Start(e *Endpoint) error {
	b.ep = e
	b.starts.Add(1)
	return nil
}

func (b *fakeBackend) Wrap(e *Endpoint, conn *net.TCPConn) (BackendWrapper, error) {
	return newFakeWrapper(e, conn), nil
}

func (b *fakeBackend) Register(w BackendWrapper) error {
	fw := w.(*fakeWrapper)
	b.registered <- fw
	if b.openRead {
		b.ep.ProcessSocket(fw, EventOpenRead, true)
	}
	return nil
}

func (b *fakeBackend) Stop() { b.stops.Add(1) }

// next waits for the next registered wrapper.
func (b *fakeBackend) next(t *testing.T) *fakeWrapper {
	t.Helper()
	select {
	case w := <-b.registered:
		return w
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no connection registered")
		return nil
	}
}

// recordingHandler records events and answers with process, or OPEN.
type recordingHandler struct {
	process func(w SocketWrapper, ev SocketEvent) SocketState

	mu     sync.Mutex
	events []SocketEvent

	processed atomic.Int32
	released  atomic.Int32
	pauses    atomic.Int32
	recycles  atomic.Int32
}

func (h *recordingHandler) Process(w SocketWrapper, ev SocketEvent) SocketState {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	defer h.processed.Add(1)

	if h.process != nil {
		return h.process(w, ev)
	}
	return SocketOpen
}

func (h *recordingHandler) Release(SocketWrapper)           { h.released.Add(1) }
func (h *recordingHandler) Pause()                          { h.pauses.Add(1) }
func (h *recordingHandler) Recycle()                        { h.recycles.Add(1) }
func (h *recordingHandler) GetOpenSockets() []SocketWrapper { return nil }

func (h *recordingHandler) seen() []SocketEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SocketEvent(nil), h.events...)
}

// newTestEndpoint creates a loopback endpoint on an ephemeral port and
// destroys it when the test ends.
func newTestEndpoint(t *testing.T, h Handler, b Backend, mutate ...func(*Config)) *Endpoint {
	t.Helper()
	cfg := Config{
		Name:            "test",
		Address:         "127.0.0.1",
		MinSpareThreads: 2,
		MaxThreads:      8,
		UnlockTimeout:   time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e := New(cfg, h, b)
	t.Cleanup(func() { _ = e.Destroy() })
	return e
}

// dial connects a client to e.
func dial(t *testing.T, e *Endpoint) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", e.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}
