package endpoint

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/marmos91/dittonet/pkg/buffer"
	"github.com/marmos91/dittonet/pkg/secure"
)

// SocketWrapper is one accepted connection as the Handler sees it.
//
// Every backend wraps its own kind of connection around a WrapperBase, which
// holds the state common to all of them. The interface is sealed: only
// types embedding *WrapperBase implement it.
type SocketWrapper interface {
	ID() string
	Endpoint() *Endpoint
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	Buffers() *buffer.Handler

	// Read serves buffered bytes first. A non-blocking Read returns 0, nil
	// when nothing is available.
	//
	// Read, IsReadyForRead and Unread use the read buffer without a lock.
	// They must only be called from the connection's processing unit, which
	// keeps the buffers alive even when another goroutine closes the
	// connection.
	Read(block bool, p []byte) (int, error)

	// Write accepts all of p. A non-blocking Write buffers what the socket
	// does not take; call Flush to push it.
	Write(block bool, p []byte) (int, error)

	// Flush writes buffered output. It reports whether data is left.
	Flush(block bool) (bool, error)

	HasDataToWrite() bool
	IsReadyForRead() (bool, error)
	Unread(p []byte)

	RegisterReadInterest()
	RegisterWriteInterest()

	ReadTimeout() time.Duration
	SetReadTimeout(d time.Duration)
	WriteTimeout() time.Duration
	SetWriteTimeout(d time.Duration)

	KeepAliveLeft() int
	DecrementKeepAlive() int

	Error() error
	SetError(err error)

	IsSecure() bool
	Session() secure.SessionInfo
	NegotiatedProtocol() string

	SendfileData() *SendfileData
	SetSendfileData(d *SendfileData)

	Upgraded() bool
	SetUpgraded(upgraded bool)

	Close() error
	IsClosed() bool

	// Handshake advances the TLS handshake. Plain sockets return
	// HandshakeDone.
	Handshake() (HandshakeResult, error)

	// ProcessSendfile starts a sendfile task. A Pending result means the
	// backend finishes it later through Endpoint.CompleteSendfile.
	ProcessSendfile(d *SendfileData) SendfileState

	base() *WrapperBase
}

// SocketOps is the backend half of a wrapper.
type SocketOps interface {
	// ReadRaw reads from the connection, decrypting when secure. A
	// non-blocking call returns 0, nil when nothing is available.
	ReadRaw(block bool, p []byte) (int, error)

	// WriteRaw writes to the connection, encrypting when secure. A
	// non-blocking call may write less than p.
	WriteRaw(block bool, p []byte) (int, error)

	// CloseRaw releases the connection. It is called once.
	CloseRaw() error

	RegisterReadInterest()
	RegisterWriteInterest()
}

// HangupWatcher is implemented by wrappers whose backend can report a peer
// hangup on a parked connection. WatchHangup is called each time the
// connection is parked; the backend answers a hangup with DISCONNECT.
type HangupWatcher interface {
	WatchHangup()
}

// BackendWrapper is what a backend builds around a WrapperBase.
type BackendWrapper interface {
	SocketWrapper
	SocketOps
}

// WrapperBase holds the backend-independent state of a connection.
//
// Thread safety:
// Timeouts, the keep-alive counter, the sticky error and the closed flag
// may be used from any goroutine. Buffers are only touched by the goroutine
// running the connection's processing unit, which holds processLock, or
// under writeLock for output.
type WrapperBase struct {
	id       string
	endpoint *Endpoint
	self     BackendWrapper

	remote net.Addr
	local  net.Addr

	buffers *buffer.Handler

	readTimeout   atomic.Int64
	writeTimeout  atomic.Int64
	keepAliveLeft atomic.Int32

	errMu sync.Mutex
	err   error

	// writeLock guards the write buffer and the overflow queue. overflowOff
	// is how much of the queue head was already sent.
	writeLock   sync.Mutex
	overflow    *queue.Queue
	overflowOff int

	// processLock serializes processing units for this connection.
	processLock sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	freeOnce  sync.Once

	handshakeDone atomic.Bool
	upgraded      atomic.Bool
	parked        atomic.Bool

	lastRead  atomic.Int64
	lastWrite atomic.Int64
	accepted  time.Time

	sendfileMu sync.Mutex
	sendfile   *SendfileData
}

// NewWrapperBase creates the common state for conn. self is the backend
// wrapper embedding the returned value.
func NewWrapperBase(ep *Endpoint, conn net.Conn, self BackendWrapper) *WrapperBase {
	sc := ep.cfg.Socket
	w := &WrapperBase{
		id:       uuid.NewString(),
		endpoint: ep,
		self:     self,
		remote:   conn.RemoteAddr(),
		local:    conn.LocalAddr(),
		buffers:  buffer.NewHandler(sc.AppReadBufSize, sc.AppWriteBufSize, ep.bufferPool),
		overflow: queue.New(),
		accepted: time.Now(),
	}
	w.readTimeout.Store(int64(ep.cfg.ConnectionTimeout))
	w.writeTimeout.Store(int64(ep.cfg.ConnectionTimeout))
	w.keepAliveLeft.Store(int32(ep.cfg.MaxKeepAliveRequests))
	now := time.Now().UnixNano()
	w.lastRead.Store(now)
	w.lastWrite.Store(now)
	return w
}

func (w *WrapperBase) base() *WrapperBase { return w }

func (w *WrapperBase) ID() string               { return w.id }
func (w *WrapperBase) Endpoint() *Endpoint      { return w.endpoint }
func (w *WrapperBase) RemoteAddr() net.Addr     { return w.remote }
func (w *WrapperBase) LocalAddr() net.Addr      { return w.local }
func (w *WrapperBase) Buffers() *buffer.Handler { return w.buffers }

func (w *WrapperBase) ReadTimeout() time.Duration      { return time.Duration(w.readTimeout.Load()) }
func (w *WrapperBase) SetReadTimeout(d time.Duration)  { w.readTimeout.Store(int64(d)) }
func (w *WrapperBase) WriteTimeout() time.Duration     { return time.Duration(w.writeTimeout.Load()) }
func (w *WrapperBase) SetWriteTimeout(d time.Duration) { w.writeTimeout.Store(int64(d)) }

// KeepAliveLeft returns the requests left on this connection, -1 when
// unlimited.
func (w *WrapperBase) KeepAliveLeft() int { return int(w.keepAliveLeft.Load()) }

// DecrementKeepAlive consumes one request and returns what is left.
func (w *WrapperBase) DecrementKeepAlive() int {
	for {
		cur := w.keepAliveLeft.Load()
		if cur <= 0 {
			return int(cur)
		}
		if w.keepAliveLeft.CompareAndSwap(cur, cur-1) {
			return int(cur - 1)
		}
	}
}

// Error returns the first error recorded on the connection.
func (w *WrapperBase) Error() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// SetError records err unless an error was already recorded.
func (w *WrapperBase) SetError(err error) {
	if err == nil {
		return
	}
	w.errMu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.errMu.Unlock()
}

func (w *WrapperBase) Upgraded() bool            { return w.upgraded.Load() }
func (w *WrapperBase) SetUpgraded(upgraded bool) { w.upgraded.Store(upgraded) }

// IsClosed reports whether Close was called.
func (w *WrapperBase) IsClosed() bool { return w.closed.Load() }

// Parked reports whether the Handler left the connection in a long-poll
// or suspended state.
func (w *WrapperBase) Parked() bool { return w.parked.Load() }

// HandshakeComplete reports whether application data may flow.
func (w *WrapperBase) HandshakeComplete() bool { return w.handshakeDone.Load() }

// LastRead and LastWrite return the time of the last successful I/O.
func (w *WrapperBase) LastRead() time.Time  { return time.Unix(0, w.lastRead.Load()) }
func (w *WrapperBase) LastWrite() time.Time { return time.Unix(0, w.lastWrite.Load()) }

// Accepted returns when the connection was accepted.
func (w *WrapperBase) Accepted() time.Time { return w.accepted }

// TouchRead and TouchWrite reset the idle clocks.
func (w *WrapperBase) TouchRead()  { w.lastRead.Store(time.Now().UnixNano()) }
func (w *WrapperBase) TouchWrite() { w.lastWrite.Store(time.Now().UnixNano()) }

// ReadExpired reports whether the read timeout elapsed at now.
func (w *WrapperBase) ReadExpired(now time.Time) bool {
	t := w.ReadTimeout()
	return t > 0 && now.Sub(w.LastRead()) > t
}

// WriteExpired reports whether the write timeout elapsed at now.
func (w *WrapperBase) WriteExpired(now time.Time) bool {
	t := w.WriteTimeout()
	return t > 0 && now.Sub(w.LastWrite()) > t
}

func (w *WrapperBase) SendfileData() *SendfileData {
	w.sendfileMu.Lock()
	defer w.sendfileMu.Unlock()
	return w.sendfile
}

func (w *WrapperBase) SetSendfileData(d *SendfileData) {
	w.sendfileMu.Lock()
	w.sendfile = d
	w.sendfileMu.Unlock()
}

// Read implements SocketWrapper.
func (w *WrapperBase) Read(block bool, p []byte) (int, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}
	if err := w.Error(); err != nil {
		return 0, err
	}

	if rb := w.buffers.ReadBuffer(); rb != nil && rb.Len() > 0 {
		n, _ := rb.Read(p)
		return n, nil
	}

	n, err := w.self.ReadRaw(block, p)
	if n > 0 {
		w.TouchRead()
	}
	if err != nil && !errors.Is(err, io.EOF) && !IsTransient(err) {
		w.SetError(err)
	}
	return n, err
}

// IsReadyForRead reports whether a read would return data now. When it
// would not, read interest is registered. Like Read, it must run inside the
// connection's processing unit.
func (w *WrapperBase) IsReadyForRead() (bool, error) {
	if w.closed.Load() {
		return false, ErrClosed
	}
	rb := w.buffers.ReadBuffer()
	if rb.Len() > 0 {
		return true, nil
	}

	w.buffers.ConfigureReadBufferForWrite()
	n, err := w.self.ReadRaw(false, rb.Free())
	rb.Commit(n)
	if n > 0 {
		w.TouchRead()
		return true, nil
	}
	if IsTransient(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.self.RegisterReadInterest()
	return false, nil
}

// Unread pushes p back in front of the buffered input.
func (w *WrapperBase) Unread(p []byte) { w.buffers.UnReadReadBuffer(p) }

// HasDataToWrite reports whether output is buffered.
func (w *WrapperBase) HasDataToWrite() bool {
	w.writeLock.Lock()
	defer w.writeLock.Unlock()
	return w.hasDataLocked()
}

func (w *WrapperBase) hasDataLocked() bool {
	return w.buffers.WriteBuffer().Len() > 0 || w.overflow.Length() > 0
}

// Write implements SocketWrapper.
func (w *WrapperBase) Write(block bool, p []byte) (int, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}
	if err := w.Error(); err != nil {
		return 0, err
	}

	w.writeLock.Lock()
	defer w.writeLock.Unlock()

	if block {
		if _, err := w.flushLocked(true); err != nil {
			return 0, err
		}
		n, err := w.writeFully(p)
		if err != nil {
			w.SetError(err)
		}
		return n, err
	}

	// Keep ordering: once anything overflowed, everything queues behind it.
	if w.overflow.Length() > 0 {
		w.enqueue(p)
		return len(p), nil
	}

	wb := w.buffers.WriteBuffer()
	n, _ := wb.Write(p)
	if n == len(p) {
		return n, nil
	}

	if _, err := w.flushLocked(false); err != nil {
		return n, err
	}
	rest := p[n:]
	if w.overflow.Length() == 0 {
		m, _ := wb.Write(rest)
		rest = rest[m:]
	}
	if len(rest) > 0 {
		w.enqueue(rest)
	}
	return len(p), nil
}

// enqueue copies p into overflow chunks of at most the write buffer size.
func (w *WrapperBase) enqueue(p []byte) {
	size := w.endpoint.cfg.Socket.AppWriteBufSize
	for len(p) > 0 {
		n := min(len(p), size)
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		w.overflow.Add(chunk)
		p = p[n:]
	}
}

func (w *WrapperBase) writeFully(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := w.self.WriteRaw(true, p[written:])
		written += n
		if n > 0 {
			w.TouchWrite()
		}
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// Flush implements SocketWrapper.
func (w *WrapperBase) Flush(block bool) (bool, error) {
	if w.closed.Load() {
		return false, ErrClosed
	}
	w.writeLock.Lock()
	defer w.writeLock.Unlock()
	return w.flushLocked(block)
}

func (w *WrapperBase) flushLocked(block bool) (bool, error) {
	wb := w.buffers.WriteBuffer()

	for wb.Len() > 0 {
		n, err := w.self.WriteRaw(block, wb.Bytes())
		wb.Advance(n)
		if n > 0 {
			w.TouchWrite()
		}
		if IsTransient(err) {
			return true, nil
		}
		if err != nil {
			w.SetError(err)
			return true, err
		}
		if n == 0 {
			return true, nil
		}
	}

	for w.overflow.Length() > 0 {
		chunk := w.overflow.Peek().([]byte)[w.overflowOff:]
		n, err := w.self.WriteRaw(block, chunk)
		w.overflowOff += n
		if n > 0 {
			w.TouchWrite()
		}
		if n == len(chunk) {
			w.overflow.Remove()
			w.overflowOff = 0
		}
		if IsTransient(err) {
			return true, nil
		}
		if err != nil {
			w.SetError(err)
			return true, err
		}
		if n < len(chunk) {
			return true, nil
		}
	}
	return false, nil
}

// Close implements SocketWrapper. Only the first call has an effect: the
// backend connection is released once and the Handler's Release is called
// once.
func (w *WrapperBase) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		err = w.self.CloseRaw()
		w.endpoint.onClose(w.self)

		// Buffers go back to the pool only when no processing unit is using
		// them; otherwise the running unit frees them on exit.
		if w.processLock.TryLock() {
			w.freeBuffers()
			w.processLock.Unlock()
		}
	})
	return err
}

func (w *WrapperBase) freeBuffers() {
	w.freeOnce.Do(func() {
		w.writeLock.Lock()
		w.buffers.Free()
		w.buffers = buffer.Empty
		w.writeLock.Unlock()
	})
}
