package secure

import (
	"errors"
	"fmt"
	"io"

	"github.com/marmos91/dittonet/internal/logger"
	"github.com/marmos91/dittonet/pkg/buffer"
	"github.com/marmos91/dittonet/pkg/clienthello"
)

const (
	// initialNetBufferSize fits a typical ClientHello; the buffer grows to
	// the engine's packet size once the engine exists.
	initialNetBufferSize = 8 << 10

	// maxIdleTransitions bounds consecutive engine steps that neither
	// consume nor produce bytes. A well-behaved engine needs a handful.
	maxIdleTransitions = 64
)

// step is the I/O the handshake needs before it can continue.
type step int

const (
	stepDone step = iota
	stepRead
	stepFlush
)

// handshaker holds the per-connection TLS state shared by Channel and
// AsyncChannel: the engine, the network buffers and the handshake state
// machine. It performs no I/O; advance tells the owning channel what to do.
//
// Not safe for concurrent use. The owning socket wrapper serializes access.
type handshaker struct {
	factory EngineFactory
	engine  Engine
	pool    *buffer.Pool

	netIn  *buffer.Buffer
	netOut *buffer.Buffer
	appIn  *buffer.Buffer

	status   HandshakeStatus
	started  bool
	complete bool

	// idle counts engine steps since the last one that moved bytes.
	idle int

	hello clienthello.Result

	closing bool
}

func newHandshaker(factory EngineFactory, engine Engine, pool *buffer.Pool) handshaker {
	if pool == nil {
		pool = buffer.Default()
	}
	return handshaker{
		factory: factory,
		engine:  engine,
		pool:    pool,
		netIn:   pool.Get(initialNetBufferSize),
		netOut:  pool.Get(initialNetBufferSize),
		appIn:   buffer.New(0),
	}
}

// advance runs the state machine until it completes, fails or needs I/O.
func (h *handshaker) advance() (step, error) {
	if h.complete {
		return stepDone, nil
	}

	if !h.started {
		st, err := h.start()
		if err != nil || st != stepDone {
			return st, err
		}
	}

	for {
		if h.idle > maxIdleTransitions {
			return stepDone, ErrTooManyTransitions
		}

		switch h.status {
		case NotHandshaking, Finished:
			if h.netOut.Len() > 0 {
				return stepFlush, nil
			}
			h.complete = true
			return stepDone, nil

		case NeedWrap:
			if h.netOut.Len() > 0 {
				return stepFlush, nil
			}
			res, err := h.engine.Wrap(nil, h.netOut.Free())
			h.netOut.Commit(res.Produced)
			h.track(res)
			if err != nil {
				return stepDone, h.fail(err)
			}
			switch res.Status {
			case BufferOverflow:
				h.netOut.Expand(h.netOut.Len() + h.engine.PacketBufferSize())
				continue
			case Closed:
				return stepDone, h.fail(io.ErrClosedPipe)
			}
			h.status = res.HandshakeStatus
			// Handshake bytes go out before anything is read
			if h.netOut.Len() > 0 {
				return stepFlush, nil
			}

		case NeedUnwrap:
			if h.netIn.Len() == 0 {
				return stepRead, nil
			}
			h.ensureAppRoom()
			res, err := h.engine.Unwrap(h.netIn.Bytes(), h.appIn.Free())
			h.netIn.Advance(res.Consumed)
			h.appIn.Commit(res.Produced)
			h.track(res)
			if err != nil {
				return stepDone, h.fail(err)
			}
			switch res.Status {
			case BufferUnderflow:
				h.makeReadRoom()
				return stepRead, nil
			case BufferOverflow:
				h.appIn.Expand(h.appIn.Len() + h.engine.ApplicationBufferSize())
				continue
			case Closed:
				return stepDone, h.fail(io.ErrUnexpectedEOF)
			}
			h.status = res.HandshakeStatus

		case NeedTask:
			if task := h.engine.DelegatedTask(); task != nil {
				task()
			}
			h.idle++
			h.status = h.engine.HandshakeStatus()
		}
	}
}

// start creates the engine from the ClientHello when none was supplied and
// begins the handshake.
func (h *handshaker) start() (step, error) {
	if h.engine == nil {
		h.netIn.Compact()
		res := clienthello.Extract(h.netIn.Bytes(), h.netIn.Cap())

		switch res.Status {
		case clienthello.NeedRead:
			return stepRead, nil
		case clienthello.Underflow:
			if h.netIn.Cap() >= clienthello.MaxRecordSize {
				return stepDone, ErrBufferTooSmall
			}
			h.netIn.Expand(min(2*h.netIn.Cap(), clienthello.MaxRecordSize))
			return stepRead, nil
		}

		if res.HTTPRequest {
			return stepDone, ErrPlainHTTP
		}
		h.hello = res

		engine, err := h.factory(res.SNI)
		if err != nil {
			return stepDone, fmt.Errorf("%w: no engine for %q: %v", ErrHandshakeFailed, res.SNI, err)
		}
		h.engine = engine
		logger.Debug("TLS: ClientHello sni=%q alpn=%v ciphers=%d", res.SNI, res.ALPN, len(res.Ciphers))
	}

	if err := h.engine.BeginHandshake(); err != nil {
		return stepDone, h.fail(err)
	}
	h.started = true
	h.status = h.engine.HandshakeStatus()

	h.netIn.Expand(h.engine.PacketBufferSize())
	h.netOut.Expand(h.engine.PacketBufferSize())
	return stepDone, nil
}

// restart begins a renegotiation on an established engine.
func (h *handshaker) restart() error {
	if h.netIn.Len() > 0 || h.netOut.Len() > 0 || h.appIn.Len() > 0 {
		return ErrRehandshakePendingData
	}
	if err := h.engine.BeginHandshake(); err != nil {
		return err
	}
	h.complete = false
	h.idle = 0
	h.status = h.engine.HandshakeStatus()
	return nil
}

func (h *handshaker) fail(err error) error {
	if errors.Is(err, ErrHandshakeFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
}

func (h *handshaker) track(res Result) {
	if res.Consumed > 0 || res.Produced > 0 {
		h.idle = 0
		return
	}
	h.idle++
}

// ensureAppRoom gives the engine somewhere to put decrypted bytes.
func (h *handshaker) ensureAppRoom() {
	if h.appIn.Available() == 0 {
		h.appIn.Compact()
	}
	if h.appIn.Available() == 0 {
		size := maxPlaintext
		if h.engine != nil {
			size = h.engine.ApplicationBufferSize()
		}
		h.appIn.Expand(h.appIn.Len() + size)
	}
}

// makeReadRoom frees or adds space at the tail of netIn.
func (h *handshaker) makeReadRoom() {
	if h.netIn.Available() > 0 {
		return
	}
	h.netIn.Compact()
	if h.netIn.Available() == 0 {
		h.netIn.Expand(h.netIn.Len() + h.engine.PacketBufferSize())
	}
}

// unwrapInto decrypts buffered bytes into p, serving earlier decrypted bytes
// first. It returns the engine status of the last unwrap.
func (h *handshaker) unwrapInto(p []byte) (int, Status, error) {
	if h.appIn.Len() > 0 {
		n, _ := h.appIn.Read(p)
		return n, OK, nil
	}
	if len(p) == 0 {
		return 0, OK, nil
	}

	for {
		res, err := h.engine.Unwrap(h.netIn.Bytes(), p)
		h.netIn.Advance(res.Consumed)
		if err != nil {
			return res.Produced, Closed, err
		}
		if res.HandshakeStatus == NeedWrap {
			h.wrapControl()
		}

		switch res.Status {
		case BufferOverflow:
			// p is smaller than a record: decrypt into appIn and copy.
			h.ensureAppRoom()
			res, err = h.engine.Unwrap(nil, h.appIn.Free())
			h.appIn.Commit(res.Produced)
			if err != nil {
				return 0, Closed, err
			}
			if h.appIn.Len() > 0 {
				n, _ := h.appIn.Read(p)
				return n, OK, nil
			}
			return 0, res.Status, nil
		case OK:
			if res.Produced > 0 {
				return res.Produced, OK, nil
			}
			if res.Consumed > 0 {
				continue
			}
			return 0, BufferUnderflow, nil
		case BufferUnderflow:
			h.makeReadRoom()
			return 0, BufferUnderflow, nil
		default:
			return res.Produced, res.Status, nil
		}
	}
}

// wrapControl collects engine output that is not application data (key
// updates, alerts) into netOut.
func (h *handshaker) wrapControl() {
	for i := 0; i < 8; i++ {
		if h.netOut.Available() == 0 {
			h.netOut.Compact()
		}
		if h.netOut.Available() == 0 {
			h.netOut.Expand(h.netOut.Len() + h.engine.PacketBufferSize())
		}
		res, err := h.engine.Wrap(nil, h.netOut.Free())
		h.netOut.Commit(res.Produced)
		if err != nil || res.Produced == 0 || res.HandshakeStatus != NeedWrap {
			return
		}
	}
}

// wrapApp encrypts as much of p as fits into netOut.
func (h *handshaker) wrapApp(p []byte) (int, Status, error) {
	if h.netOut.Available() < h.engine.PacketBufferSize() {
		h.netOut.Compact()
	}
	if h.netOut.Available() < h.engine.PacketBufferSize() && h.netOut.Len() == 0 {
		h.netOut.Expand(h.engine.PacketBufferSize())
	}
	res, err := h.engine.Wrap(p, h.netOut.Free())
	h.netOut.Commit(res.Produced)
	return res.Consumed, res.Status, err
}

// beginClose queues close_notify into netOut. It reports false if the
// channel was already closing.
func (h *handshaker) beginClose() bool {
	if h.closing {
		return false
	}
	h.closing = true
	if h.engine == nil {
		return true
	}
	h.engine.CloseOutbound()
	for i := 0; i < 8 && !h.engine.IsOutboundDone(); i++ {
		if h.netOut.Available() == 0 {
			h.netOut.Expand(h.netOut.Len() + h.engine.PacketBufferSize())
		}
		res, err := h.engine.Wrap(nil, h.netOut.Free())
		h.netOut.Commit(res.Produced)
		if err != nil || res.Produced == 0 {
			break
		}
	}
	return true
}

// release stops the engine and returns the buffers to the pool.
func (h *handshaker) release() {
	if h.engine != nil {
		h.engine.CloseInbound()
	}
	if h.pool != nil {
		h.pool.Put(h.netIn)
		h.pool.Put(h.netOut)
	}
	h.netIn, h.netOut = buffer.New(0), buffer.New(0)
}

// Session describes the negotiated session.
func (h *handshaker) Session() SessionInfo {
	if h.engine == nil {
		return SessionInfo{}
	}
	return h.engine.Session()
}

// ClientHello returns what was extracted from the ClientHello. It is zero
// when the engine was supplied up front.
func (h *handshaker) ClientHello() clienthello.Result { return h.hello }

// HandshakeComplete reports whether application data may flow.
func (h *handshaker) HandshakeComplete() bool { return h.complete }

// HasBufferedInput reports whether decrypted or undecrypted bytes are held.
func (h *handshaker) HasBufferedInput() bool {
	return h.appIn.Len() > 0 || h.netIn.Len() > 0
}

// HasPendingOutput reports whether encrypted bytes wait to be sent.
func (h *handshaker) HasPendingOutput() bool { return h.netOut.Len() > 0 }
