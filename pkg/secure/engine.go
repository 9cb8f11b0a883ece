// Package secure terminates TLS on top of non-blocking and asynchronous byte
// transports.
//
// An Engine is a transport-agnostic TLS state machine: callers feed it
// network bytes (Unwrap), collect network bytes to send (Wrap) and run
// delegated tasks when it asks for them. Channel drives an Engine over a
// non-blocking transport and reports which readiness it needs next;
// AsyncChannel drives the same handshake over a completion-based transport.
// Both select the engine per connection from the SNI host name found in the
// ClientHello.
package secure

import (
	"crypto/tls"
	"crypto/x509"
	"errors"

	"github.com/marmos91/dittonet/pkg/tlsconf"
)

// HandshakeStatus is what an engine needs next to progress its handshake.
type HandshakeStatus int

const (
	NotHandshaking HandshakeStatus = iota
	NeedWrap
	NeedUnwrap
	NeedTask
	Finished
)

func (s HandshakeStatus) String() string {
	switch s {
	case NotHandshaking:
		return "NOT_HANDSHAKING"
	case NeedWrap:
		return "NEED_WRAP"
	case NeedUnwrap:
		return "NEED_UNWRAP"
	case NeedTask:
		return "NEED_TASK"
	case Finished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Status is the outcome of a single Wrap or Unwrap.
type Status int

const (
	OK Status = iota
	BufferUnderflow
	BufferOverflow
	Closed
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case BufferUnderflow:
		return "BUFFER_UNDERFLOW"
	case BufferOverflow:
		return "BUFFER_OVERFLOW"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Result reports one engine operation.
//
// HandshakeStatus is Finished exactly once, on the operation that completed
// the handshake.
type Result struct {
	Status          Status
	HandshakeStatus HandshakeStatus
	Consumed        int
	Produced        int
}

// SessionInfo describes a negotiated session.
type SessionInfo struct {
	Version            uint16
	CipherSuite        tlsconf.Cipher
	NegotiatedProtocol string
	ServerName         string
	PeerCertificates   []*x509.Certificate
	Resumed            bool
}

// VersionName returns the protocol name, e.g. "TLS 1.3".
func (s SessionInfo) VersionName() string {
	if s.Version == 0 {
		return ""
	}
	return tls.VersionName(s.Version)
}

// Engine is a TLS state machine without I/O.
type Engine interface {
	// BeginHandshake starts the initial handshake, or a renegotiation if
	// one already completed.
	BeginHandshake() error

	// Wrap encrypts application bytes from src (or produces pending
	// handshake bytes) into dst.
	Wrap(src, dst []byte) (Result, error)

	// Unwrap consumes network bytes from src and writes decrypted
	// application bytes into dst.
	Unwrap(src, dst []byte) (Result, error)

	// HandshakeStatus reports the current need.
	HandshakeStatus() HandshakeStatus

	// DelegatedTask returns the pending computation, or nil.
	DelegatedTask() func()

	// Session describes the negotiated session once the handshake is done.
	Session() SessionInfo

	// CloseOutbound queues a close notification.
	CloseOutbound()

	// CloseInbound abandons the inbound direction and any handshake in
	// progress.
	CloseInbound()

	// IsOutboundDone reports whether the outbound side is closed and all
	// of its bytes were wrapped.
	IsOutboundDone() bool

	// PacketBufferSize is the network buffer size needed for one record.
	PacketBufferSize() int

	// ApplicationBufferSize is the largest plaintext of one record.
	ApplicationBufferSize() int
}

// bufferedEngine is implemented by engines that hold undecrypted input.
type bufferedEngine interface {
	Buffered() bool
}

func engineBuffered(e Engine) bool {
	b, ok := e.(bufferedEngine)
	return ok && b.Buffered()
}

// EngineFactory creates the engine for a connection. sni is empty when the
// client did not send one.
type EngineFactory func(sni string) (Engine, error)

// RegistryFactory returns an EngineFactory serving the host contexts of reg.
func RegistryFactory(reg *tlsconf.Registry) EngineFactory {
	return func(sni string) (Engine, error) {
		cfg := reg.Context(sni)
		if cfg == nil {
			return nil, tlsconf.ErrNoDefaultHost
		}
		return NewTLSEngine(cfg), nil
	}
}

var (
	// ErrHandshakeFailed wraps every handshake failure.
	ErrHandshakeFailed = errors.New("secure: handshake failed")

	// ErrHandshakeIncomplete is returned by I/O before the handshake is done.
	ErrHandshakeIncomplete = errors.New("secure: handshake not complete")

	// ErrRehandshakePendingData is returned when a renegotiation is
	// requested while bytes are buffered in either direction.
	ErrRehandshakePendingData = errors.New("secure: cannot rehandshake with pending data")

	// ErrRenegotiationUnsupported is returned by engines that cannot
	// renegotiate.
	ErrRenegotiationUnsupported = errors.New("secure: renegotiation not supported")

	// ErrBufferTooSmall is returned when the ClientHello does not fit the
	// largest network buffer allowed.
	ErrBufferTooSmall = errors.New("secure: ClientHello exceeds the network buffer limit")

	// ErrNotTLS is returned when a client sends something other than a TLS
	// handshake. ErrPlainHTTP narrows it to a plain-text HTTP request.
	ErrNotTLS    = errors.New("secure: peer did not start a TLS handshake")
	ErrPlainHTTP = errors.New("secure: plain HTTP request sent to a TLS port")

	// ErrTooManyTransitions bounds the handshake state machine.
	ErrTooManyTransitions = errors.New("secure: handshake exceeded transition limit")
)
