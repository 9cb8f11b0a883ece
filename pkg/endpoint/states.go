package endpoint

// SocketEvent is what a dispatched processing unit reports to the Handler.
type SocketEvent int

const (
	EventOpenRead SocketEvent = iota
	EventOpenWrite
	EventStop
	EventTimeout
	EventDisconnect
	EventError
)

func (e SocketEvent) String() string {
	switch e {
	case EventOpenRead:
		return "OPEN_READ"
	case EventOpenWrite:
		return "OPEN_WRITE"
	case EventStop:
		return "STOP"
	case EventTimeout:
		return "TIMEOUT"
	case EventDisconnect:
		return "DISCONNECT"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// SocketState is the Handler's verdict on a connection after processing.
type SocketState int

const (
	// SocketOpen keeps the connection and waits for the next request.
	SocketOpen SocketState = iota
	// SocketClosed closes the connection.
	SocketClosed
	// SocketLong parks the connection; the Handler resumes it later.
	SocketLong
	// SocketUpgrading and SocketUpgraded hand the connection to another
	// protocol.
	SocketUpgrading
	SocketUpgraded
	// SocketSuspended keeps the connection without registering interest.
	SocketSuspended
	// SocketAsyncEnd finishes an asynchronous request.
	SocketAsyncEnd
	// SocketSendfile starts the sendfile task attached to the wrapper.
	SocketSendfile
)

func (s SocketState) String() string {
	switch s {
	case SocketOpen:
		return "OPEN"
	case SocketClosed:
		return "CLOSED"
	case SocketLong:
		return "LONG"
	case SocketUpgrading:
		return "UPGRADING"
	case SocketUpgraded:
		return "UPGRADED"
	case SocketSuspended:
		return "SUSPENDED"
	case SocketAsyncEnd:
		return "ASYNC_END"
	case SocketSendfile:
		return "SENDFILE"
	default:
		return "UNKNOWN"
	}
}

// BindState records whether and how the listener was bound.
type BindState int

const (
	Unbound BindState = iota
	BoundOnInit
	BoundOnStart
)

// State is the endpoint lifecycle state.
type State int

const (
	StateNew State = iota
	StateInitialized
	StateRunning
	StatePaused
	StateStopped
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateInitialized:
		return "INITIALIZED"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// HandshakeResult tells the processor what a wrapper's TLS handshake needs.
type HandshakeResult int

const (
	// HandshakeDone means application data may flow (also for plain
	// sockets).
	HandshakeDone HandshakeResult = iota
	// HandshakeNeedRead and HandshakeNeedWrite ask for readiness.
	HandshakeNeedRead
	HandshakeNeedWrite
	// HandshakePending means an asynchronous handshake is running and will
	// re-dispatch the socket itself.
	HandshakePending
)
