package endpoint

// Handler is the upper protocol layer. The endpoint calls it from worker
// goroutines only, and never concurrently for the same socket.
type Handler interface {
	// Process handles an event on a socket and returns what the endpoint
	// should do with the connection next.
	Process(w SocketWrapper, ev SocketEvent) SocketState

	// Release drops any per-connection state. It is called exactly once,
	// when the socket is closed.
	Release(w SocketWrapper)

	// Pause stops admitting new long-lived work.
	Pause()

	// Recycle releases cached processors on stop.
	Recycle()

	// GetOpenSockets lists the sockets the handler still holds.
	GetOpenSockets() []SocketWrapper
}
