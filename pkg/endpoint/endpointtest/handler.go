package endpointtest

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittonet/pkg/endpoint"
)

const (
	// CmdPark makes the handler park the connection (LONG) until it times
	// out.
	CmdPark = "PARK"

	// CmdFile makes the handler send the file set with SetFile.
	CmdFile = "FILE"

	// TimeoutReply is written to a parked connection when it times out.
	TimeoutReply = "timeout\n"
)

// Handler echoes what it reads and understands CmdPark and CmdFile when
// they arrive alone.
type Handler struct {
	mu     sync.Mutex
	events []endpoint.SocketEvent
	file   string

	released atomic.Int32
}

// NewHandler creates an echo handler.
func NewHandler() *Handler { return &Handler{} }

// SetFile selects the file served by CmdFile.
func (h *Handler) SetFile(path string) {
	h.mu.Lock()
	h.file = path
	h.mu.Unlock()
}

// Events returns the events processed so far.
func (h *Handler) Events() []endpoint.SocketEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]endpoint.SocketEvent(nil), h.events...)
}

// Released returns how many connections were released.
func (h *Handler) Released() int32 { return h.released.Load() }

func (h *Handler) Process(w endpoint.SocketWrapper, ev endpoint.SocketEvent) endpoint.SocketState {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()

	switch ev {
	case endpoint.EventOpenRead, endpoint.EventOpenWrite:
	case endpoint.EventTimeout:
		_, _ = w.Write(true, []byte(TimeoutReply))
		return endpoint.SocketClosed
	default:
		return endpoint.SocketClosed
	}

	if _, err := w.Flush(false); err != nil {
		return endpoint.SocketClosed
	}

	buf := make([]byte, 16<<10)
	for {
		n, err := w.Read(false, buf)
		if n > 0 {
			msg := buf[:n]
			switch {
			case bytes.Equal(msg, []byte(CmdPark)):
				return endpoint.SocketLong
			case bytes.Equal(msg, []byte(CmdFile)):
				return h.sendFile(w)
			}
			if _, err := w.Write(false, msg); err != nil {
				return endpoint.SocketClosed
			}
			if _, err := w.Flush(false); err != nil {
				return endpoint.SocketClosed
			}
		}
		if errors.Is(err, io.EOF) {
			return endpoint.SocketClosed
		}
		if endpoint.IsTransient(err) {
			break
		}
		if err != nil {
			return endpoint.SocketClosed
		}
		if n == 0 {
			break
		}
	}
	return endpoint.SocketOpen
}

func (h *Handler) sendFile(w endpoint.SocketWrapper) endpoint.SocketState {
	h.mu.Lock()
	path := h.file
	h.mu.Unlock()

	fi, err := os.Stat(path)
	if err != nil || !w.Endpoint().Config().SendfileEnabled() {
		return endpoint.SocketClosed
	}
	w.SetSendfileData(endpoint.NewSendfileData(path, 0, fi.Size(), endpoint.KeepAliveOpen))
	return endpoint.SocketSendfile
}

func (h *Handler) Release(endpoint.SocketWrapper)           { h.released.Add(1) }
func (h *Handler) Pause()                                   {}
func (h *Handler) Recycle()                                 {}
func (h *Handler) GetOpenSockets() []endpoint.SocketWrapper { return nil }
