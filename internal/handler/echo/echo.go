// Package echo is the built-in connection handler: every byte a client
// sends is written back on the same connection.
package echo

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittonet/internal/logger"
	"github.com/marmos91/dittonet/pkg/endpoint"
)

// Name is the handler name used in configuration.
const Name = "echo"

const bufferSize = 16 << 10

// Handler implements endpoint.Handler.
type Handler struct {
	mu    sync.Mutex
	conns map[string]endpoint.SocketWrapper

	paused atomic.Bool
	bytes  atomic.Uint64
}

// New creates an echo handler.
func New() *Handler {
	return &Handler{conns: make(map[string]endpoint.SocketWrapper)}
}

// BytesEchoed returns the number of bytes written back so far.
func (h *Handler) BytesEchoed() uint64 { return h.bytes.Load() }

// Process echoes whatever is readable on w without blocking. Reading stops
// as soon as the socket stops taking output; the endpoint then waits for
// write readiness before calling Process again.
func (h *Handler) Process(w endpoint.SocketWrapper, ev endpoint.SocketEvent) endpoint.SocketState {
	switch ev {
	case endpoint.EventOpenRead, endpoint.EventOpenWrite:
	case endpoint.EventTimeout:
		logger.Debug("echo: %s timed out", w.ID())
		return endpoint.SocketClosed
	default:
		return endpoint.SocketClosed
	}
	h.track(w)

	if _, err := w.Flush(false); err != nil {
		return endpoint.SocketClosed
	}

	buf := make([]byte, bufferSize)
	for !w.HasDataToWrite() {
		n, err := w.Read(false, buf)
		if n > 0 {
			if _, werr := w.Write(false, buf[:n]); werr != nil {
				return endpoint.SocketClosed
			}
			h.bytes.Add(uint64(n))
		}
		if errors.Is(err, io.EOF) {
			return endpoint.SocketClosed
		}
		if err != nil && !endpoint.IsTransient(err) {
			logger.Debug("echo: read from %s: %v", w.ID(), err)
			return endpoint.SocketClosed
		}
		if n == 0 || err != nil {
			break
		}
	}
	return endpoint.SocketOpen
}

func (h *Handler) track(w endpoint.SocketWrapper) {
	h.mu.Lock()
	if _, ok := h.conns[w.ID()]; !ok {
		h.conns[w.ID()] = w
		logger.Debug("echo: serving %s from %v", w.ID(), w.RemoteAddr())
	}
	h.mu.Unlock()
}

// Release forgets w.
func (h *Handler) Release(w endpoint.SocketWrapper) {
	h.mu.Lock()
	delete(h.conns, w.ID())
	h.mu.Unlock()
}

// Pause marks the handler paused. Established connections keep echoing.
func (h *Handler) Pause() { h.paused.Store(true) }

// Paused reports whether Pause was called since the last Recycle.
func (h *Handler) Paused() bool { return h.paused.Load() }

// Recycle drops the connection table after the endpoint stopped.
func (h *Handler) Recycle() {
	h.mu.Lock()
	h.conns = make(map[string]endpoint.SocketWrapper)
	h.mu.Unlock()
	h.paused.Store(false)
}

// GetOpenSockets returns the connections seen and not yet released.
func (h *Handler) GetOpenSockets() []endpoint.SocketWrapper {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]endpoint.SocketWrapper, 0, len(h.conns))
	for _, w := range h.conns {
		out = append(out, w)
	}
	return out
}
