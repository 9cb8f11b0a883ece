//go:build linux

package poll

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Handle owns one connected socket and performs non-blocking I/O on its raw
// descriptor.
//
// The descriptor is borrowed from the net.Conn it was created from, which is
// kept alive so the runtime never closes it behind our back. Close is
// guarded: the descriptor is released exactly once and every later
// operation fails with ErrClosed instead of touching a possibly reused
// descriptor number.
type Handle struct {
	mu     sync.RWMutex
	conn   net.Conn
	fd     int
	closed bool
}

// NewHandle takes ownership of conn. conn must not be used directly
// afterwards.
func NewHandle(conn net.Conn) (*Handle, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("poll: %T exposes no raw descriptor", conn)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("poll: raw conn: %w", err)
	}

	fd := -1
	if err := rc.Control(func(raw uintptr) { fd = int(raw) }); err != nil {
		return nil, fmt.Errorf("poll: raw descriptor: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("poll: set non-blocking: %w", err)
	}
	return &Handle{conn: conn, fd: fd}, nil
}

// FD returns the descriptor number, or -1 once closed.
func (h *Handle) FD() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return -1
	}
	return h.fd
}

// Control runs f with the descriptor, which stays open until f returns. It
// returns ErrClosed without calling f once the handle is closed.
func (h *Handle) Control(f func(fd int) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	return f(h.fd)
}

// Conn returns the owned connection, for socket options and addresses.
func (h *Handle) Conn() net.Conn { return h.conn }

// Read reads without blocking. It returns 0, nil when no data is available
// and io.EOF when the peer closed its side.
func (h *Handle) Read(p []byte) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	for {
		n, err := unix.Read(h.fd, p)
		switch {
		case err == nil && n == 0:
			return 0, io.EOF
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		default:
			return 0, &net.OpError{Op: "read", Net: "tcp", Addr: h.conn.RemoteAddr(), Err: os.NewSyscallError("read", err)}
		}
	}
}

// Write writes without blocking. It returns the bytes written, which may be
// 0 when the socket send buffer is full.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, ErrClosed
	}

	written := 0
	for written < len(p) {
		n, err := unix.Write(h.fd, p[written:])
		if n > 0 {
			written += n
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return written, nil
		default:
			return written, &net.OpError{Op: "write", Net: "tcp", Addr: h.conn.RemoteAddr(), Err: os.NewSyscallError("write", err)}
		}
	}
	return written, nil
}

// Sendfile copies up to count bytes of f starting at *offset to the socket
// in the kernel and advances *offset. It returns ErrWouldBlock, with the
// bytes sent so far, when the socket stops accepting data.
func (h *Handle) Sendfile(f *os.File, offset *int64, count int) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, ErrClosed
	}

	rc, err := f.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("poll: file descriptor: %w", err)
	}

	sent := 0
	var sendErr error
	ctrlErr := rc.Control(func(infd uintptr) {
		for sent < count {
			n, err := unix.Sendfile(h.fd, int(infd), offset, count-sent)
			if n > 0 {
				sent += n
			}
			switch {
			case err == nil && n == 0:
				sendErr = io.ErrUnexpectedEOF
				return
			case err == nil, errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				sendErr = ErrWouldBlock
				return
			default:
				sendErr = os.NewSyscallError("sendfile", err)
				return
			}
		}
	})
	if ctrlErr != nil {
		return sent, ctrlErr
	}
	return sent, sendErr
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Close releases the descriptor. Only the first call has an effect.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.conn.Close()
}
