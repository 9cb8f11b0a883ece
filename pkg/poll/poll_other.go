//go:build !linux

package poll

import (
	"net"
	"os"
	"time"
)

// Set is unavailable on this platform.
type Set struct{}

// NewSet returns ErrUnsupported.
func NewSet(capacity int) (*Set, error) { return nil, ErrUnsupported }

func (s *Set) Add(fd int, in Interest, token uint64) error    { return ErrUnsupported }
func (s *Set) Modify(fd int, in Interest, token uint64) error { return ErrUnsupported }
func (s *Set) Remove(fd int) error                            { return ErrUnsupported }
func (s *Set) Forget()                                        {}
func (s *Set) Wait(events []Event, timeout time.Duration) (int, error) {
	return 0, ErrUnsupported
}
func (s *Set) Wakeup() error { return ErrUnsupported }
func (s *Set) Len() int      { return 0 }
func (s *Set) Cap() int      { return 0 }
func (s *Set) Close() error  { return nil }

// Handle is unavailable on this platform.
type Handle struct{}

// NewHandle returns ErrUnsupported.
func NewHandle(conn net.Conn) (*Handle, error) { return nil, ErrUnsupported }

func (h *Handle) FD() int                            { return -1 }
func (h *Handle) Control(f func(fd int) error) error { return ErrUnsupported }
func (h *Handle) Conn() net.Conn                     { return nil }
func (h *Handle) Read(p []byte) (int, error)         { return 0, ErrUnsupported }
func (h *Handle) Write(p []byte) (int, error)        { return 0, ErrUnsupported }
func (h *Handle) Sendfile(f *os.File, offset *int64, count int) (int, error) {
	return 0, ErrUnsupported
}
func (h *Handle) Closed() bool { return true }
func (h *Handle) Close() error { return nil }
