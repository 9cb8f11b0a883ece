//go:build linux

package poll

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// wakeToken is reserved for the set's own eventfd.
const wakeToken = ^uint64(0)

// Set is an epoll instance with a fixed capacity.
//
// Registrations are one-shot: once an event for a descriptor is returned, the
// descriptor stays silent until it is re-armed with Modify. The owner
// therefore always knows which interest is still outstanding.
//
// Add, Modify and Remove are safe to call from any goroutine. Wait must only
// be called by one goroutine at a time. Wakeup may be called concurrently
// with Wait.
type Set struct {
	epfd     int
	wakefd   int
	capacity int

	mu    sync.Mutex
	count int

	raw    []unix.EpollEvent
	closed atomic.Bool
}

// NewSet creates a set holding at most capacity descriptors.
func NewSet(capacity int) (*Set, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("poll: invalid capacity %d", capacity)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poll: epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("poll: eventfd: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN}
	setToken(&ev, wakeToken)
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("poll: register wakeup: %w", err)
	}

	return &Set{
		epfd:     epfd,
		wakefd:   wakefd,
		capacity: capacity,
		raw:      make([]unix.EpollEvent, min(capacity, 1024)+1),
	}, nil
}

func setToken(ev *unix.EpollEvent, token uint64) {
	ev.Fd = int32(uint32(token))
	ev.Pad = int32(uint32(token >> 32))
}

func getToken(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}

func epollEvents(in Interest) uint32 {
	events := uint32(unix.EPOLLONESHOT | unix.EPOLLRDHUP)
	if in&Read != 0 {
		events |= unix.EPOLLIN
	}
	if in&Write != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

// Add registers fd with the given interest.
func (s *Set) Add(fd int, in Interest, token uint64) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count >= s.capacity {
		return ErrSetFull
	}
	ev := unix.EpollEvent{Events: epollEvents(in)}
	setToken(&ev, token)
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("poll: add fd %d: %w", fd, err)
	}
	s.count++
	return nil
}

// Modify replaces the interest of a registered fd and re-arms it.
func (s *Set) Modify(fd int, in Interest, token uint64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: epollEvents(in)}
	setToken(&ev, token)
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("poll: modify fd %d: %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. Removing an fd that is not registered is not an
// error; the kernel drops registrations of closed descriptors on its own.
func (s *Set) Remove(fd int) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	switch {
	case err == nil:
		s.count--
		return nil
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.EBADF):
		return nil
	default:
		return fmt.Errorf("poll: remove fd %d: %w", fd, err)
	}
}

// Forget releases the capacity slot of an fd that was closed without Remove.
func (s *Set) Forget() {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
	}
	s.mu.Unlock()
}

// Wait blocks up to timeout (negative for forever) and fills events. A
// wakeup or an interrupted wait returns 0 events and no error.
func (s *Set) Wait(events []Event, timeout time.Duration) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}

	raw := s.raw
	if len(events)+1 < len(raw) {
		raw = raw[:len(events)+1]
	}

	n, err := unix.EpollWait(s.epfd, raw, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: epoll_wait: %w", err)
	}

	out := 0
	for i := 0; i < n && out < len(events); i++ {
		ev := &raw[i]
		token := getToken(ev)
		if token == wakeToken {
			s.drainWakeup()
			continue
		}

		e := Event{Token: token}
		if ev.Events&unix.EPOLLIN != 0 {
			e.Ready |= Read
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			e.Ready |= Write
		}
		if ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			e.Hangup = true
			e.Ready |= Read | Write
		}
		if ev.Events&unix.EPOLLERR != 0 {
			e.Err = true
			e.Ready |= Read | Write
		}
		events[out] = e
		out++
	}
	return out, nil
}

func (s *Set) drainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(s.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Wakeup interrupts a concurrent or the next Wait.
func (s *Set) Wakeup() error {
	if s.closed.Load() {
		return ErrClosed
	}
	one := [8]byte{1}
	_, err := unix.Write(s.wakefd, one[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("poll: wakeup: %w", err)
	}
	return nil
}

// Len returns the number of registered descriptors.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Cap returns the capacity.
func (s *Set) Cap() int { return s.capacity }

// Close releases the set. Registered descriptors are not closed.
func (s *Set) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err1 := unix.Close(s.wakefd)
	err2 := unix.Close(s.epfd)
	return errors.Join(err1, err2)
}
