// Package poll is the native polling layer of the engine.
//
// It exposes two things: Set, a fixed-capacity readiness set backed by the
// operating system's poller, and Handle, an owned raw socket descriptor with
// non-blocking read, write and sendfile. All raw descriptor lifetime handling
// lives here; callers only ever see owned values.
//
// Only Linux is supported. On other platforms every constructor returns
// ErrUnsupported.
package poll

import (
	"errors"
	"strings"
)

var (
	// ErrSetFull is returned by Add when the set is at capacity.
	ErrSetFull = errors.New("poll: set is full")

	// ErrClosed is returned by operations on a closed Set or Handle.
	ErrClosed = errors.New("poll: closed")

	// ErrWouldBlock is returned by Sendfile when the socket is not writable.
	ErrWouldBlock = errors.New("poll: operation would block")

	// ErrUnsupported is returned on platforms without a native poller.
	ErrUnsupported = errors.New("poll: not supported on this platform")
)

// Interest is a set of readiness conditions.
type Interest uint32

const (
	Read Interest = 1 << iota
	Write
)

// None is the empty interest set.
const None Interest = 0

func (i Interest) String() string {
	if i == None {
		return "none"
	}
	var parts []string
	if i&Read != 0 {
		parts = append(parts, "read")
	}
	if i&Write != 0 {
		parts = append(parts, "write")
	}
	return strings.Join(parts, "|")
}

// Event is one readiness notification returned by Set.Wait.
type Event struct {
	// Token is the value given to Add or Modify.
	Token uint64

	// Ready is the subset of the registered interest that fired. Hangup and
	// error conditions report every registered interest as ready so that
	// the owner observes them on its next read or write.
	Ready Interest

	// Hangup is set when the peer closed the connection.
	Hangup bool

	// Err is set when the descriptor is in an error state.
	Err bool
}
