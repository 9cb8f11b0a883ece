package endpoint

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by I/O on a closed socket wrapper.
	ErrClosed = errors.New("endpoint: socket closed")

	// ErrWouldBlock is returned by non-blocking operations that could not
	// make progress. It is transient: re-register interest and retry.
	ErrWouldBlock = errors.New("endpoint: operation would block")

	// ErrReadTimeout and ErrWriteTimeout are set as the sticky error of a
	// socket whose read or write deadline elapsed.
	ErrReadTimeout  = &timeoutError{op: "read"}
	ErrWriteTimeout = &timeoutError{op: "write"}

	// ErrReadPending and ErrWritePending are returned by the completion
	// backend when a non-blocking operation is issued while another one in
	// the same direction is still in flight.
	ErrReadPending  = errors.New("endpoint: read already pending")
	ErrWritePending = errors.New("endpoint: write already pending")

	// ErrEndpointNotRunning is returned when work is submitted to an
	// endpoint that is not running.
	ErrEndpointNotRunning = errors.New("endpoint: not running")

	// ErrInvalidState is returned by lifecycle calls made out of order.
	ErrInvalidState = errors.New("endpoint: invalid lifecycle state")

	// ErrExecutorClosed is returned by Execute after Shutdown.
	ErrExecutorClosed = errors.New("endpoint: executor closed")

	// ErrQueueFull is returned by Execute when the work queue is full.
	ErrQueueFull = errors.New("endpoint: executor queue full")
)

// timeoutError implements net.Error so callers can test Timeout().
type timeoutError struct{ op string }

func (e *timeoutError) Error() string   { return "endpoint: " + e.op + " timed out" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// FatalError marks a failure after which the engine cannot safely continue,
// such as a worker or poller that can no longer allocate. Loops propagate it
// instead of logging and carrying on; the endpoint records it and reports it
// from Err.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("endpoint: fatal error in %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err only means the operation cannot proceed
// yet. Transient errors are never recorded as a socket's sticky error.
func IsTransient(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrReadPending) || errors.Is(err, ErrWritePending)
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
