package endpoint

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittonet/internal/logger"
)

// pausePollInterval is how often a paused acceptor checks whether it may
// resume.
const pausePollInterval = 50 * time.Millisecond

// AcceptorState is the state of one acceptor goroutine.
type AcceptorState int32

const (
	AcceptorNew AcceptorState = iota
	AcceptorRunning
	AcceptorPaused
	AcceptorEnded
)

func (s AcceptorState) String() string {
	switch s {
	case AcceptorNew:
		return "NEW"
	case AcceptorRunning:
		return "RUNNING"
	case AcceptorPaused:
		return "PAUSED"
	case AcceptorEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Acceptor takes connections off the listener and hands them to the
// endpoint.
//
// Each iteration reserves a connection slot before calling accept, so the
// limiter count includes the connection being accepted. Accept failures
// release the slot and back off exponentially.
type Acceptor struct {
	endpoint *Endpoint
	index    int

	state      atomic.Int32
	stopCalled atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

func newAcceptor(e *Endpoint, index int) *Acceptor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Acceptor{
		endpoint: e,
		index:    index,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// State returns the acceptor state.
func (a *Acceptor) State() AcceptorState { return AcceptorState(a.state.Load()) }

func (a *Acceptor) setState(s AcceptorState) { a.state.Store(int32(s)) }

func (a *Acceptor) stopping() bool {
	return a.stopCalled.Load() || !a.endpoint.running.Load()
}

// signalStop asks the loop to exit without waiting for it.
func (a *Acceptor) signalStop() {
	a.stopCalled.Store(true)
	a.cancel()
}

// Stop asks the loop to exit and waits up to wait for it. It reports
// whether the acceptor ended. A wait <= 0 does not wait.
func (a *Acceptor) Stop(wait time.Duration) bool {
	a.signalStop()
	if wait <= 0 {
		return a.State() == AcceptorEnded
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-a.done:
		return true
	case <-t.C:
		logger.Warn("Endpoint %s: acceptor %d did not stop within %v (state %s)",
			a.endpoint.cfg.Name, a.index, wait, a.State())
		return false
	}
}

func (a *Acceptor) run() {
	e := a.endpoint
	defer func() {
		a.setState(AcceptorEnded)
		a.doneOnce.Do(func() { close(a.done) })
	}()

	backoff := NewBackoff()
	for !a.stopping() {
		for e.paused.Load() && !a.stopping() {
			a.setState(AcceptorPaused)
			time.Sleep(pausePollInterval)
		}
		if a.stopping() {
			break
		}
		a.setState(AcceptorRunning)

		if limit := e.limiter.Max(); limit >= 0 && e.limiter.Count() >= limit {
			e.metrics.SetLimiterWaiters(e.cfg.Name, e.limiter.Waiters()+1)
			logger.Debug("Endpoint %s: connection limit %d reached, acceptor %d waiting", e.cfg.Name, limit, a.index)
		}
		if err := e.limiter.CountUpOrAwait(a.ctx); err != nil {
			continue
		}

		if err := e.acceptRate.Wait(a.ctx); err != nil {
			e.limiter.CountDown()
			continue
		}

		conn, err := a.accept()
		if err != nil {
			e.limiter.CountDown()
			if a.stopping() {
				break
			}
			e.metrics.RecordAcceptError(e.cfg.Name)
			delay := backoff.Next()
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("Endpoint %s: acceptor %d: listener closed", e.cfg.Name, a.index)
			} else {
				logger.Warn("Endpoint %s: accept failed (retry in %v): %v", e.cfg.Name, delay, err)
			}
			if delay > 0 {
				time.Sleep(delay)
			}
			continue
		}
		backoff.Reset()

		if a.stopping() || e.paused.Load() || !e.setSocketOptions(conn) {
			_ = conn.Close()
			e.limiter.CountDown()
		}
	}
}

func (a *Acceptor) accept() (*net.TCPConn, error) {
	ln := a.endpoint.currentListener()
	if ln == nil {
		return nil, net.ErrClosed
	}
	return ln.AcceptTCP()
}
