package native

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittonet/internal/logger"
	"github.com/marmos91/dittonet/pkg/endpoint"
	"github.com/marmos91/dittonet/pkg/endpoint/internal/fdwrap"
	"github.com/marmos91/dittonet/pkg/poll"
)

type sendfileRequest struct {
	w      *fdwrap.Wrapper
	cancel bool
}

// sendfileSet finishes sendfile transfers the socket could not take at
// once. Its goroutine resumes a transfer inline each time the socket
// becomes writable, until the transfer completes or fails.
type sendfileSet struct {
	ep       *endpoint.Endpoint
	capacity int

	setMu sync.RWMutex
	set   eventSet

	mu       sync.Mutex
	requests []sendfileRequest

	// active holds the tokens of connections with a transfer in this set.
	active sync.Map

	wakeupPending atomic.Bool
	closing       atomic.Bool
	done          chan struct{}

	// Owned by the set goroutine.
	regs      map[uint64]*fdwrap.Wrapper
	timeouts  timeoutIndex
	lastSweep time.Time
}

func newSendfileSet(e *endpoint.Endpoint, capacity int) (*sendfileSet, error) {
	set, err := newSet(capacity)
	if err != nil {
		return nil, fmt.Errorf("sendfile set: %w", err)
	}
	return &sendfileSet{
		ep:        e,
		capacity:  capacity,
		set:       set,
		done:      make(chan struct{}),
		regs:      make(map[uint64]*fdwrap.Wrapper),
		lastSweep: time.Now(),
	}, nil
}

func (s *sendfileSet) current() eventSet {
	s.setMu.RLock()
	defer s.setMu.RUnlock()
	return s.set
}

func (s *sendfileSet) push(r sendfileRequest) {
	s.mu.Lock()
	s.requests = append(s.requests, r)
	s.mu.Unlock()
	if s.wakeupPending.CompareAndSwap(false, true) {
		_ = s.current().Wakeup()
	}
}

// add waits for w to become writable and resumes its transfer.
func (s *sendfileSet) add(w *fdwrap.Wrapper) {
	s.active.Store(w.Token(), struct{}{})
	s.push(sendfileRequest{w: w})
}

// cancel drops w if it has a transfer in the set.
func (s *sendfileSet) cancel(w *fdwrap.Wrapper) {
	if _, ok := s.active.LoadAndDelete(w.Token()); !ok {
		return
	}
	set := s.current()
	_ = w.Handle().Control(func(fd int) error { return set.Remove(fd) })
	s.push(sendfileRequest{w: w, cancel: true})
}

func (s *sendfileSet) stop() {
	if s.closing.CompareAndSwap(false, true) {
		_ = s.current().Wakeup()
	}
	<-s.done
}

func (s *sendfileSet) run() {
	defer close(s.done)

	events := make([]poll.Event, maxEvents)
	timeout := s.ep.Config().SelectorTimeout
	for {
		s.wakeupPending.Store(false)
		s.applyRequests()
		if s.closing.Load() {
			s.shutdown()
			return
		}

		n, err := s.current().Wait(events, timeout)
		if err != nil {
			if s.closing.Load() {
				s.shutdown()
				return
			}
			if !s.realloc(err) {
				return
			}
			continue
		}
		for i := range n {
			s.process(events[i])
		}
		s.sweep(time.Now())
	}
}

func (s *sendfileSet) applyRequests() {
	s.mu.Lock()
	reqs := s.requests
	s.requests = nil
	s.mu.Unlock()

	for _, r := range reqs {
		w := r.w
		token := w.Token()
		if r.cancel {
			delete(s.regs, token)
			s.timeouts.Remove(token)
			continue
		}
		if w.IsClosed() {
			continue
		}
		s.arm(w)
	}
}

// arm registers w for writability, or re-arms it.
func (s *sendfileSet) arm(w *fdwrap.Wrapper) {
	token := w.Token()
	set := s.current()
	op := set.Add
	if _, ok := s.regs[token]; ok {
		op = set.Modify
	}
	err := w.Handle().Control(func(fd int) error { return op(fd, poll.Write, token) })
	switch {
	case errors.Is(err, poll.ErrClosed):
	case err != nil:
		s.abort(w, err)
	default:
		s.regs[token] = w
		if t := w.WriteTimeout(); t > 0 {
			s.timeouts.Add(token, time.Now().Add(t))
		}
	}
}

func (s *sendfileSet) process(ev poll.Event) {
	w, ok := s.regs[ev.Token]
	if !ok {
		return
	}
	if w.IsClosed() {
		s.forget(w)
		return
	}
	if ev.Ready&poll.Write == 0 {
		s.arm(w)
		return
	}
	if !w.ContinueSendfile() {
		s.arm(w)
		return
	}
	s.forget(w)
}

// forget removes w from the set without touching its transfer.
func (s *sendfileSet) forget(w *fdwrap.Wrapper) {
	token := w.Token()
	set := s.current()
	_ = w.Handle().Control(func(fd int) error { return set.Remove(fd) })
	delete(s.regs, token)
	s.timeouts.Remove(token)
	s.active.Delete(token)
}

// abort fails the transfer of w with err.
func (s *sendfileSet) abort(w *fdwrap.Wrapper, err error) {
	s.forget(w)
	w.SetError(err)
	logger.Debug("Endpoint %s: sendfile to %s aborted: %v", s.ep.Name(), w.RemoteAddr(), err)
	if d := w.SendfileData(); d != nil {
		s.ep.CompleteSendfile(w, d, endpoint.SendfileError)
		return
	}
	_ = w.Close()
}

func (s *sendfileSet) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now

	for _, token := range s.timeouts.Expired(now) {
		w, ok := s.regs[token]
		if !ok || w.IsClosed() {
			continue
		}
		if !w.WriteExpired(now) {
			s.timeouts.Add(token, w.LastWrite().Add(w.WriteTimeout()))
			continue
		}
		s.ep.Metrics().RecordTimeout(s.ep.Name(), "write")
		s.abort(w, endpoint.ErrWriteTimeout)
	}
}

func (s *sendfileSet) realloc(cause error) bool {
	name := s.ep.Name()
	logger.Error("Endpoint %s: sendfile set failed, reallocating: %v", name, cause)
	s.ep.Metrics().RecordPollerReset(name)

	fresh, err := newSet(s.capacity)
	s.setMu.Lock()
	old := s.set
	if err == nil {
		s.set = fresh
	}
	s.setMu.Unlock()
	_ = old.Close()

	for _, w := range s.regs {
		if !w.IsClosed() {
			s.abort(w, fmt.Errorf("sendfile set reset: %w", cause))
		}
	}
	clear(s.regs)
	s.timeouts.Reset()

	if err != nil {
		s.ep.ReportFatal(&endpoint.FatalError{Op: "sendfile set", Err: err})
		return false
	}
	return true
}

func (s *sendfileSet) shutdown() {
	if err := s.current().Close(); err != nil {
		logger.Debug("Endpoint %s: closing sendfile set: %v", s.ep.Name(), err)
	}
	s.regs = nil
	s.timeouts.Reset()
}
