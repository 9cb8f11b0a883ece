// Package native is the OS-native poller backend.
//
// Connections are spread round-robin over ceil(MaxConnections/PollerSize)
// fixed-capacity poll sets, each served by its own goroutine. A slot is
// reserved in a set when the connection is wrapped, so registration never
// fails for lack of room. Requests from other goroutines (add, arm, cancel)
// are appended to the set's request list under its lock and applied at the
// top of the next iteration.
//
// A set whose wait fails is closed and reallocated; every connection it
// served gets an ERROR event. If the set cannot be reallocated the endpoint
// is reported failed.
//
// Transfers started with sendfile that the socket cannot take at once are
// finished by a separate set; see sendfile.go.
package native

import (
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittonet/internal/logger"
	"github.com/marmos91/dittonet/pkg/endpoint"
	"github.com/marmos91/dittonet/pkg/endpoint/internal/fdwrap"
	"github.com/marmos91/dittonet/pkg/poll"
)

const (
	// maxEvents is the number of readiness events read per wait.
	maxEvents = 1024

	// sweepInterval bounds how often deadlines are checked.
	sweepInterval = time.Second
)

// eventSet is the part of poll.Set a backend uses.
type eventSet interface {
	Add(fd int, in poll.Interest, token uint64) error
	Modify(fd int, in poll.Interest, token uint64) error
	Remove(fd int) error
	Wait(events []poll.Event, timeout time.Duration) (int, error)
	Wakeup() error
	Close() error
}

// newSet allocates a poll set. Tests replace it.
var newSet = func(capacity int) (eventSet, error) {
	s, err := poll.NewSet(capacity)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// setCount returns how many sets of perSet descriptors serve
// maxConnections. An unlimited endpoint uses a single set.
func setCount(maxConnections, perSet int) int {
	if maxConnections <= 0 || perSet <= 0 {
		return 1
	}
	return (maxConnections + perSet - 1) / perSet
}

// Backend implements endpoint.Backend.
type Backend struct {
	ep       *endpoint.Endpoint
	sets     []*pollSet
	next     atomic.Uint64
	sendfile *sendfileSet
}

// New creates a native backend.
func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return endpoint.BackendNative }

// Start allocates the poll sets and launches one goroutine per set.
func (b *Backend) Start(e *endpoint.Endpoint) error {
	cfg := e.Config()
	n := setCount(cfg.MaxConnections, cfg.PollerSize)
	capacity := cfg.PollerSize
	if cfg.MaxConnections <= 0 {
		capacity = math.MaxInt32
	}

	b.ep = e
	sf, err := newSendfileSet(e, min(n*capacity, math.MaxInt32))
	if err != nil {
		return fmt.Errorf("native: %w", err)
	}
	b.sendfile = sf
	go sf.run()

	b.sets = make([]*pollSet, 0, n)
	for i := range n {
		ps, err := newPollSet(b, i, capacity)
		if err != nil {
			b.Stop()
			return fmt.Errorf("native: poll set %d: %w", i, err)
		}
		b.sets = append(b.sets, ps)
		go ps.run()
	}

	logger.Debug("Endpoint %s: native backend running %d poll set(s) of %d", e.Name(), n, capacity)
	return nil
}

// Wrap reserves a slot in the next set with room and wraps conn for it.
func (b *Backend) Wrap(e *endpoint.Endpoint, conn *net.TCPConn) (endpoint.BackendWrapper, error) {
	ps, err := b.reserve()
	if err != nil {
		return nil, err
	}
	w, err := fdwrap.New(e, conn, ps)
	if err != nil {
		ps.release()
		return nil, err
	}
	return w, nil
}

func (b *Backend) reserve() (*pollSet, error) {
	n := len(b.sets)
	start := int((b.next.Add(1) - 1) % uint64(n))
	for i := range n {
		ps := b.sets[(start+i)%n]
		if ps.reserve() {
			return ps, nil
		}
	}
	return nil, fmt.Errorf("native: all %d poll set(s) full: %w", n, poll.ErrSetFull)
}

// Register queues w for read interest on its set.
func (b *Backend) Register(w endpoint.BackendWrapper) error {
	fw, ok := w.(*fdwrap.Wrapper)
	if !ok {
		return fmt.Errorf("native: unexpected wrapper %T", w)
	}
	ps, ok := fw.Poller().(*pollSet)
	if !ok {
		return fmt.Errorf("native: wrapper %s not created by this backend", fw.ID())
	}
	ps.push(request{kind: reqAdd, w: fw, interest: poll.Read})
	return nil
}

// Stop halts every set and waits for their goroutines.
func (b *Backend) Stop() {
	for _, ps := range b.sets {
		ps.stop()
	}
	if b.sendfile != nil {
		b.sendfile.stop()
	}
}

type requestKind int

const (
	reqAdd requestKind = iota
	reqArm
	reqCancel
)

type request struct {
	kind     requestKind
	w        *fdwrap.Wrapper
	interest poll.Interest
}

type registration struct {
	w *fdwrap.Wrapper

	// interest is what is armed. Bits are cleared as they fire.
	interest poll.Interest

	// hungUp is set once a hangup was reported for the parked connection.
	hungUp bool
}

// pollSet is one poll set and the goroutine serving it.
type pollSet struct {
	backend  *Backend
	ep       *endpoint.Endpoint
	index    int
	capacity int
	reserved atomic.Int64

	// setMu guards set, which is replaced on reallocation.
	setMu sync.RWMutex
	set   eventSet

	mu       sync.Mutex
	requests []request

	wakeupPending atomic.Bool
	closing       atomic.Bool
	done          chan struct{}

	// Owned by the set goroutine.
	regs      map[uint64]*registration
	timeouts  timeoutIndex
	lastSweep time.Time
}

func newPollSet(b *Backend, index, capacity int) (*pollSet, error) {
	set, err := newSet(capacity)
	if err != nil {
		return nil, err
	}
	return &pollSet{
		backend:   b,
		ep:        b.ep,
		index:     index,
		capacity:  capacity,
		set:       set,
		done:      make(chan struct{}),
		regs:      make(map[uint64]*registration),
		lastSweep: time.Now(),
	}, nil
}

func (p *pollSet) current() eventSet {
	p.setMu.RLock()
	defer p.setMu.RUnlock()
	return p.set
}

func (p *pollSet) reserve() bool {
	for {
		n := p.reserved.Load()
		if n >= int64(p.capacity) {
			return false
		}
		if p.reserved.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (p *pollSet) release() { p.reserved.Add(-1) }

func (p *pollSet) push(r request) {
	p.mu.Lock()
	p.requests = append(p.requests, r)
	p.mu.Unlock()
	if p.wakeupPending.CompareAndSwap(false, true) {
		_ = p.current().Wakeup()
	}
}

// Arm implements fdwrap.Poller.
func (p *pollSet) Arm(w *fdwrap.Wrapper, in poll.Interest) {
	p.push(request{kind: reqArm, w: w, interest: in})
}

// Sendfile implements fdwrap.Poller.
func (p *pollSet) Sendfile(w *fdwrap.Wrapper) { p.backend.sendfile.add(w) }

// Cancel implements fdwrap.Poller. The descriptor leaves both sets right
// away and its slot is released.
func (p *pollSet) Cancel(w *fdwrap.Wrapper) {
	set := p.current()
	err := w.Handle().Control(func(fd int) error { return set.Remove(fd) })
	if err != nil && !errors.Is(err, poll.ErrClosed) {
		logger.Debug("Endpoint %s: removing %s from poll set %d: %v", p.ep.Name(), w.ID(), p.index, err)
	}
	p.backend.sendfile.cancel(w)
	p.release()
	p.push(request{kind: reqCancel, w: w})
}

func (p *pollSet) stop() {
	if p.closing.CompareAndSwap(false, true) {
		_ = p.current().Wakeup()
	}
	<-p.done
}

func (p *pollSet) run() {
	defer close(p.done)

	events := make([]poll.Event, maxEvents)
	timeout := p.ep.Config().SelectorTimeout
	for {
		p.wakeupPending.Store(false)
		p.applyRequests()
		if p.closing.Load() {
			p.shutdown()
			return
		}

		n, err := p.current().Wait(events, timeout)
		if err != nil {
			if p.closing.Load() {
				p.shutdown()
				return
			}
			if !p.realloc(err) {
				return
			}
			continue
		}
		for i := range n {
			p.process(events[i])
		}
		p.sweep(time.Now())
	}
}

func (p *pollSet) applyRequests() {
	p.mu.Lock()
	reqs := p.requests
	p.requests = nil
	p.mu.Unlock()

	for _, r := range reqs {
		p.apply(r)
	}
}

func (p *pollSet) apply(r request) {
	w := r.w
	token := w.Token()
	switch r.kind {
	case reqAdd, reqArm:
		if w.IsClosed() {
			return
		}
		reg, ok := p.regs[token]
		if !ok {
			// Also re-adds connections that lost their registration when
			// the set was reallocated.
			p.add(w, r.interest)
			return
		}
		if r.interest == poll.None && reg.hungUp {
			return
		}
		reg.interest |= r.interest
		p.rearm(reg)

	case reqCancel:
		delete(p.regs, token)
		p.timeouts.Remove(token)
	}
}

func (p *pollSet) add(w *fdwrap.Wrapper, in poll.Interest) {
	set := p.current()
	err := w.Handle().Control(func(fd int) error { return set.Add(fd, in, w.Token()) })
	switch {
	case errors.Is(err, poll.ErrClosed):
	case err != nil:
		logger.Warn("Endpoint %s: cannot register %s: %v", p.ep.Name(), w.RemoteAddr(), err)
		_ = w.Close()
	default:
		reg := &registration{w: w, interest: in}
		p.regs[w.Token()] = reg
		p.track(reg, time.Now())
	}
}

func (p *pollSet) rearm(reg *registration) {
	w := reg.w
	set := p.current()
	err := w.Handle().Control(func(fd int) error { return set.Modify(fd, reg.interest, w.Token()) })
	if err != nil && !errors.Is(err, poll.ErrClosed) {
		logger.Debug("Endpoint %s: re-arming %s failed: %v", p.ep.Name(), w.ID(), err)
		delete(p.regs, w.Token())
		p.timeouts.Remove(w.Token())
		_ = w.Close()
		return
	}
	p.track(reg, time.Now())
}

// track sets the deadline of reg from the timeouts of its armed
// directions.
func (p *pollSet) track(reg *registration, now time.Time) {
	w := reg.w
	var timeout time.Duration
	if reg.interest&poll.Read != 0 {
		timeout = w.ReadTimeout()
	}
	if reg.interest&poll.Write != 0 {
		if wt := w.WriteTimeout(); wt > 0 && (timeout <= 0 || wt < timeout) {
			timeout = wt
		}
	}
	if timeout <= 0 {
		p.timeouts.Remove(w.Token())
		return
	}
	p.timeouts.Add(w.Token(), now.Add(timeout))
}

func (p *pollSet) process(ev poll.Event) {
	reg, ok := p.regs[ev.Token]
	if !ok {
		return
	}
	w := reg.w
	if w.IsClosed() {
		return
	}

	ready := ev.Ready & reg.interest
	if ready == 0 {
		if ev.Hangup && reg.interest == 0 && w.Parked() {
			reg.hungUp = true
			p.ep.ProcessSocket(w, endpoint.EventDisconnect, true)
			return
		}
		if reg.interest != 0 {
			p.rearm(reg)
		}
		return
	}

	reg.interest &^= ready
	if reg.interest != 0 {
		p.rearm(reg)
	} else {
		p.timeouts.Remove(ev.Token)
	}
	w.Deliver(ready)
}

// sweep fails registrations past their deadline and times out parked
// connections.
func (p *pollSet) sweep(now time.Time) {
	if now.Sub(p.lastSweep) < sweepInterval {
		return
	}
	p.lastSweep = now

	name := p.ep.Name()
	m := p.ep.Metrics()
	for _, token := range p.timeouts.Expired(now) {
		reg, ok := p.regs[token]
		if !ok || reg.interest == 0 || reg.w.IsClosed() {
			continue
		}
		w := reg.w
		switch {
		case reg.interest&poll.Read != 0 && !w.ReadLatch.Armed():
			if !w.ReadExpired(now) {
				p.timeouts.Add(token, w.LastRead().Add(w.ReadTimeout()))
				continue
			}
			m.RecordTimeout(name, "read")
			p.expire(reg, endpoint.ErrReadTimeout)
		case reg.interest&poll.Write != 0 && !w.WriteLatch.Armed():
			if !w.WriteExpired(now) {
				p.timeouts.Add(token, w.LastWrite().Add(w.WriteTimeout()))
				continue
			}
			m.RecordTimeout(name, "write")
			p.expire(reg, endpoint.ErrWriteTimeout)
		}
	}

	for _, reg := range p.regs {
		w := reg.w
		if reg.interest == 0 && !w.IsClosed() && w.Parked() && w.ReadExpired(now) {
			m.RecordTimeout(name, "long")
			w.TouchRead()
			p.ep.ProcessSocket(w, endpoint.EventTimeout, true)
		}
	}
}

func (p *pollSet) expire(reg *registration, err error) {
	w := reg.w
	reg.interest = poll.None
	p.rearm(reg)
	w.SetError(err)
	logger.Debug("Endpoint %s: %s: %v", p.ep.Name(), w.RemoteAddr(), err)
	p.ep.ProcessSocket(w, endpoint.EventError, true)
}

// realloc replaces a set whose wait failed. It reports whether the set
// goroutine may continue.
func (p *pollSet) realloc(cause error) bool {
	name := p.ep.Name()
	logger.Error("Endpoint %s: poll set %d failed, reallocating: %v", name, p.index, cause)
	p.ep.Metrics().RecordPollerReset(name)

	fresh, err := newSet(p.capacity)
	p.setMu.Lock()
	old := p.set
	if err == nil {
		p.set = fresh
	}
	p.setMu.Unlock()
	_ = old.Close()

	p.failAll(cause)
	if err != nil {
		p.ep.ReportFatal(&endpoint.FatalError{Op: fmt.Sprintf("poll set %d", p.index), Err: err})
		return false
	}
	return true
}

// failAll reports every registration of a lost set as failed.
func (p *pollSet) failAll(cause error) {
	for token, reg := range p.regs {
		delete(p.regs, token)
		w := reg.w
		if w.IsClosed() {
			continue
		}
		w.SetError(fmt.Errorf("poll set reset: %w", cause))
		w.ReadLatch.Release()
		w.WriteLatch.Release()
		p.ep.ProcessSocket(w, endpoint.EventError, true)
	}
	p.timeouts.Reset()
}

func (p *pollSet) shutdown() {
	if err := p.current().Close(); err != nil {
		logger.Debug("Endpoint %s: closing poll set %d: %v", p.ep.Name(), p.index, err)
	}
	logger.Debug("Endpoint %s: poll set %d stopped with %d registration(s)", p.ep.Name(), p.index, len(p.regs))
	p.regs = nil
	p.timeouts.Reset()
}
