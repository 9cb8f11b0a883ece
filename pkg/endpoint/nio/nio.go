// Package nio is the readiness backend: one poller goroutine owns one poll
// set and turns readiness into processing units.
//
// Other goroutines never touch the poller's registrations. They queue events
// (register, arm, sendfile, cancel) and wake the poller, which applies them
// at the top of its next iteration.
package nio

import (
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/marmos91/dittonet/internal/logger"
	"github.com/marmos91/dittonet/pkg/endpoint"
	"github.com/marmos91/dittonet/pkg/endpoint/internal/fdwrap"
	"github.com/marmos91/dittonet/pkg/poll"
)

// sweepInterval bounds how often registrations are checked for timeouts.
const sweepInterval = time.Second

// maxEvents is the number of readiness events read per wait.
const maxEvents = 1024

// Backend implements endpoint.Backend.
type Backend struct {
	poller *Poller
}

// New creates a readiness backend.
func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return endpoint.BackendNIO }

// Start creates the poll set and launches the poller goroutine.
func (b *Backend) Start(e *endpoint.Endpoint) error {
	p, err := newPoller(e)
	if err != nil {
		return err
	}
	b.poller = p
	go p.run()
	return nil
}

// Wrap implements endpoint.Backend.
func (b *Backend) Wrap(e *endpoint.Endpoint, conn *net.TCPConn) (endpoint.BackendWrapper, error) {
	return fdwrap.New(e, conn, b.poller)
}

// Register queues w for read interest.
func (b *Backend) Register(w endpoint.BackendWrapper) error {
	fw, ok := w.(*fdwrap.Wrapper)
	if !ok {
		return fmt.Errorf("nio: unexpected wrapper %T", w)
	}
	b.poller.add(pollerEvent{kind: eventRegister, w: fw, interest: poll.Read})
	return nil
}

// Stop halts the poller and waits for it to exit.
func (b *Backend) Stop() {
	if b.poller != nil {
		b.poller.stop()
	}
}

type eventKind int

const (
	eventRegister eventKind = iota
	eventArm
	eventSendfile
	eventCancel
)

// pollerEvent is a request queued for the poller goroutine.
type pollerEvent struct {
	kind     eventKind
	w        *fdwrap.Wrapper
	interest poll.Interest
}

// registration is the poller's view of one connection.
type registration struct {
	w *fdwrap.Wrapper

	// interest is what is armed in the set. Registrations are one-shot:
	// bits are cleared as they fire.
	interest poll.Interest

	// sendfile routes the next writability to the sendfile task.
	sendfile bool

	// hungUp is set once a hangup was reported for the parked connection.
	hungUp bool
}

// Poller owns the poll set and the registrations.
type Poller struct {
	ep  *endpoint.Endpoint
	set *poll.Set

	mu     sync.Mutex
	events *queue.Queue

	wakeupPending atomic.Bool
	closing       atomic.Bool
	done          chan struct{}

	// Owned by the poller goroutine.
	regs      map[uint64]*registration
	lastSweep time.Time
}

func newPoller(e *endpoint.Endpoint) (*Poller, error) {
	capacity := e.Config().MaxConnections
	if capacity <= 0 {
		capacity = math.MaxInt32
	}
	set, err := poll.NewSet(capacity)
	if err != nil {
		return nil, fmt.Errorf("nio: %w", err)
	}
	return &Poller{
		ep:        e,
		set:       set,
		events:    queue.New(),
		done:      make(chan struct{}),
		regs:      make(map[uint64]*registration),
		lastSweep: time.Now(),
	}, nil
}

// add queues ev and wakes the poller if it is not already being woken.
func (p *Poller) add(ev pollerEvent) {
	p.mu.Lock()
	p.events.Add(ev)
	p.mu.Unlock()
	if p.wakeupPending.CompareAndSwap(false, true) {
		_ = p.set.Wakeup()
	}
}

// Arm implements fdwrap.Poller.
func (p *Poller) Arm(w *fdwrap.Wrapper, in poll.Interest) {
	p.add(pollerEvent{kind: eventArm, w: w, interest: in})
}

// Sendfile implements fdwrap.Poller.
func (p *Poller) Sendfile(w *fdwrap.Wrapper) {
	p.add(pollerEvent{kind: eventSendfile, w: w, interest: poll.Write})
}

// Cancel implements fdwrap.Poller. The descriptor leaves the set right
// away; the registration is dropped by the poller goroutine.
func (p *Poller) Cancel(w *fdwrap.Wrapper) {
	err := w.Handle().Control(func(fd int) error { return p.set.Remove(fd) })
	if err != nil && !errors.Is(err, poll.ErrClosed) {
		logger.Debug("Endpoint %s: removing %s from poller: %v", p.ep.Name(), w.ID(), err)
	}
	p.add(pollerEvent{kind: eventCancel, w: w})
}

func (p *Poller) stop() {
	if p.closing.CompareAndSwap(false, true) {
		_ = p.set.Wakeup()
	}
	<-p.done
}

func (p *Poller) run() {
	defer close(p.done)

	events := make([]poll.Event, maxEvents)
	timeout := p.ep.Config().SelectorTimeout
	for {
		p.wakeupPending.Store(false)
		p.drain()
		if p.closing.Load() {
			p.shutdown()
			return
		}

		n, err := p.set.Wait(events, timeout)
		if err != nil {
			if errors.Is(err, poll.ErrClosed) {
				return
			}
			logger.Error("Endpoint %s: poller wait failed: %v", p.ep.Name(), err)
			time.Sleep(time.Millisecond)
			continue
		}
		for i := range n {
			p.process(events[i])
		}
		p.sweep(time.Now())
	}
}

// drain applies every queued event.
func (p *Poller) drain() {
	p.mu.Lock()
	pending := make([]pollerEvent, 0, p.events.Length())
	for p.events.Length() > 0 {
		pending = append(pending, p.events.Remove().(pollerEvent))
	}
	p.mu.Unlock()

	for _, ev := range pending {
		p.apply(ev)
	}
}

func (p *Poller) apply(ev pollerEvent) {
	w := ev.w
	switch ev.kind {
	case eventRegister:
		reg := &registration{w: w, interest: ev.interest}
		err := w.Handle().Control(func(fd int) error { return p.set.Add(fd, ev.interest, w.Token()) })
		switch {
		case errors.Is(err, poll.ErrClosed):
		case err != nil:
			logger.Warn("Endpoint %s: cannot register %s: %v", p.ep.Name(), w.RemoteAddr(), err)
			_ = w.Close()
		default:
			p.regs[w.Token()] = reg
		}

	case eventArm, eventSendfile:
		reg, ok := p.regs[w.Token()]
		if !ok || w.IsClosed() {
			return
		}
		if ev.kind == eventSendfile {
			reg.sendfile = true
		}
		if ev.interest == poll.None && reg.hungUp {
			return
		}
		reg.interest |= ev.interest
		p.rearm(reg)

	case eventCancel:
		delete(p.regs, w.Token())
	}
}

// rearm writes reg's interest to the set.
func (p *Poller) rearm(reg *registration) {
	w := reg.w
	err := w.Handle().Control(func(fd int) error { return p.set.Modify(fd, reg.interest, w.Token()) })
	if err != nil && !errors.Is(err, poll.ErrClosed) {
		logger.Debug("Endpoint %s: re-arming %s failed: %v", p.ep.Name(), w.ID(), err)
		delete(p.regs, w.Token())
		_ = w.Close()
	}
}

// process handles one readiness event.
func (p *Poller) process(ev poll.Event) {
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
	if reg.sendfile && ready&poll.Write != 0 {
		ready &^= poll.Write
		reg.sendfile = false
		p.resumeSendfile(w)
	}
	if reg.interest != 0 {
		p.rearm(reg)
	}
	if ready != 0 {
		w.Deliver(ready)
	}
}

func (p *Poller) resumeSendfile(w *fdwrap.Wrapper) {
	err := p.ep.Execute(func() {
		if !w.ContinueSendfile() {
			p.Sendfile(w)
		}
	})
	if err != nil {
		logger.Debug("Endpoint %s: cannot resume sendfile for %s: %v", p.ep.Name(), w.ID(), err)
		_ = w.Close()
	}
}

// sweep turns expired registrations into ERROR events and times out parked
// connections. It runs at most once per sweepInterval.
func (p *Poller) sweep(now time.Time) {
	if now.Sub(p.lastSweep) < sweepInterval {
		return
	}
	p.lastSweep = now

	name := p.ep.Name()
	m := p.ep.Metrics()
	for _, reg := range p.regs {
		w := reg.w
		if w.IsClosed() {
			continue
		}
		switch {
		case reg.interest&poll.Read != 0 && !w.ReadLatch.Armed() && w.ReadExpired(now):
			m.RecordTimeout(name, "read")
			p.expire(reg, endpoint.ErrReadTimeout)
		case reg.interest&poll.Write != 0 && !w.WriteLatch.Armed() && w.WriteExpired(now):
			m.RecordTimeout(name, "write")
			p.expire(reg, endpoint.ErrWriteTimeout)
		case reg.interest == 0 && w.Parked() && w.ReadExpired(now):
			m.RecordTimeout(name, "long")
			w.TouchRead()
			p.ep.ProcessSocket(w, endpoint.EventTimeout, true)
		}
	}
}

func (p *Poller) expire(reg *registration, err error) {
	w := reg.w
	reg.interest = poll.None
	reg.sendfile = false
	p.rearm(reg)
	w.SetError(err)
	logger.Debug("Endpoint %s: %s: %v", p.ep.Name(), w.RemoteAddr(), err)
	p.ep.ProcessSocket(w, endpoint.EventError, true)
}

func (p *Poller) shutdown() {
	if err := p.set.Close(); err != nil {
		logger.Debug("Endpoint %s: closing poll set: %v", p.ep.Name(), err)
	}
	logger.Debug("Endpoint %s: poller stopped with %d registration(s)", p.ep.Name(), len(p.regs))
	p.regs = nil
}
