// Package async is the completion backend.
//
// There is no poller. Every read and write is issued on its own goroutine
// and reports back through a completion handler; the completion of a
// background read dispatches OPEN_READ, the completion of a write that
// someone waits on dispatches OPEN_WRITE. TLS runs over the same
// completions through secure.AsyncChannel.
//
// Idle connections are bounded by read deadlines on the background reads.
// Connections parked by the Handler have no read in flight, so a sweeper
// goroutine delivers their TIMEOUT events.
package async

import (
	"fmt"
	"net"
	"time"

	"github.com/marmos91/dittonet/pkg/endpoint"
)

// sweepInterval is how often parked connections are checked for timeouts.
const sweepInterval = time.Second

// Backend implements endpoint.Backend.
type Backend struct {
	ep   *endpoint.Endpoint
	stop chan struct{}
	done chan struct{}
}

// New creates a completion backend.
func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return endpoint.BackendAsync }

// Start launches the sweeper.
func (b *Backend) Start(e *endpoint.Endpoint) error {
	b.ep = e
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.sweep()
	return nil
}

// Wrap implements endpoint.Backend.
func (b *Backend) Wrap(e *endpoint.Endpoint, conn *net.TCPConn) (endpoint.BackendWrapper, error) {
	return newWrapper(e, conn)
}

// Register starts serving w: a TLS connection gets a processing unit that
// drives its handshake, a plain one a background read.
func (b *Backend) Register(w endpoint.BackendWrapper) error {
	aw, ok := w.(*Wrapper)
	if !ok {
		return fmt.Errorf("async: unexpected wrapper %T", w)
	}
	if aw.IsSecure() {
		if !b.ep.ProcessSocket(aw, endpoint.EventOpenRead, true) {
			return endpoint.ErrEndpointNotRunning
		}
		return nil
	}
	aw.RegisterReadInterest()
	return nil
}

// Stop halts the sweeper.
func (b *Backend) Stop() {
	if b.stop == nil {
		return
	}
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	<-b.done
}

func (b *Backend) sweep() {
	defer close(b.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case now := <-ticker.C:
			b.sweepOnce(now)
		}
	}
}

// sweepOnce sends TIMEOUT to parked connections idle past their read
// timeout.
func (b *Backend) sweepOnce(now time.Time) {
	name := b.ep.Name()
	for _, sw := range b.ep.Connections() {
		w, ok := sw.(*Wrapper)
		if !ok || w.IsClosed() || !w.Parked() || w.readGate.held() || !w.ReadExpired(now) {
			continue
		}
		b.ep.Metrics().RecordTimeout(name, "long")
		w.TouchRead()
		b.ep.ProcessSocket(w, endpoint.EventTimeout, true)
	}
}
