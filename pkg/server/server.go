package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittonet/internal/logger"
	"github.com/marmos91/dittonet/pkg/endpoint"
	"github.com/marmos91/dittonet/pkg/metrics"
	"github.com/marmos91/dittonet/pkg/tlsconf"
)

// DefaultShutdownTimeout bounds graceful shutdown when none is configured.
const DefaultShutdownTimeout = 30 * time.Second

// Server manages the lifecycle of multiple endpoints, each serving its own
// listening socket with its own backend and handler.
//
// Lifecycle:
//  1. Creation: New() or FromConfig()
//  2. Registration: AddEndpoint() for each endpoint
//  3. Startup: Serve() starts all endpoints
//  4. Shutdown: Context cancellation, or an engine-fatal error in any
//     endpoint, stops all endpoints in reverse order
//
// Thread safety:
// Server is safe for concurrent use. AddEndpoint() may be called concurrently
// with other methods until Serve() is called. Serve() may only be called once.
//
// Example usage:
//
//	srv := server.New(cfg.Server.ShutdownTimeout)
//	srv.AddEndpoint(endpoint.New(epCfg, echo.New(), nio.New()))
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal(err)
//	}
type Server struct {
	// endpoints in registration order
	endpoints []*endpoint.Endpoint

	// keystores are shared by the endpoints and closed when Serve returns
	keystores tlsconf.Keystores

	// shutdownTimeout bounds how long Serve waits for connections to drain
	shutdownTimeout time.Duration

	// mu protects endpoints and keystores
	mu sync.RWMutex

	// served is set by the first Serve call
	served atomic.Bool
}

// New creates a server without endpoints. A shutdownTimeout <= 0 uses
// DefaultShutdownTimeout.
func New(shutdownTimeout time.Duration) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Server{
		shutdownTimeout: shutdownTimeout,
		endpoints:       make([]*endpoint.Endpoint, 0, 4),
	}
}

// AddEndpoint registers an endpoint to be started by Serve.
//
// Endpoint names must be unique, and two endpoints cannot be configured
// on the same address and non-ephemeral port.
//
// Panics if ep is nil or if Serve() has already been called (programmer
// error).
func (s *Server) AddEndpoint(ep *endpoint.Endpoint) error {
	if ep == nil {
		panic("endpoint cannot be nil")
	}
	if s.served.Load() {
		panic("cannot add endpoint after Serve() has been called")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := ep.Config()
	for _, existing := range s.endpoints {
		if existing.Name() == cfg.Name {
			return fmt.Errorf("endpoint %s already registered", cfg.Name)
		}
		other := existing.Config()
		if cfg.Port != 0 && other.Port == cfg.Port && other.Address == cfg.Address {
			return fmt.Errorf("address %s already in use by endpoint %s",
				net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)), other.Name)
		}
	}

	s.endpoints = append(s.endpoints, ep)
	logger.Info("Registered endpoint %s (backend=%s port=%d)", cfg.Name, cfg.Backend, cfg.Port)
	return nil
}

// SetKeystores hands shared keystores to the server. They are closed once
// every endpoint has been destroyed.
func (s *Server) SetKeystores(stores tlsconf.Keystores) {
	s.mu.Lock()
	s.keystores = stores
	s.mu.Unlock()
}

// Serve starts all registered endpoints and blocks until the context is
// cancelled or an endpoint reports an engine-fatal error.
//
// Startup: endpoints are started in registration order. If one fails to
// start, those already started are destroyed and the error is returned.
//
// Shutdown:
//   - Every listener is closed so no new connection is accepted
//   - Established connections get up to the shutdown timeout to finish
//   - Endpoints are destroyed in reverse registration order
//   - Shared keystores are closed
//
// Returns:
//   - context.Canceled (or the context's error) after a requested shutdown
//   - the engine-fatal error of the endpoint that failed
//   - the startup error if an endpoint could not be started
//
// Panics if Serve() is called more than once on the same Server.
func (s *Server) Serve(ctx context.Context) error {
	if s.served.Swap(true) {
		panic("Serve() has already been called on this server instance")
	}
	defer s.closeKeystores()

	endpoints := s.Endpoints()
	if len(endpoints) == 0 {
		return errors.New("no endpoints registered; call AddEndpoint() before Serve()")
	}

	logger.Info("Starting DittoNet with %d endpoint(s)", len(endpoints))
	startTime := time.Now()

	for i, ep := range endpoints {
		if err := ep.Start(); err != nil {
			logger.Error("Endpoint %s failed to start: %v", ep.Name(), err)
			destroyAll(endpoints[:i+1])
			return fmt.Errorf("endpoint %s: %w", ep.Name(), err)
		}
		logger.Info("Endpoint %s serving on %v", ep.Name(), ep.Addr())
	}
	logger.Info("All endpoints started in %v", time.Since(startTime))

	// Buffered so that watchers never block when several endpoints fail
	errChan := make(chan endpointError, len(endpoints))
	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep *endpoint.Endpoint) {
			defer wg.Done()
			select {
			case <-ep.Fatal():
				errChan <- endpointError{name: ep.Name(), err: ep.Err()}
			case <-done:
			}
		}(ep)
	}

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		shutdownErr = ctx.Err()

	case epErr := <-errChan:
		logger.Error("Endpoint %s failed: %v - initiating shutdown of all endpoints",
			epErr.name, epErr.err)
		shutdownErr = fmt.Errorf("endpoint %s: %w", epErr.name, epErr.err)
	}

	close(done)
	wg.Wait()

	s.stopAll(endpoints)
	logger.Info("DittoNet stopped")
	return shutdownErr
}

// endpointError pairs an endpoint name with its fatal error.
type endpointError struct {
	name string
	err  error
}

// stopAll closes every listener, waits for connections to drain within the
// shutdown timeout and destroys the endpoints in reverse order.
func (s *Server) stopAll(endpoints []*endpoint.Endpoint) {
	logger.Info("Initiating graceful shutdown of %d endpoint(s)", len(endpoints))

	for i := len(endpoints) - 1; i >= 0; i-- {
		endpoints[i].CloseServerSocketGraceful()
	}

	deadline := time.Now().Add(s.shutdownTimeout)
	for i := len(endpoints) - 1; i >= 0; i-- {
		ep := endpoints[i]
		remaining := time.Until(deadline)
		if remaining <= 0 {
			// Zero would wait forever
			remaining = time.Nanosecond
		}
		if !ep.AwaitConnectionsClose(remaining) {
			logger.Warn("Endpoint %s: %d connection(s) still open after %v, closing them",
				ep.Name(), ep.ConnectionCount(), s.shutdownTimeout)
		}
	}

	destroyAll(endpoints)
}

func destroyAll(endpoints []*endpoint.Endpoint) {
	for i := len(endpoints) - 1; i >= 0; i-- {
		ep := endpoints[i]
		logger.Debug("Destroying endpoint %s", ep.Name())
		if err := ep.Destroy(); err != nil {
			logger.Error("Error destroying endpoint %s: %v", ep.Name(), err)
		}
	}
}

func (s *Server) closeKeystores() {
	s.mu.Lock()
	stores := s.keystores
	s.keystores = nil
	s.mu.Unlock()

	for name, ks := range stores {
		if err := ks.Close(); err != nil {
			logger.Warn("Error closing keystore %s: %v", name, err)
		}
	}
}

// Endpoints returns a snapshot of the registered endpoints.
func (s *Server) Endpoints() []*endpoint.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	endpoints := make([]*endpoint.Endpoint, len(s.endpoints))
	copy(endpoints, s.endpoints)
	return endpoints
}

// Endpoint returns the endpoint registered under name, or nil.
func (s *Server) Endpoint(name string) *endpoint.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ep := range s.endpoints {
		if ep.Name() == name {
			return ep
		}
	}
	return nil
}

// EndpointStats implements metrics.StatsSource.
func (s *Server) EndpointStats() []metrics.EndpointStats {
	endpoints := s.Endpoints()
	stats := make([]metrics.EndpointStats, 0, len(endpoints))
	for _, ep := range endpoints {
		stats = append(stats, ep.Stats())
	}
	return stats
}
