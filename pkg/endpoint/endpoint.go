// Package endpoint accepts connections and drives them through a Handler.
//
// An Endpoint owns one listening socket. Acceptor goroutines take
// connections off it under a connection limit, configure socket options and
// hand them to a Backend, which implements one I/O model (readiness polling,
// native poll sets or completion callbacks). Backends wrap each connection in
// a SocketWrapper and dispatch processing units to the worker pool; a
// processing unit runs the TLS handshake if needed and then the Handler,
// whose returned SocketState decides what happens to the connection next.
package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittonet/internal/logger"
	"github.com/marmos91/dittonet/internal/ratelimiter"
	"github.com/marmos91/dittonet/pkg/buffer"
	"github.com/marmos91/dittonet/pkg/metrics"
	"github.com/marmos91/dittonet/pkg/secure"
	"github.com/marmos91/dittonet/pkg/tlsconf"
	"github.com/marmos91/dittonet/pkg/tlsconf/keystore"
)

// Backend is an I/O model.
//
// The endpoint calls Start once per Start of the endpoint, Wrap and Register
// once per accepted connection, and Stop once per Stop.
type Backend interface {
	// Name returns the backend name used in logs (nio, native, async).
	Name() string

	// Start launches the backend's pollers.
	Start(e *Endpoint) error

	// Wrap builds the wrapper of an accepted connection. The wrapper takes
	// ownership of conn only when err is nil.
	Wrap(e *Endpoint, conn *net.TCPConn) (BackendWrapper, error)

	// Register hands a new wrapper to the backend. The backend dispatches
	// OPEN_READ once the connection is readable.
	Register(w BackendWrapper) error

	// Stop halts the pollers. Open connections are closed by the endpoint.
	Stop()
}

// Option customizes an Endpoint.
type Option func(*Endpoint)

// WithExecutor makes the endpoint run processing units on an external
// executor instead of its own worker pool. The endpoint never shuts an
// external executor down.
func WithExecutor(ex Executor) Option {
	return func(e *Endpoint) { e.executor = ex }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.EndpointMetrics) Option {
	return func(e *Endpoint) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithKeystoreMetrics observes the keystores the endpoint opens itself.
func WithKeystoreMetrics(m keystore.Metrics) Option {
	return func(e *Endpoint) { e.keystoreMetrics = m }
}

// WithKeystores supplies already-open keystores for TLS certificates. The
// keystores named in the configuration are opened at Bind otherwise.
func WithKeystores(stores tlsconf.Keystores) Option {
	return func(e *Endpoint) { e.keystores = stores }
}

// Endpoint is one listening socket and the machinery serving it.
//
// Lifecycle:
//
//	New -> Init (binds when BindOnInit) -> Start -> Pause/Resume -> Stop -> Unbind -> Destroy
//
// Start after Stop is allowed; the listener is re-bound if Stop unbound it.
//
// Thread safety:
// Lifecycle methods are serialized by an internal mutex and may be called
// from any goroutine. Accessors are safe for concurrent use.
type Endpoint struct {
	cfg     Config
	handler Handler
	backend Backend
	metrics metrics.EndpointMetrics

	// executor runs processing units. pool is set when the endpoint owns
	// the executor.
	executor Executor
	pool     *WorkerPool

	limiter    *Limiter
	acceptRate *ratelimiter.RateLimiter
	bufferPool *buffer.Pool

	// lifecycleMu serializes lifecycle transitions.
	lifecycleMu sync.Mutex
	state       State
	bindState   BindState

	listenerMu sync.Mutex
	listener   *net.TCPListener

	running atomic.Bool
	paused  atomic.Bool

	acceptors []*Acceptor

	// connections maps wrapper IDs to open wrappers.
	connections sync.Map
	connCount   atomic.Int64

	registry        *tlsconf.Registry
	keystores       tlsconf.Keystores
	ownKeystores    bool
	keystoreMetrics keystore.Metrics
	engineFactory   secure.EngineFactory

	fatalOnce sync.Once
	fatalErr  error
	fatal     chan struct{}
}

// New creates an endpoint in the NEW state.
//
// Zero values in cfg are replaced with defaults.
//
// Panics if handler or backend is nil or if cfg is invalid (programmer
// error: configuration is validated when it is loaded).
func New(cfg Config, handler Handler, backend Backend, opts ...Option) *Endpoint {
	if handler == nil {
		panic("endpoint: nil handler")
	}
	if backend == nil {
		panic("endpoint: nil backend")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid endpoint config: %v", err))
	}

	e := &Endpoint{
		cfg:     cfg,
		handler: handler,
		backend: backend,
		metrics: metrics.NoopEndpointMetrics{},
		fatal:   make(chan struct{}),
	}
	if *cfg.Socket.BufferPool {
		e.bufferPool = buffer.Default()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration. It must not be modified.
func (e *Endpoint) Config() *Config { return &e.cfg }

// Name returns the endpoint name.
func (e *Endpoint) Name() string { return e.cfg.Name }

// Metrics returns the metrics collector.
func (e *Endpoint) Metrics() metrics.EndpointMetrics { return e.metrics }

// BufferPool returns the pool connection buffers come from, nil when
// pooling is disabled.
func (e *Endpoint) BufferPool() *buffer.Pool { return e.bufferPool }

// Handler returns the upper protocol layer.
func (e *Endpoint) Handler() Handler { return e.handler }

// Limiter returns the connection limiter. It is nil before the first Start.
func (e *Endpoint) Limiter() *Limiter { return e.limiter }

// State returns the lifecycle state.
func (e *Endpoint) State() State {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.state
}

// IsRunning reports whether the endpoint is started and not stopped.
func (e *Endpoint) IsRunning() bool { return e.running.Load() }

// IsPaused reports whether acceptors are paused.
func (e *Endpoint) IsPaused() bool { return e.paused.Load() }

// IsSSLEnabled reports whether connections are TLS-terminated.
func (e *Endpoint) IsSSLEnabled() bool { return e.cfg.TLS != nil }

// EngineFactory returns the factory backends use to create TLS engines, or
// nil when TLS is disabled or the endpoint is not bound.
func (e *Endpoint) EngineFactory() secure.EngineFactory {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	return e.engineFactory
}

// Init prepares the endpoint and, when BindOnInit is set, binds it.
func (e *Endpoint) Init() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.initLocked()
}

func (e *Endpoint) initLocked() error {
	if e.state != StateNew {
		return fmt.Errorf("%w: init in state %s", ErrInvalidState, e.state)
	}
	if *e.cfg.BindOnInit {
		if err := e.bindLocked(); err != nil {
			return err
		}
		e.bindState = BoundOnInit
	}
	e.state = StateInitialized
	return nil
}

// Bind creates the listening socket and, when TLS is enabled, materializes
// the TLS context of every virtual host. Bind fails when the default host
// cannot be materialized. An explicitly bound listener survives Stop.
func (e *Endpoint) Bind() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.bindState != Unbound {
		return nil
	}
	if err := e.bindLocked(); err != nil {
		return err
	}
	e.bindState = BoundOnInit
	return nil
}

func (e *Endpoint) bindLocked() error {
	if e.cfg.TLS != nil {
		if err := e.initTLS(context.Background()); err != nil {
			return err
		}
	}

	ln, err := listen(e.cfg.Address, e.cfg.Port, e.cfg.Backlog)
	if err != nil {
		e.closeKeystores()
		return fmt.Errorf("endpoint %s: failed to listen on %s: %w",
			e.cfg.Name, net.JoinHostPort(e.cfg.Address, fmt.Sprint(e.cfg.Port)), err)
	}

	e.listenerMu.Lock()
	e.listener = ln
	e.listenerMu.Unlock()

	logger.Info("Endpoint %s listening on %s (backend=%s, tls=%t)",
		e.cfg.Name, ln.Addr(), e.backend.Name(), e.IsSSLEnabled())
	return nil
}

// initTLS opens the configured keystores and materializes every host.
func (e *Endpoint) initTLS(ctx context.Context) error {
	tc := e.cfg.TLS

	if e.keystores == nil && len(tc.Keystores) > 0 {
		stores := make(tlsconf.Keystores, len(tc.Keystores))
		for name, kc := range tc.Keystores {
			ks, err := keystore.New(ctx, kc.Type, kc.Options)
			if err != nil {
				for _, opened := range stores {
					_ = opened.Close()
				}
				return fmt.Errorf("endpoint %s: keystore %s: %w", e.cfg.Name, name, err)
			}
			stores[name] = keystore.Instrument(ks, name, e.keystoreMetrics)
		}
		e.keystores = stores
		e.ownKeystores = true
	}

	reg, err := tlsconf.NewRegistry(tc.DefaultHost, tc.Hosts)
	if err != nil {
		e.closeKeystores()
		return fmt.Errorf("endpoint %s: %w", e.cfg.Name, err)
	}
	if err := reg.MaterializeAll(ctx, e.keystores, tc.ALPN); err != nil {
		if reg.Context("") == nil {
			e.closeKeystores()
			return fmt.Errorf("endpoint %s: %w", e.cfg.Name, err)
		}
		logger.Warn("Endpoint %s: some TLS hosts are unavailable: %v", e.cfg.Name, err)
	}

	e.listenerMu.Lock()
	e.registry = reg
	e.engineFactory = secure.RegistryFactory(reg)
	e.listenerMu.Unlock()

	for _, h := range reg.Hosts() {
		logger.Debug("Endpoint %s: TLS host %s ready", e.cfg.Name, h.HostName)
	}
	return nil
}

func (e *Endpoint) closeKeystores() {
	if !e.ownKeystores {
		return
	}
	for name, ks := range e.keystores {
		if err := ks.Close(); err != nil {
			logger.Debug("Endpoint %s: error closing keystore %s: %v", e.cfg.Name, name, err)
		}
	}
	e.keystores = nil
	e.ownKeystores = false
}

// ReloadTLSHost re-materializes one virtual host, for example after its
// certificate was rotated in the keystore. New handshakes use the new
// context; established connections are unaffected.
func (e *Endpoint) ReloadTLSHost(ctx context.Context, hostName string) error {
	e.listenerMu.Lock()
	reg := e.registry
	e.listenerMu.Unlock()
	if reg == nil {
		return fmt.Errorf("endpoint %s: TLS is not enabled or endpoint is unbound", e.cfg.Name)
	}
	if err := reg.Reload(ctx, hostName, e.keystores, e.cfg.TLS.ALPN); err != nil {
		return fmt.Errorf("endpoint %s: reload %s: %w", e.cfg.Name, hostName, err)
	}
	logger.Info("Endpoint %s: reloaded TLS host %s", e.cfg.Name, hostName)
	return nil
}

// Start binds the listener if needed, creates the worker pool and the
// connection limiter, starts the backend and launches the acceptors.
//
// Start on a running endpoint is a no-op.
func (e *Endpoint) Start() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.running.Load() {
		return nil
	}
	switch e.state {
	case StateNew:
		if err := e.initLocked(); err != nil {
			return err
		}
	case StateDestroyed:
		return fmt.Errorf("%w: start after destroy", ErrInvalidState)
	}

	if e.bindState == Unbound {
		if err := e.bindLocked(); err != nil {
			return err
		}
		e.bindState = BoundOnStart
	}

	if e.executor == nil || e.pool != nil {
		e.pool = NewWorkerPool(e.cfg.Name, e.cfg.MinSpareThreads, e.cfg.MaxThreads, e.cfg.MaxQueueSize)
		e.pool.OnFatal = e.ReportFatal
		e.executor = e.pool
	}

	limit := -1
	if e.cfg.ConnectionLimitEnabled() {
		limit = e.cfg.MaxConnections
	}
	e.limiter = NewLimiter(limit)
	e.acceptRate = ratelimiter.New(e.cfg.AcceptRateLimit, e.cfg.AcceptRateBurst)

	if err := e.backend.Start(e); err != nil {
		if e.pool != nil {
			_ = e.pool.Shutdown(context.Background())
		}
		return fmt.Errorf("endpoint %s: failed to start %s backend: %w", e.cfg.Name, e.backend.Name(), err)
	}

	e.paused.Store(false)
	e.running.Store(true)

	e.acceptors = make([]*Acceptor, e.cfg.AcceptorThreadCount)
	for i := range e.acceptors {
		a := newAcceptor(e, i)
		e.acceptors[i] = a
		go a.run()
	}

	e.state = StateRunning
	logger.Debug("Endpoint %s: started (acceptors=%d max_connections=%d threads=%d..%d)",
		e.cfg.Name, len(e.acceptors), limit, e.cfg.MinSpareThreads, e.cfg.MaxThreads)
	return nil
}

// Pause stops accepting new connections. Acceptors blocked in accept are
// woken through a loopback connection. Pause is idempotent.
func (e *Endpoint) Pause() {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	e.pauseLocked()
}

func (e *Endpoint) pauseLocked() {
	if !e.running.Load() || e.paused.Load() {
		return
	}
	e.paused.Store(true)
	e.unlockAccept()
	e.handler.Pause()
	e.state = StatePaused
	logger.Info("Endpoint %s: paused", e.cfg.Name)
}

// Resume lets paused acceptors accept again.
func (e *Endpoint) Resume() {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if !e.running.Load() || !e.paused.Load() {
		return
	}
	e.paused.Store(false)
	e.state = StateRunning
	logger.Info("Endpoint %s: resumed", e.cfg.Name)
}

// Stop halts the acceptors and the backend, closes every open connection
// and shuts the worker pool down. The listener is unbound only if it was
// bound by Start.
//
// Acceptors that do not leave accept() within UnlockTimeout are unblocked
// by closing the listener.
func (e *Endpoint) Stop() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if !e.running.Load() {
		return nil
	}

	e.pauseLocked()
	e.running.Store(false)

	for _, a := range e.acceptors {
		a.signalStop()
	}
	e.limiter.ReleaseAll()
	e.unlockAccept()

	stuck := 0
	for _, a := range e.acceptors {
		if !a.Stop(e.cfg.UnlockTimeout) {
			stuck++
		}
	}
	if stuck > 0 {
		logger.Warn("Endpoint %s: %d acceptor(s) did not stop within %v, closing listener",
			e.cfg.Name, stuck, e.cfg.UnlockTimeout)
		e.closeListener()
		for _, a := range e.acceptors {
			a.Stop(e.cfg.UnlockTimeout)
		}
	}
	e.acceptors = nil

	e.backend.Stop()
	closed := e.closeAllConnections()

	if e.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ExecutorTerminationTimeout)
		if err := e.pool.Shutdown(ctx); err != nil {
			logger.Warn("Endpoint %s: worker pool did not drain within %v", e.cfg.Name, e.cfg.ExecutorTerminationTimeout)
		}
		cancel()
	}

	e.handler.Recycle()

	if e.bindState == BoundOnStart {
		e.unbindLocked()
	}

	e.paused.Store(false)
	e.state = StateStopped
	logger.Info("Endpoint %s: stopped (%d connection(s) closed)", e.cfg.Name, closed)
	return nil
}

// closeAllConnections closes the handler's sockets and every socket still
// registered with the endpoint.
func (e *Endpoint) closeAllConnections() int {
	closed := 0
	for _, w := range e.handler.GetOpenSockets() {
		if w != nil && !w.IsClosed() {
			_ = w.Close()
			closed++
		}
	}
	e.connections.Range(func(_, value any) bool {
		w := value.(SocketWrapper)
		if !w.IsClosed() {
			_ = w.Close()
			closed++
		}
		return true
	})
	return closed
}

// Unbind closes the listener and releases TLS contexts.
func (e *Endpoint) Unbind() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.running.Load() {
		return fmt.Errorf("%w: unbind while running", ErrInvalidState)
	}
	e.unbindLocked()
	return nil
}

func (e *Endpoint) unbindLocked() {
	if e.bindState == Unbound {
		return
	}
	e.closeListener()

	e.listenerMu.Lock()
	e.registry = nil
	e.engineFactory = nil
	e.listenerMu.Unlock()
	e.closeKeystores()

	e.bindState = Unbound
	logger.Debug("Endpoint %s: unbound", e.cfg.Name)
}

// Destroy stops and unbinds the endpoint. It cannot be started again.
func (e *Endpoint) Destroy() error {
	if err := e.Stop(); err != nil {
		return err
	}
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	e.unbindLocked()
	e.state = StateDestroyed
	return nil
}

// CloseServerSocketGraceful stops the acceptors and closes the listener
// while leaving established connections running. Use AwaitConnectionsClose
// to wait for them before Stop.
func (e *Endpoint) CloseServerSocketGraceful() {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	for _, a := range e.acceptors {
		a.signalStop()
	}
	e.closeListener()
	logger.Info("Endpoint %s: listener closed, %d connection(s) still open", e.cfg.Name, e.connCount.Load())
}

// AwaitConnectionsClose waits until no connection is open or timeout
// elapses. It reports whether all connections closed. A timeout <= 0 waits
// forever.
func (e *Endpoint) AwaitConnectionsClose(timeout time.Duration) bool {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.connCount.Load() == 0 {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return e.connCount.Load() == 0
		}
	}
}

func (e *Endpoint) closeListener() {
	e.listenerMu.Lock()
	ln := e.listener
	e.listener = nil
	e.listenerMu.Unlock()
	if ln != nil {
		if err := ln.Close(); err != nil {
			logger.Debug("Endpoint %s: error closing listener: %v", e.cfg.Name, err)
		}
	}
}

func (e *Endpoint) currentListener() *net.TCPListener {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	return e.listener
}

// Addr returns the bound address, nil when unbound.
func (e *Endpoint) Addr() net.Addr {
	if ln := e.currentListener(); ln != nil {
		return ln.Addr()
	}
	return nil
}

// Port returns the bound port, which differs from the configured one when
// an ephemeral port was requested. It returns -1 when unbound.
func (e *Endpoint) Port() int {
	if addr, ok := e.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return -1
}

// Connections returns a snapshot of the open connections.
func (e *Endpoint) Connections() []SocketWrapper {
	var out []SocketWrapper
	e.connections.Range(func(_, value any) bool {
		out = append(out, value.(SocketWrapper))
		return true
	})
	return out
}

// ConnectionCount returns the number of open connections.
func (e *Endpoint) ConnectionCount() int64 { return e.connCount.Load() }

// Stats returns a snapshot of the endpoint for metrics collection.
func (e *Endpoint) Stats() metrics.EndpointStats {
	s := metrics.EndpointStats{
		Name:           e.cfg.Name,
		Backend:        e.backend.Name(),
		Running:        e.IsRunning(),
		Paused:         e.IsPaused(),
		Connections:    e.ConnectionCount(),
		MaxConnections: int64(e.cfg.MaxConnections),
	}

	e.lifecycleMu.Lock()
	limiter, pool := e.limiter, e.pool
	e.lifecycleMu.Unlock()

	if limiter != nil {
		s.LimiterWaiters = limiter.Waiters()
	}
	if pool != nil {
		s.Workers, s.IdleWorkers, s.QueuedTasks, s.ActiveTasks, s.CompletedTasks = pool.Stats()
	}
	return s
}

// Execute runs task on the endpoint's executor. Backends use it for work
// that is not a processing unit, such as resuming a sendfile task.
func (e *Endpoint) Execute(task func()) error {
	if e.executor == nil {
		return ErrEndpointNotRunning
	}
	return e.executor.Execute(task)
}

// setSocketOptions configures an accepted connection and hands it to the
// backend. It returns false when the connection could not be set up; the
// caller then closes it and releases its limiter slot. Once the wrapper is
// registered with the endpoint, failures close the wrapper instead and true
// is returned.
func (e *Endpoint) setSocketOptions(conn *net.TCPConn) bool {
	if err := applySocketOptions(conn, &e.cfg.Socket); err != nil {
		logger.Debug("Endpoint %s: socket options for %s: %v", e.cfg.Name, conn.RemoteAddr(), err)
		return false
	}

	w, err := e.backend.Wrap(e, conn)
	if err != nil {
		logger.Debug("Endpoint %s: cannot wrap %s: %v", e.cfg.Name, conn.RemoteAddr(), err)
		return false
	}

	e.connections.Store(w.ID(), w)
	n := e.connCount.Add(1)
	e.metrics.RecordConnectionAccepted(e.cfg.Name)
	e.metrics.SetActiveConnections(e.cfg.Name, n)
	logger.Debug("Endpoint %s: accepted %s as %s (active: %d)", e.cfg.Name, w.RemoteAddr(), w.ID(), n)

	if err := e.backend.Register(w); err != nil {
		logger.Debug("Endpoint %s: cannot register %s: %v", e.cfg.Name, w.ID(), err)
		_ = w.Close()
	}
	return true
}

// applySocketOptions sets the configured TCP options on conn.
func applySocketOptions(conn *net.TCPConn, sc *SocketConfig) error {
	if sc.TCPNoDelay != nil {
		if err := conn.SetNoDelay(*sc.TCPNoDelay); err != nil {
			return err
		}
	}
	if sc.SoKeepAlive {
		if err := conn.SetKeepAlive(true); err != nil {
			return err
		}
		if sc.KeepAlivePeriod > 0 {
			if err := conn.SetKeepAlivePeriod(sc.KeepAlivePeriod); err != nil {
				return err
			}
		}
	}
	if sc.SoLingerOn {
		if err := conn.SetLinger(sc.SoLingerTime); err != nil {
			return err
		}
	}
	if sc.RxBufSize > 0 {
		if err := conn.SetReadBuffer(sc.RxBufSize); err != nil {
			return err
		}
	}
	if sc.TxBufSize > 0 {
		if err := conn.SetWriteBuffer(sc.TxBufSize); err != nil {
			return err
		}
	}
	return nil
}

// onClose is called once by WrapperBase.Close.
func (e *Endpoint) onClose(w SocketWrapper) {
	if _, ok := e.connections.LoadAndDelete(w.ID()); ok {
		n := e.connCount.Add(-1)
		if e.limiter != nil {
			e.limiter.CountDown()
			e.metrics.SetLimiterWaiters(e.cfg.Name, e.limiter.Waiters())
		}
		e.metrics.RecordConnectionClosed(e.cfg.Name)
		e.metrics.SetActiveConnections(e.cfg.Name, n)
		logger.Debug("Endpoint %s: closed %s (active: %d)", e.cfg.Name, w.ID(), n)
	}
	e.handler.Release(w)
}

// ReportFatal records an engine-fatal error. The first one wins; Fatal is
// closed and Err returns it.
func (e *Endpoint) ReportFatal(err error) {
	e.fatalOnce.Do(func() {
		e.fatalErr = err
		logger.Error("Endpoint %s: fatal error: %v", e.cfg.Name, err)
		close(e.fatal)
	})
}

// Fatal is closed when an engine-fatal error was reported.
func (e *Endpoint) Fatal() <-chan struct{} { return e.fatal }

// Err returns the engine-fatal error, if any.
func (e *Endpoint) Err() error {
	select {
	case <-e.fatal:
		return e.fatalErr
	default:
		return nil
	}
}
