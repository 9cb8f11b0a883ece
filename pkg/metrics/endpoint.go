package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EndpointMetrics provides observability for connection endpoints.
//
// Every method takes the endpoint name as its first argument so that one
// instance serves all endpoints of a server. If no implementation is given
// to an endpoint, a no-op one is used.
//
// Example usage:
//
//	metrics.InitRegistry()
//	m := metrics.NewEndpointMetrics()
//	ep := endpoint.New(cfg, handler, backend, endpoint.WithMetrics(m))
type EndpointMetrics interface {
	// RecordConnectionAccepted increments the accepted connections counter.
	RecordConnectionAccepted(endpoint string)

	// RecordConnectionClosed increments the closed connections counter.
	RecordConnectionClosed(endpoint string)

	// SetActiveConnections updates the open connection gauge.
	SetActiveConnections(endpoint string, count int64)

	// RecordAcceptError counts failed accept calls.
	RecordAcceptError(endpoint string)

	// RecordHandshake records a finished TLS handshake.
	//
	// Parameters:
	//   - ok: false when the handshake failed
	//   - duration: time from accept to the end of the handshake
	RecordHandshake(endpoint string, ok bool, duration time.Duration)

	// RecordSocketEvent counts events dispatched to the handler
	// (OPEN_READ, OPEN_WRITE, TIMEOUT, ...).
	RecordSocketEvent(endpoint, event string)

	// RecordTimeout counts sockets expired by a poller sweep.
	//
	// Parameters:
	//   - kind: "read", "write" or "long"
	RecordTimeout(endpoint, kind string)

	// RecordSendfile counts finished sendfile tasks by outcome.
	RecordSendfile(endpoint, outcome string)

	// RecordSendfileBytes adds bytes sent by sendfile.
	RecordSendfileBytes(endpoint string, bytes int64)

	// SetLimiterWaiters updates the number of acceptors blocked on the
	// connection limit.
	SetLimiterWaiters(endpoint string, waiters int)

	// RecordPollerReset counts native poll sets torn down after a fatal
	// error.
	RecordPollerReset(endpoint string)
}

// endpointMetrics is the Prometheus implementation of EndpointMetrics.
type endpointMetrics struct {
	connectionsAccepted *prometheus.CounterVec
	connectionsClosed   *prometheus.CounterVec
	activeConnections   *prometheus.GaugeVec
	acceptErrors        *prometheus.CounterVec
	handshakes          *prometheus.CounterVec
	handshakeDuration   *prometheus.HistogramVec
	socketEvents        *prometheus.CounterVec
	timeouts            *prometheus.CounterVec
	sendfiles           *prometheus.CounterVec
	sendfileBytes       *prometheus.CounterVec
	limiterWaiters      *prometheus.GaugeVec
	pollerResets        *prometheus.CounterVec
}

// NewEndpointMetrics creates a Prometheus-backed EndpointMetrics.
//
// Returns a no-op implementation if InitRegistry was not called.
func NewEndpointMetrics() EndpointMetrics {
	if !IsEnabled() {
		return NoopEndpointMetrics{}
	}

	reg := GetRegistry()
	labels := []string{"endpoint"}

	return &endpointMetrics{
		connectionsAccepted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittonet_connections_accepted_total",
				Help: "Total number of connections accepted",
			},
			labels,
		),
		connectionsClosed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittonet_connections_closed_total",
				Help: "Total number of connections closed",
			},
			labels,
		),
		activeConnections: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittonet_active_connections",
				Help: "Current number of open connections",
			},
			labels,
		),
		acceptErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittonet_accept_errors_total",
				Help: "Total number of failed accept calls",
			},
			labels,
		),
		handshakes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittonet_tls_handshakes_total",
				Help: "Total number of TLS handshakes by status",
			},
			[]string{"endpoint", "status"},
		),
		handshakeDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittonet_tls_handshake_duration_seconds",
				Help: "Time from accept to the end of the TLS handshake",
				Buckets: []float64{
					0.001, // 1ms
					0.005, // 5ms
					0.01,  // 10ms
					0.025, // 25ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.25,  // 250ms
					0.5,   // 500ms
					1.0,   // 1s
					5.0,   // 5s
				},
			},
			labels,
		),
		socketEvents: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittonet_socket_events_total",
				Help: "Total number of socket events dispatched by type",
			},
			[]string{"endpoint", "event"},
		),
		timeouts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittonet_socket_timeouts_total",
				Help: "Total number of sockets expired by the poller",
			},
			[]string{"endpoint", "kind"},
		),
		sendfiles: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittonet_sendfile_total",
				Help: "Total number of sendfile tasks by outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		sendfileBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittonet_sendfile_bytes_total",
				Help: "Total bytes sent by sendfile",
			},
			labels,
		),
		limiterWaiters: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittonet_connection_limit_waiters",
				Help: "Acceptors waiting for a connection slot",
			},
			labels,
		),
		pollerResets: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittonet_poller_resets_total",
				Help: "Total number of poll sets reallocated after a fatal error",
			},
			labels,
		),
	}
}

func (m *endpointMetrics) RecordConnectionAccepted(endpoint string) {
	m.connectionsAccepted.WithLabelValues(endpoint).Inc()
}

func (m *endpointMetrics) RecordConnectionClosed(endpoint string) {
	m.connectionsClosed.WithLabelValues(endpoint).Inc()
}

func (m *endpointMetrics) SetActiveConnections(endpoint string, count int64) {
	m.activeConnections.WithLabelValues(endpoint).Set(float64(count))
}

func (m *endpointMetrics) RecordAcceptError(endpoint string) {
	m.acceptErrors.WithLabelValues(endpoint).Inc()
}

func (m *endpointMetrics) RecordHandshake(endpoint string, ok bool, duration time.Duration) {
	status := "success"
	if !ok {
		status = "error"
	}
	m.handshakes.WithLabelValues(endpoint, status).Inc()
	m.handshakeDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *endpointMetrics) RecordSocketEvent(endpoint, event string) {
	m.socketEvents.WithLabelValues(endpoint, event).Inc()
}

func (m *endpointMetrics) RecordTimeout(endpoint, kind string) {
	m.timeouts.WithLabelValues(endpoint, kind).Inc()
}

func (m *endpointMetrics) RecordSendfile(endpoint, outcome string) {
	m.sendfiles.WithLabelValues(endpoint, outcome).Inc()
}

func (m *endpointMetrics) RecordSendfileBytes(endpoint string, bytes int64) {
	m.sendfileBytes.WithLabelValues(endpoint).Add(float64(bytes))
}

func (m *endpointMetrics) SetLimiterWaiters(endpoint string, waiters int) {
	m.limiterWaiters.WithLabelValues(endpoint).Set(float64(waiters))
}

func (m *endpointMetrics) RecordPollerReset(endpoint string) {
	m.pollerResets.WithLabelValues(endpoint).Inc()
}

// NoopEndpointMetrics discards everything.
type NoopEndpointMetrics struct{}

func (NoopEndpointMetrics) RecordConnectionAccepted(endpoint string)                         {}
func (NoopEndpointMetrics) RecordConnectionClosed(endpoint string)                           {}
func (NoopEndpointMetrics) SetActiveConnections(endpoint string, count int64)                {}
func (NoopEndpointMetrics) RecordAcceptError(endpoint string)                                {}
func (NoopEndpointMetrics) RecordHandshake(endpoint string, ok bool, duration time.Duration) {}
func (NoopEndpointMetrics) RecordSocketEvent(endpoint, event string)                         {}
func (NoopEndpointMetrics) RecordTimeout(endpoint, kind string)                              {}
func (NoopEndpointMetrics) RecordSendfile(endpoint, outcome string)                          {}
func (NoopEndpointMetrics) RecordSendfileBytes(endpoint string, bytes int64)                 {}
func (NoopEndpointMetrics) SetLimiterWaiters(endpoint string, waiters int)                   {}
func (NoopEndpointMetrics) RecordPollerReset(endpoint string)                                {}

// EndpointStats is a point-in-time view of one endpoint.
type EndpointStats struct {
	Name    string
	Backend string
	Running bool
	Paused  bool

	Connections    int64
	MaxConnections int64
	LimiterWaiters int

	// Worker pool figures; zero when the endpoint runs on an external
	// executor or is stopped.
	Workers        int
	IdleWorkers    int
	QueuedTasks    int
	ActiveTasks    int64
	CompletedTasks uint64
}

// StatsSource reports the current state of a set of endpoints.
type StatsSource interface {
	EndpointStats() []EndpointStats
}
