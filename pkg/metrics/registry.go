// Package metrics provides Prometheus metrics collection for DittoNet components.
//
// Metrics are opt-in. Until InitRegistry is called every constructor returns
// a no-op implementation (or nil where the consumer accepts nil), so
// endpoints built without metrics pay nothing for them.
//
// Usage:
//
//	metrics.InitRegistry()
//
//	ep := endpoint.New(cfg, handler, backend,
//	    endpoint.WithMetrics(metrics.NewEndpointMetrics()),
//	    endpoint.WithKeystoreMetrics(metrics.NewKeystoreMetrics()),
//	)
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// registry is written once by InitRegistry and read everywhere else
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the global registry with the Go runtime and process
// collectors already registered. Later calls are ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		r := prometheus.NewRegistry()
		r.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: "dittonet"}),
		)
		registry = r
	})
}

// GetRegistry returns the global registry, or nil while metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
