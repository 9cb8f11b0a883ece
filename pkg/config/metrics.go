package config

import (
	"github.com/marmos91/dittonet/pkg/metrics"
	"github.com/marmos91/dittonet/pkg/tlsconf/keystore"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// EndpointMetrics is shared by every endpoint (never nil, uses noop if disabled)
	EndpointMetrics metrics.EndpointMetrics

	// KeystoreMetrics observes keystore loads (nil if disabled)
	KeystoreMetrics keystore.Metrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server (attach endpoint state with SetSource)
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			EndpointMetrics: metrics.NoopEndpointMetrics{},
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Server.Metrics.Port,
	})

	return &MetricsResult{
		Server:          server,
		EndpointMetrics: metrics.NewEndpointMetrics(),
		KeystoreMetrics: metrics.NewKeystoreMetrics(),
	}
}
