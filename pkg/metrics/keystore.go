package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/dittonet/pkg/tlsconf/keystore"
)

// keystoreMetrics is the Prometheus implementation of keystore.Metrics.
//
// This implementation collects:
//   - Operation counts by keystore and status
//   - Operation latency (S3 round trips dominate)
//   - Certificate bytes loaded
type keystoreMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesLoaded       *prometheus.CounterVec
}

// NewKeystoreMetrics creates a Prometheus-backed keystore.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called), which
// makes keystore.Instrument leave keystores unwrapped.
func NewKeystoreMetrics() keystore.Metrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &keystoreMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittonet_keystore_operations_total",
				Help: "Total number of keystore operations by keystore, operation and status",
			},
			[]string{"keystore", "operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittonet_keystore_operation_duration_seconds",
				Help: "Duration of keystore operations in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.01,  // 10ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.5,   // 500ms
					1.0,   // 1s
					5.0,   // 5s
					30.0,  // 30s
				},
			},
			[]string{"keystore", "operation"},
		),
		bytesLoaded: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittonet_keystore_certificate_bytes_total",
				Help: "Total DER certificate bytes loaded from keystores",
			},
			[]string{"keystore"},
		),
	}
}

// ObserveOperation implements keystore.Metrics.ObserveOperation
func (m *keystoreMetrics) ObserveOperation(store, operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	m.operationsTotal.WithLabelValues(store, operation, status).Inc()
	m.operationDuration.WithLabelValues(store, operation).Observe(duration.Seconds())
}

// RecordBytes implements keystore.Metrics.RecordBytes
func (m *keystoreMetrics) RecordBytes(store string, bytes int64) {
	m.bytesLoaded.WithLabelValues(store).Add(float64(bytes))
}
