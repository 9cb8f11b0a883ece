package config

import (
	"testing"

	"github.com/marmos91/dittonet/pkg/metrics"
)

func TestInitializeMetrics_Disabled(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.Metrics.Enabled = false

	result := InitializeMetrics(cfg)

	if result.Server != nil {
		t.Error("Expected no metrics server when metrics are disabled")
	}
	if _, ok := result.EndpointMetrics.(metrics.NoopEndpointMetrics); !ok {
		t.Errorf("Expected no-op endpoint metrics, got %T", result.EndpointMetrics)
	}
	if result.KeystoreMetrics != nil {
		t.Error("Expected nil keystore metrics when metrics are disabled")
	}
}
