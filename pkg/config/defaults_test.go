package config

import (
	"testing"
	"time"

	"github.com/marmos91/dittonet/pkg/endpoint"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected level normalized to 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got %q", cfg.Logging.Output)
	}
}

func TestApplyDefaults_Server(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.Metrics.Port != 9090 {
		t.Errorf("Expected default metrics port 9090, got %d", cfg.Server.Metrics.Port)
	}
}

func TestApplyDefaults_Endpoints(t *testing.T) {
	cfg := &Config{Endpoints: []EndpointConfig{{Config: endpoint.Config{Name: "web"}}}}
	ApplyDefaults(cfg)

	ep := cfg.Endpoints[0]
	if ep.Handler != "echo" {
		t.Errorf("Expected default handler 'echo', got %q", ep.Handler)
	}
	if ep.Backend != endpoint.BackendNIO {
		t.Errorf("Expected default backend 'nio', got %q", ep.Backend)
	}
	if ep.Backlog != 100 {
		t.Errorf("Expected default backlog 100, got %d", ep.Backlog)
	}
	if ep.MaxThreads != 200 || ep.MinSpareThreads != 10 {
		t.Errorf("Expected worker pool 10/200, got %d/%d", ep.MinSpareThreads, ep.MaxThreads)
	}
	if !ep.IsEnabled() {
		t.Error("Expected endpoint enabled by default")
	}
}

func TestApplyDefaults_KeystoreOptions(t *testing.T) {
	cfg := &Config{Keystores: map[string]endpoint.KeystoreConfig{"mem": {Type: "badger"}}}
	ApplyDefaults(cfg)

	if cfg.Keystores["mem"].Options == nil {
		t.Error("Expected keystore options initialized")
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "WARN", Format: "json", Output: "stderr"},
		Server:  ServerConfig{ShutdownTimeout: 5 * time.Second, Metrics: MetricsConfig{Enabled: true, Port: 9100}},
		Endpoints: []EndpointConfig{{
			Config: endpoint.Config{
				Name:              "web",
				Backend:           endpoint.BackendAsync,
				MaxConnections:    -1,
				ConnectionTimeout: time.Minute,
			},
			Handler: "echo",
		}},
	}
	ApplyDefaults(cfg)

	if cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
		t.Errorf("Expected explicit logging preserved, got %+v", cfg.Logging)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second || cfg.Server.Metrics.Port != 9100 {
		t.Errorf("Expected explicit server settings preserved, got %+v", cfg.Server)
	}
	ep := cfg.Endpoints[0]
	if ep.Backend != endpoint.BackendAsync || ep.MaxConnections != -1 || ep.ConnectionTimeout != time.Minute {
		t.Errorf("Expected explicit endpoint settings preserved, got backend=%s max=%d timeout=%v",
			ep.Backend, ep.MaxConnections, ep.ConnectionTimeout)
	}
	if ep.KeepAliveTimeout != time.Minute {
		t.Errorf("Expected keep-alive timeout to follow connection timeout, got %v", ep.KeepAliveTimeout)
	}
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	if err := Validate(GetDefaultConfig()); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}
}
