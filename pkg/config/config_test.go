package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/dittonet/pkg/endpoint"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
logging:
  level: "INFO"

endpoints:
  - name: "web"
    port: 8080
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Verify defaults were applied
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got %q", cfg.Logging.Output)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if len(cfg.Endpoints) != 1 {
		t.Fatalf("Expected 1 endpoint, got %d", len(cfg.Endpoints))
	}
	ep := cfg.Endpoints[0]
	if ep.Handler != "echo" {
		t.Errorf("Expected default handler 'echo', got %q", ep.Handler)
	}
	if ep.Backend != endpoint.BackendNIO {
		t.Errorf("Expected default backend 'nio', got %q", ep.Backend)
	}
	if ep.MaxConnections != 8192 {
		t.Errorf("Expected default max_connections 8192, got %d", ep.MaxConnections)
	}
	if ep.ConnectionTimeout != 20*time.Second {
		t.Errorf("Expected default connection_timeout 20s, got %v", ep.ConnectionTimeout)
	}
}

func TestLoad_EndpointSettings(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
keystores:
  certs:
    type: file
    dir: /etc/dittonet/certs

endpoints:
  - name: "secure"
    backend: "native"
    address: "127.0.0.1"
    port: 8443
    max_connections: -1
    connection_timeout: 5s
    socket:
      so_linger_on: true
      so_linger_time: 3
    tls:
      alpn: ["h2", "http/1.1"]
      hosts:
        - host_name: "_default_"
          certificates:
            - keystore: certs
              alias: default
  - name: "spare"
    port: 8080
    enabled: false
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	ep := cfg.Endpoints[0]
	if ep.Backend != endpoint.BackendNative {
		t.Errorf("Expected backend 'native', got %q", ep.Backend)
	}
	if ep.MaxConnections != -1 {
		t.Errorf("Expected unlimited connections, got %d", ep.MaxConnections)
	}
	if ep.ConnectionTimeout != 5*time.Second {
		t.Errorf("Expected connection_timeout 5s, got %v", ep.ConnectionTimeout)
	}
	if !ep.Socket.SoLingerOn || ep.Socket.SoLingerTime != 3 {
		t.Errorf("Expected SO_LINGER 3s, got on=%v time=%d", ep.Socket.SoLingerOn, ep.Socket.SoLingerTime)
	}
	if ep.TLS == nil || len(ep.TLS.Hosts) != 1 || len(ep.TLS.ALPN) != 2 {
		t.Fatalf("Expected TLS with one host and two ALPN protocols, got %+v", ep.TLS)
	}
	if ep.TLS.Hosts[0].Certificates[0].Alias != "default" {
		t.Errorf("Expected certificate alias 'default', got %q", ep.TLS.Hosts[0].Certificates[0].Alias)
	}
	if ks := cfg.Keystores["certs"]; ks.Type != "file" || ks.Options["dir"] != "/etc/dittonet/certs" {
		t.Errorf("Expected file keystore with dir option, got %+v", ks)
	}
	if cfg.Endpoints[1].IsEnabled() {
		t.Error("Expected second endpoint to be disabled")
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// A non-existent path keeps us away from the user's ~/.config/dittonet/
	nonExistentPath := filepath.Join(t.TempDir(), "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if len(cfg.Endpoints) != 1 || cfg.Endpoints[0].Name != "echo" {
		t.Errorf("Expected the default echo endpoint, got %+v", cfg.Endpoints)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid.yaml", `
logging:
  level: INFO
  invalid yaml here [[[
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_InvalidEndpoint(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
endpoints:
  - name: "web"
    backend: "iocp"
`)

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error with unknown backend, got nil")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[logging]
level = "WARN"
format = "json"

[[endpoints]]
name = "web"
backend = "async"
port = 8080
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format 'json', got %q", cfg.Logging.Format)
	}
	if cfg.Endpoints[0].Backend != endpoint.BackendAsync {
		t.Errorf("Expected backend 'async', got %q", cfg.Endpoints[0].Backend)
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default log format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default log output 'stdout', got %q", cfg.Logging.Output)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.Metrics.Enabled {
		t.Error("Expected metrics disabled by default")
	}
	if len(cfg.Endpoints) != 1 {
		t.Fatalf("Expected 1 default endpoint, got %d", len(cfg.Endpoints))
	}
	if cfg.Endpoints[0].Port != 9000 {
		t.Errorf("Expected default endpoint port 9000, got %d", cfg.Endpoints[0].Port)
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	path := GetDefaultConfigPath()

	if !filepath.IsAbs(path) {
		t.Errorf("Expected absolute path, got %q", path)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("Expected filename 'config.yaml', got %q", filepath.Base(path))
	}
}

func TestGetConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")

	dir := GetConfigDir()
	if dir != filepath.Join("/tmp/xdg", "dittonet") {
		t.Errorf("Expected directory under XDG_CONFIG_HOME, got %q", dir)
	}
}

func TestConfigExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if ConfigExists() {
		t.Fatal("Expected no config in an empty directory")
	}
	if _, err := InitConfig(false); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if !ConfigExists() {
		t.Error("Expected config to exist after InitConfig")
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("DITTONET_LOGGING_LEVEL", "ERROR")
	t.Setenv("DITTONET_SERVER_METRICS_PORT", "9191")

	configPath := writeConfig(t, "config.yaml", `
logging:
  level: "INFO"

endpoints:
  - name: "web"
    port: 8080
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Environment variables override the file and defaults
	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.Server.Metrics.Port != 9191 {
		t.Errorf("Expected metrics port 9191 from env var, got %d", cfg.Server.Metrics.Port)
	}
}
