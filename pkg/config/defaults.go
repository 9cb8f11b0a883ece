package config

import (
	"strings"
	"time"

	"github.com/marmos91/dittonet/pkg/endpoint"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Endpoint defaults are handled by endpoint.Config
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)

	for name, ks := range cfg.Keystores {
		if ks.Options == nil {
			ks.Options = make(map[string]any)
			cfg.Keystores[name] = ks
		}
	}

	for i := range cfg.Endpoints {
		applyEndpointDefaults(&cfg.Endpoints[i])
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// applyEndpointDefaults sets endpoint defaults.
func applyEndpointDefaults(cfg *EndpointConfig) {
	if cfg.Handler == "" {
		cfg.Handler = "echo"
	}
	cfg.Config.ApplyDefaults()
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Endpoints: []EndpointConfig{
			{
				Config: endpoint.Config{
					Name:    "echo",
					Backend: endpoint.BackendNIO,
					Port:    9000,
				},
				Handler: "echo",
			},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
