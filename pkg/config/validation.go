package config

import (
	"fmt"
	"net"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	names := make(map[string]bool)
	addrs := make(map[string]string)
	enabled := 0

	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]

		if names[ep.Name] {
			return fmt.Errorf("endpoints[%d]: duplicate endpoint name %q", i, ep.Name)
		}
		names[ep.Name] = true

		if err := ep.Config.Validate(); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}

		if !ep.IsEnabled() {
			continue
		}
		enabled++

		// Ephemeral ports never collide
		if ep.Port != 0 {
			addr := net.JoinHostPort(ep.Address, strconv.Itoa(ep.Port))
			if other, ok := addrs[addr]; ok {
				return fmt.Errorf("endpoints[%d]: %s is already used by endpoint %q", i, addr, other)
			}
			addrs[addr] = ep.Name
		}

		if err := validateKeystoreRefs(cfg, ep); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
	}

	if enabled == 0 {
		return fmt.Errorf("endpoints: at least one endpoint must be enabled")
	}

	if cfg.Server.Metrics.Enabled {
		for _, ep := range cfg.Endpoints {
			if ep.IsEnabled() && ep.Port == cfg.Server.Metrics.Port && ep.Port != 0 {
				return fmt.Errorf("server.metrics: port %d is used by endpoint %q", ep.Port, ep.Name)
			}
		}
	}

	return nil
}

// validateKeystoreRefs checks that every keystore a TLS certificate names
// is configured, either on the endpoint or at the top level.
func validateKeystoreRefs(cfg *Config, ep *EndpointConfig) error {
	if ep.TLS == nil {
		return nil
	}
	stores := cfg.Keystores
	if len(ep.TLS.Keystores) > 0 {
		stores = ep.TLS.Keystores
	}
	for _, host := range ep.TLS.Hosts {
		for _, cert := range host.Certificates {
			if cert.Keystore == "" {
				continue
			}
			if _, ok := stores[cert.Keystore]; !ok {
				return fmt.Errorf("tls host %s: unknown keystore %q", host.HostName, cert.Keystore)
			}
		}
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
