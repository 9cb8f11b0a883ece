package server

import (
	"context"
	"fmt"

	"github.com/marmos91/dittonet/internal/handler/echo"
	"github.com/marmos91/dittonet/internal/logger"
	"github.com/marmos91/dittonet/pkg/config"
	"github.com/marmos91/dittonet/pkg/endpoint"
	"github.com/marmos91/dittonet/pkg/endpoint/async"
	"github.com/marmos91/dittonet/pkg/endpoint/native"
	"github.com/marmos91/dittonet/pkg/endpoint/nio"
	"github.com/marmos91/dittonet/pkg/metrics"
	"github.com/marmos91/dittonet/pkg/tlsconf"
	"github.com/marmos91/dittonet/pkg/tlsconf/keystore"
)

// Options carries the collaborators FromConfig wires into every endpoint.
type Options struct {
	// EndpointMetrics is shared by every endpoint (nil uses no-op metrics)
	EndpointMetrics metrics.EndpointMetrics

	// KeystoreMetrics observes keystore loads (nil disables)
	KeystoreMetrics keystore.Metrics
}

// NewBackend creates the backend registered under name.
func NewBackend(name string) (endpoint.Backend, error) {
	switch name {
	case endpoint.BackendNIO, "":
		return nio.New(), nil
	case endpoint.BackendNative:
		return native.New(), nil
	case endpoint.BackendAsync:
		return async.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

// NewHandler creates the connection handler registered under name.
func NewHandler(name string) (endpoint.Handler, error) {
	switch name {
	case echo.Name, "":
		return echo.New(), nil
	default:
		return nil, fmt.Errorf("unknown handler %q", name)
	}
}

// FromConfig builds a server serving every enabled endpoint of cfg.
//
// The top-level keystores are opened once and shared by every TLS endpoint
// that does not declare keystores of its own. The server owns them and
// closes them when Serve returns; on error they are closed here.
func FromConfig(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	stores, err := config.OpenKeystores(ctx, cfg.Keystores, opts.KeystoreMetrics)
	if err != nil {
		return nil, err
	}

	srv := New(cfg.Server.ShutdownTimeout)
	srv.SetKeystores(stores)

	for i := range cfg.Endpoints {
		ec := &cfg.Endpoints[i]
		if !ec.IsEnabled() {
			logger.Info("Endpoint %s is disabled, skipping", ec.Name)
			continue
		}

		ep, err := buildEndpoint(ec, stores, opts)
		if err == nil {
			err = srv.AddEndpoint(ep)
		}
		if err != nil {
			srv.closeKeystores()
			return nil, fmt.Errorf("endpoint %s: %w", ec.Name, err)
		}
	}
	return srv, nil
}

func buildEndpoint(ec *config.EndpointConfig, shared tlsconf.Keystores, opts Options) (*endpoint.Endpoint, error) {
	backend, err := NewBackend(ec.Backend)
	if err != nil {
		return nil, err
	}
	handler, err := NewHandler(ec.Handler)
	if err != nil {
		return nil, err
	}

	epOpts := []endpoint.Option{
		endpoint.WithMetrics(opts.EndpointMetrics),
		endpoint.WithKeystoreMetrics(opts.KeystoreMetrics),
	}
	if ec.TLS != nil && len(ec.TLS.Keystores) == 0 && len(shared) > 0 {
		epOpts = append(epOpts, endpoint.WithKeystores(shared))
	}
	return endpoint.New(ec.Config, handler, backend, epOpts...), nil
}
