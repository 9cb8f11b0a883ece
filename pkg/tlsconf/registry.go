package tlsconf

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNoDefaultHost is returned when the default host is missing or cannot be
// materialized.
var ErrNoDefaultHost = errors.New("tlsconf: no default host configuration")

// Registry maps host names to configurations and their materialized
// contexts.
//
// Thread safety: safe for concurrent use. Lookups take a read lock; Reload
// replaces one entry under the write lock.
type Registry struct {
	mu          sync.RWMutex
	defaultName string
	hosts       map[string]*HostConfig
	contexts    map[string]*tls.Config
}

// NewRegistry indexes hosts by lower-cased name. defaultName selects the
// default entry (DefaultHostName when empty), which must be present.
func NewRegistry(defaultName string, hosts []HostConfig) (*Registry, error) {
	if defaultName == "" {
		defaultName = DefaultHostName
	}
	r := &Registry{
		defaultName: strings.ToLower(defaultName),
		hosts:       make(map[string]*HostConfig, len(hosts)),
		contexts:    make(map[string]*tls.Config, len(hosts)),
	}
	for i := range hosts {
		h := hosts[i]
		h.ApplyDefaults()
		name := strings.ToLower(h.HostName)
		if _, dup := r.hosts[name]; dup {
			return nil, fmt.Errorf("tlsconf: duplicate host %q", h.HostName)
		}
		r.hosts[name] = &h
	}
	if _, ok := r.hosts[r.defaultName]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoDefaultHost, defaultName)
	}
	return r, nil
}

// DefaultName returns the default host's name.
func (r *Registry) DefaultName() string { return r.defaultName }

// Lookup resolves an SNI value: exact match, then the single-label wildcard
// "*.<parent>", then the default host. Matching is case-insensitive.
func (r *Registry) Lookup(sni string) *HostConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hosts[r.resolve(sni)]
}

// resolve returns the key of the entry serving sni. Callers hold mu.
func (r *Registry) resolve(sni string) string {
	name := strings.ToLower(strings.TrimSuffix(sni, "."))
	if name == "" {
		return r.defaultName
	}
	if _, ok := r.hosts[name]; ok {
		return name
	}
	if dot := strings.IndexByte(name, '.'); dot > 0 {
		wildcard := "*" + name[dot:]
		if _, ok := r.hosts[wildcard]; ok {
			return wildcard
		}
	}
	return r.defaultName
}

// Hosts returns every configured host.
func (r *Registry) Hosts() []*HostConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*HostConfig, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h)
	}
	return out
}

// MaterializeAll builds the TLS context of every host. A failing default host
// fails the whole call with ErrNoDefaultHost; other failures are returned
// joined so all broken hosts are reported at once.
func (r *Registry) MaterializeAll(ctx context.Context, stores Keystores, alpn []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, h := range r.hosts {
		cfg, err := h.Materialize(ctx, stores, alpn)
		if err != nil {
			if name == r.defaultName {
				return fmt.Errorf("%w: %v", ErrNoDefaultHost, err)
			}
			errs = append(errs, err)
			continue
		}
		r.contexts[name] = cfg
	}
	return errors.Join(errs...)
}

// Reload re-materializes one host in place.
func (r *Registry) Reload(ctx context.Context, hostName string, stores Keystores, alpn []string) error {
	name := strings.ToLower(hostName)

	r.mu.RLock()
	h, ok := r.hosts[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tlsconf: unknown host %q", hostName)
	}

	cfg, err := h.Materialize(ctx, stores, alpn)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.contexts[name] = cfg
	r.mu.Unlock()
	return nil
}

// Context returns the materialized TLS context serving sni, falling back
// like Lookup. It returns nil before MaterializeAll.
func (r *Registry) Context(sni string) *tls.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.contexts[r.resolve(sni)]; ok {
		return cfg
	}
	return r.contexts[r.defaultName]
}
