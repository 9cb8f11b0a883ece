package config

import (
	"context"
	"fmt"
	"sort"

	"github.com/marmos91/dittonet/internal/logger"
	"github.com/marmos91/dittonet/pkg/endpoint"
	"github.com/marmos91/dittonet/pkg/tlsconf"
	"github.com/marmos91/dittonet/pkg/tlsconf/keystore"
)

// OpenKeystores opens the shared keystores of cfg.
//
// Every keystore is wrapped with m (when non-nil). If one keystore fails to
// open, those already opened are closed and the error is returned.
//
// Parameters:
//   - ctx: Controls cancellation of remote keystores (S3)
//   - cfg: Keystore configurations keyed by name
//   - m: Optional keystore metrics
//
// Returns:
//   - tlsconf.Keystores: Open keystores keyed by name (nil when cfg is empty)
//   - error: The first keystore that failed to open
func OpenKeystores(ctx context.Context, cfg map[string]endpoint.KeystoreConfig, m keystore.Metrics) (tlsconf.Keystores, error) {
	if len(cfg) == 0 {
		return nil, nil
	}

	// Sorted for deterministic logs and error reporting
	names := make([]string, 0, len(cfg))
	for name := range cfg {
		names = append(names, name)
	}
	sort.Strings(names)

	stores := make(tlsconf.Keystores, len(cfg))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			CloseKeystores(stores)
			return nil, err
		}

		kc := cfg[name]
		ks, err := keystore.New(ctx, kc.Type, kc.Options)
		if err != nil {
			CloseKeystores(stores)
			return nil, fmt.Errorf("keystore %s: %w", name, err)
		}
		stores[name] = keystore.Instrument(ks, name, m)
		logger.Debug("Opened %s keystore %s", kc.Type, name)
	}
	return stores, nil
}

// CloseKeystores closes every keystore, logging failures.
func CloseKeystores(stores tlsconf.Keystores) {
	for name, ks := range stores {
		if err := ks.Close(); err != nil {
			logger.Warn("Error closing keystore %s: %v", name, err)
		}
	}
}
