// Package keystore loads TLS certificate material for virtual hosts.
//
// A Keystore maps an alias to a certificate chain plus private key. Three
// backends exist:
//   - file: PEM files in a directory (<dir>/<alias>.crt, <dir>/<alias>.key)
//   - s3: PEM objects in a bucket (<prefix><alias>.crt, <prefix><alias>.key)
//   - badger: an embedded key-value keystore, provisioned with Put
//
// Keystores are opened once when an endpoint binds and are read again only
// when a host is reloaded.
package keystore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when an alias has no certificate or key.
var ErrNotFound = errors.New("keystore: alias not found")

// Keystore resolves aliases to certificates.
//
// Implementations must be safe for concurrent use.
type Keystore interface {
	// Load returns the certificate (leaf first, then chain) and private key
	// stored under alias.
	Load(ctx context.Context, alias string) (*tls.Certificate, error)

	// Close releases resources held by the keystore.
	Close() error
}

// New creates a keystore of the given type from a type-specific option map.
//
// Supported types: "file", "s3", "badger".
func New(ctx context.Context, storeType string, options map[string]any) (Keystore, error) {
	switch strings.ToLower(storeType) {
	case "file", "":
		return newFileFromOptions(options)
	case "s3":
		return newS3FromOptions(ctx, options)
	case "badger":
		return newBadgerFromOptions(ctx, options)
	default:
		return nil, fmt.Errorf("unknown keystore type: %q", storeType)
	}
}

// certObjectName and keyObjectName name the PEM blobs for an alias in the
// file and s3 backends.
func certObjectName(alias string) string { return alias + ".crt" }
func keyObjectName(alias string) string  { return alias + ".key" }

// parsePair builds a tls.Certificate from PEM blobs.
func parsePair(alias string, certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("keystore: invalid key pair for alias %q: %w", alias, err)
	}
	return &cert, nil
}

// validAlias rejects aliases that could escape a directory or prefix.
func validAlias(alias string) error {
	if alias == "" {
		return fmt.Errorf("keystore: empty alias")
	}
	if strings.ContainsAny(alias, "/\\") || alias == "." || alias == ".." {
		return fmt.Errorf("keystore: invalid alias %q", alias)
	}
	return nil
}
