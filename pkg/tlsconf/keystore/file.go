package keystore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
)

// FileConfig configures a directory of PEM files.
type FileConfig struct {
	// Dir holds <alias>.crt (leaf followed by chain) and <alias>.key.
	Dir string `mapstructure:"dir"`
}

// File is a keystore backed by PEM files in a directory.
type File struct {
	dir string
}

// NewFile opens a directory keystore. The directory must exist.
func NewFile(cfg FileConfig) (*File, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("file keystore: dir is required")
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("file keystore: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("file keystore: %s is not a directory", cfg.Dir)
	}
	return &File{dir: cfg.Dir}, nil
}

func newFileFromOptions(options map[string]any) (Keystore, error) {
	var cfg FileConfig
	if err := mapstructure.Decode(options, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode file keystore config: %w", err)
	}
	return NewFile(cfg)
}

// Load reads <dir>/<alias>.crt and <dir>/<alias>.key.
func (f *File) Load(ctx context.Context, alias string) (*tls.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validAlias(alias); err != nil {
		return nil, err
	}

	certPEM, err := os.ReadFile(filepath.Join(f.dir, certObjectName(alias)))
	if err != nil {
		return nil, f.wrap(alias, err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(f.dir, keyObjectName(alias)))
	if err != nil {
		return nil, f.wrap(alias, err)
	}
	return parsePair(alias, certPEM, keyPEM)
}

func (f *File) wrap(alias string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s in %s", ErrNotFound, alias, f.dir)
	}
	return fmt.Errorf("file keystore: %w", err)
}

// Close is a no-op.
func (f *File) Close() error { return nil }

// LoadPair loads a certificate from explicit PEM paths. It serves host
// entries that reference files directly instead of a keystore alias.
func LoadPair(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair %s/%s: %w", certFile, keyFile, err)
	}
	return &cert, nil
}
