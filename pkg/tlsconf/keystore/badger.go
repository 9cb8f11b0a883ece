package keystore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/mitchellh/mapstructure"
)

// Key namespace of the embedded keystore:
//
//	cert:<alias>  PEM certificate chain, leaf first
//	key:<alias>   PEM private key

func keyCert(alias string) []byte { return []byte("cert:" + alias) }
func keyPriv(alias string) []byte { return []byte("key:" + alias) }

// BadgerConfig configures the embedded keystore.
type BadgerConfig struct {
	// DBPath is the database directory. Created if missing.
	DBPath string `mapstructure:"db_path"`

	// InMemory opens a throwaway database (tests, ephemeral deployments).
	InMemory bool `mapstructure:"in_memory"`
}

// Badger is a keystore persisted in BadgerDB.
type Badger struct {
	db *badger.DB
}

// NewBadger opens (or creates) the embedded keystore.
func NewBadger(ctx context.Context, cfg BadgerConfig) (*Badger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("badger keystore: db_path is required")
		}
		opts = badger.DefaultOptions(cfg.DBPath)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}
	return &Badger{db: db}, nil
}

func newBadgerFromOptions(ctx context.Context, options map[string]any) (Keystore, error) {
	var cfg BadgerConfig
	if err := mapstructure.Decode(options, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger keystore config: %w", err)
	}
	return NewBadger(ctx, cfg)
}

// Put stores a PEM pair under alias after checking that it parses.
func (b *Badger) Put(ctx context.Context, alias string, certPEM, keyPEM []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validAlias(alias); err != nil {
		return err
	}
	if _, err := parsePair(alias, certPEM, keyPEM); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyCert(alias), certPEM); err != nil {
			return err
		}
		return txn.Set(keyPriv(alias), keyPEM)
	})
}

// Delete removes an alias. Deleting a missing alias is not an error.
func (b *Badger) Delete(ctx context.Context, alias string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(keyCert(alias)); err != nil {
			return err
		}
		return txn.Delete(keyPriv(alias))
	})
}

// Load reads the alias' PEM pair.
func (b *Badger) Load(ctx context.Context, alias string) (*tls.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validAlias(alias); err != nil {
		return nil, err
	}

	var certPEM, keyPEM []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyCert(alias))
		if err != nil {
			return err
		}
		if certPEM, err = item.ValueCopy(nil); err != nil {
			return err
		}

		item, err = txn.Get(keyPriv(alias))
		if err != nil {
			return err
		}
		keyPEM, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, alias)
	}
	if err != nil {
		return nil, fmt.Errorf("badger keystore: %w", err)
	}
	return parsePair(alias, certPEM, keyPEM)
}

// Close closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}
