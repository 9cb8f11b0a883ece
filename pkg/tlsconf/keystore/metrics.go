package keystore

import (
	"context"
	"crypto/tls"
	"time"
)

// Metrics observes keystore reads.
type Metrics interface {
	// ObserveOperation records one keystore call.
	//
	// Parameters:
	//   - store: keystore name from the configuration
	//   - operation: "load"
	ObserveOperation(store, operation string, duration time.Duration, err error)

	// RecordBytes adds DER certificate bytes loaded from store.
	RecordBytes(store string, bytes int64)
}

type instrumented struct {
	Keystore
	name    string
	metrics Metrics
}

// Instrument wraps ks so that every Load is reported to m under name. A nil
// m returns ks unchanged.
func Instrument(ks Keystore, name string, m Metrics) Keystore {
	if m == nil {
		return ks
	}
	return &instrumented{Keystore: ks, name: name, metrics: m}
}

func (s *instrumented) Load(ctx context.Context, alias string) (*tls.Certificate, error) {
	start := time.Now()
	cert, err := s.Keystore.Load(ctx, alias)
	s.metrics.ObserveOperation(s.name, "load", time.Since(start), err)
	if err == nil {
		var n int64
		for _, der := range cert.Certificate {
			n += int64(len(der))
		}
		s.metrics.RecordBytes(s.name, n)
	}
	return cert, err
}
