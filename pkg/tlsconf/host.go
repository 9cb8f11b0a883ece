// Package tlsconf models per-virtual-host TLS configuration and turns it into
// crypto/tls configurations.
//
// A Registry maps host names to HostConfig entries. Exactly one entry is the
// default host; it serves connections whose ClientHello carries no SNI or an
// SNI no other entry matches. Each HostConfig is materialized once at bind
// time into a *tls.Config (its "TLS context").
package tlsconf

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/marmos91/dittonet/pkg/tlsconf/keystore"
)

// DefaultHostName is the conventional name of the default host entry.
const DefaultHostName = "_default_"

// DefaultVerificationDepth bounds client certificate chains.
const DefaultVerificationDepth = 10

// DefaultProtocols is used when a host does not set Protocols.
const DefaultProtocols = "TLSv1.2+TLSv1.3"

// DefaultCiphers is used when a host does not set Ciphers.
const DefaultCiphers = "HIGH:!aNULL:!eNULL:!EXPORT:!DES:!RC4:!MD5:!kRSA"

// Certificate references certificate material for a host, either by keystore
// alias or by explicit PEM paths.
type Certificate struct {
	// Keystore names a keystore configured on the endpoint.
	Keystore string `mapstructure:"keystore" yaml:"keystore,omitempty" json:"keystore,omitempty"`

	// Alias selects the entry inside Keystore.
	Alias string `mapstructure:"alias" yaml:"alias,omitempty" json:"alias,omitempty"`

	// CertFile and KeyFile are used when Keystore is empty.
	CertFile string `mapstructure:"cert_file" yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file,omitempty" json:"key_file,omitempty"`
}

// HostConfig is the TLS configuration of one virtual host.
type HostConfig struct {
	// HostName is an exact name, a single-label wildcard ("*.example.com")
	// or the default host name.
	HostName string `mapstructure:"host_name" validate:"required" yaml:"host_name" json:"host_name"`

	// Certificates served by this host. crypto/tls picks among them by key
	// type and SNI.
	Certificates []Certificate `mapstructure:"certificates" validate:"required,min=1" yaml:"certificates" json:"certificates"`

	// Protocols enables protocol versions, e.g. "TLSv1.2+TLSv1.3" or
	// "all -TLSv1 -TLSv1.1".
	Protocols string `mapstructure:"protocols" yaml:"protocols,omitempty" json:"protocols,omitempty"`

	// Ciphers is an OpenSSL or IANA style cipher specification.
	Ciphers string `mapstructure:"ciphers" yaml:"ciphers,omitempty" json:"ciphers,omitempty"`

	// CertificateVerification is the client certificate mode.
	CertificateVerification string `mapstructure:"certificate_verification" yaml:"certificate_verification,omitempty" json:"certificate_verification,omitempty"`

	// CertificateVerificationDepth bounds the client chain length.
	CertificateVerificationDepth int `mapstructure:"certificate_verification_depth" validate:"gte=0" yaml:"certificate_verification_depth,omitempty" json:"certificate_verification_depth,omitempty"`

	// TruststoreFile is a PEM bundle of CAs trusted for client certificates.
	TruststoreFile string `mapstructure:"truststore_file" yaml:"truststore_file,omitempty" json:"truststore_file,omitempty"`
}

// ApplyDefaults fills unset fields.
func (h *HostConfig) ApplyDefaults() {
	if h.HostName == "" {
		h.HostName = DefaultHostName
	}
	if h.Protocols == "" {
		h.Protocols = DefaultProtocols
	}
	if h.Ciphers == "" {
		h.Ciphers = DefaultCiphers
	}
	if h.CertificateVerification == "" {
		h.CertificateVerification = VerificationNone.String()
	}
	if h.CertificateVerificationDepth == 0 {
		h.CertificateVerificationDepth = DefaultVerificationDepth
	}
}

// Validate parses every textual field without loading material.
func (h *HostConfig) Validate() error {
	if len(h.Certificates) == 0 {
		return fmt.Errorf("host %q: at least one certificate is required", h.HostName)
	}
	for i, c := range h.Certificates {
		if c.Keystore == "" && (c.CertFile == "" || c.KeyFile == "") {
			return fmt.Errorf("host %q: certificate %d needs keystore+alias or cert_file+key_file", h.HostName, i)
		}
		if c.Keystore != "" && c.Alias == "" {
			return fmt.Errorf("host %q: certificate %d: alias is required with keystore", h.HostName, i)
		}
	}
	if _, _, err := ParseProtocols(h.Protocols); err != nil {
		return fmt.Errorf("host %q: %w", h.HostName, err)
	}
	if _, err := ParseCipherList(h.Ciphers); err != nil {
		return fmt.Errorf("host %q: %w", h.HostName, err)
	}
	if _, err := ParseCertificateVerification(h.CertificateVerification); err != nil {
		return fmt.Errorf("host %q: %w", h.HostName, err)
	}
	return nil
}

// CipherList returns the parsed cipher specification.
func (h *HostConfig) CipherList() ([]Cipher, error) {
	return ParseCipherList(h.Ciphers)
}

// ============================================================================
// Protocols
// ============================================================================

var protocolVersions = map[string]uint16{
	"TLSV1":   tls.VersionTLS10,
	"TLSV1.0": tls.VersionTLS10,
	"TLSV1.1": tls.VersionTLS11,
	"TLSV1.2": tls.VersionTLS12,
	"TLSV1.3": tls.VersionTLS13,
}

var allVersions = []uint16{tls.VersionTLS10, tls.VersionTLS11, tls.VersionTLS12, tls.VersionTLS13}

// ParseProtocols parses a protocol set and returns the enabled range.
//
// Tokens are separated by ',' or whitespace or introduced by '+'/'-'.
// "+X" adds, "-X" removes, a bare token adds. "all" expands to every
// supported version. crypto/tls negotiates a contiguous range, so a set with
// a gap is rejected.
func ParseProtocols(spec string) (minVersion, maxVersion uint16, err error) {
	enabled := make(map[uint16]bool)

	var tokens []string
	var cur strings.Builder
	flush := func() {
		if t := strings.TrimSpace(cur.String()); t != "" {
			tokens = append(tokens, t)
		}
		cur.Reset()
	}
	for _, r := range spec {
		switch r {
		case '+', '-':
			flush()
			cur.WriteRune(r)
		case ',', ' ', '\t':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()

	for _, tok := range tokens {
		remove := false
		switch tok[0] {
		case '+':
			tok = tok[1:]
		case '-':
			remove = true
			tok = tok[1:]
		}

		var versions []uint16
		if strings.EqualFold(tok, "all") {
			versions = allVersions
		} else if v, ok := protocolVersions[strings.ToUpper(tok)]; ok {
			versions = []uint16{v}
		} else {
			return 0, 0, fmt.Errorf("unknown protocol %q", tok)
		}
		for _, v := range versions {
			enabled[v] = !remove
		}
	}

	var set []uint16
	for v, on := range enabled {
		if on {
			set = append(set, v)
		}
	}
	if len(set) == 0 {
		return 0, 0, fmt.Errorf("no protocols enabled by %q", spec)
	}
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })
	for i := 1; i < len(set); i++ {
		if set[i] != set[i-1]+1 {
			return 0, 0, fmt.Errorf("protocol set %q is not contiguous", spec)
		}
	}
	return set[0], set[len(set)-1], nil
}

// ============================================================================
// Client certificate verification
// ============================================================================

// CertificateVerification is the client certificate mode of a host.
type CertificateVerification int

const (
	VerificationNone CertificateVerification = iota
	VerificationOptional
	VerificationOptionalNoCA
	VerificationRequired
)

func (v CertificateVerification) String() string {
	switch v {
	case VerificationNone:
		return "NONE"
	case VerificationOptional:
		return "OPTIONAL"
	case VerificationOptionalNoCA:
		return "OPTIONAL_NO_CA"
	case VerificationRequired:
		return "REQUIRED"
	default:
		return fmt.Sprintf("CertificateVerification(%d)", int(v))
	}
}

// ParseCertificateVerification accepts the mode names plus the historical
// boolean spellings ("true", "yes", "require", "want", "optionalNoCA", ...).
func ParseCertificateVerification(s string) (CertificateVerification, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "false", "no":
		return VerificationNone, nil
	case "optional", "want":
		return VerificationOptional, nil
	case "optional_no_ca", "optionalnoca":
		return VerificationOptionalNoCA, nil
	case "required", "require", "true", "yes":
		return VerificationRequired, nil
	default:
		return VerificationNone, fmt.Errorf("unknown certificate verification %q", s)
	}
}

// ClientAuth maps the mode onto crypto/tls.
func (v CertificateVerification) ClientAuth() tls.ClientAuthType {
	switch v {
	case VerificationOptional:
		return tls.VerifyClientCertIfGiven
	case VerificationOptionalNoCA:
		return tls.RequestClientCert
	case VerificationRequired:
		return tls.RequireAndVerifyClientCert
	default:
		return tls.NoClientCert
	}
}

// ErrChainTooDeep is returned by the depth check.
var ErrChainTooDeep = errors.New("client certificate chain exceeds verification depth")

// depthCheck returns a VerifyPeerCertificate hook that rejects chains with
// more than depth certificates above the leaf.
func depthCheck(depth int) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return nil
		}
		if len(verifiedChains) == 0 {
			// Unverified modes see only what the peer sent.
			if len(rawCerts)-1 > depth {
				return ErrChainTooDeep
			}
			return nil
		}
		for _, chain := range verifiedChains {
			if len(chain)-1 <= depth {
				return nil
			}
		}
		return ErrChainTooDeep
	}
}

// ============================================================================
// Materialization
// ============================================================================

// Keystores resolves keystore names used by Certificate entries.
type Keystores map[string]keystore.Keystore

// Materialize builds the host's TLS context. alpn is the endpoint's ALPN
// protocol list, offered in preference order.
func (h *HostConfig) Materialize(ctx context.Context, stores Keystores, alpn []string) (*tls.Config, error) {
	minV, maxV, err := ParseProtocols(h.Protocols)
	if err != nil {
		return nil, fmt.Errorf("host %q: %w", h.HostName, err)
	}
	ciphers, err := ParseCipherList(h.Ciphers)
	if err != nil {
		return nil, fmt.Errorf("host %q: %w", h.HostName, err)
	}
	verification, err := ParseCertificateVerification(h.CertificateVerification)
	if err != nil {
		return nil, fmt.Errorf("host %q: %w", h.HostName, err)
	}

	certs := make([]tls.Certificate, 0, len(h.Certificates))
	for _, ref := range h.Certificates {
		cert, err := loadCertificate(ctx, stores, ref)
		if err != nil {
			return nil, fmt.Errorf("host %q: %w", h.HostName, err)
		}
		certs = append(certs, *cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("host %q: no certificates", h.HostName)
	}

	cfg := &tls.Config{
		Certificates: certs,
		MinVersion:   minV,
		MaxVersion:   maxV,
		ClientAuth:   verification.ClientAuth(),
		NextProtos:   append([]string(nil), alpn...),
	}
	if suites := GoCipherSuites(ciphers); len(suites) > 0 {
		cfg.CipherSuites = suites
	} else if minV < tls.VersionTLS13 {
		return nil, fmt.Errorf("host %q: cipher specification %q selects no usable suite", h.HostName, h.Ciphers)
	}

	if h.TruststoreFile != "" {
		pemData, err := os.ReadFile(h.TruststoreFile)
		if err != nil {
			return nil, fmt.Errorf("host %q: read truststore: %w", h.HostName, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("host %q: truststore %s holds no certificates", h.HostName, h.TruststoreFile)
		}
		cfg.ClientCAs = pool
	}

	depth := h.CertificateVerificationDepth
	if depth <= 0 {
		depth = DefaultVerificationDepth
	}
	if verification != VerificationNone {
		cfg.VerifyPeerCertificate = depthCheck(depth)
	}

	return cfg, nil
}

func loadCertificate(ctx context.Context, stores Keystores, ref Certificate) (*tls.Certificate, error) {
	if ref.Keystore == "" {
		return keystore.LoadPair(ref.CertFile, ref.KeyFile)
	}
	ks, ok := stores[ref.Keystore]
	if !ok {
		return nil, fmt.Errorf("unknown keystore %q", ref.Keystore)
	}
	return ks.Load(ctx, ref.Alias)
}
