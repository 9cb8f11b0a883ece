package tlsconf

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittonet/internal/testutil"
	"github.com/marmos91/dittonet/pkg/tlsconf/keystore"
)

func TestParseProtocols(t *testing.T) {
	tests := []struct {
		spec     string
		min, max uint16
		wantErr  bool
	}{
		{"TLSv1.2+TLSv1.3", tls.VersionTLS12, tls.VersionTLS13, false},
		{"all", tls.VersionTLS10, tls.VersionTLS13, false},
		{"all -TLSv1 -TLSv1.1", tls.VersionTLS12, tls.VersionTLS13, false},
		{"TLSv1.2", tls.VersionTLS12, tls.VersionTLS12, false},
		{"TLSv1,TLSv1.3", 0, 0, true},
		{"all -all", 0, 0, true},
		{"SSLv3", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			minV, maxV, err := ParseProtocols(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.min, minV)
			assert.Equal(t, tt.max, maxV)
		})
	}
}

func TestParseCertificateVerification(t *testing.T) {
	tests := map[string]CertificateVerification{
		"none":           VerificationNone,
		"false":          VerificationNone,
		"optional":       VerificationOptional,
		"want":           VerificationOptional,
		"optionalNoCA":   VerificationOptionalNoCA,
		"optional_no_ca": VerificationOptionalNoCA,
		"require":        VerificationRequired,
		"TRUE":           VerificationRequired,
	}
	for in, want := range tests {
		got, err := ParseCertificateVerification(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseCertificateVerification("sometimes")
	assert.Error(t, err)

	assert.Equal(t, tls.RequireAndVerifyClientCert, VerificationRequired.ClientAuth())
	assert.Equal(t, tls.RequestClientCert, VerificationOptionalNoCA.ClientAuth())
}

func TestDepthCheck(t *testing.T) {
	check := depthCheck(1)
	leaf, mid, root := &x509.Certificate{}, &x509.Certificate{}, &x509.Certificate{}

	assert.NoError(t, check([][]byte{{1}}, [][]*x509.Certificate{{leaf, root}}))
	assert.ErrorIs(t, check([][]byte{{1}}, [][]*x509.Certificate{{leaf, mid, root}}), ErrChainTooDeep)
	assert.ErrorIs(t, check([][]byte{{1}, {2}, {3}}, nil), ErrChainTooDeep)
	assert.NoError(t, check(nil, nil))
}

func writePair(t *testing.T, ca *testutil.CA, dir, alias string, hosts ...string) {
	t.Helper()
	certPEM, keyPEM := ca.Issue(t, false, hosts...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, alias+".crt"), certPEM, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, alias+".key"), keyPEM, 0o600))
}

func TestMaterialize(t *testing.T) {
	ca := testutil.NewCA(t)
	dir := t.TempDir()
	writePair(t, ca, dir, "web", "example.com")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.pem"), ca.CertPEM, 0o600))

	store, err := keystore.NewFile(keystore.FileConfig{Dir: dir})
	require.NoError(t, err)

	h := HostConfig{
		HostName:                "example.com",
		Certificates:            []Certificate{{Keystore: "main", Alias: "web"}},
		CertificateVerification: "required",
		TruststoreFile:          filepath.Join(dir, "ca.pem"),
	}
	h.ApplyDefaults()
	require.NoError(t, h.Validate())

	cfg, err := h.Materialize(context.Background(), Keystores{"main": store}, []string{"h2", "http/1.1"})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)
	assert.NotNil(t, cfg.VerifyPeerCertificate)
	assert.Equal(t, []string{"h2", "http/1.1"}, cfg.NextProtos)
	assert.NotEmpty(t, cfg.CipherSuites)

	// Direct PEM paths work without a keystore
	h2 := HostConfig{Certificates: []Certificate{{
		CertFile: filepath.Join(dir, "web.crt"),
		KeyFile:  filepath.Join(dir, "web.key"),
	}}}
	h2.ApplyDefaults()
	_, err = h2.Materialize(context.Background(), nil, nil)
	require.NoError(t, err)

	// Unknown keystore
	h3 := HostConfig{Certificates: []Certificate{{Keystore: "other", Alias: "web"}}}
	h3.ApplyDefaults()
	_, err = h3.Materialize(context.Background(), Keystores{"main": store}, nil)
	assert.ErrorContains(t, err, "unknown keystore")
}

func TestValidateRejectsIncompleteCertificate(t *testing.T) {
	h := HostConfig{Certificates: []Certificate{{Keystore: "main"}}}
	h.ApplyDefaults()
	assert.ErrorContains(t, h.Validate(), "alias is required")

	h = HostConfig{}
	h.ApplyDefaults()
	assert.Error(t, h.Validate())
}
