package tlsconf

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittonet/internal/testutil"
	"github.com/marmos91/dittonet/pkg/tlsconf/keystore"
)

func hostsFixture() []HostConfig {
	cert := []Certificate{{Keystore: "main", Alias: "web"}}
	return []HostConfig{
		{HostName: DefaultHostName, Certificates: cert},
		{HostName: "Example.com", Certificates: cert},
		{HostName: "*.example.com", Certificates: cert},
	}
}

func TestRegistryLookup(t *testing.T) {
	r, err := NewRegistry("", hostsFixture())
	require.NoError(t, err)

	tests := []struct {
		sni  string
		want string
	}{
		{"example.com", "Example.com"},
		{"EXAMPLE.COM", "Example.com"},
		{"www.example.com", "*.example.com"},
		{"a.b.example.com", DefaultHostName},
		{"other.org", DefaultHostName},
		{"", DefaultHostName},
	}
	for _, tt := range tests {
		t.Run(tt.sni, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Lookup(tt.sni).HostName)
		})
	}
}

func TestRegistryRequiresDefault(t *testing.T) {
	_, err := NewRegistry("", hostsFixture()[1:])
	assert.ErrorIs(t, err, ErrNoDefaultHost)

	_, err = NewRegistry("", append(hostsFixture(), HostConfig{HostName: "example.com"}))
	assert.ErrorContains(t, err, "duplicate host")
}

func TestRegistryMaterializeAll(t *testing.T) {
	ca := testutil.NewCA(t)
	ks, err := keystore.NewBadger(context.Background(), keystore.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer func() { _ = ks.Close() }()

	certPEM, keyPEM := ca.Issue(t, false, "example.com")
	require.NoError(t, ks.Put(context.Background(), "web", certPEM, keyPEM))

	r, err := NewRegistry("", hostsFixture())
	require.NoError(t, err)
	assert.Nil(t, r.Context("example.com"))

	require.NoError(t, r.MaterializeAll(context.Background(), Keystores{"main": ks}, nil))
	assert.NotNil(t, r.Context("example.com"))
	assert.Same(t, r.Context("unknown.org"), r.Context(""))

	require.NoError(t, r.Reload(context.Background(), "example.com", Keystores{"main": ks}, nil))
	assert.Error(t, r.Reload(context.Background(), "nope.org", Keystores{"main": ks}, nil))
}

func TestRegistryMaterializeDefaultFailure(t *testing.T) {
	r, err := NewRegistry("", hostsFixture())
	require.NoError(t, err)

	err = r.MaterializeAll(context.Background(), Keystores{}, nil)
	assert.ErrorIs(t, err, ErrNoDefaultHost)
}
