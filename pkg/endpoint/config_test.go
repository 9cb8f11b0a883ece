package endpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Name: "web"}
	cfg.ApplyDefaults()

	assert.Equal(t, BackendNIO, cfg.Backend)
	assert.Equal(t, 100, cfg.Backlog)
	assert.True(t, *cfg.BindOnInit)
	assert.Equal(t, 1, cfg.AcceptorThreadCount)
	assert.Equal(t, 8192, cfg.MaxConnections)
	assert.Equal(t, 10, cfg.MinSpareThreads)
	assert.Equal(t, 200, cfg.MaxThreads)
	assert.Equal(t, 20*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, cfg.ConnectionTimeout, cfg.KeepAliveTimeout)
	assert.Equal(t, 100, cfg.MaxKeepAliveRequests)
	assert.Equal(t, 250*time.Millisecond, cfg.UnlockTimeout)
	assert.Equal(t, time.Second, cfg.SelectorTimeout)
	assert.True(t, cfg.SendfileEnabled())
	assert.Equal(t, 64<<10, cfg.SendfileSize)
	assert.Equal(t, 8192, cfg.PollerSize)
	assert.True(t, *cfg.Socket.TCPNoDelay)
	assert.Equal(t, 8192, cfg.Socket.AppReadBufSize)
	assert.True(t, cfg.ConnectionLimitEnabled())
	require.NoError(t, cfg.Validate())
}

func TestConfigDefaultsKeepExplicitValues(t *testing.T) {
	cfg := Config{
		Name:            "web",
		Backend:         BackendAsync,
		MaxConnections:  -1,
		MinSpareThreads: 50,
		MaxThreads:      20,
		UseSendfile:     boolPtr(false),
	}
	cfg.ApplyDefaults()

	assert.Equal(t, BackendAsync, cfg.Backend)
	assert.False(t, cfg.ConnectionLimitEnabled())
	assert.Equal(t, 20, cfg.MinSpareThreads, "min spare is capped by max")
	assert.False(t, cfg.SendfileEnabled())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Backend = "iocp" }, wantErr: "unknown backend"},
		{name: "port out of range", mutate: func(c *Config) { c.Port = 70000 }, wantErr: "invalid port"},
		{name: "max connections", mutate: func(c *Config) { c.MaxConnections = -2 }, wantErr: "max_connections"},
		{name: "keep alive requests", mutate: func(c *Config) { c.MaxKeepAliveRequests = -5 }, wantErr: "max_keep_alive_requests"},
		{name: "negative timeout", mutate: func(c *Config) { c.ConnectionTimeout = -time.Second }, wantErr: "connection_timeout"},
		{name: "infinite timeout", mutate: func(c *Config) { c.ConnectionTimeout = -1 }},
		{name: "burst without rate", mutate: func(c *Config) { c.AcceptRateBurst = 5 }, wantErr: "accept_rate_burst"},
		{name: "tls without hosts", mutate: func(c *Config) { c.TLS = &TLSConfig{} }, wantErr: "at least one host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Name: "web"}
			cfg.ApplyDefaults()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
