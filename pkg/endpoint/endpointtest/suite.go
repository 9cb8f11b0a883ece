// Package endpointtest is a conformance suite for endpoint backends.
//
// Usage:
//
//	func TestBackend(t *testing.T) {
//	    suite := &endpointtest.BackendSuite{
//	        NewBackend: func() endpoint.Backend { return nio.New() },
//	    }
//	    suite.Run(t)
//	}
package endpointtest

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittonet/internal/testutil"
	"github.com/marmos91/dittonet/pkg/endpoint"
	"github.com/marmos91/dittonet/pkg/tlsconf"
	"github.com/marmos91/dittonet/pkg/tlsconf/keystore"
)

// BackendSuite tests a Backend through a real endpoint on loopback.
type BackendSuite struct {
	// NewBackend creates a fresh backend for each test.
	NewBackend func() endpoint.Backend

	// SendfileOverTLS is set for backends that can send files on TLS
	// connections.
	SendfileOverTLS bool

	// ParkedHangup is set for backends that deliver DISCONNECT when the
	// peer of a parked connection goes away.
	ParkedHangup bool
}

// Run executes all tests in the suite.
func (s *BackendSuite) Run(t *testing.T) {
	t.Run("Echo", s.testEcho)
	t.Run("ConcurrentClients", s.testConcurrentClients)
	t.Run("LargeWrite", s.testLargeWrite)
	t.Run("PeerClose", s.testPeerClose)
	t.Run("IdleTimeout", s.testIdleTimeout)
	t.Run("LongPollTimeout", s.testLongPollTimeout)
	t.Run("ParkedPeerClose", s.testParkedPeerClose)
	t.Run("Sendfile", s.testSendfile)
	t.Run("TLSEcho", s.testTLSEcho)
	t.Run("TLSVirtualHosts", s.testTLSVirtualHosts)
	t.Run("TLSSendfile", s.testTLSSendfile)
	t.Run("StopClosesConnections", s.testStopClosesConnections)
}

// fixture is a running endpoint with its handler.
type fixture struct {
	ep      *endpoint.Endpoint
	handler *Handler
	ca      *testutil.CA
}

type option func(*endpoint.Config)

func withTimeout(d time.Duration) option {
	return func(c *endpoint.Config) { c.ConnectionTimeout = d }
}

func withTLS(c *endpoint.Config) {
	c.TLS = &endpoint.TLSConfig{
		Hosts: []tlsconf.HostConfig{
			{HostName: tlsconf.DefaultHostName, Certificates: []tlsconf.Certificate{{Keystore: "ks", Alias: "default"}}},
			{HostName: "example.com", Certificates: []tlsconf.Certificate{{Keystore: "ks", Alias: "example"}}},
		},
		ALPN: []string{"h2", "http/1.1"},
	}
}

func (s *BackendSuite) start(t *testing.T, opts ...option) *fixture {
	t.Helper()

	cfg := endpoint.Config{
		Name:            t.Name(),
		Address:         "127.0.0.1",
		MinSpareThreads: 2,
		MaxThreads:      16,
		UnlockTimeout:   time.Second,
		SendfileSize:    16 << 10,
	}
	for _, o := range opts {
		o(&cfg)
	}

	f := &fixture{handler: NewHandler()}
	var epOpts []endpoint.Option
	if cfg.TLS != nil {
		f.ca = testutil.NewCA(t)
		ks, err := keystore.NewBadger(context.Background(), keystore.BadgerConfig{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = ks.Close() })
		for alias, host := range map[string]string{"default": "default.test", "example": "example.com"} {
			certPEM, keyPEM := f.ca.Issue(t, false, host)
			require.NoError(t, ks.Put(context.Background(), alias, certPEM, keyPEM))
		}
		epOpts = append(epOpts, endpoint.WithKeystores(tlsconf.Keystores{"ks": ks}))
	}

	f.ep = endpoint.New(cfg, f.handler, s.NewBackend(), epOpts...)
	require.NoError(t, f.ep.Start())
	t.Cleanup(func() { _ = f.ep.Destroy() })
	return f
}

func (f *fixture) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", f.ep.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (f *fixture) dialTLS(t *testing.T, serverName string) *tls.Conn {
	t.Helper()
	raw := f.dial(t)
	c := tls.Client(raw, &tls.Config{
		ServerName: serverName,
		RootCAs:    f.ca.Pool(),
		NextProtos: []string{"http/1.1"},
		MinVersion: tls.VersionTLS12,
	})
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, c.Handshake())
	return c
}

// roundTrip writes msg and reads len(msg) bytes back.
func roundTrip(t *testing.T, c net.Conn, msg []byte) []byte {
	t.Helper()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := c.Write(msg)
	require.NoError(t, err)
	got := make([]byte, len(msg))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	return got
}

// expectClosed waits for the server to close c.
func expectClosed(t *testing.T, c net.Conn, within time.Duration) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(within)))
	data, err := io.ReadAll(c)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		require.FailNow(t, "connection not closed", "read error: %v", err)
	}
	return data
}

func (f *fixture) awaitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.ep.ConnectionCount() == 0 }, 5*time.Second, 10*time.Millisecond,
		"connections still open: %d", f.ep.ConnectionCount())
}

func (s *BackendSuite) testEcho(t *testing.T) {
	f := s.start(t)
	c := f.dial(t)

	for _, msg := range []string{"hello", "world", "a longer message with spaces"} {
		assert.Equal(t, msg, string(roundTrip(t, c, []byte(msg))))
	}
	assert.EqualValues(t, 1, f.ep.ConnectionCount())
}

func (s *BackendSuite) testConcurrentClients(t *testing.T) {
	f := s.start(t)

	const clients = 16
	conns := make([]net.Conn, clients)
	for i := range conns {
		conns[i] = f.dial(t)
	}

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := []byte{'c', byte('a' + i)}
			for range 20 {
				_ = c.SetDeadline(time.Now().Add(5 * time.Second))
				if _, err := c.Write(msg); !assert.NoError(t, err) {
					return
				}
				got := make([]byte, len(msg))
				if _, err := io.ReadFull(c, got); !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, msg, got)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, clients, f.ep.ConnectionCount())
}

func (s *BackendSuite) testLargeWrite(t *testing.T) {
	f := s.start(t)
	c := f.dial(t)

	// Larger than the socket buffers so the echo has to wait for writes.
	msg := make([]byte, 4<<20)
	_, err := rand.Read(msg)
	require.NoError(t, err)

	require.NoError(t, c.SetDeadline(time.Now().Add(20*time.Second)))
	errc := make(chan error, 1)
	go func() {
		_, err := c.Write(msg)
		errc <- err
	}()
	got := make([]byte, len(msg))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.True(t, bytes.Equal(msg, got), "echoed bytes differ")
}

func (s *BackendSuite) testPeerClose(t *testing.T) {
	f := s.start(t)
	c := f.dial(t)
	roundTrip(t, c, []byte("x"))

	require.NoError(t, c.Close())
	f.awaitIdle(t)
	assert.EqualValues(t, 1, f.handler.Released())
}

func (s *BackendSuite) testIdleTimeout(t *testing.T) {
	f := s.start(t, withTimeout(200*time.Millisecond))
	c := f.dial(t)
	roundTrip(t, c, []byte("x"))

	expectClosed(t, c, 5*time.Second)
	f.awaitIdle(t)
}

func (s *BackendSuite) testLongPollTimeout(t *testing.T) {
	f := s.start(t, withTimeout(200*time.Millisecond))
	c := f.dial(t)

	_, err := c.Write([]byte(CmdPark))
	require.NoError(t, err)

	data := expectClosed(t, c, 5*time.Second)
	assert.Equal(t, TimeoutReply, string(data))
	assert.Contains(t, f.handler.Events(), endpoint.EventTimeout)
	f.awaitIdle(t)
}

func (s *BackendSuite) testParkedPeerClose(t *testing.T) {
	if !s.ParkedHangup {
		t.Skip("backend does not watch parked connections")
	}
	f := s.start(t, withTimeout(30*time.Second))
	c := f.dial(t)

	_, err := c.Write([]byte(CmdPark))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.handler.Events()) > 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		return slices.Contains(f.handler.Events(), endpoint.EventDisconnect)
	}, 3*time.Second, 10*time.Millisecond, "events: %v", f.handler.Events())
	assert.NotContains(t, f.handler.Events(), endpoint.EventTimeout)
	f.awaitIdle(t)
	assert.EqualValues(t, 1, f.handler.Released())
}

// writeFile creates a file of size random bytes.
func writeFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func (s *BackendSuite) checkSendfile(t *testing.T, f *fixture, c net.Conn) {
	t.Helper()
	path, data := writeFile(t, 300<<10)
	f.handler.SetFile(path)

	require.NoError(t, c.SetDeadline(time.Now().Add(10*time.Second)))
	_, err := c.Write([]byte(CmdFile))
	require.NoError(t, err)

	got := make([]byte, len(data))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "file content differs")

	// The connection stays open for the next request.
	assert.Equal(t, "ping", string(roundTrip(t, c, []byte("ping"))))
}

func (s *BackendSuite) testSendfile(t *testing.T) {
	f := s.start(t)
	s.checkSendfile(t, f, f.dial(t))
}

func (s *BackendSuite) testTLSEcho(t *testing.T) {
	f := s.start(t, withTLS)
	c := f.dialTLS(t, "example.com")

	assert.Equal(t, "hello", string(roundTrip(t, c, []byte("hello"))))
	assert.Equal(t, "again", string(roundTrip(t, c, []byte("again"))))
	assert.Equal(t, "http/1.1", c.ConnectionState().NegotiatedProtocol)

	require.NoError(t, c.Close())
	f.awaitIdle(t)
}

func (s *BackendSuite) testTLSVirtualHosts(t *testing.T) {
	f := s.start(t, withTLS)

	tests := []struct {
		serverName string
		wantDNS    string
	}{
		{serverName: "example.com", wantDNS: "example.com"},
		{serverName: "default.test", wantDNS: "default.test"},
	}
	for _, tt := range tests {
		t.Run(tt.serverName, func(t *testing.T) {
			c := f.dialTLS(t, tt.serverName)
			certs := c.ConnectionState().PeerCertificates
			require.NotEmpty(t, certs)
			assert.Equal(t, []string{tt.wantDNS}, certs[0].DNSNames)
			assert.Equal(t, "ok", string(roundTrip(t, c, []byte("ok"))))
		})
	}
}

func (s *BackendSuite) testTLSSendfile(t *testing.T) {
	if !s.SendfileOverTLS {
		t.Skip("backend sends files on plain connections only")
	}
	f := s.start(t, withTLS)
	s.checkSendfile(t, f, f.dialTLS(t, "example.com"))
}

func (s *BackendSuite) testStopClosesConnections(t *testing.T) {
	f := s.start(t)
	conns := []net.Conn{f.dial(t), f.dial(t)}
	for _, c := range conns {
		roundTrip(t, c, []byte("x"))
	}

	require.NoError(t, f.ep.Stop())
	for _, c := range conns {
		expectClosed(t, c, 5*time.Second)
	}
	assert.Zero(t, f.ep.ConnectionCount())
	assert.EqualValues(t, 2, f.handler.Released())
}
