package secure

import (
	"context"
	"crypto/tls"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittonet/internal/testutil"
	"github.com/marmos91/dittonet/pkg/clienthello"
	"github.com/marmos91/dittonet/pkg/completion"
	"github.com/marmos91/dittonet/pkg/tlsconf"
	"github.com/marmos91/dittonet/pkg/tlsconf/keystore"
)

type tlsFixture struct {
	ca       *testutil.CA
	registry *tlsconf.Registry
}

// newTLSFixture serves "example.com" and a default host with distinct
// certificates.
func newTLSFixture(t *testing.T) *tlsFixture {
	t.Helper()
	ca := testutil.NewCA(t)

	ks, err := keystore.NewBadger(context.Background(), keystore.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })

	for alias, host := range map[string]string{"default": "default.test", "example": "example.com"} {
		certPEM, keyPEM := ca.Issue(t, false, host)
		require.NoError(t, ks.Put(context.Background(), alias, certPEM, keyPEM))
	}

	reg, err := tlsconf.NewRegistry("", []tlsconf.HostConfig{
		{HostName: tlsconf.DefaultHostName, Certificates: []tlsconf.Certificate{{Keystore: "ks", Alias: "default"}}},
		{HostName: "example.com", Certificates: []tlsconf.Certificate{{Keystore: "ks", Alias: "example"}}},
	})
	require.NoError(t, err)
	require.NoError(t, reg.MaterializeAll(context.Background(), tlsconf.Keystores{"ks": ks}, []string{"h2", "http/1.1"}))

	return &tlsFixture{ca: ca, registry: reg}
}

func (f *tlsFixture) clientConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName: serverName,
		RootCAs:    f.ca.Pool(),
		NextProtos: []string{"h2", "http/1.1"},
		MinVersion: tls.VersionTLS12,
	}
}

// pump drives both handshakes until they complete.
func pump(t *testing.T, server, client *Channel) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !(server.HandshakeComplete() && client.HandshakeComplete()) {
		require.True(t, time.Now().Before(deadline), "handshake did not complete")

		_, err := client.Handshake()
		require.NoError(t, err)
		_, err = server.Handshake()
		require.NoError(t, err)
	}
}

func TestChannelHandshakeSelectsHostBySNI(t *testing.T) {
	f := newTLSFixture(t)
	serverEnd, clientEnd := nbPipe()

	server := NewChannel(serverEnd, RegistryFactory(f.registry), nil)
	client := NewChannelWithEngine(clientEnd, NewTLSClientEngine(f.clientConfig("example.com")), nil)
	pump(t, server, client)

	assert.Equal(t, "example.com", server.ClientHello().SNI)
	assert.Equal(t, []string{"h2", "http/1.1"}, server.ClientHello().ALPN)

	sess := client.Session()
	require.NotEmpty(t, sess.PeerCertificates)
	assert.Equal(t, []string{"example.com"}, sess.PeerCertificates[0].DNSNames)
	assert.Equal(t, "h2", sess.NegotiatedProtocol)
	assert.Equal(t, "h2", server.Session().NegotiatedProtocol)
	assert.Equal(t, "TLS 1.3", server.Session().VersionName())
}

func TestChannelHandshakeDefaultHost(t *testing.T) {
	f := newTLSFixture(t)
	serverEnd, clientEnd := nbPipe()

	server := NewChannel(serverEnd, RegistryFactory(f.registry), nil)
	client := NewChannelWithEngine(clientEnd, NewTLSClientEngine(f.clientConfig("default.test")), nil)
	pump(t, server, client)

	assert.Equal(t, []string{"default.test"}, client.Session().PeerCertificates[0].DNSNames)
}

func TestChannelFragmentedDelivery(t *testing.T) {
	f := newTLSFixture(t)
	serverEnd, clientEnd := nbPipe()
	serverEnd.maxRead = 7
	clientEnd.maxRead = 13

	server := NewChannel(serverEnd, RegistryFactory(f.registry), nil)
	client := NewChannelWithEngine(clientEnd, NewTLSClientEngine(f.clientConfig("example.com")), nil)
	pump(t, server, client)

	assert.Equal(t, "example.com", server.ClientHello().SNI)
}

func TestChannelGrowsForLargeClientHello(t *testing.T) {
	f := newTLSFixture(t)
	serverEnd, clientEnd := nbPipe()

	// Pad the ALPN list so the ClientHello exceeds the initial buffer.
	protos := make([]string, 0, 41)
	for i := 0; i < 40; i++ {
		protos = append(protos, strings.Repeat(string(rune('a'+i%26)), 250))
	}
	protos = append(protos, "h2")
	cfg := f.clientConfig("example.com")
	cfg.NextProtos = protos

	server := NewChannel(serverEnd, RegistryFactory(f.registry), nil)
	client := NewChannelWithEngine(clientEnd, NewTLSClientEngine(cfg), nil)
	pump(t, server, client)

	assert.Greater(t, server.netIn.Cap(), initialNetBufferSize)
	assert.Len(t, server.ClientHello().ALPN, 41)
	assert.Equal(t, "h2", server.Session().NegotiatedProtocol)
	assert.Equal(t, clienthello.Complete, server.ClientHello().Status)
}

func readAll(t *testing.T, c *Channel, n int) []byte {
	t.Helper()
	out := make([]byte, 0, n)
	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for len(out) < n {
		require.True(t, time.Now().Before(deadline))
		k, err := c.Read(buf)
		require.NoError(t, err)
		out = append(out, buf[:k]...)
	}
	return out
}

func TestChannelApplicationData(t *testing.T) {
	f := newTLSFixture(t)
	serverEnd, clientEnd := nbPipe()

	server := NewChannel(serverEnd, RegistryFactory(f.registry), nil)
	client := NewChannelWithEngine(clientEnd, NewTLSClientEngine(f.clientConfig("example.com")), nil)
	pump(t, server, client)

	n, err := client.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "ping", string(readAll(t, server, 4)))

	// Larger than one record
	big := make([]byte, 40000)
	for i := range big {
		big[i] = byte(i)
	}
	written := 0
	for written < len(big) {
		n, err := server.Write(big[written:])
		require.NoError(t, err)
		written += n
	}
	assert.Equal(t, big, readAll(t, client, len(big)))

	// Nothing buffered: would block
	n, err = server.Read(make([]byte, 16))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestChannelCloseNotify(t *testing.T) {
	f := newTLSFixture(t)
	serverEnd, clientEnd := nbPipe()

	server := NewChannel(serverEnd, RegistryFactory(f.registry), nil)
	client := NewChannelWithEngine(clientEnd, NewTLSClientEngine(f.clientConfig("example.com")), nil)
	pump(t, server, client)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "second close is a no-op")

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline))
		_, err := server.Read(make([]byte, 16))
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
	}
}

func TestChannelRejectsPlainHTTP(t *testing.T) {
	f := newTLSFixture(t)
	serverEnd, clientEnd := nbPipe()
	server := NewChannel(serverEnd, RegistryFactory(f.registry), nil)

	_, _ = clientEnd.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	_, err := server.Handshake()
	assert.ErrorIs(t, err, ErrPlainHTTP)
}

func TestChannelWaitsForClientHello(t *testing.T) {
	f := newTLSFixture(t)
	serverEnd, _ := nbPipe()
	server := NewChannel(serverEnd, RegistryFactory(f.registry), nil)

	interest, err := server.Handshake()
	require.NoError(t, err)
	assert.Equal(t, InterestRead, interest)

	_, err = server.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrHandshakeIncomplete)
}

func TestChannelPeerEOFDuringHandshake(t *testing.T) {
	f := newTLSFixture(t)
	serverEnd, clientEnd := nbPipe()
	server := NewChannel(serverEnd, RegistryFactory(f.registry), nil)
	client := NewChannelWithEngine(clientEnd, NewTLSClientEngine(f.clientConfig("example.com")), nil)

	_, err := client.Handshake()
	require.NoError(t, err)
	clientEnd.out.close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline))
		_, err = server.Handshake()
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestTLSEngineRenegotiationUnsupported(t *testing.T) {
	f := newTLSFixture(t)
	serverEnd, clientEnd := nbPipe()

	server := NewChannel(serverEnd, RegistryFactory(f.registry), nil)
	client := NewChannelWithEngine(clientEnd, NewTLSClientEngine(f.clientConfig("example.com")), nil)
	pump(t, server, client)

	assert.ErrorIs(t, server.Rehandshake(), ErrRenegotiationUnsupported)
}

func TestAsyncChannelHandshakeAndData(t *testing.T) {
	f := newTLSFixture(t)
	serverEnd, clientEnd := nbPipe()

	server := NewAsyncChannel(&asyncEnd{nb: serverEnd}, RegistryFactory(f.registry), nil)
	client := NewChannelWithEngine(clientEnd, NewTLSClientEngine(f.clientConfig("example.com")), nil)

	result := make(chan error, 1)
	server.Handshake(func(err error) { result <- err })

	deadline := time.Now().Add(5 * time.Second)
	var serverErr error
	serverDone := false
	for !(serverDone && client.HandshakeComplete()) {
		require.True(t, time.Now().Before(deadline), "handshake did not complete")
		_, err := client.Handshake()
		require.NoError(t, err)
		select {
		case serverErr = <-result:
			serverDone = true
		default:
			time.Sleep(time.Millisecond)
		}
	}
	require.NoError(t, serverErr)
	assert.Equal(t, "example.com", server.ClientHello().SNI)

	// Server to client
	written := make(chan int, 1)
	server.Write([]byte("hello async"), func(n int, err error, _ completion.Mode) {
		assert.NoError(t, err)
		written <- n
	})
	assert.Equal(t, 11, <-written)
	assert.Equal(t, "hello async", string(readAll(t, client, 11)))

	// Client to server, completing deferred
	got := make(chan string, 1)
	buf := make([]byte, 64)
	server.Read(buf, func(n int, err error, _ completion.Mode) {
		assert.NoError(t, err)
		got <- string(buf[:n])
	})
	_, err := client.Write([]byte("pong"))
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.Equal(t, "pong", s)
	case <-time.After(5 * time.Second):
		t.Fatal("read did not complete")
	}

	closed := make(chan error, 1)
	server.Close(func(err error) { closed <- err })
	assert.NoError(t, <-closed)
}
