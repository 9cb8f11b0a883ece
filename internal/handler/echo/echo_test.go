//go:build linux

package echo

import (
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittonet/pkg/endpoint"
	"github.com/marmos91/dittonet/pkg/endpoint/nio"
)

func startEndpoint(t *testing.T, h *Handler) *endpoint.Endpoint {
	t.Helper()
	ep := endpoint.New(endpoint.Config{
		Name:            "echo",
		Address:         "127.0.0.1",
		MinSpareThreads: 2,
		MaxThreads:      8,
		UnlockTimeout:   time.Second,
	}, h, nio.New())
	require.NoError(t, ep.Start())
	t.Cleanup(func() { _ = ep.Destroy() })
	return ep
}

func dial(t *testing.T, ep *endpoint.Endpoint) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", ep.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(20*time.Second)))
	return c
}

func TestEcho(t *testing.T) {
	h := New()
	ep := startEndpoint(t, h)
	c := dial(t, ep)

	_, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	got := make([]byte, 5)
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)

	assert.Equal(t, "hello", string(got))
	assert.EqualValues(t, 5, h.BytesEchoed())
	assert.Len(t, h.GetOpenSockets(), 1)
}

func TestEchoLargePayload(t *testing.T) {
	h := New()
	ep := startEndpoint(t, h)
	c := dial(t, ep)

	msg := make([]byte, 2<<20)
	_, err := rand.Read(msg)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Write(msg)
		errc <- err
	}()
	got := make([]byte, len(msg))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, msg, got)
}

func TestEchoReleaseOnClose(t *testing.T) {
	h := New()
	ep := startEndpoint(t, h)
	c := dial(t, ep)

	_, err := c.Write([]byte("x"))
	require.NoError(t, err)
	_, err = io.ReadFull(c, make([]byte, 1))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		return ep.ConnectionCount() == 0 && len(h.GetOpenSockets()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPauseAndRecycle(t *testing.T) {
	h := New()
	ep := startEndpoint(t, h)

	ep.Pause()
	assert.True(t, h.Paused())

	require.NoError(t, ep.Stop())
	assert.False(t, h.Paused())
	assert.Empty(t, h.GetOpenSockets())
}
