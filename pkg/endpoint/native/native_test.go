//go:build linux

package native

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittonet/pkg/endpoint"
	"github.com/marmos91/dittonet/pkg/endpoint/endpointtest"
	"github.com/marmos91/dittonet/pkg/poll"
)

func TestBackend(t *testing.T) {
	suite := &endpointtest.BackendSuite{
		NewBackend:   func() endpoint.Backend { return New() },
		ParkedHangup: true,
	}
	suite.Run(t)
}

func TestBackendSmallSets(t *testing.T) {
	// Three sets of two descriptors each.
	t.Run("Echo", func(t *testing.T) {
		h := endpointtest.NewHandler()
		ep := endpoint.New(endpoint.Config{
			Name:           "small",
			Address:        "127.0.0.1",
			Backend:        endpoint.BackendNative,
			MaxConnections: 6,
			PollerSize:     2,
			UnlockTimeout:  time.Second,
		}, h, New())
		require.NoError(t, ep.Start())
		t.Cleanup(func() { _ = ep.Destroy() })

		var conns []net.Conn
		for range 6 {
			c, err := net.Dial("tcp", ep.Addr().String())
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })
			conns = append(conns, c)
		}
		for i, c := range conns {
			msg := []byte{'m', byte('0' + i)}
			require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
			_, err := c.Write(msg)
			require.NoError(t, err)
			got := make([]byte, 2)
			_, err = io.ReadFull(c, got)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
		}
	})
}

func TestSetCount(t *testing.T) {
	tests := []struct {
		max, perSet, want int
	}{
		{max: 8192, perSet: 8192, want: 1},
		{max: 8193, perSet: 8192, want: 2},
		{max: 10, perSet: 3, want: 4},
		{max: -1, perSet: 8192, want: 1},
		{max: 100, perSet: 0, want: 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, setCount(tt.max, tt.perSet), "max=%d perSet=%d", tt.max, tt.perSet)
	}
}

func TestTimeoutIndex(t *testing.T) {
	var idx timeoutIndex
	base := time.Now()

	idx.Add(1, base.Add(3*time.Second))
	idx.Add(2, base.Add(1*time.Second))
	idx.Add(3, base.Add(2*time.Second))
	assert.Equal(t, 3, idx.Len())

	// Updating keeps the position.
	idx.Add(1, base.Add(time.Second/2))
	assert.Equal(t, 3, idx.Len())

	assert.Equal(t, []uint64{1, 2}, idx.Expired(base.Add(1500*time.Millisecond)))
	assert.Equal(t, 1, idx.Len())
	assert.Empty(t, idx.Expired(base.Add(1500*time.Millisecond)))

	assert.True(t, idx.Remove(3))
	assert.False(t, idx.Remove(3))
	assert.Zero(t, idx.Len())

	idx.Add(4, base)
	idx.Reset()
	assert.Zero(t, idx.Len())
}

// flakySet fails one Wait on request.
type flakySet struct {
	eventSet
	fail atomic.Bool
}

func (s *flakySet) Wait(events []poll.Event, timeout time.Duration) (int, error) {
	if s.fail.CompareAndSwap(true, false) {
		return 0, errors.New("injected wait failure")
	}
	return s.eventSet.Wait(events, timeout)
}

// injectSets makes newSet return flakySets, failing allocation once limit
// sets were created.
func injectSets(t *testing.T, limit int) *[]*flakySet {
	t.Helper()
	var mu sync.Mutex
	var created []*flakySet
	orig := newSet
	newSet = func(capacity int) (eventSet, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(created) >= limit {
			return nil, errors.New("injected allocation failure")
		}
		set, err := orig(capacity)
		if err != nil {
			return nil, err
		}
		s := &flakySet{eventSet: set}
		created = append(created, s)
		return s, nil
	}
	t.Cleanup(func() { newSet = orig })
	return &created
}

func startEcho(t *testing.T) (*endpoint.Endpoint, *endpointtest.Handler) {
	t.Helper()
	h := endpointtest.NewHandler()
	ep := endpoint.New(endpoint.Config{
		Name:            "realloc",
		Address:         "127.0.0.1",
		Backend:         endpoint.BackendNative,
		MaxConnections:  16,
		PollerSize:      16,
		SelectorTimeout: 20 * time.Millisecond,
		UnlockTimeout:   time.Second,
	}, h, New())
	require.NoError(t, ep.Start())
	t.Cleanup(func() { _ = ep.Destroy() })
	return ep, h
}

func echo(t *testing.T, c net.Conn, msg string) {
	t.Helper()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := c.Write([]byte(msg))
	require.NoError(t, err)
	got := make([]byte, len(msg))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, msg, string(got))
}

func TestPollSetReallocation(t *testing.T) {
	sets := injectSets(t, 100)
	ep, h := startEcho(t)

	// The sendfile set is created first.
	require.Len(t, *sets, 2)
	pollSet := (*sets)[1]

	c, err := net.Dial("tcp", ep.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	echo(t, c, "before")
	// Let the connection re-arm its read interest.
	time.Sleep(100 * time.Millisecond)

	pollSet.fail.Store(true)

	// The connection served by the failed set gets ERROR and is closed.
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadAll(c)
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "connection not closed")
	require.Eventually(t, func() bool { return ep.ConnectionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.Events(), endpoint.EventError)

	// The replacement set serves new connections.
	assert.Len(t, *sets, 3)
	c2, err := net.Dial("tcp", ep.Addr().String())
	require.NoError(t, err)
	defer c2.Close()
	echo(t, c2, "after")
	assert.NoError(t, ep.Err())
}

func TestPollSetReallocationFailureIsFatal(t *testing.T) {
	sets := injectSets(t, 2)
	ep, _ := startEcho(t)
	require.Len(t, *sets, 2)

	(*sets)[1].fail.Store(true)

	select {
	case <-ep.Fatal():
	case <-time.After(5 * time.Second):
		t.Fatal("fatal error not reported")
	}
	assert.True(t, endpoint.IsFatal(ep.Err()))
	assert.ErrorContains(t, ep.Err(), "injected allocation failure")
}
