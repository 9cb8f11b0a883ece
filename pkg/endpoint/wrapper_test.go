package endpoint

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newIdleWrapper accepts one connection and returns its wrapper.
func newIdleWrapper(t *testing.T, mutate ...func(*Config)) (*Endpoint, *fakeWrapper) {
	t.Helper()
	b := newFakeBackend()
	e := newTestEndpoint(t, &recordingHandler{}, b, mutate...)
	require.NoError(t, e.Start())
	dial(t, e)
	return e, b.next(t)
}

func smallBuffers(c *Config) {
	c.Socket.AppWriteBufSize = 4
	c.Socket.AppReadBufSize = 4
	c.Socket.BufferPool = boolPtr(false)
}

func TestWrapperWriteOverflowKeepsOrder(t *testing.T) {
	_, w := newIdleWrapper(t, smallBuffers)
	w.setWriteLimit(0)

	n, err := w.Write(false, []byte("abcdefghij"))
	require.NoError(t, err)
	assert.Equal(t, 10, n, "non-blocking write accepts everything")
	assert.True(t, w.HasDataToWrite())
	assert.Empty(t, w.written())

	n, err = w.Write(false, []byte("kl"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	w.setWriteLimit(3)
	left, err := w.Flush(false)
	require.NoError(t, err)
	assert.True(t, left)
	assert.Equal(t, "abcdefg", w.written(), "flush stops at the first short write")

	w.setWriteLimit(-1)
	left, err = w.Flush(false)
	require.NoError(t, err)
	assert.False(t, left)
	assert.False(t, w.HasDataToWrite())
	assert.Equal(t, "abcdefghijkl", w.written())
}

func TestWrapperBlockingWriteFlushesFirst(t *testing.T) {
	_, w := newIdleWrapper(t, smallBuffers)
	w.setWriteLimit(0)

	_, err := w.Write(false, []byte("head"))
	require.NoError(t, err)

	n, err := w.Write(true, []byte("tail"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "headtail", w.written())
}

func TestWrapperReadServesBufferedBytesFirst(t *testing.T) {
	_, w := newIdleWrapper(t)
	w.mu.Lock()
	w.in.WriteString("world")
	w.mu.Unlock()

	w.Unread([]byte("hello "))

	p := make([]byte, 64)
	n, err := w.Read(false, p)
	require.NoError(t, err)
	assert.Equal(t, "hello ", string(p[:n]))

	n, err = w.Read(false, p)
	require.NoError(t, err)
	assert.Equal(t, "world", string(p[:n]))

	n, err = w.Read(false, p)
	assert.NoError(t, err, "nothing available is not an error")
	assert.Zero(t, n)

	_, err = w.Read(true, p)
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, w.Error(), "EOF is not sticky")
}

func TestWrapperIsReadyForRead(t *testing.T) {
	_, w := newIdleWrapper(t)

	ready, err := w.IsReadyForRead()
	require.NoError(t, err)
	assert.False(t, ready)
	assert.EqualValues(t, 1, w.readInterest.Load(), "interest registered when nothing is buffered")

	w.mu.Lock()
	w.in.WriteString("x")
	w.mu.Unlock()

	ready, err = w.IsReadyForRead()
	require.NoError(t, err)
	assert.True(t, ready)
	assert.EqualValues(t, 1, w.readInterest.Load())
}

func TestWrapperStickyError(t *testing.T) {
	_, w := newIdleWrapper(t)

	first := errors.New("reset by peer")
	w.SetError(first)
	w.SetError(errors.New("later"))
	assert.Same(t, first, w.Error())

	_, err := w.Read(false, make([]byte, 1))
	assert.Same(t, first, err)
	_, err = w.Write(false, []byte("x"))
	assert.Same(t, first, err)
}

func TestWrapperDefaultsFromConfig(t *testing.T) {
	_, w := newIdleWrapper(t, func(c *Config) {
		c.ConnectionTimeout = 3 * time.Second
		c.MaxKeepAliveRequests = 2
	})

	assert.Equal(t, 3*time.Second, w.ReadTimeout())
	assert.Equal(t, 3*time.Second, w.WriteTimeout())
	assert.NotEmpty(t, w.ID())
	assert.NotNil(t, w.RemoteAddr())

	assert.Equal(t, 2, w.KeepAliveLeft())
	assert.Equal(t, 1, w.DecrementKeepAlive())
	assert.Equal(t, 0, w.DecrementKeepAlive())

	now := time.Now()
	assert.False(t, w.ReadExpired(now))
	assert.True(t, w.ReadExpired(now.Add(4*time.Second)))

	w.SetReadTimeout(-1)
	assert.False(t, w.ReadExpired(now.Add(time.Hour)), "negative timeout never expires")
}
