package async

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittonet/pkg/endpoint"
)

func TestGate(t *testing.T) {
	t.Run("TryAcquire", func(t *testing.T) {
		g := newGate()
		assert.False(t, g.held())
		assert.True(t, g.tryAcquire())
		assert.True(t, g.held())
		assert.False(t, g.tryAcquire())
		g.release()
		assert.False(t, g.held())
		assert.True(t, g.tryAcquire())
	})

	t.Run("AcquireTimesOut", func(t *testing.T) {
		g := newGate()
		require.True(t, g.tryAcquire())
		errTimeout := errors.New("timeout")

		start := time.Now()
		err := g.acquire(make(chan struct{}), 50*time.Millisecond, errTimeout)
		assert.ErrorIs(t, err, errTimeout)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("AcquireFailsWhenClosing", func(t *testing.T) {
		g := newGate()
		require.True(t, g.tryAcquire())
		closing := make(chan struct{})
		close(closing)
		assert.ErrorIs(t, g.acquire(closing, 0, nil), endpoint.ErrClosed)
	})

	t.Run("AcquireWaitsForRelease", func(t *testing.T) {
		g := newGate()
		require.True(t, g.tryAcquire())
		go func() {
			time.Sleep(20 * time.Millisecond)
			g.release()
		}()
		assert.NoError(t, g.acquire(make(chan struct{}), time.Second, nil))
		assert.True(t, g.held())
	})
}
