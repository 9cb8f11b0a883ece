package endpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBlocksAtMax(t *testing.T) {
	l := NewLimiter(2)
	ctx := context.Background()

	require.NoError(t, l.CountUpOrAwait(ctx))
	require.NoError(t, l.CountUpOrAwait(ctx))
	assert.EqualValues(t, 2, l.Count())

	admitted := make(chan error, 1)
	go func() { admitted <- l.CountUpOrAwait(ctx) }()

	require.Eventually(t, func() bool { return l.Waiters() == 1 }, time.Second, time.Millisecond)
	select {
	case <-admitted:
		t.Fatal("admitted above the limit")
	case <-time.After(50 * time.Millisecond):
	}

	assert.EqualValues(t, 1, l.CountDown())
	select {
	case err := <-admitted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after CountDown")
	}
	assert.EqualValues(t, 2, l.Count())
	assert.Zero(t, l.Waiters())
}

func TestLimiterNeverExceedsMax(t *testing.T) {
	const max = 3
	l := NewLimiter(max)

	var peak atomic.Int64
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				if !assert.NoError(t, l.CountUpOrAwait(context.Background())) {
					return
				}
				if c := l.Count(); c > peak.Load() {
					peak.Store(c)
				}
				l.CountDown()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(max))
	assert.Zero(t, l.Count())
}

func TestLimiterCountDownClampsAtZero(t *testing.T) {
	l := NewLimiter(1)

	assert.Zero(t, l.CountDown())
	assert.Zero(t, l.CountDown())
	assert.Zero(t, l.Count())

	// The clamp must not have created extra capacity.
	require.NoError(t, l.CountUpOrAwait(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.CountUpOrAwait(ctx), context.DeadlineExceeded)
}

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(-1)
	for range 100 {
		require.NoError(t, l.CountUpOrAwait(context.Background()))
	}
	assert.EqualValues(t, 100, l.Count())
}

func TestLimiterReleaseAll(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.CountUpOrAwait(context.Background()))

	errs := make(chan error, 2)
	for range 2 {
		go func() { errs <- l.CountUpOrAwait(context.Background()) }()
	}
	require.Eventually(t, func() bool { return l.Waiters() == 2 }, time.Second, time.Millisecond)

	l.ReleaseAll()
	for range 2 {
		assert.ErrorIs(t, <-errs, ErrEndpointNotRunning)
	}
	assert.ErrorIs(t, l.CountUpOrAwait(context.Background()), ErrEndpointNotRunning)

	l.Reset()
	assert.Zero(t, l.Count())
	assert.NoError(t, l.CountUpOrAwait(context.Background()))
}

func TestLimiterSetMaxAdmitsWaiters(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.CountUpOrAwait(context.Background()))

	admitted := make(chan error, 1)
	go func() { admitted <- l.CountUpOrAwait(context.Background()) }()
	require.Eventually(t, func() bool { return l.Waiters() == 1 }, time.Second, time.Millisecond)

	l.SetMax(2)
	assert.EqualValues(t, 2, l.Max())
	select {
	case err := <-admitted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("raising the limit did not admit the waiter")
	}
}
