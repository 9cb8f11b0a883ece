package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		perSecond uint
		burst     uint
		unlimited bool
	}{
		{name: "standard rate", perSecond: 100, burst: 200},
		{name: "burst defaults to rate", perSecond: 10, burst: 0},
		{name: "unlimited", perSecond: 0, burst: 0, unlimited: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.perSecond, tt.burst)
			require.NotNil(t, limiter)
			assert.Equal(t, tt.unlimited, limiter.Unlimited())
		})
	}
}

func TestAllowExhaustsBurst(t *testing.T) {
	limiter := New(10, 10)

	for i := 0; i < 10; i++ {
		require.True(t, limiter.Allow(), "connection %d should be admitted within burst", i)
	}
	assert.False(t, limiter.Allow(), "connection beyond burst should be throttled")

	time.Sleep(120 * time.Millisecond)
	assert.True(t, limiter.Allow(), "token should be replenished")
}

func TestUnlimitedNeverWaits(t *testing.T) {
	limiter := New(0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	for i := 0; i < 1000; i++ {
		require.NoError(t, limiter.Wait(ctx))
	}
	assert.Zero(t, limiter.Reserve())
}

func TestWaitRespectsContext(t *testing.T) {
	limiter := New(1, 1)
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.Error(t, limiter.Wait(ctx))
}

func TestSetLimit(t *testing.T) {
	limiter := New(1, 1)
	limiter.SetLimit(0)
	assert.True(t, limiter.Unlimited())

	limiter.SetLimit(50)
	assert.False(t, limiter.Unlimited())
}
