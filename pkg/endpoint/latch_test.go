package endpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatch(t *testing.T) {
	var l Latch
	assert.False(t, l.Armed())
	assert.False(t, l.Release(), "nothing to release")

	ch := l.Arm()
	assert.True(t, l.Armed())
	assert.Equal(t, ch, l.Arm(), "re-arming returns the pending channel")

	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Release()
	}()
	assert.True(t, Await(ch, time.Second))
	assert.False(t, l.Armed())

	ch = l.Arm()
	assert.False(t, Await(ch, 10*time.Millisecond), "times out without a release")
	assert.True(t, l.Release())
	assert.True(t, Await(ch, 0))
}
