package completion

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModeString(t *testing.T) {
	assert.Equal(t, "inline", Inline.String())
	assert.Equal(t, "deferred", Deferred.String())
}

func TestLoopKeepsStackFlat(t *testing.T) {
	const steps = 10000
	depth := func() int {
		pcs := make([]uintptr, 64)
		return runtime.Callers(0, pcs)
	}

	var count, maxDepth int
	Loop(func() bool {
		count++
		if d := depth(); d > maxDepth {
			maxDepth = d
		}
		return count < steps
	})

	assert.Equal(t, steps, count)
	assert.Less(t, maxDepth, 64)
}
