// Package completion defines how asynchronous I/O reports back to its
// submitter.
//
// A completion handler may run before the submitting call returns (Inline)
// or later on another goroutine (Deferred). A handler that submits the next
// operation directly on an Inline completion would nest one stack frame per
// operation, so chained operations check the Mode: on Inline they record the
// result and let the submitter's loop issue the next operation; on Deferred
// they start a fresh loop.
package completion

// Mode tells a completion handler where it is running.
type Mode int

const (
	// Inline completions run inside the submitting call.
	Inline Mode = iota

	// Deferred completions run after the submitting call returned.
	Deferred
)

func (m Mode) String() string {
	if m == Inline {
		return "inline"
	}
	return "deferred"
}

// Handler receives the outcome of one read or write.
type Handler func(n int, err error, mode Mode)

// Loop runs step repeatedly. step submits one operation and returns
// inline=true when that operation completed inline and the loop should
// continue, false when a deferred completion will resume the work (or the
// chain is finished).
//
// Loop bounds the stack of an arbitrarily long chain of inline completions
// to one frame.
func Loop(step func() (inline bool)) {
	for step() {
	}
}
