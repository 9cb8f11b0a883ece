package native

import "time"

type timeoutEntry struct {
	token    uint64
	deadline time.Time
}

// timeoutIndex tracks registration deadlines in insertion order. It holds
// at most one entry per slot of a set; lookups are linear.
type timeoutIndex struct {
	entries []timeoutEntry
}

// Add sets the deadline of token, keeping its position if already present.
func (t *timeoutIndex) Add(token uint64, deadline time.Time) {
	for i := range t.entries {
		if t.entries[i].token == token {
			t.entries[i].deadline = deadline
			return
		}
	}
	t.entries = append(t.entries, timeoutEntry{token: token, deadline: deadline})
}

// Remove drops token and reports whether it was present.
func (t *timeoutIndex) Remove(token uint64) bool {
	for i := range t.entries {
		if t.entries[i].token == token {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Expired removes and returns, oldest first, the tokens whose deadline is
// before now.
func (t *timeoutIndex) Expired(now time.Time) []uint64 {
	var expired []uint64
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.deadline.Before(now) {
			expired = append(expired, e.token)
			continue
		}
		kept = append(kept, e)
	}
	clear(t.entries[len(kept):])
	t.entries = kept
	return expired
}

func (t *timeoutIndex) Len() int { return len(t.entries) }

// Reset drops every entry.
func (t *timeoutIndex) Reset() { t.entries = nil }
