// Package buffer provides the per-connection byte buffers used by every
// endpoint backend.
//
// A Buffer is a fixed-capacity byte region with independent read and write
// offsets. Bytes are appended at the write offset (Free/Commit or Write) and
// consumed from the read offset (Bytes/Advance or Read). Compact moves unread
// bytes to the start of the region; it is the only operation that copies.
package buffer

import (
	"errors"
	"io"
)

// ErrFull is returned by Write when no room is left and nothing was copied.
var ErrFull = errors.New("buffer: full")

// Buffer is a byte region with read and write offsets.
//
// Invariant: 0 <= r <= w <= len(data).
type Buffer struct {
	data []byte
	r    int
	w    int
}

// New allocates a Buffer with the given capacity.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Wrap creates a Buffer over data whose first n bytes are readable.
func Wrap(data []byte, n int) *Buffer {
	if n > len(data) {
		n = len(data)
	}
	return &Buffer{data: data, w: n}
}

// Cap returns the total capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return b.w - b.r }

// Available returns the room left after the write offset.
func (b *Buffer) Available() int { return len(b.data) - b.w }

// Bytes returns the unread bytes. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.data[b.r:b.w] }

// Free returns the writable region after the write offset.
func (b *Buffer) Free() []byte { return b.data[b.w:] }

// Commit marks n bytes of Free() as written.
func (b *Buffer) Commit(n int) {
	if n < 0 || b.w+n > len(b.data) {
		panic("buffer: commit out of range")
	}
	b.w += n
}

// Advance consumes n unread bytes.
func (b *Buffer) Advance(n int) {
	if n < 0 || b.r+n > b.w {
		panic("buffer: advance out of range")
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

// Reset discards all content.
func (b *Buffer) Reset() {
	b.r, b.w = 0, 0
}

// Compact moves unread bytes to the front of the region so that Available
// covers all free space. It reports whether any bytes were copied.
func (b *Buffer) Compact() bool {
	if b.r == 0 {
		return false
	}
	n := copy(b.data, b.data[b.r:b.w])
	b.r, b.w = 0, n
	return n > 0
}

// Write appends as much of p as fits. It returns ErrFull only when nothing
// could be copied and p was not empty.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > b.Available() && b.r > 0 {
		b.Compact()
	}
	n := copy(b.data[b.w:], p)
	b.w += n
	if n == 0 && len(p) > 0 {
		return 0, ErrFull
	}
	return n, nil
}

// Read consumes unread bytes into p. It returns io.EOF when empty.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.Len() == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.data[b.r:b.w])
	b.Advance(n)
	return n, nil
}

// Unread places p in front of the unread bytes. It returns false if there is
// not enough room even after compaction.
func (b *Buffer) Unread(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	if len(p) <= b.r {
		b.r -= len(p)
		copy(b.data[b.r:], p)
		return true
	}
	if b.Len()+len(p) > len(b.data) {
		return false
	}
	pending := b.Len()
	copy(b.data[len(p):], b.data[b.r:b.w])
	copy(b.data, p)
	b.r, b.w = 0, len(p)+pending
	return true
}

// Expand grows the capacity to at least size, keeping unread bytes.
// Shrinking below the unread length is refused.
func (b *Buffer) Expand(size int) {
	if size <= len(b.data) {
		return
	}
	data := make([]byte, size)
	n := copy(data, b.data[b.r:b.w])
	b.data, b.r, b.w = data, 0, n
}
