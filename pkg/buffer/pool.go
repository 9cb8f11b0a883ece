package buffer

import "sync"

// ============================================================================
// Buffer Pool for Connection Buffers
// ============================================================================
//
// Every accepted connection needs a read and a write buffer. Allocating them
// per connection is the dominant allocation under connection churn, so the
// endpoint recycles them through size-classed sync.Pools.
//
// Size classes follow what connections actually ask for:
//   - small (8KB): default application read/write buffer size
//   - medium (32KB): TLS network buffers (a full record is 16KB + overhead)
//   - large (256KB): sendfile chunks and enlarged socket buffers
//
// Oversized requests are allocated directly and never pooled.

const (
	smallBufferSize  = 8 << 10
	mediumBufferSize = 32 << 10
	largeBufferSize  = 256 << 10
)

// Pool hands out Buffers by size class.
//
// Thread Safety: safe for concurrent use.
type Pool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		small:  sync.Pool{New: func() any { return New(smallBufferSize) }},
		medium: sync.Pool{New: func() any { return New(mediumBufferSize) }},
		large:  sync.Pool{New: func() any { return New(largeBufferSize) }},
	}
}

// Get returns an empty Buffer with capacity of at least size. The capacity
// may exceed size to match a pooled class.
func (p *Pool) Get(size int) *Buffer {
	var b *Buffer
	switch {
	case size <= smallBufferSize:
		b = p.small.Get().(*Buffer)
	case size <= mediumBufferSize:
		b = p.medium.Get().(*Buffer)
	case size <= largeBufferSize:
		b = p.large.Get().(*Buffer)
	default:
		return New(size)
	}
	b.Reset()
	return b
}

// Put returns a Buffer to its class. Buffers with a non-class capacity, for
// example ones grown by Expand, are dropped.
func (p *Pool) Put(b *Buffer) {
	if b == nil {
		return
	}
	b.Reset()
	switch b.Cap() {
	case smallBufferSize:
		p.small.Put(b)
	case mediumBufferSize:
		p.medium.Put(b)
	case largeBufferSize:
		p.large.Put(b)
	}
}

// defaultPool is shared by endpoints that do not configure their own.
var defaultPool = NewPool()

// Default returns the process-wide pool.
func Default() *Pool {
	return defaultPool
}
