package buffer

// Handler owns the read and write buffers of one connection.
//
// Each buffer has an orientation. A buffer "configured for write" is being
// filled (from the network for the read buffer, from the application for the
// write buffer); "configured for read" means it is being drained. Switching
// orientation compacts only when moving to write and only when there are
// consumed bytes in front of the unread region, so repeated switches on an
// already positioned buffer cost nothing.
//
// Thread safety:
// Handler is not safe for concurrent use. The owning socket wrapper serialises
// access with its read and write locks.
type Handler struct {
	readBuffer  *Buffer
	writeBuffer *Buffer

	readBufferConfiguredForWrite  bool
	writeBufferConfiguredForWrite bool

	pool *Pool
}

// NewHandler allocates a read buffer of readSize and a write buffer of
// writeSize. Buffers are taken from pool when it is non-nil.
func NewHandler(readSize, writeSize int, pool *Pool) *Handler {
	h := &Handler{
		readBufferConfiguredForWrite:  true,
		writeBufferConfiguredForWrite: true,
		pool:                          pool,
	}
	if pool != nil {
		h.readBuffer = pool.Get(readSize)
		h.writeBuffer = pool.Get(writeSize)
	} else {
		h.readBuffer = New(readSize)
		h.writeBuffer = New(writeSize)
	}
	return h
}

// ReadBuffer returns the read buffer.
func (h *Handler) ReadBuffer() *Buffer { return h.readBuffer }

// WriteBuffer returns the write buffer.
func (h *Handler) WriteBuffer() *Buffer { return h.writeBuffer }

// ConfigureReadBufferForWrite prepares the read buffer to receive network bytes.
func (h *Handler) ConfigureReadBufferForWrite() {
	if !h.readBufferConfiguredForWrite {
		h.readBuffer.Compact()
		h.readBufferConfiguredForWrite = true
	}
}

// ConfigureReadBufferForRead prepares the read buffer to be drained.
func (h *Handler) ConfigureReadBufferForRead() {
	h.readBufferConfiguredForWrite = false
}

// IsReadBufferConfiguredForWrite reports the read buffer orientation.
func (h *Handler) IsReadBufferConfiguredForWrite() bool {
	return h.readBufferConfiguredForWrite
}

// ConfigureWriteBufferForWrite prepares the write buffer to receive
// application bytes.
func (h *Handler) ConfigureWriteBufferForWrite() {
	if !h.writeBufferConfiguredForWrite {
		h.writeBuffer.Compact()
		h.writeBufferConfiguredForWrite = true
	}
}

// ConfigureWriteBufferForRead prepares the write buffer to be flushed.
func (h *Handler) ConfigureWriteBufferForRead() {
	h.writeBufferConfiguredForWrite = false
}

// IsWriteBufferConfiguredForWrite reports the write buffer orientation.
func (h *Handler) IsWriteBufferConfiguredForWrite() bool {
	return h.writeBufferConfiguredForWrite
}

// IsReadBufferEmpty reports whether no unread bytes remain.
func (h *Handler) IsReadBufferEmpty() bool {
	return h.readBuffer.Len() == 0
}

// IsWriteBufferEmpty reports whether the write buffer holds nothing to flush.
func (h *Handler) IsWriteBufferEmpty() bool {
	return h.writeBuffer.Len() == 0
}

// IsWriteBufferWritable reports whether the write buffer has room.
func (h *Handler) IsWriteBufferWritable() bool {
	if h.writeBuffer.Available() > 0 {
		return true
	}
	return h.writeBuffer.Len() < h.writeBuffer.Cap()
}

// UnReadReadBuffer pushes bytes back in front of the unread data, growing the
// read buffer if needed.
func (h *Handler) UnReadReadBuffer(p []byte) {
	if !h.readBuffer.Unread(p) {
		h.readBuffer.Expand(h.readBuffer.Len() + len(p))
		h.readBuffer.Unread(p)
	}
}

// Expand grows both buffers to at least size.
func (h *Handler) Expand(size int) {
	h.readBuffer.Expand(size)
	h.writeBuffer.Expand(size)
}

// Reset empties both buffers and restores the write orientation.
func (h *Handler) Reset() {
	h.readBuffer.Reset()
	h.writeBuffer.Reset()
	h.readBufferConfiguredForWrite = true
	h.writeBufferConfiguredForWrite = true
}

// Free returns both buffers to the pool. The handler must not be used after.
func (h *Handler) Free() {
	if h.pool != nil {
		h.pool.Put(h.readBuffer)
		h.pool.Put(h.writeBuffer)
	}
	h.readBuffer = nil
	h.writeBuffer = nil
}

// Empty is a zero-capacity handler used before a connection has buffers.
var Empty = &Handler{readBuffer: New(0), writeBuffer: New(0)}
