package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// BufferPool hands out reusable upstream read buffers through
// valyala/bytebufferpool. Each active upstream reader holds exactly one buffer
// for its lifetime and returns it on exit, so the pool's steady-state size
// tracks the number of live shared streams.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool whose buffers are grown to at least bufferSize
// bytes (the configured chunk size) before being handed out.
func NewBufferPool(bufferSize int) *BufferPool {
	return &BufferPool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves a buffer sized to the configured chunk size. The returned
// buffer's B slice has length bufferSize and is safe for use as an io.Reader
// destination.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, bp.bufferSize)
	} else {
		buf.B = buf.B[:bp.bufferSize]
	}
	return buf
}

// Put returns a buffer to the pool for reuse.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}
