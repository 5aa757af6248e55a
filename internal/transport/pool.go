package transport

import "sync"

// BufferPool recycles receive-side scratch buffers so that a sustained
// stream of inbound datagrams doesn't allocate one slice per packet. The
// pattern is the one kcp-go's sess.go uses for its system-wide xmitBuf pool.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool returns a pool whose buffers are at least size bytes.
func NewBufferPool(size int) *BufferPool {
	p := &BufferPool{}
	p.pool.New = func() any {
		return make([]byte, size)
	}
	return p
}

// Get returns a buffer from the pool, allocating one if none is idle.
func (p *BufferPool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns buf to the pool for reuse.
func (p *BufferPool) Put(buf []byte) {
	p.pool.Put(buf) //nolint:staticcheck // intentionally poolable slice value
}
