package relay

import (
	"sync"
)

type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}

	return bp
}

func (p *bufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return *b
}

func (p *bufferPool) Put(b []byte) {
	// This &b forces a 32-byte heap allocation.  There's no way to avoid this when converting a non-pointer to an interface{}.
	p.pool.Put(&b)
}

const (
	tcpBufferSize = 32 << 10

	// Large enough for any UDP payload plus the largest SOCKS5 header.
	udpBufferSize = 64<<10 + 512
)

var (
	tcpBuffers = newBufferPool(tcpBufferSize)
	udpBuffers = newBufferPool(udpBufferSize)
)
