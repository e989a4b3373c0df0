package audio

import (
	"sync"
	"sync/atomic"

	"github.com/dougsko/k4d/pkg/logging"
)

// Buffer is a reusable block of float32 samples
type Buffer struct {
	Data []float32
	Size int
	pool *BufferPool
}

// Reset zeroes the samples
func (b *Buffer) Reset() {
	for i := range b.Data {
		b.Data[i] = 0
	}
	b.Size = 0
}

// Release returns the buffer to its pool
func (b *Buffer) Release() {
	if b.pool != nil {
		b.pool.Put(b)
	}
}

// BufferPool hands out sample buffers from size-classed pools
type BufferPool struct {
	smallPool  *sync.Pool // <= 1024 samples
	mediumPool *sync.Pool // <= 4096 samples
	largePool  *sync.Pool // <= 16384 samples

	smallHits  int64
	mediumHits int64
	largeHits  int64
	smallMiss  int64
	mediumMiss int64
	largeMiss  int64

	maxBufferSize int
}

const (
	smallBuffer  = 1024
	mediumBuffer = 4096
	largeBuffer  = 16384
)

var (
	sharedPool     *BufferPool
	sharedPoolOnce sync.Once
)

// SharedPool returns the process-wide buffer pool
func SharedPool() *BufferPool {
	sharedPoolOnce.Do(func() {
		sharedPool = NewBufferPool(largeBuffer)
	})
	return sharedPool
}

func sizedPool(p *BufferPool, size int, miss *int64) *sync.Pool {
	return &sync.Pool{
		New: func() interface{} {
			atomic.AddInt64(miss, 1)
			return &Buffer{Data: make([]float32, size), pool: p}
		},
	}
}

// NewBufferPool creates a pool; larger requests are allocated directly
func NewBufferPool(maxBufferSize int) *BufferPool {
	p := &BufferPool{maxBufferSize: maxBufferSize}
	p.smallPool = sizedPool(p, smallBuffer, &p.smallMiss)
	p.mediumPool = sizedPool(p, mediumBuffer, &p.mediumMiss)
	p.largePool = sizedPool(p, largeBuffer, &p.largeMiss)
	return p
}

// Get returns a buffer holding exactly size samples
func (p *BufferPool) Get(size int) *Buffer {
	if size <= 0 {
		return &Buffer{Data: make([]float32, 0, smallBuffer), pool: p}
	}
	if size > p.maxBufferSize || size > largeBuffer {
		logging.Debug(logging.CompAudio, "Buffer request above pool limit, allocating", map[string]interface{}{
			"size": size,
			"max":  p.maxBufferSize,
		})
		return &Buffer{Data: make([]float32, size), Size: size, pool: p}
	}

	var b *Buffer
	switch {
	case size <= smallBuffer:
		b = p.smallPool.Get().(*Buffer)
		atomic.AddInt64(&p.smallHits, 1)
	case size <= mediumBuffer:
		b = p.mediumPool.Get().(*Buffer)
		atomic.AddInt64(&p.mediumHits, 1)
	default:
		b = p.largePool.Get().(*Buffer)
		atomic.AddInt64(&p.largeHits, 1)
	}

	if cap(b.Data) < size {
		b.Data = make([]float32, size)
	}
	b.Data = b.Data[:size]
	b.Size = size
	return b
}

// Put recycles a buffer. Oversized buffers are left to the GC.
func (p *BufferPool) Put(b *Buffer) {
	if b == nil || b.Data == nil {
		return
	}
	b.Data = b.Data[:cap(b.Data)]
	b.Reset()

	switch c := cap(b.Data); {
	case c == smallBuffer:
		p.smallPool.Put(b)
	case c == mediumBuffer:
		p.mediumPool.Put(b)
	case c == largeBuffer:
		p.largePool.Put(b)
	}
}

// Statistics returns pool hit and miss counters
func (p *BufferPool) Statistics() map[string]int64 {
	return map[string]int64{
		"small_hits":  atomic.LoadInt64(&p.smallHits),
		"medium_hits": atomic.LoadInt64(&p.mediumHits),
		"large_hits":  atomic.LoadInt64(&p.largeHits),
		"small_miss":  atomic.LoadInt64(&p.smallMiss),
		"medium_miss": atomic.LoadInt64(&p.mediumMiss),
		"large_miss":  atomic.LoadInt64(&p.largeMiss),
	}
}
