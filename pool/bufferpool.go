// File: pool/bufferpool.go
//
// Cross-platform BufferPool manager with one bucket per NUMA-node tag.
// All public API is platform-agnostic; callers that care about NUMA
// locality pass a node id of their own choosing (-1 selects the system
// default bucket), and nothing here depends on real NUMA syscalls.

package pool

import (
	"sync"
	"sync/atomic"

	"github.com/madara-run/madara/api"
)

// BufferPoolManager provides segmented pools, one per NUMA-node tag.
type BufferPoolManager struct {
	mu    sync.RWMutex
	pools map[int]api.BufferPool // key: NUMA node (-1 for system default)
}

// NewBufferPoolManager creates and initializes a new manager.
func NewBufferPoolManager() *BufferPoolManager {
	return &BufferPoolManager{
		pools: make(map[int]api.BufferPool),
	}
}

// GetPool obtains or creates a NUMA-specific BufferPool.
// NUMA node -1 means "system default"; other values are caller-defined.
func (m *BufferPoolManager) GetPool(numaNode int) api.BufferPool {
	m.mu.RLock()
	pool, ok := m.pools[numaNode]
	m.mu.RUnlock()
	if ok {
		return pool
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pool, ok := m.pools[numaNode]; ok {
		return pool
	}
	pool = newBufferPool(numaNode)
	m.pools[numaNode] = pool
	return pool
}

// bufferPool is a sync.Pool-backed, size-class-agnostic byte buffer pool.
type bufferPool struct {
	numaNode int
	pool     sync.Pool
	allocs   atomic.Int64
	frees    atomic.Int64
	inUse    atomic.Int64
}

func newBufferPool(numaNode int) api.BufferPool {
	return &bufferPool{numaNode: numaNode}
}

// Get returns a buffer of exactly size bytes, reusing pooled storage
// when it is large enough.
func (p *bufferPool) Get(size int, numaPreferred int) api.Buffer {
	if v := p.pool.Get(); v != nil {
		data := v.([]byte)
		if cap(data) >= size {
			p.allocs.Add(1)
			p.inUse.Add(1)
			return api.Buffer{Data: data[:size], NUMA: p.numaNode, Pool: p}
		}
	}
	p.allocs.Add(1)
	p.inUse.Add(1)
	return api.Buffer{Data: make([]byte, size), NUMA: p.numaNode, Pool: p}
}

func (p *bufferPool) Put(b api.Buffer) {
	if b.Data == nil {
		return
	}
	p.pool.Put(b.Data[:0:cap(b.Data)])
	p.frees.Add(1)
	p.inUse.Add(-1)
}

func (p *bufferPool) Stats() api.BufferPoolStats {
	return api.BufferPoolStats{
		TotalAlloc: p.allocs.Load(),
		TotalFree:  p.frees.Load(),
		InUse:      p.inUse.Load(),
		NUMAStats:  map[int]int64{p.numaNode: p.inUse.Load()},
	}
}
