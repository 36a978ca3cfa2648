// Package api defines the small set of cross-cutting capability
// interfaces shared by the pool, wire, and fragment packages.
package api

// Buffer is a zero-copy memory slice checked out from a BufferPool.
// Kept as a struct (not an interface) to avoid interface-boxing on the
// hot encode/fragment path.
type Buffer struct {
	Data  []byte
	NUMA  int
	Pool  Releaser
	Class int
}

// Releaser decouples Buffer from a concrete pool implementation.
type Releaser interface {
	Put(Buffer)
}

// Bytes returns the full byte slice backing this Buffer.
func (b Buffer) Bytes() []byte { return b.Data }

// NUMANode returns the NUMA node where this buffer was allocated, -1 if
// NUMA-agnostic.
func (b Buffer) NUMANode() int { return b.NUMA }

// Copy returns an unshared copy of the buffer's data.
func (b Buffer) Copy() []byte {
	dup := make([]byte, len(b.Data))
	copy(dup, b.Data)
	return dup
}

// Slice returns a new Buffer view sharing the same underlying memory.
func (b Buffer) Slice(from, to int) Buffer {
	if from < 0 || to > len(b.Data) || from > to {
		return Buffer{NUMA: b.NUMA, Class: b.Class, Pool: b.Pool}
	}
	return Buffer{Data: b.Data[from:to], NUMA: b.NUMA, Pool: b.Pool, Class: b.Class}
}

// Release returns the buffer to its owning pool, if any.
func (b Buffer) Release() {
	if b.Pool != nil {
		b.Pool.Put(b)
	}
}

// Capacity returns the capacity of the underlying slice.
func (b Buffer) Capacity() int { return cap(b.Data) }

// BufferPool provides NUMA-tagged buffer allocation. checkpoint.Load
// draws its per-entry scratch reads from one; the wire codec and the
// fragment reassembler do not use it.
type BufferPool interface {
	Get(size int, numaPreferred int) Buffer
	Put(b Buffer)
	Stats() BufferPoolStats
}

// BufferPoolStats summarizes pool usage.
type BufferPoolStats struct {
	TotalAlloc int64
	TotalFree  int64
	InUse      int64
	NUMAStats  map[int]int64
}

// ObjectPool is a generic pool for any reusable value type.
type ObjectPool[T any] interface {
	Get() T
	Put(T)
}
