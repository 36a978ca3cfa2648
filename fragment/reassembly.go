package fragment

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/madara-run/madara/wire"
)

// Key identifies one in-flight fragmented message.
type Key struct {
	Originator   string
	MessageClock uint64
}

type slot struct {
	key         Key
	total       uint32
	received    map[uint32][]byte
	payloadSize int
	header      wire.Header
}

func (s *slot) complete() bool {
	return uint32(len(s.received)) == s.total
}

func (s *slot) assemble() []byte {
	out := make([]byte, 0, s.payloadSize)
	for i := uint32(0); i < s.total; i++ {
		out = append(out, s.received[i]...)
	}
	return out
}

// Reassembler keeps at most capacity distinct (originator, message_clock)
// entries; when a new key is needed and the map is full, the oldest
// entry is evicted. The eviction order is a FIFO queue of keys kept
// beside the slot map.
type Reassembler struct {
	mu        sync.Mutex
	capacity  int
	order     *queue.Queue // of Key, oldest-first
	slots     map[Key]*slot
	lossTotal uint64
	onEvict   func()
}

// OnEvict registers fn to be called, outside the reassembler's lock,
// each time an incomplete slot is evicted. The transport runtime wires
// this to metrics.Registry.FragmentLossTotal so silent reassembly loss
// still reaches a counter.
func (r *Reassembler) OnEvict(fn func()) {
	r.mu.Lock()
	r.onEvict = fn
	r.mu.Unlock()
}

// NewReassembler creates a Reassembler holding at most capacity
// concurrent in-flight messages.
func NewReassembler(capacity int) *Reassembler {
	if capacity <= 0 {
		capacity = 1
	}
	return &Reassembler{
		capacity: capacity,
		order:    queue.New(),
		slots:    make(map[Key]*slot),
	}
}

// Add feeds one decoded fragment into the reassembler. It returns the
// reassembled payload and true once every fragment for that key has
// arrived; otherwise it returns (nil, false).
func (r *Reassembler) Add(fp wire.FragmentPayload) ([]byte, bool) {
	key := Key{Originator: fp.Header.Originator, MessageClock: fp.Header.Clock}

	// Deferred before the Unlock below, so it runs after r.mu is released.
	var onEvict func()
	defer func() {
		if onEvict != nil {
			onEvict()
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[key]
	if !ok {
		if len(r.slots) >= r.capacity {
			onEvict = r.evictOldestLocked()
		}
		s = &slot{key: key, total: fp.Header.TotalFragments, received: make(map[uint32][]byte)}
		r.slots[key] = s
		r.order.Add(key)
	}
	s.header = fp.Header
	idx := fp.Header.NumUpdates // fragment_index
	if _, dup := s.received[idx]; !dup {
		s.received[idx] = fp.Payload
		s.payloadSize += len(fp.Payload)
	}

	if !s.complete() {
		return nil, false
	}
	out := s.assemble()
	delete(r.slots, key)
	return out, true
}

// evictOldestLocked drops the oldest in-flight slot (per the FIFO
// order recorded in r.order), counting it against fragment loss, and
// returns the registered OnEvict callback (nil if none) for the caller
// to invoke once it has released r.mu.
// Must be called with r.mu held.
func (r *Reassembler) evictOldestLocked() func() {
	for r.order.Length() > 0 {
		k := r.order.Peek().(Key)
		r.order.Remove()
		if _, ok := r.slots[k]; ok {
			delete(r.slots, k)
			r.lossTotal++
			return r.onEvict
		}
	}
	return nil
}

// LossTotal returns the number of in-flight slots evicted before
// completion, suitable for a metrics.Registry.FragmentLossTotal
// counter.
func (r *Reassembler) LossTotal() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lossTotal
}

// Pending returns the number of in-flight slots currently held.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
