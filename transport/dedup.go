package transport

import (
	"sync"

	"github.com/eapache/queue"
)

type dedupKey struct {
	originator   string
	messageClock uint64
}

// dedupCache is the bounded (originator, message_clock) set the
// receive path consults before applying a message; size equals
// queue_length, FIFO-evicted via a queue of keys kept beside the set.
type dedupCache struct {
	mu    sync.Mutex
	cap   int
	seen  map[dedupKey]struct{}
	order *queue.Queue
}

func newDedupCache(capacity int) *dedupCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &dedupCache{cap: capacity, seen: make(map[dedupKey]struct{}), order: queue.New()}
}

// CheckAndAdd returns true if (originator, clock) was already seen; if
// not, it records it, evicting the oldest entry if the cache is full.
func (d *dedupCache) CheckAndAdd(originator string, clock uint64) (duplicate bool) {
	key := dedupKey{originator: originator, messageClock: clock}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return true
	}
	if len(d.seen) >= d.cap {
		for d.order.Length() > 0 {
			oldest := d.order.Peek().(dedupKey)
			d.order.Remove()
			if _, ok := d.seen[oldest]; ok {
				delete(d.seen, oldest)
				break
			}
		}
	}
	d.seen[key] = struct{}{}
	d.order.Add(key)
	return false
}
