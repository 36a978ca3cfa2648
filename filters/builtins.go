package filters

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/madara-run/madara/knowledge"
)

// peerKeyPrefix namespaces the discovery keys in the knowledge context:
// one ".madara.peers.<id>" record per distinct originator observed, so
// peers become visible to ordinary Get/Keys calls instead of only to
// callers holding a PeerDiscovery reference.
const peerKeyPrefix = ".madara.peers."

// PeerDiscovery is an aggregate filter that stamps a
// ".madara.peers.<id>" record in the knowledge context for every
// distinct originator it observes on the Receive chain: a deployment
// can register it without writing custom filter code just to track who
// is on the network, and every other component sees the roster the same
// way it sees any other record: through the context, not a side
// channel.
type PeerDiscovery struct{}

// NewPeerDiscovery returns a PeerDiscovery ready to register on a
// Receive chain.
func NewPeerDiscovery() *PeerDiscovery {
	return &PeerDiscovery{}
}

// Filter is the AggregateFilter function to register on the Receive
// chain. It writes through tc.Variables so the stamped key is itself
// Local-scoped (the "." prefix) and never gets re-propagated by the
// send path.
func (p *PeerDiscovery) Filter(batch *Batch, tc TransportContext) {
	if tc.Originator == "" || tc.Variables == nil {
		return
	}
	ref := tc.Variables.GetRef(peerKeyPrefix + tc.Originator)
	var seen knowledge.Record
	seen.SetInteger(int64(tc.MessageClock))
	tc.Variables.Set(ref, seen, 0, knowledge.DefaultUpdateSettings())
}

// Peers returns the distinct originator ids currently stamped in ctx.
func Peers(ctx *knowledge.Context) []string {
	var out []string
	for _, name := range ctx.Keys() {
		if id, ok := strings.CutPrefix(name, peerKeyPrefix); ok {
			out = append(out, id)
		}
	}
	return out
}

// Counter is the supplemented built-in "counter" filter: it tallies
// every record it sees, per record type, without modifying or dropping
// anything.
type Counter struct {
	total  atomic.Int64
	byType sync.Map // knowledge.Type -> *atomic.Int64
}

// NewCounter returns a zeroed Counter.
func NewCounter() *Counter { return &Counter{} }

// RecordFilter returns a RecordFilter matching every variant that
// increments c and passes the record through unmodified.
func (c *Counter) RecordFilter() RecordFilter {
	return RecordFilter{
		Mask: AllTypes,
		Fn: func(rec knowledge.Record, name string, tc TransportContext) knowledge.Record {
			c.total.Add(1)
			v, _ := c.byType.LoadOrStore(rec.Type, new(atomic.Int64))
			v.(*atomic.Int64).Add(1)
			return rec
		},
	}
}

// Total returns the number of records observed across all types.
func (c *Counter) Total() int64 { return c.total.Load() }

// ByType returns the count observed for a single record type.
func (c *Counter) ByType(t knowledge.Type) int64 {
	v, ok := c.byType.Load(t)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}
