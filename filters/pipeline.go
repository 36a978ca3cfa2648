// Package filters implements the transport's filter pipeline:
// per-record filters keyed by a record-type bitmask and whole-batch
// aggregate filters, chained for the Send, Receive, and Rebroadcast
// operations.
package filters

import (
	"time"

	"github.com/madara-run/madara/knowledge"
)

// Operation identifies which of the three filter chains is running.
type Operation int

const (
	Send Operation = iota
	Receive
	Rebroadcast
)

// TypeMask is a bitmask over knowledge.Type variants; a record filter
// registered with a mask only runs against records whose Type bit is
// set.
type TypeMask uint32

// Bit returns the mask bit for t.
func Bit(t knowledge.Type) TypeMask { return TypeMask(1) << uint(t) }

// AllTypes matches every record variant.
const AllTypes TypeMask = ^TypeMask(0)

// TransportContext is exposed to every filter: the operation kind,
// current bandwidth readings, message and wall-clock timestamps, the
// domain, the originator, and (for aggregate filters) the batch itself.
type TransportContext struct {
	Operation    Operation
	SendBytes    int64
	ReceiveBytes int64
	MessageClock uint64
	Timestamp    time.Time
	Domain       string
	Originator   string
	Variables    *knowledge.Context
}

// RecordFilter transforms or drops a single record. Returning a record
// whose Type is knowledge.Uninitialized deletes it from the batch and
// skips any remaining filters in the chain for that record.
type RecordFilter struct {
	Mask TypeMask
	Fn   func(rec knowledge.Record, name string, tc TransportContext) knowledge.Record
}

// AggregateFilter runs once per batch after the per-record chain, with
// the ability to mutate the ordered batch directly (insert, remove, or
// reorder entries).
type AggregateFilter func(batch *Batch, tc TransportContext)

// Batch is the mutable ordered (name, record) sequence an aggregate
// filter operates over.
type Batch struct {
	names   []string
	records map[string]knowledge.Record
}

// NewBatch builds a Batch from an ordered slice of names.
func NewBatch(names []string, records map[string]knowledge.Record) *Batch {
	b := &Batch{names: append([]string(nil), names...), records: make(map[string]knowledge.Record, len(records))}
	for _, n := range b.names {
		if r, ok := records[n]; ok {
			b.records[n] = r
		}
	}
	return b
}

// Names returns the batch's current ordered key list.
func (b *Batch) Names() []string { return b.names }

// Get returns the record for name.
func (b *Batch) Get(name string) (knowledge.Record, bool) {
	r, ok := b.records[name]
	return r, ok
}

// Set replaces or inserts name's record, appending to the order if new.
func (b *Batch) Set(name string, rec knowledge.Record) {
	if _, ok := b.records[name]; !ok {
		b.names = append(b.names, name)
	}
	b.records[name] = rec
}

// Remove deletes name from the batch.
func (b *Batch) Remove(name string) {
	delete(b.records, name)
	for i, n := range b.names {
		if n == name {
			b.names = append(b.names[:i], b.names[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries remaining in the batch.
func (b *Batch) Len() int { return len(b.names) }

// Chain is one operation's ordered filter list: record filters run
// first (in registration order, per record, until one returns
// Uninitialized), then aggregate filters run once over the survivors.
type Chain struct {
	record    []RecordFilter
	aggregate []AggregateFilter
}

// AddRecordFilter appends a record filter to the chain.
func (c *Chain) AddRecordFilter(f RecordFilter) { c.record = append(c.record, f) }

// AddAggregateFilter appends an aggregate filter to the chain.
func (c *Chain) AddAggregateFilter(f AggregateFilter) { c.aggregate = append(c.aggregate, f) }

// Run applies the chain to batch in place: per-record filters first,
// each survivor checked against every registered filter whose mask
// matches its type, then aggregate filters over whatever remains.
func (c *Chain) Run(batch *Batch, tc TransportContext) {
	for _, name := range append([]string(nil), batch.names...) {
		rec, ok := batch.Get(name)
		if !ok {
			continue
		}
		for _, rf := range c.record {
			if rf.Mask&Bit(rec.Type) == 0 {
				continue
			}
			rec = rf.Fn(rec, name, tc)
			if rec.IsUninitialized() {
				batch.Remove(name)
				break
			}
			batch.Set(name, rec)
		}
	}
	for _, af := range c.aggregate {
		af(batch, tc)
	}
}

// Pipeline holds the three operation chains a Runtime drives.
type Pipeline struct {
	chains map[Operation]*Chain
}

// NewPipeline returns an empty Pipeline with all three chains ready for
// registration.
func NewPipeline() *Pipeline {
	return &Pipeline{chains: map[Operation]*Chain{
		Send:        {},
		Receive:     {},
		Rebroadcast: {},
	}}
}

// Chain returns the Chain for op, registering filters via its
// AddRecordFilter/AddAggregateFilter.
func (p *Pipeline) Chain(op Operation) *Chain { return p.chains[op] }

// Run applies op's chain to batch.
func (p *Pipeline) Run(op Operation, batch *Batch, tc TransportContext) {
	tc.Operation = op
	if c := p.chains[op]; c != nil {
		c.Run(batch, tc)
	}
}
