// Package containers provides the circular buffer: a user-facing
// producer/consumer ring backed by a contiguous array of
// knowledge.Record values living inside a knowledge.Context, plus an
// integer producer-index variable shared through that same context.
package containers

import (
	"github.com/madara-run/madara/api"
	"github.com/madara-run/madara/knowledge"
)

// CircularBuffer is a fixed-capacity ring over knowledge.Record values.
// The producer index lives in the shared Context (so every producer
// thread serializes through the Context's lock); each consumer tracks
// its own local_index outside the shared ring, unprotected.
type CircularBuffer struct {
	ctx      *knowledge.Context
	name     string
	capacity int
	slots    []knowledge.VariableReference
	indexRef knowledge.VariableReference
}

// New creates a CircularBuffer of the given capacity, named name,
// backed by ctx. Slot keys are "<name>.0".."<name>.<capacity-1>"; the
// producer index is stored at "<name>.index". An empty name is a
// NameError and a nil ctx is a ContextError; both surface to the
// caller rather than being absorbed, since these are
// container-construction/API-misuse failures, not record- or
// batch-level ones.
func New(ctx *knowledge.Context, name string, capacity int) (*CircularBuffer, error) {
	if name == "" {
		return nil, api.NameErrorf("circular buffer name must not be empty")
	}
	if ctx == nil {
		return nil, api.ContextErrorf("circular buffer %q requires a non-nil context", name)
	}
	if capacity <= 0 {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "circular buffer capacity must be positive")
	}

	cb := &CircularBuffer{ctx: ctx, name: name, capacity: capacity}
	cb.slots = make([]knowledge.VariableReference, capacity)
	for i := 0; i < capacity; i++ {
		cb.slots[i] = ctx.GetRef(slotKey(name, i))
	}
	cb.indexRef = ctx.GetRef(name + ".index")
	idx := ctx.Get(cb.indexRef)
	if idx.IsUninitialized() {
		zero := knowledge.Record{}
		zero.SetInteger(-1)
		ctx.Set(cb.indexRef, zero, 0, knowledge.DefaultUpdateSettings())
	}
	return cb, nil
}

func slotKey(name string, i int) string {
	return name + "." + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// Capacity returns the fixed ring size.
func (cb *CircularBuffer) Capacity() int { return cb.capacity }

// Resize changes the ring's capacity, re-interning slot variables for
// the new size and resetting the producer index to empty. Capacity is
// fixed between construction/resize points. Callers with active
// Consumers should discard and recreate them afterward, since
// local_index offsets are meaningless against a resized ring.
func (cb *CircularBuffer) Resize(capacity int) error {
	if capacity <= 0 {
		return api.NewError(api.ErrCodeInvalidArgument, "circular buffer capacity must be positive")
	}
	cb.slots = make([]knowledge.VariableReference, capacity)
	for i := 0; i < capacity; i++ {
		cb.slots[i] = cb.ctx.GetRef(slotKey(cb.name, i))
	}
	cb.capacity = capacity
	zero := knowledge.Record{}
	zero.SetInteger(-1)
	cb.ctx.Set(cb.indexRef, zero, 0, knowledge.DefaultUpdateSettings())
	return nil
}

// producerIndex returns the current producer index (the index of the
// most recently written slot; -1 means empty).
func (cb *CircularBuffer) producerIndex() int64 {
	return cb.ctx.Get(cb.indexRef).ToInteger()
}

// Add appends v at (index+1) mod capacity, then bumps the shared
// producer index. A full buffer wraps destructively over its oldest
// element.
func (cb *CircularBuffer) Add(v knowledge.Record) {
	next := cb.producerIndex() + 1
	slot := cb.slots[int(next)%cb.capacity]
	cb.ctx.Set(slot, v, v.WriteQuality, knowledge.DefaultUpdateSettings())

	idxRec := knowledge.Record{}
	idxRec.SetInteger(next)
	cb.ctx.Set(cb.indexRef, idxRec, 0, knowledge.DefaultUpdateSettings())
}

// Consumer tracks one reader's position in a CircularBuffer. local_index
// lives only in the consumer, never in the shared Context.
type Consumer struct {
	buf        *CircularBuffer
	localIndex int64
	dropped    int64
}

// NewConsumer attaches a fresh Consumer to buf, starting before the
// first element ever produced.
func NewConsumer(buf *CircularBuffer) *Consumer {
	return &Consumer{buf: buf, localIndex: -1}
}

// Consume returns the next unread element, advancing local_index. The
// second return value is false if the producer has not yet written
// anything past local_index.
func (c *Consumer) Consume() (knowledge.Record, bool) {
	producer := c.buf.producerIndex()
	if producer-int64(c.buf.capacity) > c.localIndex {
		c.dropped += producer - int64(c.buf.capacity) - c.localIndex
		c.localIndex = producer - int64(c.buf.capacity)
	}
	if c.localIndex >= producer {
		return knowledge.Record{}, false
	}
	c.localIndex++
	slot := c.buf.slots[int(c.localIndex)%c.buf.capacity]
	return c.buf.ctx.Get(slot), true
}

// Dropped returns the number of elements this consumer has lost to
// producer overrun (producer_index - local_index exceeded capacity).
func (c *Consumer) Dropped() int64 { return c.dropped }

// Inspect reads count elements without consuming, starting at position
// relative to the current producer index (position may be negative,
// e.g. -1 is the most recently produced element).
func (c *Consumer) Inspect(position, count int) []knowledge.Record {
	producer := c.buf.producerIndex()
	out := make([]knowledge.Record, 0, count)
	start := producer + int64(position) + 1
	for i := int64(0); i < int64(count); i++ {
		idx := start + i
		if idx < 0 || idx > producer || producer-idx >= int64(c.buf.capacity) {
			continue
		}
		slot := c.buf.slots[int(idx)%c.buf.capacity]
		out = append(out, c.buf.ctx.Get(slot))
	}
	return out
}
