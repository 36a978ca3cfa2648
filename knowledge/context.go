package knowledge

import (
	"sort"
	"sync"
	"time"

	"github.com/madara-run/madara/internal/concurrency"
)

// UpdateSettings is MADARA's EvalSettings/UpdateSettings enumerated
// option set, consulted by Set and by the send path built on top of a
// Context.
type UpdateSettings struct {
	TreatGlobalsAsLocal   bool
	TreatLocalsAsGlobals  bool
	AlwaysOverwrite       bool
	DelaySendingModifieds bool
	ClockIncrement        int64
	TrackLocalChanges     bool
	StreamChanges         bool
}

// DefaultUpdateSettings returns the zero-value settings: no overrides,
// immediate send-eligibility, clock always advances by exactly one.
func DefaultUpdateSettings() UpdateSettings {
	return UpdateSettings{ClockIncrement: 1}
}

// ChangeEvent is the optional pre/post notification produced when
// UpdateSettings.StreamChanges is set.
type ChangeEvent struct {
	Name   string
	Before Record
	After  Record
}

// Context is MADARA's thread-safe keyspace: a mapping from name to
// Record, a modified set, a local-changes set, and a context-wide
// logical clock. There is deliberately no recursive lock; callers that
// need a stable view across several operations take a Snapshot, a
// detached clone, rather than holding the Context's lock across calls.
type Context struct {
	mu    sync.RWMutex
	cond  *sync.Cond
	store map[string]*Record

	agentID string
	clock   uint64

	modified     map[string]struct{}
	localChanges map[string]struct{}

	strictMonotone bool
	changeGen      uint64
	observedGen    uint64

	changeMu   sync.Mutex
	changeLoop *concurrency.EventLoop
}

// ChangeKind is the concurrency.Event.Kind stamped on every
// stream_changes notification.
const ChangeKind = "change"

// Subscribe registers h to receive a concurrency.Event carrying a
// ChangeEvent (Kind ChangeKind) for every Set call made with
// UpdateSettings.StreamChanges set. The dispatch loop backing
// subscriptions starts lazily on the first call and runs until Close.
func (c *Context) Subscribe(h concurrency.EventHandler) {
	c.changeMu.Lock()
	defer c.changeMu.Unlock()
	if c.changeLoop == nil {
		c.changeLoop = concurrency.NewEventLoop(64, 256)
		go c.changeLoop.Run()
	}
	c.changeLoop.RegisterHandler(h)
}

// Unsubscribe removes a previously registered change handler.
func (c *Context) Unsubscribe(h concurrency.EventHandler) {
	c.changeMu.Lock()
	loop := c.changeLoop
	c.changeMu.Unlock()
	if loop != nil {
		loop.UnregisterHandler(h)
	}
}

// Close stops the change-event dispatch loop, if Subscribe ever started
// one. Safe to call on a Context that never had a subscriber.
func (c *Context) Close() {
	c.changeMu.Lock()
	loop := c.changeLoop
	c.changeMu.Unlock()
	if loop != nil {
		loop.Stop()
	}
}

func (c *Context) publishChange(name string, before, after Record) {
	c.changeMu.Lock()
	loop := c.changeLoop
	c.changeMu.Unlock()
	if loop == nil {
		return
	}
	loop.Push(concurrency.Event{Kind: ChangeKind, Payload: ChangeEvent{Name: name, Before: before, After: after}})
}

// New creates an empty Context identified by agentID.
func New(agentID string) *Context {
	c := &Context{
		agentID:      agentID,
		store:        make(map[string]*Record),
		modified:     make(map[string]struct{}),
		localChanges: make(map[string]struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetStrictMonotone toggles the strict-monotone context-clock mode: the
// context clock advances unconditionally to max+1 on every applied
// update rather than only tracking the observed maximum.
func (c *Context) SetStrictMonotone(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strictMonotone = v
}

// AgentID returns this context's identifier string.
func (c *Context) AgentID() string { return c.agentID }

// Clock returns the current context clock.
func (c *Context) Clock() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clock
}

// GetRef interns name if absent and returns a handle. Does not mark the
// key modified.
func (c *Context) GetRef(name string) VariableReference {
	c.mu.Lock()
	if _, ok := c.store[name]; !ok {
		c.store[name] = &Record{Type: Uninitialized}
	}
	c.mu.Unlock()
	return VariableReference{name: name}
}

// Get returns a copy of the record referenced by ref. Array/buffer
// payloads remain a shared slice header per the record model's
// copy-on-write contract.
func (c *Context) Get(ref VariableReference) Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.store[ref.name]
	if !ok {
		return NewUninitialized()
	}
	return *r
}

// EnableHistory turns on ref's bounded value ring in place on the
// Context-owned record, so every
// subsequent Set/Apply against ref appends to it. Record.EnableHistory
// alone can't reach this: Get only ever hands callers a detached copy
// of the stored record, and enabling history on that copy leaves the
// stored record without a ring. Calling
// this again changes the capacity (shrinking discards the oldest
// entries first), matching Record/History.Resize.
func (c *Context) EnableHistory(ref VariableReference, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.store[ref.name]
	if !ok {
		r = &Record{Type: Uninitialized}
		c.store[ref.name] = r
	}
	if r.history == nil {
		r.EnableHistory(capacity)
	} else {
		r.history.Resize(capacity)
	}
}

// HistoryLen returns the number of entries currently retained in ref's
// history ring, or 0 if EnableHistory was never called for it.
func (c *Context) HistoryLen(ref VariableReference) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.store[ref.name]
	if !ok || r.history == nil {
		return 0
	}
	return r.history.Len()
}

// HistoryOldest returns the oldest value retained in ref's history
// ring.
func (c *Context) HistoryOldest(ref VariableReference) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.store[ref.name]
	if !ok || r.history == nil {
		return Record{}, false
	}
	return r.history.Oldest()
}

// HistoryNewest returns the most recently committed value in ref's
// history ring.
func (c *Context) HistoryNewest(ref VariableReference) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.store[ref.name]
	if !ok || r.history == nil {
		return Record{}, false
	}
	return r.history.Newest()
}

// HistoryAt returns the i-th oldest value retained in ref's history
// ring, 0 being the oldest.
func (c *Context) HistoryAt(ref VariableReference, i int) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.store[ref.name]
	if !ok || r.history == nil {
		return Record{}, false
	}
	return r.history.At(i)
}

// HistoryAll returns a copy of ref's retained history values, oldest
// first, or nil if EnableHistory was never called for it.
func (c *Context) HistoryAll(ref VariableReference) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.store[ref.name]
	if !ok || r.history == nil {
		return nil
	}
	return r.history.All()
}

func (c *Context) scopeFor(name string, settings UpdateSettings) Scope {
	isLocalName := len(name) > 0 && name[0] == '.'
	switch {
	case isLocalName && settings.TreatLocalsAsGlobals:
		return Global
	case !isLocalName && settings.TreatGlobalsAsLocal:
		return Local
	case isLocalName:
		return Local
	default:
		return Global
	}
}

// Set applies value as a local write carrying writeQuality and a clock
// of max(current.clock, context.clock)+settings.ClockIncrement, weighed
// by the conflict-resolution rule's quality test: a write whose
// writeQuality is below the stored record's quality is rejected unless
// settings.AlwaysOverwrite is set. At equal or higher quality the write
// is accepted without comparing clocks. Returns whether the write was
// accepted.
func (c *Context) Set(ref VariableReference, value Record, writeQuality uint32, settings UpdateSettings) bool {
	c.mu.Lock()
	r, ok := c.store[ref.name]
	if !ok {
		r = &Record{Type: Uninitialized}
		c.store[ref.name] = r
	}
	before := *r
	if !settings.AlwaysOverwrite && !before.IsUninitialized() && writeQuality < before.Quality {
		c.mu.Unlock()
		return false
	}
	newClock := before.Clock
	if before.Clock > c.clock {
		newClock = before.Clock
	} else {
		newClock = c.clock
	}
	newClock = uint64(int64(newClock) + settings.ClockIncrement)

	value.Clock = newClock
	value.Quality = writeQuality
	value.WriteQuality = writeQuality
	value.Scope = c.scopeFor(ref.name, settings)
	value.Status = Modified
	value.history = before.history
	if value.history != nil {
		value.history.push(value)
	}
	*r = value

	if newClock > c.clock {
		c.clock = newClock
	}
	if c.strictMonotone {
		c.clock++
	}

	c.markModifiedLocked(ref.name, settings)
	c.changeGen++
	c.mu.Unlock()
	c.cond.Broadcast()
	if settings.StreamChanges {
		c.publishChange(ref.name, before, value)
	}
	return true
}

// Apply applies an incoming update against the conflict-resolution
// rule: accept iff the stored record is Uninitialized, or
// incoming.Quality > current.Quality, or equal quality and
// incoming.Clock > current.Clock. Ties and lower values are
// silently discarded, unless settings.AlwaysOverwrite bypasses the rule
// entirely (used by e.g. a checkpoint's clear-knowledge wipe to force
// an Uninitialized record past a key that already has a nonzero clock).
// Returns whether the incoming record was accepted.
func (c *Context) Apply(name string, incoming Record, settings UpdateSettings) bool {
	c.mu.Lock()
	r, ok := c.store[name]
	if !ok {
		r = &Record{Type: Uninitialized}
		c.store[name] = r
	}
	accept := settings.AlwaysOverwrite ||
		r.IsUninitialized() ||
		incoming.Quality > r.Quality ||
		(incoming.Quality == r.Quality && incoming.Clock > r.Clock)
	if !accept {
		c.mu.Unlock()
		return false
	}
	incoming.history = r.history
	if incoming.history != nil {
		incoming.history.push(incoming)
	}
	if incoming.IsUninitialized() {
		incoming.Status = Uncreated
	} else {
		incoming.Status = Modified
	}
	*r = incoming

	if incoming.Clock > c.clock {
		c.clock = incoming.Clock
	}
	if c.strictMonotone {
		c.clock++
	}
	// Uninitialized records never appear in the modified set and are
	// never transmitted.
	if !incoming.IsUninitialized() {
		c.modified[name] = struct{}{}
	} else {
		delete(c.modified, name)
	}
	c.changeGen++
	c.mu.Unlock()
	c.cond.Broadcast()
	return true
}

func (c *Context) markModifiedLocked(name string, settings UpdateSettings) {
	if c.store[name].IsUninitialized() {
		return
	}
	c.modified[name] = struct{}{}
	if settings.TrackLocalChanges && c.scopeFor(name, settings) == Local {
		c.localChanges[name] = struct{}{}
	}
}

// MarkModified forces ref into the modified set without changing its
// value, the "resend" mechanism.
func (c *Context) MarkModified(ref VariableReference) {
	c.mu.Lock()
	if r, ok := c.store[ref.name]; ok && !r.IsUninitialized() {
		c.modified[ref.name] = struct{}{}
		c.changeGen++
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Inc atomically increments ref's integer value by 1 and returns the
// new record.
func (c *Context) Inc(ref VariableReference) Record {
	return c.addDelta(ref, 1)
}

// Dec atomically decrements ref's integer value by 1 and returns the
// new record.
func (c *Context) Dec(ref VariableReference) Record {
	return c.addDelta(ref, -1)
}

func (c *Context) addDelta(ref VariableReference, delta int64) Record {
	c.mu.Lock()
	defer func() { c.mu.Unlock(); c.cond.Broadcast() }()
	r, ok := c.store[ref.name]
	if !ok {
		r = &Record{Type: Uninitialized}
		c.store[ref.name] = r
	}
	switch r.Type {
	case Double:
		r.d += float64(delta)
	default:
		r.i = r.ToInteger() + delta
		r.Type = Integer
	}
	r.Status = Modified
	r.Clock++
	if r.Clock > c.clock {
		c.clock = r.Clock
	}
	c.modified[ref.name] = struct{}{}
	c.changeGen++
	return *r
}

// ModifiedNames returns the modified set's keys sorted by name, the
// order the send path encodes them in. The order in which keys entered
// the modified set is not kept.
func (c *Context) ModifiedNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.modified))
	for k := range c.modified {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ApplyModified iterates the modified set, re-emitting each as a no-op
// set to itself (bumping clock and signaling waiters), then clears the
// set if clear is true.
func (c *Context) ApplyModified(clear bool) {
	c.mu.Lock()
	for name := range c.modified {
		r := c.store[name]
		if r == nil {
			continue
		}
		r.Clock++
		if r.Clock > c.clock {
			c.clock = r.Clock
		}
	}
	if clear {
		c.modified = make(map[string]struct{})
	}
	c.changeGen++
	c.mu.Unlock()
	c.cond.Broadcast()
}

// ClearModifieds empties the modified set without re-emitting.
func (c *Context) ClearModifieds() {
	c.mu.Lock()
	c.modified = make(map[string]struct{})
	c.mu.Unlock()
}

// ClearModifiedNames drains only the given names from the modified set,
// leaving any other currently-modified key (e.g. one the send path
// skipped under the scope filter) marked modified for a later attempt.
func (c *Context) ClearModifiedNames(names []string) {
	c.mu.Lock()
	for _, n := range names {
		delete(c.modified, n)
	}
	c.mu.Unlock()
}

// LocalChangeNames returns the keys recorded in the local-changes set
// by writes made with TrackLocalChanges, sorted.
func (c *Context) LocalChangeNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.localChanges))
	for k := range c.localChanges {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ClearLocalChanges empties the local-changes set.
func (c *Context) ClearLocalChanges() {
	c.mu.Lock()
	c.localChanges = make(map[string]struct{})
	c.mu.Unlock()
}

// SaveModifieds snapshots the current modified set as a list of
// VariableReferences and clears it, for deferred sends.
func (c *Context) SaveModifieds() []VariableReference {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]VariableReference, 0, len(c.modified))
	for name := range c.modified {
		out = append(out, VariableReference{name: name})
	}
	c.modified = make(map[string]struct{})
	return out
}

// AddModifieds restores a previously saved modified set, merging with
// whatever has accumulated since.
func (c *Context) AddModifieds(refs []VariableReference) {
	c.mu.Lock()
	for _, ref := range refs {
		c.modified[ref.name] = struct{}{}
	}
	c.mu.Unlock()
}

// WaitForChange blocks until any Set/MarkModified/ApplyModified/Apply
// signals the change condition, or maxWait elapses (maxWait <= 0 waits
// forever); it returns false on deadline, true on an observed change.
// The change latch covers changes made between calls: a change that
// landed since the last WaitForChange returns true immediately. reset
// consumes the latch on return, so the next call blocks for a fresh
// change; reset=false leaves it set.
func (c *Context) WaitForChange(reset bool, maxWait time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	observe := func() {
		if reset {
			c.observedGen = c.changeGen
		}
	}
	if c.changeGen > c.observedGen {
		observe()
		return true
	}
	if maxWait <= 0 {
		for c.changeGen == c.observedGen {
			c.cond.Wait()
		}
		observe()
		return true
	}
	done := make(chan struct{})
	timer := time.AfterFunc(maxWait, func() {
		c.mu.Lock()
		close(done)
		c.mu.Unlock()
		c.cond.Broadcast()
	})
	defer timer.Stop()
	for c.changeGen == c.observedGen {
		select {
		case <-done:
			return false
		default:
		}
		c.cond.Wait()
	}
	observe()
	return true
}

// Snapshot returns a detached copy of the keyspace for filters or
// batch-send code to read without holding the Context lock for the
// duration of their work, the non-recursive-lock alternative to a
// recursive mutex.
func (c *Context) Snapshot() map[string]Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Record, len(c.store))
	for k, v := range c.store {
		out[k] = *v
	}
	return out
}

// Keys returns all interned names.
func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.store))
	for k := range c.store {
		out = append(out, k)
	}
	return out
}
