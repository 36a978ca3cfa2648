package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/madara-run/madara/filters"
	"github.com/madara-run/madara/fragment"
	"github.com/madara-run/madara/knowledge"
	"github.com/madara-run/madara/metrics"
	"github.com/madara-run/madara/qos"
	"github.com/madara-run/madara/reactor"
	"github.com/madara-run/madara/settings"
	"github.com/madara-run/madara/wire"
)

// Runtime drives one peer transport's full state machine and pipeline:
// it owns the send path (collect, filter, encode, fragment, admission
// gate, binding), the receive path (read, fragment reassembly, dedup,
// decode, filter, apply, optional rebroadcast), and the
// Init/Ready/Running/Paused/Stopping/Terminated lifecycle.
type Runtime struct {
	ctx      *knowledge.Context
	binding  Binding
	store    *settings.Store
	pipeline *filters.Pipeline
	metrics  *metrics.Registry
	log      *zap.Logger

	bandwidth   *qos.BandwidthMonitor
	scheduler   *qos.Scheduler
	slack       *qos.SlackTimer
	reassembler *fragment.Reassembler
	dedup       *dedupCache

	originator   string
	state        atomic.Int32
	consecDrops  atomic.Int64
	lastMsgClock atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Runtime in state Init. The originator id is the
// decimal settings ID, or a fresh UUID when that ID is zero.
func New(ctx *knowledge.Context, binding Binding, store *settings.Store, pipeline *filters.Pipeline, reg *metrics.Registry, log *zap.Logger) *Runtime {
	s := store.Snapshot()
	originator := ""
	if s.ID != 0 {
		originator = itoa(int(s.ID))
	} else {
		originator = uuid.NewString()
	}
	r := &Runtime{
		ctx:         ctx,
		binding:     binding,
		store:       store,
		pipeline:    pipeline,
		metrics:     reg,
		log:         log,
		bandwidth:   qos.NewBandwidthMonitor(10*time.Second, s.SendBandwidthLimit, s.TotalBandwidthLimit),
		scheduler:   qos.NewScheduler(qos.DropType(s.DropType), s.DropRate, s.DropBurst),
		slack:       qos.NewSlackTimer(s.SlackTime, s.MaxSendHertz),
		reassembler: fragment.NewReassembler(int(s.FragmentQueueLength)),
		dedup:       newDedupCache(int(s.QueueLength)),
		originator:  originator,
	}
	if reg != nil {
		r.reassembler.OnEvict(reg.FragmentLossTotal.Inc)
	}
	r.state.Store(int32(Init))
	store.OnUpdate(r.onSettingsUpdate)
	return r
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func (r *Runtime) onSettingsUpdate(s settings.Settings) {
	r.bandwidth.SetLimits(s.SendBandwidthLimit, s.TotalBandwidthLimit)
	r.scheduler.Configure(qos.DropType(s.DropType), s.DropRate, s.DropBurst)
}

// State returns the current lifecycle state.
func (r *Runtime) State() State { return State(r.state.Load()) }

// Ready transitions Init → Ready: the binding is assumed already bound
// by its constructor, so Ready here just records the transition.
func (r *Runtime) Ready() {
	r.state.CompareAndSwap(int32(Init), int32(Ready))
}

// Start transitions Ready → Running, launching readThreads read-loop
// goroutines hertz-limited by readThreadHertz.
func (r *Runtime) Start(readThreads int, readThreadHertz float64) {
	if !r.state.CompareAndSwap(int32(Ready), int32(Running)) {
		r.state.CompareAndSwap(int32(Paused), int32(Running))
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	if readThreads <= 0 {
		readThreads = 1
	}
	rx := reactor.New(readThreadHertz)
	for i := 0; i < readThreads; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			rx.Run(runCtx, newReadSource(r))
		}()
	}
}

// Pause transitions Running → Paused: SendModifieds sends nothing and
// leaves the modified set intact for a later send, and the receive path
// discards inbound messages.
func (r *Runtime) Pause() { r.state.CompareAndSwap(int32(Running), int32(Paused)) }

// Resume transitions Paused → Running.
func (r *Runtime) Resume() { r.state.CompareAndSwap(int32(Paused), int32(Running)) }

// Stop transitions to Stopping, cancels the read threads, closes the
// binding (unblocking any Read still waiting on its socket), drains the
// read threads, then Terminated.
func (r *Runtime) Stop() {
	r.state.Store(int32(Stopping))
	if r.cancel != nil {
		r.cancel()
	}
	r.binding.Close()
	r.wg.Wait()
	r.state.Store(int32(Terminated))
}

// readSource drives one read thread's Binding.Read loop. A fatal read
// error is absorbed here: the thread backs off exponentially instead of
// busy-looping on a socket that is failing every call, and resets once
// a read succeeds.
type readSource struct {
	r  *Runtime
	bo *backoff.ExponentialBackOff
}

func newReadSource(r *Runtime) *readSource {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; the runtime's lifecycle, not backoff, ends the loop
	return &readSource{r: r, bo: bo}
}

func (s *readSource) Pump(ctx context.Context) error {
	buf, err := s.r.binding.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.r.metrics.TransportIOErrorsTotal.Inc()
		s.r.log.Warn("transport read failed, backing off", zap.Error(err))
		wait := s.bo.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		return nil
	}
	s.bo.Reset()
	s.r.handleInbound(buf)
	return nil
}

// SendModifieds runs the send path: collect the Context's modified set,
// apply Send filters, encode, fragment if oversize, gate on
// bandwidth/drop, and hand each piece to the binding.
func (r *Runtime) SendModifieds(ctx context.Context) error {
	if State(r.state.Load()) != Running {
		return nil
	}
	s := r.store.Snapshot()
	names := r.ctx.ModifiedNames()
	if len(names) == 0 {
		return nil
	}

	snapshot := r.ctx.Snapshot()
	records := make(map[string]knowledge.Record, len(names))
	eligible := make([]string, 0, len(names))
	for _, n := range names {
		rec := snapshot[n]
		if !sendEligible(rec.Scope, s) {
			continue
		}
		records[n] = rec
		eligible = append(eligible, n)
	}
	if len(eligible) == 0 {
		return nil
	}
	batch := filters.NewBatch(eligible, records)

	tc := filters.TransportContext{
		SendBytes:    r.bandwidth.SendBytes(),
		ReceiveBytes: r.bandwidth.TotalBytes() - r.bandwidth.SendBytes(),
		MessageClock: r.ctx.Clock(),
		Timestamp:    time.Now(),
		Domain:       s.Domain,
		Originator:   r.originator,
		Variables:    r.ctx,
	}
	r.pipeline.Run(filters.Send, batch, tc)
	if batch.Len() == 0 {
		return nil
	}

	// Entries concatenate until the next one would exceed the smaller of
	// max_fragment_size and queue_length; whatever does not fit stays in
	// the modified set for the next send. A single record larger than the
	// limit still goes out alone (the fragmenter slices it).
	limit := int(s.MaxFragmentSize)
	if int(s.QueueLength) < limit {
		limit = int(s.QueueLength)
	}
	entries := make([]wire.Entry, 0, batch.Len())
	sent := make([]string, 0, batch.Len())
	total := 0
	var quality uint32
	for _, name := range batch.Names() {
		rec, _ := batch.Get(name)
		payload := wire.EncodeRecord(rec)
		esz := 4 + len(name) + 4 + 4 + 8 + len(payload)
		if total > 0 && total+esz > limit {
			break
		}
		if rec.Quality > quality {
			quality = rec.Quality
		}
		entries = append(entries, wire.Entry{
			Key: name, Type: rec.Type, Clock: rec.Clock, Payload: payload,
		})
		sent = append(sent, name)
		total += esz
	}

	hdrType := wire.TypeMultiAssign
	if s.SendReducedHeader {
		hdrType = wire.TypeReducedMultiAssign
	}
	hdr := wire.Header{
		Domain: s.Domain, Originator: r.originator, Type: hdrType,
		NumUpdates: uint32(len(entries)), Quality: quality, Clock: r.nextMessageClock(),
		TimestampNS: time.Now().UnixNano(), TTL: s.RebroadcastTTL,
	}

	encoded, err := wire.Encode(wire.Message{Header: hdr, Entries: entries})
	if err != nil {
		return err
	}

	var packets [][]byte
	if len(encoded) > int(s.MaxFragmentSize) && s.MaxFragmentSize > 0 {
		packets, err = fragment.Split(hdr, encoded, int(s.MaxFragmentSize))
		if err != nil {
			return err
		}
		r.metrics.FragmentSentTotal.Add(float64(len(packets)))
	} else {
		packets = [][]byte{encoded}
	}

	for _, pkt := range packets {
		if r.scheduler.Admit() {
			r.noteDrop()
			continue
		}
		r.bandwidth.AwaitSend(len(pkt))
		if err := r.binding.Send(ctx, pkt); err != nil {
			return err
		}
		r.noteSend()
		r.slack.Wait()
	}
	// Only the names actually placed on the wire drain from the modified
	// set: a Local-scope key skipped by sendEligible, a key dropped by a
	// Send filter, or one deferred past the batch limit stays modified so
	// a later send still picks it up.
	r.ctx.ClearModifiedNames(sent)
	return nil
}

// nextMessageClock stamps an outgoing batch from the context clock,
// bumped past the previous stamp when the context has not advanced:
// two batches from one originator must never share a message clock, or
// the receiver's dedup cache would swallow the second.
func (r *Runtime) nextMessageClock() uint64 {
	clock := r.ctx.Clock()
	for {
		last := r.lastMsgClock.Load()
		if clock <= last {
			clock = last + 1
		}
		if r.lastMsgClock.CompareAndSwap(last, clock) {
			return clock
		}
	}
}

// sendEligible applies the send path's scope filter: by default a
// Global-scope record is sent and a Local-scope one is not;
// treat_globals_as_local suppresses the former, treat_locals_as_globals
// includes the latter. Keys beginning with "." default to Local scope
// at write time, so this consults the record's stamped Scope rather
// than re-deriving it from the name.
func sendEligible(scope knowledge.Scope, s settings.Settings) bool {
	switch scope {
	case knowledge.Global:
		return !s.TreatGlobalsAsLocal
	case knowledge.Local:
		return s.TreatLocalsAsGlobals
	default:
		return false
	}
}

// handleInbound implements the receive path: reassemble, dedup, decode,
// filter, apply, optionally rebroadcast.
func (r *Runtime) handleInbound(buf []byte) {
	if State(r.state.Load()) == Paused {
		return
	}
	r.bandwidth.ObserveReceive(len(buf))
	r.metrics.ReceivedTotal.Inc()
	r.metrics.BandwidthTotalBytes.Set(float64(r.bandwidth.TotalBytes()))

	probe, err := wire.Decode(buf)
	isFragment := err != nil
	if !isFragment && probe.Header.Type.IsFragment() {
		isFragment = true
	}

	var msg wire.Message
	if isFragment {
		fp, err := wire.DecodeFragmentPayload(buf)
		if err != nil {
			return
		}
		complete, ok := r.reassembler.Add(fp)
		if !ok {
			return
		}
		msg, err = wire.Decode(complete)
		if err != nil {
			return
		}
	} else {
		msg = probe
	}

	if r.dedup.CheckAndAdd(msg.Header.Originator, msg.Header.Clock) {
		r.metrics.DedupHitTotal.Inc()
		return
	}

	s := r.store.Snapshot()
	records := make(map[string]knowledge.Record, len(msg.Entries))
	names := make([]string, 0, len(msg.Entries))
	for _, e := range msg.Entries {
		rec := wire.DecodeRecord(e.Type, e.Clock, e.Payload)
		rec.Quality = msg.Header.Quality
		records[e.Key] = rec
		names = append(names, e.Key)
	}
	batch := filters.NewBatch(names, records)

	tc := filters.TransportContext{
		SendBytes: r.bandwidth.SendBytes(), ReceiveBytes: r.bandwidth.TotalBytes() - r.bandwidth.SendBytes(),
		MessageClock: msg.Header.Clock, Timestamp: time.Unix(0, msg.Header.TimestampNS),
		Domain: msg.Header.Domain, Originator: msg.Header.Originator, Variables: r.ctx,
	}
	r.pipeline.Run(filters.Receive, batch, tc)

	for _, name := range batch.Names() {
		rec, _ := batch.Get(name)
		r.ctx.Apply(name, rec, knowledge.UpdateSettings{})
	}

	if s.RebroadcastTTL > 0 && msg.Header.TTL > 0 {
		r.rebroadcast(msg, batch, tc, s)
	}
}

// rebroadcast relays a received message after the Rebroadcast filter
// chain: TTL decremented, re-encoded, re-fragmented when oversize, and
// re-admitted through the same drop/bandwidth gates the send path uses.
func (r *Runtime) rebroadcast(msg wire.Message, batch *filters.Batch, tc filters.TransportContext, s settings.Settings) {
	r.pipeline.Run(filters.Rebroadcast, batch, tc)
	if batch.Len() == 0 {
		return
	}
	entries := make([]wire.Entry, 0, batch.Len())
	for _, name := range batch.Names() {
		rec, _ := batch.Get(name)
		entries = append(entries, wire.Entry{Key: name, Type: rec.Type, Clock: rec.Clock, Payload: wire.EncodeRecord(rec)})
	}
	hdr := msg.Header
	hdr.TTL--
	hdr.NumUpdates = uint32(len(entries))
	encoded, err := wire.Encode(wire.Message{Header: hdr, Entries: entries})
	if err != nil {
		return
	}

	var packets [][]byte
	if len(encoded) > int(s.MaxFragmentSize) && s.MaxFragmentSize > 0 {
		packets, err = fragment.Split(hdr, encoded, int(s.MaxFragmentSize))
		if err != nil {
			return
		}
		r.metrics.FragmentSentTotal.Add(float64(len(packets)))
	} else {
		packets = [][]byte{encoded}
	}

	relayed := false
	for _, pkt := range packets {
		if r.scheduler.Admit() {
			r.noteDrop()
			continue
		}
		r.bandwidth.AwaitSend(len(pkt))
		if err := r.binding.Send(context.Background(), pkt); err != nil {
			return
		}
		r.consecDrops.Store(0)
		r.metrics.ConsecutiveDrops.Set(0)
		r.updateBandwidthGauges()
		relayed = true
	}
	if relayed {
		r.metrics.RebroadcastTotal.Inc()
	}
}

// noteDrop records one drop-scheduler discard: the dropped counter and
// the consecutive-drops gauge applications watch to detect degradation.
func (r *Runtime) noteDrop() {
	r.metrics.DroppedTotal.Inc()
	r.metrics.ConsecutiveDrops.Set(float64(r.consecDrops.Add(1)))
}

// noteSend records one successful admission to the binding and resets
// the consecutive-drop run.
func (r *Runtime) noteSend() {
	r.metrics.SentTotal.Inc()
	r.consecDrops.Store(0)
	r.metrics.ConsecutiveDrops.Set(0)
	r.updateBandwidthGauges()
}

func (r *Runtime) updateBandwidthGauges() {
	r.metrics.BandwidthSendBytes.Set(float64(r.bandwidth.SendBytes()))
	r.metrics.BandwidthTotalBytes.Set(float64(r.bandwidth.TotalBytes()))
}
