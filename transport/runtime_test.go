package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/madara-run/madara/filters"
	"github.com/madara-run/madara/knowledge"
	"github.com/madara-run/madara/metrics"
	"github.com/madara-run/madara/settings"
	"github.com/madara-run/madara/transport"
)

// loopback is an in-memory transport.Binding pair used to exercise the
// Runtime's send/receive pipeline without real sockets.
type loopback struct {
	out chan []byte
	in  chan []byte
}

func newLoopbackPair() (*loopback, *loopback) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	return &loopback{out: ab, in: ba}, &loopback{out: ba, in: ab}
}

func (l *loopback) Send(ctx context.Context, payload []byte) error {
	cp := append([]byte(nil), payload...)
	l.out <- cp
	return nil
}

func (l *loopback) Read(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-l.in:
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *loopback) Close() error { return nil }

func newTestRuntime(t *testing.T, bindID int, binding transport.Binding) (*transport.Runtime, *knowledge.Context) {
	t.Helper()
	rt, ctx, _ := newTestRuntimeWithTTL(t, bindID, binding, 0)
	return rt, ctx
}

// newTestRuntimeWithTTL is newTestRuntime plus control over the node's
// own RebroadcastTTL policy and access to the node's metrics.Registry
// so a caller can assert on RebroadcastTotal.
func newTestRuntimeWithTTL(t *testing.T, bindID int, binding transport.Binding, rebroadcastTTL uint8) (*transport.Runtime, *knowledge.Context, *metrics.Registry) {
	t.Helper()
	ctx := knowledge.New("")
	s := settings.New()
	s.ID = uint32(bindID)
	s.RebroadcastTTL = rebroadcastTTL
	store := settings.NewStore(s)
	pipeline := filters.NewPipeline()
	reg := metrics.New()
	rt := transport.New(ctx, binding, store, pipeline, reg, zap.NewNop())
	rt.Ready()
	rt.Start(1, 0)
	t.Cleanup(rt.Stop)
	return rt, ctx, reg
}

// Two-peer convergence: both peers write x at equal quality
// and clock, so after one exchange each observer keeps its own value
// (ties keep current); a re-set by one peer carries a strictly higher
// clock and converges both sides.
func TestTwoPeerConvergence(t *testing.T) {
	bindA, bindB := newLoopbackPair()
	rtA, ctxA := newTestRuntime(t, 0, bindA)
	rtB, ctxB := newTestRuntime(t, 1, bindB)

	xA := ctxA.GetRef("x")
	recA := knowledge.Record{}
	recA.SetInteger(1)
	ctxA.Set(xA, recA, 0, knowledge.DefaultUpdateSettings())
	require.NoError(t, rtA.SendModifieds(context.Background()))

	xB := ctxB.GetRef("x")
	recB := knowledge.Record{}
	recB.SetInteger(2)
	ctxB.Set(xB, recB, 0, knowledge.DefaultUpdateSettings())
	require.NoError(t, rtB.SendModifieds(context.Background()))

	time.Sleep(100 * time.Millisecond)

	require.Equal(t, int64(1), ctxA.Get(xA).Int())
	require.Equal(t, int64(2), ctxB.Get(xB).Int())

	recA2 := knowledge.Record{}
	recA2.SetInteger(3)
	ctxA.Set(xA, recA2, 0, knowledge.DefaultUpdateSettings())
	require.NoError(t, rtA.SendModifieds(context.Background()))

	time.Sleep(100 * time.Millisecond)

	require.Equal(t, int64(3), ctxA.Get(xA).Int())
	require.Equal(t, int64(3), ctxB.Get(xB).Int())
}

// A batch stops before the entry that would push it past the smaller of
// max_fragment_size and queue_length; deferred entries stay in the
// modified set and go out on the next send with a fresh message clock,
// so the receiver's dedup cache does not swallow them.
func TestBatchLimitDefersOverflowToNextSend(t *testing.T) {
	bindA, bindB := newLoopbackPair()

	ctxA := knowledge.New("")
	sA := settings.New()
	sA.QueueLength = 64
	storeA := settings.NewStore(sA)
	rtA := transport.New(ctxA, bindA, storeA, filters.NewPipeline(), metrics.New(), zap.NewNop())
	rtA.Ready()
	rtA.Start(1, 0)
	t.Cleanup(rtA.Stop)

	_, ctxB := newTestRuntime(t, 1, bindB)

	for _, name := range []string{"aa", "bb"} {
		rec := knowledge.Record{}
		rec.SetBinary(knowledge.UnknownBinary, make([]byte, 40))
		ctxA.Set(ctxA.GetRef(name), rec, 0, knowledge.DefaultUpdateSettings())
	}

	require.NoError(t, rtA.SendModifieds(context.Background()))
	require.Len(t, ctxA.ModifiedNames(), 1)

	require.NoError(t, rtA.SendModifieds(context.Background()))
	require.Empty(t, ctxA.ModifiedNames())

	time.Sleep(100 * time.Millisecond)

	require.Len(t, ctxB.Get(ctxB.GetRef("aa")).Bytes(), 40)
	require.Len(t, ctxB.Get(ctxB.GetRef("bb")).Bytes(), 40)
}

// Fragmented send: a 10000-byte buffer record with
// max_fragment_size=1024 goes out as 10 fragments and arrives
// byte-identical, with the record clock intact.
func TestFragmentedSendReassemblesAtReceiver(t *testing.T) {
	bindA, bindB := newLoopbackPair()

	ctxA := knowledge.New("")
	sA := settings.New()
	sA.MaxFragmentSize = 1024
	storeA := settings.NewStore(sA)
	regA := metrics.New()
	rtA := transport.New(ctxA, bindA, storeA, filters.NewPipeline(), regA, zap.NewNop())
	rtA.Ready()
	rtA.Start(1, 0)
	t.Cleanup(rtA.Stop)

	_, ctxB := newTestRuntime(t, 1, bindB)

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i)
	}
	ref := ctxA.GetRef("buf")
	rec := knowledge.Record{}
	rec.SetBinary(knowledge.UnknownBinary, payload)
	ctxA.Set(ref, rec, 0, knowledge.DefaultUpdateSettings())
	require.NoError(t, rtA.SendModifieds(context.Background()))

	require.Equal(t, float64(10), testutil.ToFloat64(regA.FragmentSentTotal))

	time.Sleep(200 * time.Millisecond)

	got := ctxB.Get(ctxB.GetRef("buf"))
	require.Equal(t, knowledge.UnknownBinary, got.Type)
	require.Equal(t, payload, got.Bytes())
	require.Equal(t, ctxA.Get(ref).Clock, got.Clock)
}

// A relay whose inbound message arrived as multiple fragments must
// re-fragment on rebroadcast: the re-encoded message is as oversize as
// the original, and no binding chunks payloads itself.
func TestRebroadcastRefragmentsOversizeRelay(t *testing.T) {
	abChan := make(chan []byte, 32)
	bcChan := make(chan []byte, 32)

	bindA := &loopback{out: abChan, in: make(chan []byte, 1)}
	bindB := &loopback{out: bcChan, in: abChan}
	bindC := &loopback{out: make(chan []byte, 1), in: bcChan}

	newNode := func(bind transport.Binding, ttl uint8) (*transport.Runtime, *knowledge.Context, *metrics.Registry) {
		ctx := knowledge.New("")
		s := settings.New()
		s.MaxFragmentSize = 1024
		s.RebroadcastTTL = ttl
		store := settings.NewStore(s)
		reg := metrics.New()
		rt := transport.New(ctx, bind, store, filters.NewPipeline(), reg, zap.NewNop())
		rt.Ready()
		rt.Start(1, 0)
		t.Cleanup(rt.Stop)
		return rt, ctx, reg
	}

	rtA, ctxA, _ := newNode(bindA, 2)
	_, _, regB := newNode(bindB, 2)
	_, ctxC, _ := newNode(bindC, 0)

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	ref := ctxA.GetRef("blob")
	rec := knowledge.Record{}
	rec.SetBinary(knowledge.UnknownBinary, payload)
	ctxA.Set(ref, rec, 0, knowledge.DefaultUpdateSettings())
	require.NoError(t, rtA.SendModifieds(context.Background()))

	time.Sleep(300 * time.Millisecond)

	got := ctxC.Get(ctxC.GetRef("blob"))
	require.Equal(t, knowledge.UnknownBinary, got.Type)
	require.Equal(t, payload, got.Bytes())
	require.Equal(t, float64(1), testutil.ToFloat64(regB.RebroadcastTotal))
	require.Equal(t, float64(10), testutil.ToFloat64(regB.FragmentSentTotal))
}

func TestQualityOverride(t *testing.T) {
	bindA, bindB := newLoopbackPair()
	rtA, ctxA := newTestRuntime(t, 0, bindA)
	rtB, ctxB := newTestRuntime(t, 1, bindB)

	xA := ctxA.GetRef("x")
	recA := knowledge.Record{}
	recA.SetInteger(1)
	ctxA.Set(xA, recA, 10, knowledge.DefaultUpdateSettings())
	require.NoError(t, rtA.SendModifieds(context.Background()))

	xB := ctxB.GetRef("x")
	recB := knowledge.Record{}
	recB.SetInteger(2)
	ctxB.Set(xB, recB, 5, knowledge.DefaultUpdateSettings())
	require.NoError(t, rtB.SendModifieds(context.Background()))

	time.Sleep(150 * time.Millisecond)

	require.Equal(t, int64(1), ctxA.Get(xA).Int())
	require.Equal(t, int64(1), ctxB.Get(xB).Int())
}

// Three-peer rebroadcast TTL chain: A sends once with
// rebroadcast_ttl=2; B applies it and rebroadcasts once with the header
// TTL decremented to 1; C, a leaf with its own rebroadcast_ttl=0,
// applies it once and never rebroadcasts further. A and C are not
// directly connected; C only ever sees the update via B's relay.
func TestThreePeerRebroadcastTTLChain(t *testing.T) {
	abChan := make(chan []byte, 16)
	bcChan := make(chan []byte, 16)

	bindA := &loopback{out: abChan, in: make(chan []byte, 1)}
	bindB := &loopback{out: bcChan, in: abChan}
	bindC := &loopback{out: make(chan []byte, 1), in: bcChan}

	rtA, ctxA, _ := newTestRuntimeWithTTL(t, 0, bindA, 2)
	_, ctxB, regB := newTestRuntimeWithTTL(t, 1, bindB, 2)
	_, ctxC, regC := newTestRuntimeWithTTL(t, 2, bindC, 0)

	xA := ctxA.GetRef("x")
	recA := knowledge.Record{}
	recA.SetInteger(42)
	ctxA.Set(xA, recA, 0, knowledge.DefaultUpdateSettings())
	require.NoError(t, rtA.SendModifieds(context.Background()))

	time.Sleep(200 * time.Millisecond)

	require.Equal(t, int64(42), ctxB.Get(ctxB.GetRef("x")).Int())
	require.Equal(t, int64(42), ctxC.Get(ctxC.GetRef("x")).Int())
	require.Equal(t, float64(1), testutil.ToFloat64(regB.RebroadcastTotal))
	require.Equal(t, float64(0), testutil.ToFloat64(regC.RebroadcastTotal))
}
