package knowledge_test

import (
	"sync"
	"testing"
	"time"

	"github.com/madara-run/madara/internal/concurrency"
	"github.com/madara-run/madara/knowledge"
	"github.com/stretchr/testify/require"
)

func TestGetRefDoesNotMarkModified(t *testing.T) {
	ctx := knowledge.New("a")
	ctx.GetRef("x")
	require.Empty(t, ctx.ModifiedNames())
}

func TestSetMarksModifiedAndAdvancesClock(t *testing.T) {
	ctx := knowledge.New("a")
	ref := ctx.GetRef("x")

	var v knowledge.Record
	v.SetInteger(1)
	ctx.Set(ref, v, 0, knowledge.DefaultUpdateSettings())

	require.Contains(t, ctx.ModifiedNames(), "x")
	got := ctx.Get(ref)
	require.Equal(t, int64(1), got.Int())
	require.Equal(t, uint64(1), got.Clock)
	require.Equal(t, uint64(1), ctx.Clock())
}

// Conflict rule determinism: higher quality wins regardless of clock;
// equal quality falls back to higher clock; exact ties keep the current
// value.
func TestApplyConflictRuleQualityThenClock(t *testing.T) {
	ctx := knowledge.New("observer")
	ctx.GetRef("x")

	var low knowledge.Record
	low.SetInteger(1)
	low.Clock = 5
	low.Quality = 1
	require.True(t, ctx.Apply("x", low, knowledge.UpdateSettings{}))

	var higherQuality knowledge.Record
	higherQuality.SetInteger(2)
	higherQuality.Clock = 1
	higherQuality.Quality = 2
	require.True(t, ctx.Apply("x", higherQuality, knowledge.UpdateSettings{}))
	require.Equal(t, int64(2), ctx.Get(ctx.GetRef("x")).Int())

	var lowerQualityHigherClock knowledge.Record
	lowerQualityHigherClock.SetInteger(3)
	lowerQualityHigherClock.Clock = 100
	lowerQualityHigherClock.Quality = 1
	require.False(t, ctx.Apply("x", lowerQualityHigherClock, knowledge.UpdateSettings{}))
	require.Equal(t, int64(2), ctx.Get(ctx.GetRef("x")).Int())

	var sameQualityHigherClock knowledge.Record
	sameQualityHigherClock.SetInteger(4)
	sameQualityHigherClock.Clock = 2
	sameQualityHigherClock.Quality = 2
	require.True(t, ctx.Apply("x", sameQualityHigherClock, knowledge.UpdateSettings{}))
	require.Equal(t, int64(4), ctx.Get(ctx.GetRef("x")).Int())
}

func TestApplyTieKeepsCurrent(t *testing.T) {
	ctx := knowledge.New("observer")

	var first knowledge.Record
	first.SetInteger(1)
	first.Clock = 3
	first.Quality = 1
	require.True(t, ctx.Apply("x", first, knowledge.UpdateSettings{}))

	var tie knowledge.Record
	tie.SetInteger(2)
	tie.Clock = 3
	tie.Quality = 1
	require.False(t, ctx.Apply("x", tie, knowledge.UpdateSettings{}))
	require.Equal(t, int64(1), ctx.Get(ctx.GetRef("x")).Int())
}

// Quality override: A sets x=1 at write_quality=10; B's x=2 at
// write_quality=5 must lose regardless of clock ordering.
func TestQualityOverrideScenario(t *testing.T) {
	ctx := knowledge.New("observer")

	var a knowledge.Record
	a.SetInteger(1)
	a.Clock = 1
	a.Quality = 10
	require.True(t, ctx.Apply("x", a, knowledge.UpdateSettings{}))

	var b knowledge.Record
	b.SetInteger(2)
	b.Clock = 5
	b.Quality = 5
	require.False(t, ctx.Apply("x", b, knowledge.UpdateSettings{}))
	require.Equal(t, int64(1), ctx.Get(ctx.GetRef("x")).Int())
}

func TestLocalScopeDefaultForDotPrefixedKeys(t *testing.T) {
	ctx := knowledge.New("a")
	ref := ctx.GetRef(".private")
	var v knowledge.Record
	v.SetInteger(1)
	ctx.Set(ref, v, 0, knowledge.DefaultUpdateSettings())
	require.Equal(t, knowledge.Local, ctx.Get(ref).Scope)
	require.True(t, ref.IsLocal())
}

func TestMonotoneClockAcrossConcurrentWriters(t *testing.T) {
	ctx := knowledge.New("a")
	ref := ctx.GetRef("x")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			var v knowledge.Record
			v.SetInteger(n)
			ctx.Set(ref, v, 0, knowledge.DefaultUpdateSettings())
		}(int64(i))
	}
	wg.Wait()

	require.Equal(t, uint64(50), ctx.Get(ref).Clock)
}

func TestWaitForChangeSignaledBySet(t *testing.T) {
	ctx := knowledge.New("a")
	ref := ctx.GetRef("x")

	done := make(chan bool, 1)
	go func() {
		done <- ctx.WaitForChange(true, time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	var v knowledge.Record
	v.SetInteger(1)
	ctx.Set(ref, v, 0, knowledge.DefaultUpdateSettings())

	select {
	case changed := <-done:
		require.True(t, changed)
	case <-time.After(time.Second):
		t.Fatal("WaitForChange did not return after Set")
	}
}

func TestWaitForChangeTimesOut(t *testing.T) {
	ctx := knowledge.New("a")
	changed := ctx.WaitForChange(true, 20*time.Millisecond)
	require.False(t, changed)
}

func TestApplyModifiedClearsWhenRequested(t *testing.T) {
	ctx := knowledge.New("a")
	ref := ctx.GetRef("x")
	var v knowledge.Record
	v.SetInteger(1)
	ctx.Set(ref, v, 0, knowledge.DefaultUpdateSettings())

	before := ctx.Get(ref).Clock
	ctx.ApplyModified(true)
	require.Empty(t, ctx.ModifiedNames())
	require.Greater(t, ctx.Get(ref).Clock, before)
}

func TestSaveAndAddModifieds(t *testing.T) {
	ctx := knowledge.New("a")
	ref := ctx.GetRef("x")
	var v knowledge.Record
	v.SetInteger(1)
	ctx.Set(ref, v, 0, knowledge.DefaultUpdateSettings())

	saved := ctx.SaveModifieds()
	require.Empty(t, ctx.ModifiedNames())
	require.Len(t, saved, 1)

	ctx.AddModifieds(saved)
	require.Contains(t, ctx.ModifiedNames(), "x")
}

func TestTrackLocalChangesRecordsDotKeys(t *testing.T) {
	ctx := knowledge.New("a")
	settings := knowledge.DefaultUpdateSettings()
	settings.TrackLocalChanges = true

	var v knowledge.Record
	v.SetInteger(1)
	ctx.Set(ctx.GetRef(".private"), v, 0, settings)
	ctx.Set(ctx.GetRef("shared"), v, 0, settings)

	require.Equal(t, []string{".private"}, ctx.LocalChangeNames())

	ctx.ClearLocalChanges()
	require.Empty(t, ctx.LocalChangeNames())
}

func TestStrictMonotoneContextClock(t *testing.T) {
	ctx := knowledge.New("a")
	ctx.SetStrictMonotone(true)
	ref := ctx.GetRef("x")

	var v1 knowledge.Record
	v1.SetInteger(1)
	ctx.Set(ref, v1, 0, knowledge.DefaultUpdateSettings())
	first := ctx.Clock()

	var v2 knowledge.Record
	v2.SetInteger(2)
	ctx.Set(ref, v2, 0, knowledge.DefaultUpdateSettings())
	require.Greater(t, ctx.Clock(), first)
}

type recordingHandler struct {
	mu     sync.Mutex
	events []knowledge.ChangeEvent
	done   chan struct{}
}

func (h *recordingHandler) HandleEvent(ev concurrency.Event) {
	h.mu.Lock()
	h.events = append(h.events, ev.Payload.(knowledge.ChangeEvent))
	h.mu.Unlock()
	select {
	case h.done <- struct{}{}:
	default:
	}
}

// Set calls made with UpdateSettings.StreamChanges deliver a pre/post
// ChangeEvent to every subscriber; calls without it deliver nothing.
func TestStreamChangesNotifiesSubscribersWithPrePostValues(t *testing.T) {
	ctx := knowledge.New("a")
	defer ctx.Close()
	ref := ctx.GetRef("x")

	h := &recordingHandler{done: make(chan struct{}, 1)}
	ctx.Subscribe(h)

	var before knowledge.Record
	before.SetInteger(1)
	ctx.Set(ref, before, 0, knowledge.DefaultUpdateSettings())

	settings := knowledge.DefaultUpdateSettings()
	settings.StreamChanges = true
	var after knowledge.Record
	after.SetInteger(2)
	ctx.Set(ref, after, 0, settings)

	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("subscriber never received a change event")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.events, 1)
	require.Equal(t, "x", h.events[0].Name)
	require.Equal(t, int64(1), h.events[0].Before.Int())
	require.Equal(t, int64(2), h.events[0].After.Int())
}

func TestCloseWithoutSubscribeIsSafe(t *testing.T) {
	ctx := knowledge.New("a")
	ctx.Close()
}

// AlwaysOverwrite bypasses the conflict-resolution rule entirely: a
// lower-quality, lower-clock incoming record still replaces what is
// stored.
func TestApplyAlwaysOverwriteBypassesConflictRule(t *testing.T) {
	ctx := knowledge.New("observer")

	var current knowledge.Record
	current.SetInteger(1)
	current.Clock = 100
	current.Quality = 10
	require.True(t, ctx.Apply("x", current, knowledge.UpdateSettings{}))

	var stale knowledge.Record
	stale.SetInteger(2)
	stale.Clock = 1
	stale.Quality = 1
	require.False(t, ctx.Apply("x", stale, knowledge.UpdateSettings{}))
	require.Equal(t, int64(1), ctx.Get(ctx.GetRef("x")).Int())

	require.True(t, ctx.Apply("x", stale, knowledge.UpdateSettings{AlwaysOverwrite: true}))
	require.Equal(t, int64(2), ctx.Get(ctx.GetRef("x")).Int())
}

// History ring reachable through the Context: capacity 4 on k, set
// 1..6, expect history [3,4,5,6], newest 6, oldest 3.
func TestContextHistoryRing(t *testing.T) {
	ctx := knowledge.New("a")
	ref := ctx.GetRef("k")
	ctx.EnableHistory(ref, 4)

	for i := int64(1); i <= 6; i++ {
		var v knowledge.Record
		v.SetInteger(i)
		ctx.Set(ref, v, 0, knowledge.DefaultUpdateSettings())
	}

	require.Equal(t, 4, ctx.HistoryLen(ref))
	all := ctx.HistoryAll(ref)
	require.Len(t, all, 4)
	for i, want := range []int64{3, 4, 5, 6} {
		require.Equal(t, want, all[i].Int())
	}

	oldest, ok := ctx.HistoryOldest(ref)
	require.True(t, ok)
	require.Equal(t, int64(3), oldest.Int())

	newest, ok := ctx.HistoryNewest(ref)
	require.True(t, ok)
	require.Equal(t, int64(6), newest.Int())
}

// Applying an Uninitialized record (the checkpoint clear-knowledge
// path) never leaves the key in the modified set: Uninitialized values
// must never appear in ModifiedNames or transmit.
func TestApplyUninitializedNeverModified(t *testing.T) {
	ctx := knowledge.New("observer")

	var v knowledge.Record
	v.SetInteger(5)
	v.Clock = 3
	v.Quality = 1
	require.True(t, ctx.Apply("x", v, knowledge.UpdateSettings{}))
	require.Contains(t, ctx.ModifiedNames(), "x")

	require.True(t, ctx.Apply("x", knowledge.NewUninitialized(), knowledge.UpdateSettings{AlwaysOverwrite: true}))
	require.NotContains(t, ctx.ModifiedNames(), "x")
	require.True(t, ctx.Get(ctx.GetRef("x")).IsUninitialized())
}
