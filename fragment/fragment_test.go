package fragment_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/madara-run/madara/fragment"
	"github.com/madara-run/madara/wire"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, payload []byte, maxFragmentSize int) {
	t.Helper()
	hdr := wire.Header{
		Domain:     "madara",
		Originator: "agent-0",
		Type:       wire.TypeMultiAssign,
		Quality:    1,
		Clock:      42,
	}
	fragments, err := fragment.Split(hdr, payload, maxFragmentSize)
	require.NoError(t, err)
	require.NotEmpty(t, fragments)

	reasm := fragment.NewReassembler(4)
	var got []byte
	var done bool
	for _, raw := range fragments {
		fp, err := wire.DecodeFragmentPayload(raw)
		require.NoError(t, err)
		got, done = reasm.Add(fp)
		if done {
			break
		}
	}
	require.True(t, done)
	require.True(t, bytes.Equal(payload, got))
}

func TestFragmentRoundTrip(t *testing.T) {
	src := rand.New(rand.NewSource(1))
	payload := make([]byte, 10000)
	src.Read(payload)

	for _, f := range []int{1, 7, 1024, 10000, 20000} {
		roundTrip(t, payload, f)
	}
}

func TestReassemblerEvictsOldestWhenFull(t *testing.T) {
	hdr := wire.Header{Originator: "a", Type: wire.TypeMultiAssign, Clock: 1}
	frags1, _ := fragment.Split(hdr, []byte("hello world, this is long enough to split"), 8)

	reasm := fragment.NewReassembler(1)
	fp0, _ := wire.DecodeFragmentPayload(frags1[0])
	reasm.Add(fp0) // slot for clock=1 opened, incomplete

	hdr2 := hdr
	hdr2.Clock = 2
	frags2, _ := fragment.Split(hdr2, []byte("another message"), 8)
	fp1, _ := wire.DecodeFragmentPayload(frags2[0])
	reasm.Add(fp1) // capacity 1: should evict clock=1's slot

	require.Equal(t, uint64(1), reasm.LossTotal())
}

func TestReassemblerOnEvictFiresOutsideLock(t *testing.T) {
	hdr := wire.Header{Originator: "a", Type: wire.TypeMultiAssign, Clock: 1}
	frags1, _ := fragment.Split(hdr, []byte("hello world, this is long enough to split"), 8)

	reasm := fragment.NewReassembler(1)
	var evicted int
	// Pending takes the reassembler's lock, so this callback would
	// deadlock if Add invoked it while still holding that lock.
	reasm.OnEvict(func() { evicted++; _ = reasm.Pending() })

	fp0, _ := wire.DecodeFragmentPayload(frags1[0])
	reasm.Add(fp0)
	require.Zero(t, evicted)

	hdr2 := hdr
	hdr2.Clock = 2
	frags2, _ := fragment.Split(hdr2, []byte("another message"), 8)
	fp1, _ := wire.DecodeFragmentPayload(frags2[0])
	reasm.Add(fp1)

	require.Equal(t, 1, evicted)
	require.Equal(t, uint64(1), reasm.LossTotal())
}
