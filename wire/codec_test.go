package wire_test

import (
	"testing"

	"github.com/madara-run/madara/knowledge"
	"github.com/madara-run/madara/wire"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := knowledge.Record{}
	rec.SetInteger(42)

	msg := wire.Message{
		Header: wire.Header{
			Domain:      "madara",
			Originator:  "agent-0",
			Type:        wire.TypeMultiAssign,
			NumUpdates:  1,
			Quality:     3,
			Clock:       7,
			TimestampNS: 123456789,
			TTL:         2,
		},
		Entries: []wire.Entry{
			{Key: "x", Type: knowledge.Integer, Clock: 7, Payload: wire.EncodeRecord(rec)},
		},
	}

	buf, err := wire.Encode(msg)
	require.NoError(t, err)

	decoded, err := wire.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, msg.Header.Domain, decoded.Header.Domain)
	require.Equal(t, msg.Header.Originator, decoded.Header.Originator)
	require.Equal(t, msg.Header.Quality, decoded.Header.Quality)
	require.Equal(t, msg.Header.Clock, decoded.Header.Clock)
	require.Equal(t, msg.Header.TTL, decoded.Header.TTL)
	require.Len(t, decoded.Entries, 1)

	got := wire.DecodeRecord(decoded.Entries[0].Type, decoded.Entries[0].Clock, decoded.Entries[0].Payload)
	require.Equal(t, int64(42), got.Int())
}

func TestReducedHeaderOmitsDomainAndTTL(t *testing.T) {
	msg := wire.Message{
		Header: wire.Header{
			Originator: "agent-1",
			Type:       wire.TypeReducedMultiAssign,
			NumUpdates: 0,
			Quality:    1,
			Clock:      1,
		},
	}
	buf, err := wire.Encode(msg)
	require.NoError(t, err)

	decoded, err := wire.Decode(buf)
	require.NoError(t, err)
	require.Empty(t, decoded.Header.Domain)
	require.Zero(t, decoded.Header.TTL)
}

func TestStringRoundTrip(t *testing.T) {
	rec := knowledge.Record{}
	rec.SetString("hello")
	payload := wire.EncodeRecord(rec)
	got := wire.DecodeRecord(knowledge.String, 1, payload)
	require.Equal(t, "hello", got.Str())
}

func TestIntegerArrayRoundTrip(t *testing.T) {
	rec := knowledge.Record{}
	rec.SetIntegerArray([]int64{1, 2, 3})
	payload := wire.EncodeRecord(rec)
	got := wire.DecodeRecord(knowledge.IntegerArray, 1, payload)
	require.Equal(t, []int64{1, 2, 3}, got.IntArray())
}
