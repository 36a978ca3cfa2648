// Package checkpoint implements save/load of the knowledge base's
// persisted state: a log of Header+Entry-encoded batches, appended at
// each save, replayed through the conflict-resolution rule on load.
package checkpoint

import (
	"io"
	"os"
	"time"

	"github.com/madara-run/madara/api"
	"github.com/madara-run/madara/knowledge"
	"github.com/madara-run/madara/pool"
	"github.com/madara-run/madara/wire"
)

// Save appends one batch (the given names' current values in ctx) to
// path as a single Header+Entry-encoded message. Called repeatedly,
// path accumulates a log of such messages.
func Save(path string, ctx *knowledge.Context, names []string, originator string) error {
	entries := make([]wire.Entry, 0, len(names))
	for _, name := range names {
		ref := ctx.GetRef(name)
		rec := ctx.Get(ref)
		if rec.IsUninitialized() {
			continue
		}
		entries = append(entries, wire.Entry{
			Key:     name,
			Type:    rec.Type,
			Clock:   rec.Clock,
			Payload: wire.EncodeRecord(rec),
		})
	}

	msg := wire.Message{
		Header: wire.Header{
			Domain:      "checkpoint",
			Originator:  originator,
			Type:        wire.TypeMultiAssign,
			NumUpdates:  uint32(len(entries)),
			Clock:       ctx.Clock(),
			TimestampNS: time.Now().UnixNano(),
		},
		Entries: entries,
	}
	buf, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(buf)
	return err
}

// Load replays every message in the checkpoint log at path into ctx
// through the conflict-resolution rule. clearFirst, when true, honors
// clear_knowledge semantics: every key in ctx is reset to Uninitialized
// before replay begins, so the final state is exactly what the log
// describes rather than a merge with whatever ctx already held.
func Load(path string, ctx *knowledge.Context, clearFirst bool) (int, error) {
	if clearFirst {
		overwrite := knowledge.UpdateSettings{AlwaysOverwrite: true}
		for _, name := range ctx.Keys() {
			ref := ctx.GetRef(name)
			ctx.Apply(ref.Name(), knowledge.NewUninitialized(), overwrite)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	applied := 0
	var sizeBuf [8]byte
	// Each replayed record's raw bytes live only for the body of one
	// loop iteration (read, copied into full, decoded), so the scratch
	// buffer is checked out of and returned to a shared pool instead of
	// allocated fresh per record.
	restPool := pool.NewBufferPoolManager().GetPool(-1)
	for {
		if _, err := io.ReadFull(f, sizeBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return applied, err
		}
		size := leUint64(sizeBuf[:])
		if size < 8 {
			return applied, api.CodecErrorf("checkpoint: declared message size %d is shorter than its own size prefix", size)
		}
		rest := restPool.Get(int(size-8), -1)
		if _, err := io.ReadFull(f, rest.Data); err != nil {
			rest.Release()
			return applied, err
		}
		full := append(sizeBuf[:], rest.Data...)
		rest.Release()
		msg, err := wire.Decode(full)
		if err != nil {
			return applied, err
		}
		for _, e := range msg.Entries {
			rec := wire.DecodeRecord(e.Type, e.Clock, e.Payload)
			rec.Quality = msg.Header.Quality
			if ctx.Apply(e.Key, rec, knowledge.UpdateSettings{}) {
				applied++
			}
		}
	}
	return applied, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
