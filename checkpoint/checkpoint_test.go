package checkpoint_test

import (
	"path/filepath"
	"testing"

	"github.com/madara-run/madara/checkpoint"
	"github.com/madara-run/madara/knowledge"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.kb")

	ctx := knowledge.New("agent-0")
	xRef := ctx.GetRef("x")
	rec := knowledge.Record{}
	rec.SetInteger(7)
	ctx.Set(xRef, rec, 0, knowledge.DefaultUpdateSettings())

	require.NoError(t, checkpoint.Save(path, ctx, []string{"x"}, "agent-0"))

	ctx2 := knowledge.New("agent-1")
	n, err := checkpoint.Load(path, ctx2, false)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int64(7), ctx2.Get(ctx2.GetRef("x")).Int())
}

// Multiple appended records of differing sizes exercise the Load loop's
// reused scratch buffer across iterations, guarding against aliasing
// between one record's decoded bytes and the next.
func TestSaveLoadMultipleEntriesOfDifferingSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.kb")

	ctx := knowledge.New("agent-0")

	var short knowledge.Record
	short.SetInteger(1)
	ctx.Set(ctx.GetRef("a"), short, 0, knowledge.DefaultUpdateSettings())
	require.NoError(t, checkpoint.Save(path, ctx, []string{"a"}, "agent-0"))

	var long knowledge.Record
	long.SetString("a much longer string value to force a bigger scratch buffer on replay")
	ctx.Set(ctx.GetRef("b"), long, 0, knowledge.DefaultUpdateSettings())
	require.NoError(t, checkpoint.Save(path, ctx, []string{"b"}, "agent-0"))

	var again knowledge.Record
	again.SetInteger(2)
	ctx.Set(ctx.GetRef("a"), again, 0, knowledge.DefaultUpdateSettings())
	require.NoError(t, checkpoint.Save(path, ctx, []string{"a"}, "agent-0"))

	ctx2 := knowledge.New("agent-1")
	n, err := checkpoint.Load(path, ctx2, false)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, int64(2), ctx2.Get(ctx2.GetRef("a")).Int())
	require.Equal(t, long.Str(), ctx2.Get(ctx2.GetRef("b")).Str())
}
