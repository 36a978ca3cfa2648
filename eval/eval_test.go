package eval_test

import (
	"testing"
	"time"

	"github.com/madara-run/madara/eval"
	"github.com/madara-run/madara/knowledge"
	"github.com/stretchr/testify/require"
)

func TestExprLangEvaluatorComparesKnowledgeValues(t *testing.T) {
	ctx := knowledge.New("a")
	var v knowledge.Record
	v.SetInteger(5)
	ctx.Set(ctx.GetRef("x"), v, 0, knowledge.DefaultUpdateSettings())

	ev := eval.NewExprLangEvaluator()
	compiled, err := ev.Compile(`kv("x") >= 5`)
	require.NoError(t, err)

	vars := eval.NewVariableView(ctx)
	rec, err := compiled.Eval(vars)
	require.NoError(t, err)
	require.True(t, rec.IsTrue())
}

func TestWaitOnReturnsTrueOnceExpressionBecomesTruthy(t *testing.T) {
	ctx := knowledge.New("a")
	vars := eval.NewVariableView(ctx)

	ev := eval.NewExprLangEvaluator()
	compiled, err := ev.Compile(`kv("ready") == "1"`)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		var v knowledge.Record
		v.SetString("1")
		ctx.Set(ctx.GetRef("ready"), v, 0, knowledge.DefaultUpdateSettings())
	}()

	ok, err := eval.WaitOn(vars, compiled, 5*time.Millisecond, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestWaitOnTimesOutWhenNeverTruthy(t *testing.T) {
	ctx := knowledge.New("a")
	vars := eval.NewVariableView(ctx)

	ev := eval.NewExprLangEvaluator()
	compiled, err := ev.Compile(`kv("never") == "1"`)
	require.NoError(t, err)

	ok, err := eval.WaitOn(vars, compiled, 5*time.Millisecond, 30*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}
