// Package eval exposes the core's opaque "evaluate a compiled
// expression against the context" capability; a concrete expression
// language is an external collaborator. The core only needs an
// Evaluator interface and a VariableView adapter that lets an
// expression engine read/write knowledge.Context through the same
// public surface any other client uses.
package eval

import (
	"time"

	"github.com/madara-run/madara/knowledge"
)

// VariableView is the read/write surface an expression engine gets
// into a Context: nothing more than knowledge.Context.GetRef/Get/Set
// under a stable name, so a third-party evaluator never needs its own
// copy of the conflict rule or the modified-set bookkeeping.
type VariableView struct {
	ctx *knowledge.Context
}

// NewVariableView wraps ctx for use by an Evaluator implementation.
func NewVariableView(ctx *knowledge.Context) *VariableView {
	return &VariableView{ctx: ctx}
}

// Get returns the current value of name.
func (v *VariableView) Get(name string) knowledge.Record {
	return v.ctx.Get(v.ctx.GetRef(name))
}

// Set writes value to name as a local write at the given quality.
func (v *VariableView) Set(name string, value knowledge.Record, quality uint32) {
	v.ctx.Set(v.ctx.GetRef(name), value, quality, knowledge.DefaultUpdateSettings())
}

// Evaluator compiles and evaluates expressions against a
// VariableView. Compile is separated from Evaluate so a caller can
// compile once and evaluate repeatedly, e.g. from WaitOn's poll loop.
type Evaluator interface {
	Compile(expr string) (CompiledExpr, error)
}

// CompiledExpr is a pre-compiled expression ready for repeated
// evaluation against a VariableView.
type CompiledExpr interface {
	Eval(vars *VariableView) (knowledge.Record, error)
}

// WaitOn polls compiled at pollFrequency (or returns as soon as it
// evaluates truthy) until maxWait elapses. The caller MUST inspect the
// first return value: false means the deadline elapsed before the
// expression went true.
func WaitOn(vars *VariableView, compiled CompiledExpr, pollFrequency, maxWait time.Duration) (bool, error) {
	deadline := time.Now().Add(maxWait)
	if pollFrequency <= 0 {
		pollFrequency = 10 * time.Millisecond
	}
	for {
		rec, err := compiled.Eval(vars)
		if err != nil {
			return false, err
		}
		if rec.IsTrue() {
			return true, nil
		}
		if maxWait > 0 && time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(pollFrequency)
	}
}
