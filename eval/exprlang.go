package eval

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/madara-run/madara/knowledge"
)

// ExprLangEvaluator is the default Evaluator, built on
// github.com/expr-lang/expr: compile once with expr.Compile, run
// repeatedly with expr.Run against a map[string]any environment backed
// by the context's current values.
type ExprLangEvaluator struct{}

// NewExprLangEvaluator returns the default expr-lang-backed Evaluator.
func NewExprLangEvaluator() *ExprLangEvaluator { return &ExprLangEvaluator{} }

// Compile compiles src as a boolean/numeric/string expression.
// Variable references resolve lazily at Eval time against whatever
// VariableView is passed in, via env.
func (e *ExprLangEvaluator) Compile(src string) (CompiledExpr, error) {
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	return &compiledExprLang{program: program}, nil
}

type compiledExprLang struct {
	program *vm.Program
}

// exprEnv bridges a VariableView into the expression environment. The
// knowledge keyspace is dynamic, so keys cannot be predeclared as env
// fields at Compile time; instead a single "kv" lookup function is
// exposed and expressions reference values as kv("x").
type exprEnv struct {
	vars *VariableView
}

func (e exprEnv) KV(name string) any {
	rec := e.vars.Get(name)
	switch rec.Type {
	case knowledge.Integer:
		return rec.Int()
	case knowledge.Double:
		return rec.Float()
	case knowledge.String:
		return rec.Str()
	default:
		return rec.ToString("")
	}
}

// Eval runs the compiled program with vars bound as the "kv" function,
// so expressions reference knowledge values as kv("x") rather than bare
// identifiers, an explicit indirection that avoids having to predeclare
// every key name at Compile time.
func (c *compiledExprLang) Eval(vars *VariableView) (knowledge.Record, error) {
	env := map[string]any{
		"kv": exprEnv{vars: vars}.KV,
	}
	out, err := expr.Run(c.program, env)
	if err != nil {
		return knowledge.Record{}, err
	}
	rec := knowledge.Record{}
	switch v := out.(type) {
	case bool:
		if v {
			rec.SetInteger(1)
		} else {
			rec.SetInteger(0)
		}
	case int:
		rec.SetInteger(int64(v))
	case int64:
		rec.SetInteger(v)
	case float64:
		rec.SetDouble(v)
	case string:
		rec.SetString(v)
	default:
		return knowledge.NewUninitialized(), nil
	}
	return rec, nil
}
