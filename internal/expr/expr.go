// Package expr is the engine's sandboxed expression evaluator. Conditions,
// value expressions and input interpolation all use HCL expression syntax
// evaluated against a fixed variable scope: "context" (run input, env,
// state and any injected bindings) and "results" (completed step outputs,
// keyed by step ID).
//
// The evaluator exposes no functions and no ambient state; an expression can
// only read the two scope variables. It is an interpreter over parsed
// syntax, never a code-eval facility.
//
// Failure handling is asymmetric: a failing condition evaluates to false,
// while a failing value expression falls back to the raw expression text.
package expr

import (
	"encoding/json"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Env is the variable scope an expression evaluates against.
type Env struct {
	// Context holds the run-level bindings: input, env, state, plus any
	// construct-local bindings (item, index, error, iteration).
	Context map[string]any

	// Results maps completed step IDs to their recorded outputs.
	Results map[string]any
}

// With returns a copy of the Env with an extra context binding. The receiver
// is not modified.
func (e Env) With(key string, value any) Env {
	ctx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	return Env{Context: ctx, Results: e.Results}
}

// EvalCondition evaluates src as a boolean condition. Any failure (parse
// error, unknown reference, non-boolean result) yields false.
func EvalCondition(src string, env Env) bool {
	expr, diags := hclsyntax.ParseExpression([]byte(src), "condition", hcl.InitialPos)
	if diags.HasErrors() {
		return false
	}
	val, diags := expr.Value(evalContext(env))
	if diags.HasErrors() || val.IsNull() || !val.IsKnown() {
		return false
	}
	b, err := convert.Convert(val, cty.Bool)
	if err != nil || b.IsNull() {
		return false
	}
	return b.True()
}

// EvalValue evaluates src as a value expression. Any failure yields the raw
// expression text unevaluated.
func EvalValue(src string, env Env) any {
	expr, diags := hclsyntax.ParseExpression([]byte(src), "value", hcl.InitialPos)
	if diags.HasErrors() {
		return src
	}
	val, diags := expr.Value(evalContext(env))
	if diags.HasErrors() || !val.IsKnown() {
		return src
	}
	out, err := fromCty(val)
	if err != nil {
		return src
	}
	return out
}

// Interpolate resolves "${...}" templates inside v. Strings are treated as
// HCL templates; maps and slices are walked recursively; other values pass
// through unchanged. A string whose template fails to evaluate is returned
// as-is.
func Interpolate(v any, env Env) any {
	switch tv := v.(type) {
	case string:
		return interpolateString(tv, env)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = Interpolate(item, env)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = Interpolate(item, env)
		}
		return out
	default:
		return v
	}
}

func interpolateString(s string, env Env) any {
	if !strings.Contains(s, "${") {
		return s
	}
	expr, diags := hclsyntax.ParseTemplate([]byte(s), "template", hcl.InitialPos)
	if diags.HasErrors() {
		return s
	}
	val, diags := expr.Value(evalContext(env))
	if diags.HasErrors() || !val.IsKnown() {
		return s
	}
	out, err := fromCty(val)
	if err != nil {
		return s
	}
	return out
}

func evalContext(env Env) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"context": toCty(env.Context),
			"results": toCty(env.Results),
		},
	}
}

// toCty converts an arbitrary Go value through its JSON view. Values that do
// not survive a JSON round trip appear to expressions as null; agents that
// want their outputs addressable from expressions return JSON-shaped data.
func toCty(v any) cty.Value {
	if v == nil {
		return cty.EmptyObjectVal
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return cty.NullVal(cty.DynamicPseudoType)
	}
	ty, err := ctyjson.ImpliedType(raw)
	if err != nil {
		return cty.NullVal(cty.DynamicPseudoType)
	}
	val, err := ctyjson.Unmarshal(raw, ty)
	if err != nil {
		return cty.NullVal(cty.DynamicPseudoType)
	}
	return val
}

func fromCty(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	raw, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
