// Package exprvm evaluates command-embedded file-producing expressions and
// output-location expressions (spec.md §4.E) using a JavaScript runtime,
// directly grounded in the teacher's internal/cwlexpr.Evaluator (itself
// built on goja), generalized from CWL's inputs/self/runtime context shape
// to the engine's resolved-input-map shape.
package exprvm

import (
	"fmt"

	"github.com/dop251/goja"
)

// RuntimeContext mirrors the subset of the teacher's cwlexpr.RuntimeContext
// that downstream expressions legitimately need: the execution directory
// and resolved resource request, used e.g. by memory-retry expressions.
type RuntimeContext struct {
	OutDir      string
	TmpDir      string
	Cores       int
	MemoryBytes int64
}

// Evaluator runs JavaScript expressions against a fixed (inputs, runtime)
// binding, one VM per evaluation to keep evaluations isolated (matching the
// teacher's setupVM-per-call pattern rather than sharing mutable VM state
// across concurrent Calls).
type Evaluator struct {
	library []string
}

// NewEvaluator creates an Evaluator preloaded with library JavaScript (the
// equivalent of CWL's InlineJavascriptRequirement.expressionLib).
func NewEvaluator(library []string) *Evaluator {
	return &Evaluator{library: library}
}

// Eval runs expr with the given inputs and runtime context bound as
// top-level `inputs` and `runtime` JS values, returning a Go value decoded
// from the JS result.
func (e *Evaluator) Eval(expr string, inputs map[string]any, rt RuntimeContext) (any, error) {
	vm := goja.New()

	for i, lib := range e.library {
		if _, err := vm.RunString(lib); err != nil {
			return nil, fmt.Errorf("expression library[%d]: %w", i, err)
		}
	}

	if err := vm.Set("inputs", inputs); err != nil {
		return nil, fmt.Errorf("bind inputs: %w", err)
	}
	runtimeMap := map[string]any{
		"outdir": rt.OutDir,
		"tmpdir": rt.TmpDir,
		"cores":  rt.Cores,
		"ram":    rt.MemoryBytes,
	}
	if err := vm.Set("runtime", runtimeMap); err != nil {
		return nil, fmt.Errorf("bind runtime: %w", err)
	}

	value, err := vm.RunString(expr)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	return value.Export(), nil
}

// EvalString is a convenience wrapper for expressions expected to produce a
// string (e.g. a file-producing expression's content), returning an error
// if the result isn't one.
func (e *Evaluator) EvalString(expr string, inputs map[string]any, rt RuntimeContext) (string, error) {
	v, err := e.Eval(expr, inputs, rt)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expression %q did not evaluate to a string (got %T)", expr, v)
	}
	return s, nil
}
