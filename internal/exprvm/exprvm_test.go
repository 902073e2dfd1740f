package exprvm

import "testing"

func TestEvaluator_Eval_Basic(t *testing.T) {
	e := NewEvaluator(nil)
	v, err := e.Eval(`inputs.count * 2`, map[string]any{"count": 21}, RuntimeContext{})
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	n, ok := v.(int64)
	if !ok || n != 42 {
		t.Fatalf("Eval result = %v (%T), want 42", v, v)
	}
}

func TestEvaluator_EvalString(t *testing.T) {
	e := NewEvaluator(nil)
	s, err := e.EvalString(`runtime.outdir + "/out.txt"`, nil, RuntimeContext{OutDir: "/work"})
	if err != nil {
		t.Fatalf("EvalString: %v", err)
	}
	if s != "/work/out.txt" {
		t.Fatalf("EvalString = %q, want /work/out.txt", s)
	}
}

func TestEvaluator_Library(t *testing.T) {
	e := NewEvaluator([]string{`function double(x) { return x * 2; }`})
	v, err := e.Eval(`double(inputs.n)`, map[string]any{"n": 5}, RuntimeContext{})
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if n, ok := v.(int64); !ok || n != 10 {
		t.Fatalf("Eval result = %v, want 10", v)
	}
}

func TestEvaluator_BadExpression(t *testing.T) {
	e := NewEvaluator(nil)
	if _, err := e.Eval(`this is not js`, nil, RuntimeContext{}); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}
