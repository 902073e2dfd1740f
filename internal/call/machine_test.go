package call

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wilke-labs/gowe-engine/internal/backend"
	"github.com/wilke-labs/gowe-engine/internal/cache"
	"github.com/wilke-labs/gowe-engine/internal/exprvm"
	iolocal "github.com/wilke-labs/gowe-engine/internal/iopath/local"
	"github.com/wilke-labs/gowe-engine/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend is a scripted backend.Backend used to drive the Machine
// through each branch of spec.md §4.E without a real process or network.
type fakeBackend struct {
	prepareErr error
	executeErr error
	pollResult backend.PollResult
	pollErr    error
	polled     int

	cacheHitOutputs map[string]any
	cacheHitErr     error
}

func (f *fakeBackend) Name() string { return "fake" }
func (f *fakeBackend) ValidateOptions(context.Context, model.Options) []backend.OptionError {
	return nil
}
func (f *fakeBackend) InitializeWorkflow(context.Context, *model.Workflow) (backend.InitData, error) {
	return nil, nil
}
func (f *fakeBackend) PrepareCall(_ context.Context, key model.CallKey, _ backend.InitData, runtime model.RuntimeAttributes, inputs map[string]any, callRoot string) (backend.BoundCall, error) {
	if f.prepareErr != nil {
		return backend.BoundCall{}, f.prepareErr
	}
	dir, err := os.MkdirTemp("", "call-root-*")
	if err != nil {
		return backend.BoundCall{}, err
	}
	c := model.NewCall(key, runtime, inputs, time.Now().UTC())
	c.ExecutionRoot = dir
	c.Detritus = model.Detritus{
		Script: filepath.Join(dir, "script"), Stdout: filepath.Join(dir, "stdout"),
		Stderr: filepath.Join(dir, "stderr"), ReturnCode: filepath.Join(dir, "rc"), CallRoot: dir,
	}
	_ = os.WriteFile(c.Detritus.Stderr, nil, 0o644)
	return backend.BoundCall{Call: c}, nil
}
func (f *fakeBackend) Execute(context.Context, backend.BoundCall) (backend.ExecutionHandle, error) {
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	return "handle", nil
}
func (f *fakeBackend) Resume(context.Context, backend.BoundCall, string) (backend.ExecutionHandle, error) {
	return nil, backend.ErrResumeUnsupported
}
func (f *fakeBackend) Poll(context.Context, backend.ExecutionHandle) (backend.PollResult, error) {
	f.polled++
	return f.pollResult, f.pollErr
}
func (f *fakeBackend) Abort(context.Context, backend.ExecutionHandle) error { return nil }
func (f *fakeBackend) CopyCacheHit(context.Context, backend.BoundCall, model.CallRef, backend.CacheStrategy) (map[string]any, error) {
	return f.cacheHitOutputs, f.cacheHitErr
}
func (f *fakeBackend) CleanupWorkflow(context.Context, *model.Workflow, backend.InitData) error {
	return nil
}

var _ backend.Backend = (*fakeBackend)(nil)

// fakeCache is an in-memory cache.Index.
type fakeCache struct {
	entry *model.CacheEntry
	err   error

	recorded []model.CallRef
}

func (c *fakeCache) Lookup(context.Context, model.Fingerprint) (*model.CacheEntry, error) {
	return c.entry, c.err
}
func (c *fakeCache) Record(_ context.Context, _ model.Fingerprint, ref model.CallRef) error {
	c.recorded = append(c.recorded, ref)
	return nil
}

var _ cache.Index = (*fakeCache)(nil)

func newTestKey() model.CallKey {
	return model.CallKey{WorkflowID: model.NewWorkflowID(), TaskName: "greet", Attempt: 1}
}

func newMachine(t *testing.T, b backend.Backend, c cache.Index) *Machine {
	t.Helper()
	io := iolocal.New(testLogger())
	return NewMachine(Deps{
		Backend: b,
		Cache:   c,
		IO:      io,
		Expr:    exprvm.NewEvaluator(nil),
		Logger:  testLogger(),
	}, DefaultPolicy())
}

func TestMachine_Succeeds(t *testing.T) {
	rc := 0
	fb := &fakeBackend{pollResult: backend.PollResult{Status: backend.PollSucceeded, ReturnCode: &rc, Outputs: map[string]any{"msg": "hi"}}}
	fc := &fakeCache{}
	m := newMachine(t, fb, fc)

	key := newTestKey()
	c := model.NewCall(key, model.RuntimeAttributes{}, map[string]any{}, time.Now().UTC())
	wf := &model.Workflow{ID: key.WorkflowID}
	opts := model.DefaultOptions()

	task := TaskDefinition{Name: "greet", ReturnCodePolicy: DefaultReturnCodePolicy()}

	if err := m.Run(context.Background(), wf, c, task, nil, opts, backend.UseOriginal); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.Status != model.CallSucceeded {
		t.Fatalf("expected Succeeded, got %s", c.Status)
	}
	if c.Outputs["msg"] != "hi" {
		t.Fatalf("expected outputs propagated, got %v", c.Outputs)
	}
	if len(fc.recorded) != 1 {
		t.Fatalf("expected cache record, got %d", len(fc.recorded))
	}
}

func TestMachine_NonRetryableFailure(t *testing.T) {
	fb := &fakeBackend{pollResult: backend.PollResult{Status: backend.PollFailed, ErrorCode: "nonretryable", Retryable: false, ErrorMessage: "boom"}}
	fc := &fakeCache{}
	m := newMachine(t, fb, fc)

	key := newTestKey()
	c := model.NewCall(key, model.RuntimeAttributes{}, map[string]any{}, time.Now().UTC())
	wf := &model.Workflow{ID: key.WorkflowID}
	opts := model.DefaultOptions()
	task := TaskDefinition{Name: "greet", ReturnCodePolicy: DefaultReturnCodePolicy()}

	if err := m.Run(context.Background(), wf, c, task, nil, opts, backend.UseOriginal); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.Status != model.CallFailed {
		t.Fatalf("expected Failed, got %s", c.Status)
	}
}

func TestMachine_RetryableFailureUnderBudget(t *testing.T) {
	fb := &fakeBackend{pollResult: backend.PollResult{Status: backend.PollFailed, ErrorCode: "transient-io", Retryable: true, ErrorMessage: "temporary"}}
	fc := &fakeCache{}
	m := newMachine(t, fb, fc)

	key := newTestKey()
	c := model.NewCall(key, model.RuntimeAttributes{}, map[string]any{}, time.Now().UTC())
	wf := &model.Workflow{ID: key.WorkflowID}
	opts := model.DefaultOptions()
	task := TaskDefinition{Name: "greet", ReturnCodePolicy: DefaultReturnCodePolicy()}

	if err := m.Run(context.Background(), wf, c, task, nil, opts, backend.UseOriginal); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.Status != model.CallRetryableFailed {
		t.Fatalf("expected RetryableFailure, got %s", c.Status)
	}
}

func TestMachine_Preempted(t *testing.T) {
	// Budget P=3: attempts 1 and 2 stay within budget (attempt <= P) and
	// keep preemptible true on the next attempt, matching spec.md §8 S2
	// ("preemptible flag true on all" while budget has not been exhausted).
	fb := &fakeBackend{pollResult: backend.PollResult{Status: backend.PollFailed, ErrorCode: "preempted", ErrorMessage: "spot reclaimed"}}
	fc := &fakeCache{}
	m := newMachine(t, fb, fc)

	key := newTestKey()
	c := model.NewCall(key, model.RuntimeAttributes{Preemptible: true}, map[string]any{}, time.Now().UTC())
	wf := &model.Workflow{ID: key.WorkflowID}
	opts := model.Options{"preemptible_attempt_budget": 3}
	task := TaskDefinition{Name: "greet", ReturnCodePolicy: DefaultReturnCodePolicy()}

	if err := m.Run(context.Background(), wf, c, task, nil, opts, backend.UseOriginal); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.Status != model.CallPreempted {
		t.Fatalf("expected Preempted, got %s", c.Status)
	}

	next := BuildNextAttempt(c, opts, time.Now().UTC())
	if !next.Runtime.Preemptible {
		t.Fatal("expected preemptible to remain set while budget is not yet exhausted")
	}
	if next.Key.Attempt != c.Key.Attempt+1 {
		t.Fatalf("expected monotonic attempt increment, got %d", next.Key.Attempt)
	}
}

func TestMachine_PreemptionBudgetExhausted(t *testing.T) {
	// Budget P=2: attempt 2 is the last one allowed to land on Preempted
	// (attempt <= P); the following attempt must switch to non-preemptible,
	// matching spec.md §8 S3.
	fb := &fakeBackend{pollResult: backend.PollResult{Status: backend.PollFailed, ErrorCode: "preempted", ErrorMessage: "spot reclaimed"}}
	fc := &fakeCache{}
	m := newMachine(t, fb, fc)

	key := newTestKey()
	key.Attempt = 2
	c := model.NewCall(key, model.RuntimeAttributes{Preemptible: true}, map[string]any{}, time.Now().UTC())
	wf := &model.Workflow{ID: key.WorkflowID}
	opts := model.Options{"preemptible_attempt_budget": 2}
	task := TaskDefinition{Name: "greet", ReturnCodePolicy: DefaultReturnCodePolicy()}

	if err := m.Run(context.Background(), wf, c, task, nil, opts, backend.UseOriginal); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.Status != model.CallPreempted {
		t.Fatalf("expected Preempted, got %s", c.Status)
	}

	next := BuildNextAttempt(c, opts, time.Now().UTC())
	if next.Runtime.Preemptible {
		t.Fatal("expected preemptible cleared once budget is exhausted")
	}
}

func TestMachine_CacheHit(t *testing.T) {
	fb := &fakeBackend{cacheHitOutputs: map[string]any{"msg": "cached"}}
	fc := &fakeCache{entry: &model.CacheEntry{Candidates: []model.CallRef{{Key: newTestKey()}}}}
	m := newMachine(t, fb, fc)

	key := newTestKey()
	c := model.NewCall(key, model.RuntimeAttributes{}, map[string]any{}, time.Now().UTC())
	wf := &model.Workflow{ID: key.WorkflowID}
	opts := model.DefaultOptions()
	task := TaskDefinition{Name: "greet", ReturnCodePolicy: DefaultReturnCodePolicy()}

	if err := m.Run(context.Background(), wf, c, task, nil, opts, backend.UseOriginal); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.Status != model.CallSucceeded || !c.CacheHit {
		t.Fatalf("expected cache-hit Succeeded, got status=%s cacheHit=%v", c.Status, c.CacheHit)
	}
	if c.Outputs["msg"] != "cached" {
		t.Fatalf("expected cached outputs, got %v", c.Outputs)
	}
	if fb.polled != 0 {
		t.Fatalf("expected no poll on cache hit, got %d polls", fb.polled)
	}
}

func TestMachine_ReturnCodeRejected(t *testing.T) {
	rc := 2
	fb := &fakeBackend{pollResult: backend.PollResult{Status: backend.PollSucceeded, ReturnCode: &rc}}
	fc := &fakeCache{}
	m := newMachine(t, fb, fc)

	key := newTestKey()
	c := model.NewCall(key, model.RuntimeAttributes{}, map[string]any{}, time.Now().UTC())
	wf := &model.Workflow{ID: key.WorkflowID}
	opts := model.DefaultOptions()
	task := TaskDefinition{Name: "greet", ReturnCodePolicy: DefaultReturnCodePolicy()}

	if err := m.Run(context.Background(), wf, c, task, nil, opts, backend.UseOriginal); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.Status != model.CallFailed {
		t.Fatalf("expected Failed due to rejected return code, got %s", c.Status)
	}
}
