package local

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/wilke-labs/gowe-engine/internal/backend"
	"github.com/wilke-labs/gowe-engine/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey() model.CallKey {
	return model.CallKey{WorkflowID: model.NewWorkflowID(), TaskName: "greet", Attempt: 1}
}

func TestBackend_ExecuteSucceeds(t *testing.T) {
	dir := t.TempDir()
	b := New(dir, testLogger())
	ctx := context.Background()

	wf := &model.Workflow{ID: model.NewWorkflowID()}
	init, err := b.InitializeWorkflow(ctx, wf)
	if err != nil {
		t.Fatalf("InitializeWorkflow: %v", err)
	}

	key := testKey()
	bc, err := b.PrepareCall(ctx, key, init, model.RuntimeAttributes{}, map[string]any{"_script": "echo hello; exit 0"}, "greet")
	if err != nil {
		t.Fatalf("PrepareCall: %v", err)
	}

	handle, err := b.Execute(ctx, bc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	result, err := b.Poll(ctx, handle)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if result.Status != backend.PollSucceeded {
		t.Fatalf("expected PollSucceeded, got %v", result.Status)
	}
	if result.ReturnCode == nil || *result.ReturnCode != 0 {
		t.Fatalf("expected return code 0, got %v", result.ReturnCode)
	}
}

func TestBackend_ExecuteNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	b := New(dir, testLogger())
	ctx := context.Background()

	wf := &model.Workflow{ID: model.NewWorkflowID()}
	init, _ := b.InitializeWorkflow(ctx, wf)
	key := testKey()
	bc, err := b.PrepareCall(ctx, key, init, model.RuntimeAttributes{}, map[string]any{"_script": "exit 3"}, "greet")
	if err != nil {
		t.Fatalf("PrepareCall: %v", err)
	}

	handle, err := b.Execute(ctx, bc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	result, _ := b.Poll(ctx, handle)
	if result.ReturnCode == nil || *result.ReturnCode != 3 {
		t.Fatalf("expected return code 3, got %v", result.ReturnCode)
	}
}

func TestBackend_ResumeUnsupported(t *testing.T) {
	b := New(t.TempDir(), testLogger())
	_, err := b.Resume(context.Background(), backend.BoundCall{}, "token")
	if err != backend.ErrResumeUnsupported {
		t.Fatalf("expected ErrResumeUnsupported, got %v", err)
	}
}

func TestBackend_CopyCacheHit_UseOriginal(t *testing.T) {
	dir := t.TempDir()
	b := New(dir, testLogger())
	ctx := context.Background()

	wf := &model.Workflow{ID: model.NewWorkflowID()}
	init, _ := b.InitializeWorkflow(ctx, wf)
	key := testKey()
	bc, err := b.PrepareCall(ctx, key, init, model.RuntimeAttributes{}, nil, "greet")
	if err != nil {
		t.Fatalf("PrepareCall: %v", err)
	}

	outPath := filepath.Join(dir, "prior-out.txt")
	if err := writeFile(outPath, "result"); err != nil {
		t.Fatalf("writeFile: %v", err)
	}

	prior := model.CallRef{
		Key:     model.CallKey{WorkflowID: wf.ID, TaskName: "greet", Attempt: 1},
		Outputs: map[string]any{"out": outPath},
	}

	outputs, err := b.CopyCacheHit(ctx, bc, prior, backend.UseOriginal)
	if err != nil {
		t.Fatalf("CopyCacheHit: %v", err)
	}
	if outputs["out"] != outPath {
		t.Fatalf("expected UseOriginal to return original path, got %v", outputs["out"])
	}
}

func TestBackend_CopyCacheHit_CopyOutputs(t *testing.T) {
	dir := t.TempDir()
	b := New(dir, testLogger())
	ctx := context.Background()

	wf := &model.Workflow{ID: model.NewWorkflowID()}
	init, _ := b.InitializeWorkflow(ctx, wf)
	key := testKey()
	bc, err := b.PrepareCall(ctx, key, init, model.RuntimeAttributes{}, nil, "greet")
	if err != nil {
		t.Fatalf("PrepareCall: %v", err)
	}

	outPath := filepath.Join(dir, "prior-out.txt")
	if err := writeFile(outPath, "result"); err != nil {
		t.Fatalf("writeFile: %v", err)
	}

	prior := model.CallRef{
		Key:     model.CallKey{WorkflowID: wf.ID, TaskName: "greet", Attempt: 1},
		Outputs: map[string]any{"out": outPath},
	}

	outputs, err := b.CopyCacheHit(ctx, bc, prior, backend.CopyOutputs)
	if err != nil {
		t.Fatalf("CopyCacheHit: %v", err)
	}
	newPath, _ := outputs["out"].(string)
	if newPath == outPath || newPath == "" {
		t.Fatalf("expected CopyOutputs to produce a distinct new path, got %v", newPath)
	}
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}
