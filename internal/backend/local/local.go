// Package local implements the backend.Backend contract by running Calls as
// local OS processes, directly adapted from the teacher's
// internal/executor.LocalExecutor: synchronous execute, immediate
// status-from-exit-code, and captured stdout/stderr instead of the
// teacher's CWL-specific tool/job binding.
package local

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/wilke-labs/gowe-engine/internal/backend"
	goweerrors "github.com/wilke-labs/gowe-engine/internal/errors"
	"github.com/wilke-labs/gowe-engine/pkg/model"
)

const Name = "local"

// Backend runs calls as local subprocesses rooted under workDir.
type Backend struct {
	workDir string
	logger  *slog.Logger
}

// New creates a local Backend. If workDir is empty, os.TempDir() is used.
func New(workDir string, logger *slog.Logger) *Backend {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Backend{workDir: workDir, logger: logger.With("component", "backend-local")}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) ValidateOptions(_ context.Context, _ model.Options) []backend.OptionError {
	return nil
}

func (b *Backend) InitializeWorkflow(_ context.Context, wf *model.Workflow) (backend.InitData, error) {
	base := b.workDir
	if wf.RootOutput != "" {
		base = wf.RootOutput
	}
	root := filepath.Join(base, wf.ID.String())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &goweerrors.InitializationError{Backend: Name, Err: err}
	}
	return root, nil
}

func (b *Backend) PrepareCall(_ context.Context, key model.CallKey, init backend.InitData, runtime model.RuntimeAttributes, inputs map[string]any, callRoot string) (backend.BoundCall, error) {
	workflowRoot, _ := init.(string)
	root := filepath.Join(workflowRoot, callRoot, fmt.Sprintf("attempt-%d", key.Attempt))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return backend.BoundCall{}, fmt.Errorf("prepare call root %s: %w", root, err)
	}

	call := model.NewCall(key, runtime, inputs, time.Now().UTC())
	call.ExecutionRoot = root
	call.Detritus = model.Detritus{
		Script:     filepath.Join(root, "script"),
		Stdout:     filepath.Join(root, "stdout"),
		Stderr:     filepath.Join(root, "stderr"),
		ReturnCode: filepath.Join(root, "rc"),
		CallRoot:   root,
	}

	// Localization: every file-valued input is already on the local
	// filesystem for this backend, so remotePath == localPath.
	localPaths := make(map[string]string, len(inputs))
	for k, v := range inputs {
		if s, ok := v.(string); ok {
			localPaths[k] = s
		}
	}

	return backend.BoundCall{Call: call, LocalPaths: localPaths}, nil
}

// commandFunc is overridable in tests to avoid spawning a real process.
var commandFunc = func(ctx context.Context, script string) *exec.Cmd {
	return exec.CommandContext(ctx, "sh", script)
}

// executionHandle carries the completed result since this backend's
// Execute is synchronous: the first Poll call observes it as already done.
type executionHandle struct {
	result backend.PollResult
}

// Execute writes the call's script to its call root and runs it
// synchronously, matching the teacher's submitLegacy/submitWithEngine
// pattern of executing within Submit rather than truly async dispatch.
func (b *Backend) Execute(ctx context.Context, bc backend.BoundCall) (backend.ExecutionHandle, error) {
	call := bc.Call
	script, _ := call.Inputs["_script"].(string)
	if script == "" {
		script = "exit 0"
	}
	if err := os.WriteFile(call.Detritus.Script, []byte(script), 0o755); err != nil {
		return nil, &goweerrors.CallTransientError{Reason: "write script", Err: err}
	}

	cmd := commandFunc(ctx, call.Detritus.Script)
	cmd.Dir = call.ExecutionRoot

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()

	if err := os.WriteFile(call.Detritus.Stdout, stdoutBuf.Bytes(), 0o644); err != nil {
		b.logger.Warn("write stdout detritus failed", "error", err)
	}
	if err := os.WriteFile(call.Detritus.Stderr, stderrBuf.Bytes(), 0o644); err != nil {
		b.logger.Warn("write stderr detritus failed", "error", err)
	}

	var exitCode int
	switch e := runErr.(type) {
	case nil:
		exitCode = 0
	case *exec.ExitError:
		exitCode = e.ExitCode()
	default:
		return nil, &goweerrors.CallTransientError{Reason: "run command", Err: runErr}
	}
	if err := os.WriteFile(call.Detritus.ReturnCode, []byte(strconv.Itoa(exitCode)), 0o644); err != nil {
		b.logger.Warn("write rc detritus failed", "error", err)
	}

	code := exitCode
	return &executionHandle{result: backend.PollResult{
		Status:     backend.PollSucceeded,
		Outputs:    map[string]any{},
		ReturnCode: &code,
	}}, nil
}

func (b *Backend) Resume(_ context.Context, _ backend.BoundCall, _ string) (backend.ExecutionHandle, error) {
	return nil, backend.ErrResumeUnsupported
}

func (b *Backend) Poll(_ context.Context, handle backend.ExecutionHandle) (backend.PollResult, error) {
	h, ok := handle.(*executionHandle)
	if !ok {
		return backend.PollResult{}, fmt.Errorf("local backend: unrecognized handle type %T", handle)
	}
	return h.result, nil
}

func (b *Backend) Abort(_ context.Context, _ backend.ExecutionHandle) error {
	return nil
}

// CopyCacheHit implements both selectable strategies of spec.md §4.C.
func (b *Backend) CopyCacheHit(_ context.Context, bc backend.BoundCall, prior model.CallRef, strategy backend.CacheStrategy) (map[string]any, error) {
	switch strategy {
	case backend.UseOriginal:
		for name, v := range prior.Outputs {
			if path, ok := v.(string); ok {
				if _, err := os.Stat(path); err != nil {
					return nil, &goweerrors.CacheCopyError{Candidate: prior.Key.String(), Err: fmt.Errorf("output %s missing: %w", name, err)}
				}
			}
		}
		placeholder := filepath.Join(bc.Call.ExecutionRoot, "call_caching_placeholder.txt")
		msg := fmt.Sprintf("This call was a cache hit of %s; outputs are not duplicated on disk.\n", prior.Key.CallRootName())
		if err := os.WriteFile(placeholder, []byte(msg), 0o644); err != nil {
			b.logger.Warn("write cache placeholder failed", "error", err)
		}
		return prior.Outputs, nil

	case backend.CopyOutputs:
		outputs := make(map[string]any, len(prior.Outputs))
		for name, v := range prior.Outputs {
			path, ok := v.(string)
			if !ok {
				outputs[name] = v
				continue
			}
			dst := filepath.Join(bc.Call.ExecutionRoot, filepath.Base(path))
			if err := copyFile(path, dst); err != nil {
				return nil, &goweerrors.CacheCopyError{Candidate: prior.Key.String(), Err: err}
			}
			outputs[name] = dst
		}
		detritusPairs := map[string]string{
			prior.Detritus.Script: filepath.Join(bc.Call.ExecutionRoot, "script"),
			prior.Detritus.Stdout: filepath.Join(bc.Call.ExecutionRoot, "stdout"),
			prior.Detritus.Stderr: filepath.Join(bc.Call.ExecutionRoot, "stderr"),
		}
		for src, dst := range detritusPairs {
			if src == "" {
				continue
			}
			if err := copyFile(src, dst); err != nil {
				return nil, &goweerrors.CacheCopyError{Candidate: prior.Key.String(), Err: err}
			}
		}
		return outputs, nil
	}
	return nil, fmt.Errorf("unknown cache strategy %d", strategy)
}

func (b *Backend) CleanupWorkflow(_ context.Context, _ *model.Workflow, _ backend.InitData) error {
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

var _ backend.Backend = (*Backend)(nil)
