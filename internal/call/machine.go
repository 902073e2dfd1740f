package call

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/wilke-labs/gowe-engine/internal/backend"
	"github.com/wilke-labs/gowe-engine/internal/cache"
	goweerrors "github.com/wilke-labs/gowe-engine/internal/errors"
	"github.com/wilke-labs/gowe-engine/internal/exprvm"
	"github.com/wilke-labs/gowe-engine/internal/iopath"
	"github.com/wilke-labs/gowe-engine/pkg/model"
)

// Observer is notified after every Call state transition. It is the seam
// through which internal/engine's storeObserver persists the Call
// (internal/store) and then publishes metadata (internal/metadata), without
// this package importing either (spec.md §4.I/§4.H: transitions are
// persisted, then emitted, in that order).
type Observer interface {
	CallTransitioned(ctx context.Context, c *model.Call) error
}

// Deps are the collaborators one Machine needs to drive a Call: the bound
// backend, the cache index, the storage capability for delocalization, and
// the expression evaluator for output expressions.
type Deps struct {
	Backend  backend.Backend
	Cache    cache.Index
	IO       iopath.Capability
	Expr     *exprvm.Evaluator
	Observer Observer
	Logger   *slog.Logger
}

// Machine drives exactly one Call through spec.md §4.E.
type Machine struct {
	deps   Deps
	policy Policy
}

func NewMachine(deps Deps, policy Policy) *Machine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Machine{deps: deps, policy: policy}
}

// Run drives call from NotStarted to a terminal-for-this-attempt status:
// Succeeded, Failed, Aborted, RetryableFailure, or Preempted. Callers build
// and Run the next attempt (a new Call row) via BuildNextAttempt.
func (m *Machine) Run(ctx context.Context, wf *model.Workflow, call *model.Call, task TaskDefinition, wfInit backend.InitData, opts model.Options, strategy backend.CacheStrategy) error {
	logger := m.deps.Logger.With("call", call.Key.String())

	callRoot := callRootName(task.Name, call.Key)

	if opts.ReadFromCache() {
		hit, err := m.tryCacheHit(ctx, call, task, wfInit, callRoot, strategy)
		if err != nil {
			logger.Warn("cache lookup failed, falling through to fresh dispatch", "error", err)
		} else if hit {
			return m.transition(ctx, call, model.CallSucceeded)
		}
	}

	if err := m.transition(ctx, call, model.CallStarting); err != nil {
		return err
	}

	var bc backend.BoundCall
	dispatchErr := m.policy.DispatchRetry.Run(ctx, func(ctx context.Context) error {
		var err error
		bc, err = m.deps.Backend.PrepareCall(ctx, call.Key, wfInit, call.Runtime, call.Inputs, callRoot)
		return err
	})
	if dispatchErr != nil {
		call.FailureReason = dispatchErr.Error()
		return m.transition(ctx, call, model.CallFailed)
	}
	call.ExecutionRoot = bc.Call.ExecutionRoot
	call.Detritus = bc.Call.Detritus

	var handle backend.ExecutionHandle
	dispatchErr = m.policy.DispatchRetry.Run(ctx, func(ctx context.Context) error {
		var err error
		handle, err = m.deps.Backend.Execute(ctx, bc)
		return err
	})
	if dispatchErr != nil {
		call.FailureReason = dispatchErr.Error()
		return m.transition(ctx, call, model.CallFailed)
	}

	if err := m.transition(ctx, call, model.CallRunning); err != nil {
		return err
	}

	result, pollErr := m.pollUntilTerminal(ctx, handle)
	if pollErr != nil {
		if abortErr := m.deps.Backend.Abort(context.WithoutCancel(ctx), handle); abortErr != nil {
			logger.Warn("abort after poll cancellation failed", "error", abortErr)
		}
		transitionErr := m.transition(context.WithoutCancel(ctx), call, model.CallAborted)
		if transitionErr != nil {
			return transitionErr
		}
		return pollErr
	}

	switch result.Status {
	case backend.PollAborted:
		return m.transition(ctx, call, model.CallAborted)
	case backend.PollSucceeded:
		return m.finishSucceeded(ctx, call, task, result, opts)
	case backend.PollFailed:
		return m.finishFailed(ctx, call, result, opts)
	default:
		return fmt.Errorf("call %s: poll returned non-terminal status %v after pollUntilTerminal", call.Key, result.Status)
	}
}

// Resume continues driving an already-Running call from an ExecutionHandle
// obtained via backend.Resume, re-entering the poll loop directly instead of
// PrepareCall/Execute — spec.md §4.G/S6: the Call transitions straight to a
// terminal status without a new attempt.
func (m *Machine) Resume(ctx context.Context, call *model.Call, task TaskDefinition, handle backend.ExecutionHandle, opts model.Options) error {
	logger := m.deps.Logger.With("call", call.Key.String())

	result, pollErr := m.pollUntilTerminal(ctx, handle)
	if pollErr != nil {
		if abortErr := m.deps.Backend.Abort(context.WithoutCancel(ctx), handle); abortErr != nil {
			logger.Warn("abort after resumed-poll cancellation failed", "error", abortErr)
		}
		return m.transition(context.WithoutCancel(ctx), call, model.CallAborted)
	}

	switch result.Status {
	case backend.PollAborted:
		return m.transition(ctx, call, model.CallAborted)
	case backend.PollSucceeded:
		return m.finishSucceeded(ctx, call, task, result, opts)
	case backend.PollFailed:
		return m.finishFailed(ctx, call, result, opts)
	default:
		return fmt.Errorf("call %s: resumed poll returned non-terminal status %v", call.Key, result.Status)
	}
}

func (m *Machine) pollUntilTerminal(ctx context.Context, handle backend.ExecutionHandle) (backend.PollResult, error) {
	attempt := 0
	for {
		attempt++
		result, err := m.deps.Backend.Poll(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return backend.PollResult{}, ctx.Err()
			}
			if sleepErr := retrySleep(ctx, m.policy.PollBackoff, attempt); sleepErr != nil {
				return backend.PollResult{}, sleepErr
			}
			continue
		}
		if result.Status == backend.PollRunning {
			handle = result.NextHandle
			if sleepErr := retrySleep(ctx, m.policy.PollBackoff, attempt); sleepErr != nil {
				return backend.PollResult{}, sleepErr
			}
			continue
		}
		return result, nil
	}
}

func retrySleep(ctx context.Context, p interface {
	NextInterval(int) time.Duration
}, attempt int) error {
	d := p.NextInterval(attempt)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Machine) finishSucceeded(ctx context.Context, call *model.Call, task TaskDefinition, result backend.PollResult, opts model.Options) error {
	call.ReturnCode = result.ReturnCode

	if call.ReturnCode == nil {
		call.FailureReason = "return code missing or unparsable"
		return m.transition(ctx, call, model.CallFailed)
	}
	if !task.ReturnCodePolicy.Accepts(*call.ReturnCode) {
		call.FailureReason = fmt.Sprintf("return code %d rejected by continueOnReturnCode policy", *call.ReturnCode)
		return m.transition(ctx, call, model.CallFailed)
	}
	if task.FailOnStderr && call.Detritus.Stderr != "" {
		size, err := m.deps.IO.Size(ctx, call.Detritus.Stderr)
		if err == nil && size > 0 {
			call.FailureReason = "failOnStderr: non-empty stderr"
			return m.transition(ctx, call, model.CallFailed)
		}
	}

	outputs, err := m.evaluateOutputs(ctx, call, task, result)
	if err != nil {
		call.FailureReason = err.Error()
		return m.transition(ctx, call, model.CallFailed)
	}
	call.Outputs = outputs

	if opts.WriteToCache() {
		if err := m.recordCache(ctx, call, task); err != nil {
			m.deps.Logger.Warn("cache record failed", "call", call.Key.String(), "error", err)
		}
	}

	return m.transition(ctx, call, model.CallSucceeded)
}

// evaluateOutputs runs each declared output expression against the call's
// working directory and delocalizes any resulting file path into the call
// root under the workflow root, grounded in the teacher's
// internal/execution.ExecuteTool collectOutputs step.
func (m *Machine) evaluateOutputs(ctx context.Context, call *model.Call, task TaskDefinition, result backend.PollResult) (map[string]any, error) {
	if result.Outputs != nil && len(task.Outputs) == 0 {
		return result.Outputs, nil
	}

	rt := exprvm.RuntimeContext{OutDir: call.ExecutionRoot, TmpDir: call.ExecutionRoot}
	outputs := make(map[string]any, len(task.Outputs))
	for _, decl := range task.Outputs {
		value, err := m.deps.Expr.Eval(decl.Expr, call.Inputs, rt)
		if err != nil {
			return nil, fmt.Errorf("evaluate output %q: %w", decl.Name, err)
		}
		if path, ok := value.(string); ok && path != "" {
			delocalized, err := m.delocalize(ctx, call, path)
			if err != nil {
				return nil, fmt.Errorf("delocalize output %q: %w", decl.Name, err)
			}
			value = delocalized
		}
		outputs[decl.Name] = value
	}
	return outputs, nil
}

func (m *Machine) delocalize(ctx context.Context, call *model.Call, path string) (string, error) {
	dst := filepath.Join(call.ExecutionRoot, filepath.Base(path))
	if path == dst {
		return path, nil
	}
	exists, err := m.deps.IO.Exists(ctx, path)
	if err != nil || !exists {
		return path, nil
	}
	if err := m.deps.IO.Copy(ctx, path, dst, iopath.DefaultMultipartOptions()); err != nil {
		return "", err
	}
	return dst, nil
}

func (m *Machine) finishFailed(ctx context.Context, call *model.Call, result backend.PollResult, opts model.Options) error {
	call.FailureReason = result.ErrorMessage

	if result.ErrorCode == "preempted" {
		if call.Key.Attempt <= opts.PreemptionBudget() {
			return m.transition(ctx, call, model.CallPreempted)
		}
		return m.transition(ctx, call, model.CallFailed)
	}

	if result.Retryable && call.Key.Attempt < m.policy.MaxAttempts {
		return m.transition(ctx, call, model.CallRetryableFailed)
	}

	return m.transition(ctx, call, model.CallFailed)
}

func (m *Machine) tryCacheHit(ctx context.Context, call *model.Call, task TaskDefinition, wfInit backend.InitData, callRoot string, strategy backend.CacheStrategy) (bool, error) {
	fileDigests, _ := m.fileDigests(ctx, call)
	fp, err := cache.Fingerprint(task.cacheBody(), call.Inputs, fileDigests, task.Image)
	if err != nil {
		return false, err
	}
	call.Fingerprint = &fp

	entry, err := m.deps.Cache.Lookup(ctx, fp)
	if err != nil {
		return false, &goweerrors.CacheLookupError{Err: err}
	}
	if entry == nil {
		return false, nil
	}

	for _, candidate := range entry.Candidates {
		bc, err := m.deps.Backend.PrepareCall(ctx, call.Key, wfInit, call.Runtime, call.Inputs, callRoot)
		if err != nil {
			continue
		}
		outputs, err := m.deps.Backend.CopyCacheHit(ctx, bc, candidate, strategy)
		if err != nil {
			m.deps.Logger.Debug("stale cache candidate, trying next", "call", call.Key.String(), "candidate", candidate.Key.String(), "error", err)
			continue
		}
		call.ExecutionRoot = bc.Call.ExecutionRoot
		call.Detritus = bc.Call.Detritus
		call.Outputs = outputs
		call.CacheHit = true
		return true, nil
	}
	return false, nil
}

func (m *Machine) fileDigests(ctx context.Context, call *model.Call) ([]cache.FileDigest, int) {
	var digests []cache.FileDigest
	nonFile := 0
	for k, v := range call.Inputs {
		s, ok := v.(string)
		if !ok {
			nonFile++
			continue
		}
		exists, err := m.deps.IO.Exists(ctx, s)
		if err != nil || !exists {
			nonFile++
			continue
		}
		digest, err := m.deps.IO.Checksum(ctx, s, iopath.SHA256)
		if err != nil {
			nonFile++
			continue
		}
		digests = append(digests, cache.FileDigest{InputName: k, Digest: digest})
	}
	return digests, nonFile
}

func (m *Machine) recordCache(ctx context.Context, call *model.Call, task TaskDefinition) error {
	if call.Fingerprint == nil {
		fileDigests, _ := m.fileDigests(ctx, call)
		fp, err := cache.Fingerprint(task.cacheBody(), call.Inputs, fileDigests, task.Image)
		if err != nil {
			return err
		}
		call.Fingerprint = &fp
	}
	ref := model.CallRef{Key: call.Key, Outputs: call.Outputs, Detritus: call.Detritus}
	return m.deps.Cache.Record(ctx, *call.Fingerprint, ref)
}

// transition validates and applies a Call status change, then persists and
// publishes it via the Observer, matching spec.md §4.H's "transitions are
// persisted, metadata emitted only after commit" ordering.
func (m *Machine) transition(ctx context.Context, call *model.Call, next model.CallStatus) error {
	if !call.Status.CanTransitionTo(next) {
		return fmt.Errorf("call %s: illegal transition %s -> %s", call.Key, call.Status, next)
	}
	call.Status = next
	now := time.Now().UTC()
	switch next {
	case model.CallStarting:
		if call.StartedAt == nil {
			call.StartedAt = &now
		}
	case model.CallSucceeded, model.CallFailed, model.CallAborted, model.CallRetryableFailed, model.CallPreempted:
		call.CompletedAt = &now
	}
	if m.deps.Observer != nil {
		return m.deps.Observer.CallTransitioned(ctx, call)
	}
	return nil
}

// BuildNextAttempt constructs the NotStarted Call row for the attempt
// following a Preempted or RetryableFailure terminal status, applying the
// preemptible-clear and memory-retry-multiplier rules of spec.md §4.E.
func BuildNextAttempt(call *model.Call, opts model.Options, now time.Time) *model.Call {
	runtime := call.Runtime.Clone()

	switch call.Status {
	case model.CallPreempted:
		if call.Key.Attempt >= opts.PreemptionBudget() {
			runtime.Preemptible = false
		}
	case model.CallRetryableFailed:
		if multiplier, ok := opts.MemoryRetryMultiplier(); ok && matchesMemoryRetrySubstring(call.FailureReason) {
			runtime.MemoryBytes = int64(float64(runtime.MemoryBytes) * multiplier)
		}
	}

	return call.NextAttempt(runtime, now)
}

// callRootName builds the "call-<taskName>[-<shard>]" convention of
// spec.md §4.E outputs delocalization.
func callRootName(taskName string, key model.CallKey) string {
	if shard, ok := key.ShardIndex(); ok {
		return fmt.Sprintf("call-%s-%d", taskName, shard)
	}
	return fmt.Sprintf("call-%s", taskName)
}
