package bvbrc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wilke-labs/gowe-engine/internal/backend"
	goweerrors "github.com/wilke-labs/gowe-engine/internal/errors"
	"github.com/wilke-labs/gowe-engine/pkg/model"
)

const Name = "bvbrc"

// reservedKeys are internal keys stripped from params before sending to the
// remote service, matching the teacher's executor.reservedKeys.
var reservedKeys = map[string]bool{
	"_script":       true,
	"_output_globs": true,
	"_docker_image": true,
	"_app_id":       true,
}

// Backend submits calls to a remote JSON-RPC 1.1 application service and
// polls for completion, generalizing the teacher's BVBRCExecutor from a
// single hardcoded AppService into a reusable remote-job Backend variant.
type Backend struct {
	caller   RPCCaller
	username string
	logger   *slog.Logger
}

func New(caller RPCCaller, username string, logger *slog.Logger) *Backend {
	return &Backend{caller: caller, username: username, logger: logger.With("component", "backend-bvbrc")}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) ValidateOptions(_ context.Context, opts model.Options) []backend.OptionError {
	var errs []backend.OptionError
	if root := opts.WorkflowRoot(); root == "" {
		// remote workspace path is derived from username when unset; not an error
		_ = root
	}
	return errs
}

func (b *Backend) InitializeWorkflow(_ context.Context, wf *model.Workflow) (backend.InitData, error) {
	workspace := fmt.Sprintf("/%s@patricbrc.org/home/%s/", b.username, wf.ID.String())
	return workspace, nil
}

func (b *Backend) PrepareCall(_ context.Context, key model.CallKey, init backend.InitData, runtime model.RuntimeAttributes, inputs map[string]any, callRoot string) (backend.BoundCall, error) {
	call := model.NewCall(key, runtime, inputs, time.Now().UTC())
	workspace, _ := init.(string)
	call.ExecutionRoot = workspace + callRoot
	return backend.BoundCall{Call: call}, nil
}

func (b *Backend) Execute(ctx context.Context, bc backend.BoundCall) (backend.ExecutionHandle, error) {
	call := bc.Call

	appID, _ := call.Inputs["_app_id"].(string)
	if appID == "" {
		return nil, &goweerrors.CallFatalError{Reason: fmt.Sprintf("call %s: _app_id is missing", call.Key)}
	}

	params := make(map[string]any, len(call.Inputs))
	for k, v := range call.Inputs {
		if reservedKeys[k] {
			continue
		}
		params[k] = v
	}

	result, err := b.caller.Call(ctx, "AppService.start_app", []any{appID, params, call.ExecutionRoot})
	if err != nil {
		return nil, &goweerrors.CallTransientError{Reason: "start_app", Err: err}
	}

	var jobs []map[string]any
	if err := json.Unmarshal(result, &jobs); err != nil {
		return nil, fmt.Errorf("call %s: parse start_app response: %w", call.Key, err)
	}
	if len(jobs) == 0 {
		return nil, &goweerrors.CallTransientError{Reason: "start_app returned no jobs", Err: fmt.Errorf("empty result")}
	}

	jobID := fmt.Sprintf("%v", jobs[0]["id"])
	call.SetExecutionInfo(model.ExecInfoExternalJobID, jobID)
	b.logger.Info("job submitted", "call", call.Key.String(), "external_job_id", jobID)

	return jobID, nil
}

// Resume reattaches to an externally running job using the job id recovered
// from persistence — this is where bvbrc diverges from local: the remote
// service, not this process, is the source of truth for in-flight work.
func (b *Backend) Resume(_ context.Context, bc backend.BoundCall, resumeToken string) (backend.ExecutionHandle, error) {
	if resumeToken == "" {
		return nil, fmt.Errorf("call %s: resume requires a non-empty external job id", bc.Call.Key)
	}
	return resumeToken, nil
}

func (b *Backend) Poll(ctx context.Context, handle backend.ExecutionHandle) (backend.PollResult, error) {
	jobID, ok := handle.(string)
	if !ok {
		return backend.PollResult{}, fmt.Errorf("bvbrc backend: unrecognized handle type %T", handle)
	}

	result, err := b.caller.Call(ctx, "AppService.query_tasks", []any{[]string{jobID}})
	if err != nil {
		return backend.PollResult{}, &goweerrors.CallTransientError{Reason: "query_tasks", Err: err}
	}

	var results []map[string]struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &results); err != nil {
		return backend.PollResult{}, fmt.Errorf("parse query_tasks response: %w", err)
	}
	if len(results) == 0 {
		return backend.PollResult{Status: backend.PollRunning, NextHandle: jobID}, nil
	}

	info, ok := results[0][jobID]
	if !ok {
		return backend.PollResult{Status: backend.PollRunning, NextHandle: jobID}, nil
	}

	switch info.Status {
	case "queued", "in-progress":
		return backend.PollResult{Status: backend.PollRunning, NextHandle: jobID}, nil
	case "completed":
		zero := 0
		return backend.PollResult{Status: backend.PollSucceeded, Outputs: map[string]any{}, ReturnCode: &zero}, nil
	case "failed":
		return backend.PollResult{Status: backend.PollFailed, ErrorCode: "transient-io", Retryable: true, ErrorMessage: "remote job failed"}, nil
	case "deleted", "suspended":
		return backend.PollResult{Status: backend.PollAborted}, nil
	default:
		return backend.PollResult{Status: backend.PollRunning, NextHandle: jobID}, nil
	}
}

func (b *Backend) Abort(ctx context.Context, handle backend.ExecutionHandle) error {
	jobID, ok := handle.(string)
	if !ok || jobID == "" {
		return nil
	}
	_, err := b.caller.Call(ctx, "AppService.kill_task", []any{jobID})
	if err != nil {
		return fmt.Errorf("kill_task %s: %w", jobID, err)
	}
	return nil
}

// CopyCacheHit treats both strategies alike: outputs referenced by
// workspace path are reused as-is, so it returns the prior outputs
// unchanged. Nothing is copied and the referenced paths are not checked
// for existence.
func (b *Backend) CopyCacheHit(_ context.Context, _ backend.BoundCall, prior model.CallRef, _ backend.CacheStrategy) (map[string]any, error) {
	return prior.Outputs, nil
}

func (b *Backend) CleanupWorkflow(_ context.Context, _ *model.Workflow, _ backend.InitData) error {
	return nil
}

var _ backend.Backend = (*Backend)(nil)
