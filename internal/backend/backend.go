// Package backend defines the abstract dispatch/poll/abort/resume/
// cache-hit-copy contract every execution substrate must satisfy (spec.md
// §4.D), generalizing the teacher's internal/executor.Executor interface
// (Submit/Status/Cancel/Logs) to the richer nine-operation contract the
// spec requires. Backends are tagged-dispatch variants (spec.md §9 design
// notes), not a class hierarchy.
package backend

import (
	"context"

	"github.com/wilke-labs/gowe-engine/pkg/model"
)

// OptionError describes one rejected workflow option (spec.md §4.D
// validateOptions).
type OptionError struct {
	Key     string
	Message string
}

// InitData is opaque backend-prepared state returned from
// InitializeWorkflow (e.g. a prepared credential file) and threaded into
// PrepareCall/CleanupWorkflow.
type InitData any

// BoundCall is a Call with its runtime attributes resolved and its
// execution root assigned by the backend (spec.md §4.D prepareCall).
type BoundCall struct {
	Call       *model.Call
	LocalPaths map[string]string // remotePath -> backend-local path, for localization
}

// ExecutionHandle is opaque backend state identifying one in-flight
// dispatch, threaded through successive Poll calls.
type ExecutionHandle any

// PollStatus is the discriminant of a PollResult.
type PollStatus int

const (
	PollRunning PollStatus = iota
	PollSucceeded
	PollFailed
	PollAborted
)

// PollResult is the outcome of one Poll call (spec.md §4.D, §6 error codes).
type PollResult struct {
	Status PollStatus

	// Valid when Status == PollRunning: an updated opaque handle for the
	// next poll.
	NextHandle ExecutionHandle

	// Valid when Status == PollSucceeded.
	Outputs    map[string]any
	ReturnCode *int
	Events     []string

	// Valid when Status == PollFailed.
	ErrorCode     string // one of spec.md §6: preempted, canceled, transient-io, nonretryable
	ErrorMessage  string
	Retryable     bool
}

// Backend is the contract the engine requires of every pluggable execution
// substrate (spec.md §4.D). Each operation is asynchronous and may suspend.
type Backend interface {
	// Name identifies this backend variant for registry lookup and metadata.
	Name() string

	// ValidateOptions checks workflow options this backend recognizes.
	ValidateOptions(ctx context.Context, opts model.Options) []OptionError

	// InitializeWorkflow prepares backend-wide state for one workflow.
	InitializeWorkflow(ctx context.Context, wf *model.Workflow) (InitData, error)

	// PrepareCall resolves runtime attributes and assigns a call root.
	PrepareCall(ctx context.Context, key model.CallKey, init InitData, runtime model.RuntimeAttributes, inputs map[string]any, callRoot string) (BoundCall, error)

	// Execute dispatches a bound call and returns its execution handle.
	Execute(ctx context.Context, call BoundCall) (ExecutionHandle, error)

	// Resume reattaches to a previously dispatched call via a resume token
	// (e.g. an external job id recovered from persistence). Optional:
	// backends without durable external jobs return ErrResumeUnsupported.
	Resume(ctx context.Context, call BoundCall, resumeToken string) (ExecutionHandle, error)

	// Poll checks the status of a dispatched call.
	Poll(ctx context.Context, handle ExecutionHandle) (PollResult, error)

	// Abort requests cancellation of a dispatched call.
	Abort(ctx context.Context, handle ExecutionHandle) error

	// CopyCacheHit materializes or verifies a prior result per the selected
	// strategy (spec.md §4.C).
	CopyCacheHit(ctx context.Context, call BoundCall, prior model.CallRef, strategy CacheStrategy) (map[string]any, error)

	// CleanupWorkflow releases backend-wide state for one workflow.
	CleanupWorkflow(ctx context.Context, wf *model.Workflow, init InitData) error
}

// CacheStrategy selects how a cache hit is materialized (spec.md §4.C).
type CacheStrategy int

const (
	UseOriginal CacheStrategy = iota
	CopyOutputs
)

// ErrResumeUnsupported is returned by backends that cannot reattach to an
// in-flight external job (Resume is an optional capability per spec.md §4.D).
var ErrResumeUnsupported = backendError("resume is not supported by this backend")

type backendError string

func (e backendError) Error() string { return string(e) }
