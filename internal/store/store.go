// Package store is the Persistence Adapter of spec.md §4.D/§7: every
// Workflow, Call, and cache candidate transition is durably recorded before
// the engine acts on it, so a crash mid-poll recovers by reading the store
// rather than trusting in-memory state. Grounded in the teacher's
// internal/store package (plain Store interface + modernc.org/sqlite-backed
// implementation, JSON-marshaled composite columns, RFC3339Nano timestamps),
// generalized from the teacher's Workflow/Submission/Task schema to the
// Workflow/Call/ExecutionInfo/CacheEntry schema this engine needs.
package store

import (
	"context"

	"github.com/wilke-labs/gowe-engine/pkg/model"
)

// Store is the full persistence contract. Implementations must make every
// write visible to a subsequent read within the same process (SQLite's WAL
// mode gives this for a single engine instance; spec.md does not require
// multi-instance coordination).
type Store interface {
	// Workflow CRUD
	CreateWorkflow(ctx context.Context, wf *model.Workflow) error
	GetWorkflow(ctx context.Context, id model.WorkflowID) (*model.Workflow, error)
	ListWorkflows(ctx context.Context, limit, offset int) ([]*model.Workflow, int, error)
	UpdateWorkflow(ctx context.Context, wf *model.Workflow) error

	// Non-terminal workflows are the engine's crash-recovery worklist: every
	// Workflow still Submitted or Running when the process last exited.
	ListNonTerminalWorkflows(ctx context.Context) ([]*model.Workflow, error)

	// Call CRUD. A Call's primary key is its CallKey (workflow, task, shard,
	// attempt); UpsertCall both inserts new attempts and persists in-place
	// status transitions of an existing attempt.
	UpsertCall(ctx context.Context, call *model.Call) error
	GetCall(ctx context.Context, key model.CallKey) (*model.Call, error)
	ListCallsByWorkflow(ctx context.Context, workflowID model.WorkflowID) ([]*model.Call, error)

	// ListNonTerminalCalls supports both crash recovery and restart planning
	// (spec.md §4.G): every Call for workflowID not yet Succeeded/Failed/Aborted.
	ListNonTerminalCalls(ctx context.Context, workflowID model.WorkflowID) ([]*model.Call, error)

	// ResetTransientExecutions resets every Starting call, and every Running
	// call with no recorded external job id, back to NotStarted — the first
	// half of the restart rule in spec.md §4.G. Returns the reset keys.
	ResetTransientExecutions(ctx context.Context, workflowID model.WorkflowID) ([]model.CallKey, error)

	// Call-cache index (spec.md §4.C).
	LookupCache(ctx context.Context, fp model.Fingerprint) (*model.CacheEntry, error)
	RecordCache(ctx context.Context, fp model.Fingerprint, ref model.CallRef) error

	Close() error
	Migrate(ctx context.Context) error
}
