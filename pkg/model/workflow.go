package model

import "time"

// WorkflowStatus is the lifecycle state of a Workflow (spec.md §3).
type WorkflowStatus string

const (
	WorkflowSubmitted WorkflowStatus = "Submitted"
	WorkflowRunning   WorkflowStatus = "Running"
	WorkflowSucceeded WorkflowStatus = "Succeeded"
	WorkflowFailed    WorkflowStatus = "Failed"
	WorkflowAborted   WorkflowStatus = "Aborted"
)

// IsTerminal reports whether no further Workflow transition is expected.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowSucceeded, WorkflowFailed, WorkflowAborted:
		return true
	}
	return false
}

var validWorkflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowSubmitted: {WorkflowRunning, WorkflowAborted},
	WorkflowRunning:   {WorkflowSucceeded, WorkflowFailed, WorkflowAborted},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	for _, allowed := range validWorkflowTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Workflow is a submitted workflow instance (spec.md §3).
type Workflow struct {
	ID WorkflowID

	SourceRef   string // submitted document reference (opaque to the core)
	ContentHash string // sha256 of the source document; persisted, but nothing in the engine sets or reads it

	Inputs  map[string]any
	Options Options
	Labels  map[string]string

	ImportsRef string // optional dependency bundle reference
	RootOutput string // root output location

	Status WorkflowStatus

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// NewWorkflow builds a freshly-submitted Workflow row.
func NewWorkflow(id WorkflowID, sourceRef string, inputs map[string]any, opts Options, labels map[string]string, now time.Time) *Workflow {
	return &Workflow{
		ID:         id,
		SourceRef:  sourceRef,
		Inputs:     inputs,
		Options:    opts,
		Labels:     labels,
		RootOutput: opts.WorkflowRoot(),
		Status:     WorkflowSubmitted,
		CreatedAt:  now,
	}
}
