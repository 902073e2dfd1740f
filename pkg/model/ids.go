package model

import "github.com/google/uuid"

// WorkflowID is the opaque 128-bit identity of a Workflow (spec.md §3).
type WorkflowID uuid.UUID

// NewWorkflowID generates a fresh random WorkflowID.
func NewWorkflowID() WorkflowID {
	return WorkflowID(uuid.New())
}

// ParseWorkflowID parses a canonical UUID string into a WorkflowID.
func ParseWorkflowID(s string) (WorkflowID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return WorkflowID{}, err
	}
	return WorkflowID(id), nil
}

func (id WorkflowID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the zero value.
func (id WorkflowID) IsZero() bool {
	return id == WorkflowID{}
}
