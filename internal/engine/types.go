// Package engine is the Engine Supervisor of spec.md §4.J: it admits
// submissions, enforces global and per-backend concurrency, drives each
// admitted Workflow's lifecycle by composing internal/workflow,
// internal/scatter, and internal/call, and coordinates graceful shutdown.
// Grounded in the teacher's worker.Worker.Run heartbeat/poll loop shape
// (Config + Default* constructor, a long-lived Run loop selecting on
// ctx.Done()), generalized from one worker polling one server to
// supervising many concurrent Workflow and Call state machines.
package engine

import (
	"context"

	"github.com/wilke-labs/gowe-engine/internal/call"
	"github.com/wilke-labs/gowe-engine/pkg/model"
)

// Submission is the front-end record of spec.md §6: a workflow document
// reference, its inputs/options/labels, and an optional dependency bundle.
type Submission struct {
	WorkflowSource string // inline text or resolvable URL
	WorkflowRoot   string // optional override of options["workflow_root"]
	Inputs         map[string]any
	Options        map[string]any
	Labels         map[string]string
	Dependencies   string // optional archive reference
}

// GraphBuilder is the out-of-scope document-parsing collaborator
// (spec.md §1): given a submission it returns the derived Task Graph and,
// for every task-call node, the resolved TaskDefinition and per-node inputs
// the engine needs to drive Call Machines. The core only consumes this
// shape; it never parses a workflow document itself.
type GraphBuilder interface {
	Build(ctx context.Context, sub Submission) (*model.TaskGraph, NodeResolver, error)
}

// NodeResolver maps a ready task-call or scatter node to the concrete
// pieces a Call Machine or Scatter Expander needs: the task definition,
// the resolved runtime attributes, the resolved input values, and (for
// scatter nodes) the collection length.
type NodeResolver interface {
	TaskDefinition(nodeID string) (call.TaskDefinition, error)
	Runtime(nodeID string) (model.RuntimeAttributes, error)
	Inputs(nodeID string) (map[string]any, error)
	ScatterLength(nodeID string) (int, error)
}

// GraphBuilderFunc adapts a plain function to GraphBuilder.
type GraphBuilderFunc func(ctx context.Context, sub Submission) (*model.TaskGraph, NodeResolver, error)

func (f GraphBuilderFunc) Build(ctx context.Context, sub Submission) (*model.TaskGraph, NodeResolver, error) {
	return f(ctx, sub)
}
