// Package workflow drives one Workflow's Submitted -> Running ->
// {Succeeded,Failed,Aborted} lifecycle over its Task Graph, and computes the
// restart plan of spec.md §4.G. Grounded in the teacher's
// internal/scheduler/loop.go finalizeSubmissions/advancePending
// state-aggregation pattern, generalized from the teacher's five-state
// model (which has no restart contract) to the full §4.G rules.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/wilke-labs/gowe-engine/pkg/model"
)

// NodeStatus is the lifecycle of one Task Graph node as observed by the
// Workflow Machine (not a Call's own status — a scatter node's NodeStatus
// reflects its Collector, a task-call node's mirrors its Call).
type NodeStatus string

const (
	NodeNotStarted NodeStatus = "NotStarted"
	NodeRunning    NodeStatus = "Running"
	NodeSucceeded  NodeStatus = "Succeeded"
	NodeFailed     NodeStatus = "Failed"
)

// Machine tracks one Workflow's node-level progress over its Task Graph.
type Machine struct {
	wf    *model.Workflow
	graph *model.TaskGraph

	nodeStatus map[string]NodeStatus
	started    map[string]bool
}

// NewMachine creates a Machine for wf's (already-Submitted) Workflow row
// and its derived Task Graph.
func NewMachine(wf *model.Workflow, graph *model.TaskGraph) *Machine {
	return &Machine{
		wf:         wf,
		graph:      graph,
		nodeStatus: make(map[string]NodeStatus, len(graph.Nodes)),
		started:    make(map[string]bool, len(graph.Nodes)),
	}
}

// Start transitions the Workflow from Submitted to Running, the step spec.md
// §4.G requires after option validation and backend initialization succeed.
func (m *Machine) Start() error {
	if !m.wf.Status.CanTransitionTo(model.WorkflowRunning) {
		return fmt.Errorf("workflow %s: illegal transition %s -> Running", m.wf.ID, m.wf.Status)
	}
	m.wf.Status = model.WorkflowRunning
	now := time.Now().UTC()
	m.wf.StartedAt = &now
	return nil
}

// ReadyNodes returns the graph nodes whose upstream dependencies are all
// terminal-success and which have not yet been started.
func (m *Machine) ReadyNodes() []*model.GraphNode {
	terminalSuccess := make(map[string]bool, len(m.nodeStatus))
	for id, st := range m.nodeStatus {
		if st == NodeSucceeded {
			terminalSuccess[id] = true
		}
	}
	ids := m.graph.Ready(terminalSuccess, m.started)
	nodes := make([]*model.GraphNode, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, m.graph.Nodes[id])
	}
	return nodes
}

// MarkStarted records that nodeID has begun (its Call or Expander has been
// dispatched), excluding it from further ReadyNodes results.
func (m *Machine) MarkStarted(nodeID string) {
	m.started[nodeID] = true
	m.nodeStatus[nodeID] = NodeRunning
}

// MarkTerminal records a node's terminal outcome.
func (m *Machine) MarkTerminal(nodeID string, succeeded bool) {
	if succeeded {
		m.nodeStatus[nodeID] = NodeSucceeded
	} else {
		m.nodeStatus[nodeID] = NodeFailed
	}
}

// NodeStatus returns the current status of nodeID (NodeNotStarted if never
// observed).
func (m *Machine) NodeStatus(nodeID string) NodeStatus {
	if st, ok := m.nodeStatus[nodeID]; ok {
		return st
	}
	return NodeNotStarted
}

// AllTerminal reports whether every node in the graph has reached a
// terminal status.
func (m *Machine) AllTerminal() bool {
	for _, id := range m.graph.Order {
		st := m.NodeStatus(id)
		if st != NodeSucceeded && st != NodeFailed {
			return false
		}
	}
	return true
}

// AnyFailed reports whether any node reached NodeFailed.
func (m *Machine) AnyFailed() bool {
	for _, id := range m.graph.Order {
		if m.NodeStatus(id) == NodeFailed {
			return true
		}
	}
	return false
}

// Finalize transitions the Workflow to its terminal status once AllTerminal
// holds: Succeeded when every output expression evaluated (no failed
// nodes), Failed otherwise (spec.md §4.G).
func (m *Machine) Finalize(ctx context.Context) error {
	if !m.AllTerminal() {
		return fmt.Errorf("workflow %s: not all nodes terminal", m.wf.ID)
	}
	next := model.WorkflowSucceeded
	if m.AnyFailed() {
		next = model.WorkflowFailed
	}
	if !m.wf.Status.CanTransitionTo(next) {
		return fmt.Errorf("workflow %s: illegal transition %s -> %s", m.wf.ID, m.wf.Status, next)
	}
	m.wf.Status = next
	now := time.Now().UTC()
	m.wf.CompletedAt = &now
	return nil
}

// Abort transitions the Workflow to Aborted on an external signal.
func (m *Machine) Abort() error {
	if !m.wf.Status.CanTransitionTo(model.WorkflowAborted) {
		return fmt.Errorf("workflow %s: illegal transition %s -> Aborted", m.wf.ID, m.wf.Status)
	}
	m.wf.Status = model.WorkflowAborted
	now := time.Now().UTC()
	m.wf.CompletedAt = &now
	return nil
}
