// Package graphdoc is a minimal JSON workflow-document adapter implementing
// engine.GraphBuilder. Full workflow-document parsing (CWL or otherwise) is
// out of scope (spec.md §1 treats it as an external collaborator); graphdoc
// exists only so cmd/engined has a concrete, runnable document format to
// submit against, grounded in the shape of the teacher's internal/parser
// output (a flat task list plus dependency edges) without any of its
// CWL-specific grammar.
package graphdoc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wilke-labs/gowe-engine/internal/call"
	"github.com/wilke-labs/gowe-engine/internal/engine"
	"github.com/wilke-labs/gowe-engine/pkg/model"
)

// TaskDoc is one task in a workflow document.
type TaskDoc struct {
	Name              string            `json:"name"`
	Command           string            `json:"command"`
	DependsOn         []string          `json:"depends_on,omitempty"`
	Inputs            map[string]any    `json:"inputs,omitempty"`
	ScatterLength     int               `json:"scatter_length,omitempty"`
	ContinueOnFailure bool              `json:"continue_on_failure,omitempty"`
	CPU               int               `json:"cpu,omitempty"`
	MemoryMB          int64             `json:"memory_mb,omitempty"`
	DockerImage       string            `json:"docker_image,omitempty"`
	AcceptedRC        []int             `json:"accepted_return_codes,omitempty"`
}

// Document is the top-level workflow document graphdoc parses.
type Document struct {
	Tasks []TaskDoc `json:"tasks"`
}

// Builder implements engine.GraphBuilder over Document JSON text.
type Builder struct{}

func New() Builder { return Builder{} }

func (Builder) Build(_ context.Context, sub engine.Submission) (*model.TaskGraph, engine.NodeResolver, error) {
	var doc Document
	if err := json.Unmarshal([]byte(sub.WorkflowSource), &doc); err != nil {
		return nil, nil, fmt.Errorf("parse workflow document: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, nil, fmt.Errorf("workflow document declares no tasks")
	}

	graph := &model.TaskGraph{Nodes: make(map[string]*model.GraphNode, len(doc.Tasks))}
	byName := make(map[string]TaskDoc, len(doc.Tasks))
	declared := make([]string, 0, len(doc.Tasks))
	for _, t := range doc.Tasks {
		byName[t.Name] = t
		declared = append(declared, t.Name)
		kind := model.NodeTaskCall
		if t.ScatterLength > 0 {
			kind = model.NodeScatter
		}
		graph.Nodes[t.Name] = &model.GraphNode{
			ID:                t.Name,
			Kind:              kind,
			TaskName:          t.Name,
			ContinueOnFailure: t.ContinueOnFailure,
			Upstream:          t.DependsOn,
		}
	}
	order, err := topoSort(graph, declared)
	if err != nil {
		return nil, nil, err
	}
	graph.Order = order

	return graph, &resolver{tasks: byName}, nil
}

// topoSort computes a deterministic topological order (Kahn's algorithm
// over doc.Tasks' declared order), enforcing the acyclic invariant spec.md
// §3 requires of every Task Graph.
func topoSort(graph *model.TaskGraph, declared []string) ([]string, error) {
	indegree := make(map[string]int, len(graph.Nodes))
	names := make([]string, 0, len(graph.Nodes))
	for _, id := range declared {
		n, ok := graph.Nodes[id]
		if !ok {
			continue
		}
		if _, seen := indegree[id]; seen {
			continue
		}
		indegree[id] = len(n.Upstream)
		names = append(names, id)
	}

	var order []string
	remaining := len(names)
	for remaining > 0 {
		progressed := false
		for _, id := range names {
			if indegree[id] != 0 {
				continue
			}
			alreadyOrdered := false
			for _, o := range order {
				if o == id {
					alreadyOrdered = true
					break
				}
			}
			if alreadyOrdered {
				continue
			}
			order = append(order, id)
			indegree[id] = -1
			remaining--
			progressed = true
			for _, n := range graph.Nodes {
				for _, up := range n.Upstream {
					if up == id {
						indegree[n.ID]--
					}
				}
			}
		}
		if !progressed {
			return nil, fmt.Errorf("workflow document's task dependencies form a cycle")
		}
	}
	return order, nil
}

type resolver struct {
	tasks map[string]TaskDoc
}

func (r *resolver) TaskDefinition(nodeID string) (call.TaskDefinition, error) {
	t, ok := r.tasks[nodeID]
	if !ok {
		return call.TaskDefinition{}, fmt.Errorf("no task %q in workflow document", nodeID)
	}
	policy := call.DefaultReturnCodePolicy()
	if len(t.AcceptedRC) > 0 {
		policy = call.ReturnCodePolicy{Kind: call.RCSet, Codes: t.AcceptedRC}
	}
	return call.TaskDefinition{
		Name:              t.Name,
		CommandTemplate:   t.Command,
		ReturnCodePolicy:  policy,
		ContinueOnFailure: t.ContinueOnFailure,
	}, nil
}

func (r *resolver) Runtime(nodeID string) (model.RuntimeAttributes, error) {
	t, ok := r.tasks[nodeID]
	if !ok {
		return model.RuntimeAttributes{}, fmt.Errorf("no task %q in workflow document", nodeID)
	}
	cpu := t.CPU
	if cpu == 0 {
		cpu = 1
	}
	mem := t.MemoryMB
	if mem == 0 {
		mem = 512
	}
	return model.RuntimeAttributes{
		DockerImage: t.DockerImage,
		CPU:         cpu,
		MemoryBytes: mem * 1 << 20,
	}, nil
}

func (r *resolver) Inputs(nodeID string) (map[string]any, error) {
	t, ok := r.tasks[nodeID]
	if !ok {
		return nil, fmt.Errorf("no task %q in workflow document", nodeID)
	}
	inputs := make(map[string]any, len(t.Inputs)+1)
	for k, v := range t.Inputs {
		inputs[k] = v
	}
	inputs["_script"] = t.Command
	return inputs, nil
}

func (r *resolver) ScatterLength(nodeID string) (int, error) {
	t, ok := r.tasks[nodeID]
	if !ok {
		return 0, fmt.Errorf("no task %q in workflow document", nodeID)
	}
	return t.ScatterLength, nil
}

var _ engine.GraphBuilder = Builder{}
