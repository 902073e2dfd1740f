package graphdoc

import (
	"context"
	"testing"

	"github.com/wilke-labs/gowe-engine/internal/engine"
	"github.com/wilke-labs/gowe-engine/pkg/model"
)

func TestBuild_OrdersByDependency(t *testing.T) {
	doc := `{"tasks":[
		{"name":"b","command":"echo b","depends_on":["a"]},
		{"name":"a","command":"echo a"},
		{"name":"c","command":"echo c","depends_on":["a","b"]}
	]}`

	graph, resolver, err := New().Build(context.Background(), engine.Submission{WorkflowSource: doc})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(graph.Order) != 3 {
		t.Fatalf("expected 3 nodes in order, got %d", len(graph.Order))
	}

	pos := make(map[string]int, len(graph.Order))
	for i, id := range graph.Order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Fatalf("expected topological order a,b,c; got %v", graph.Order)
	}

	td, err := resolver.TaskDefinition("a")
	if err != nil {
		t.Fatalf("TaskDefinition: %v", err)
	}
	if td.CommandTemplate != "echo a" {
		t.Errorf("command = %q, want %q", td.CommandTemplate, "echo a")
	}
}

func TestBuild_DetectsCycle(t *testing.T) {
	doc := `{"tasks":[
		{"name":"a","command":"x","depends_on":["b"]},
		{"name":"b","command":"y","depends_on":["a"]}
	]}`
	if _, _, err := New().Build(context.Background(), engine.Submission{WorkflowSource: doc}); err == nil {
		t.Fatal("expected a cycle error, got nil")
	}
}

func TestBuild_ScatterLengthDrivesScatterNode(t *testing.T) {
	doc := `{"tasks":[{"name":"s","command":"echo","scatter_length":3}]}`
	graph, resolver, err := New().Build(context.Background(), engine.Submission{WorkflowSource: doc})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if graph.Nodes["s"].Kind != model.NodeScatter {
		t.Errorf("kind = %v, want NodeScatter", graph.Nodes["s"].Kind)
	}
	length, err := resolver.ScatterLength("s")
	if err != nil {
		t.Fatalf("ScatterLength: %v", err)
	}
	if length != 3 {
		t.Errorf("length = %d, want 3", length)
	}
}
