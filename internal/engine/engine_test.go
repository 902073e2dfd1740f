package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wilke-labs/gowe-engine/internal/backend"
	backendlocal "github.com/wilke-labs/gowe-engine/internal/backend/local"
	"github.com/wilke-labs/gowe-engine/internal/call"
	"github.com/wilke-labs/gowe-engine/internal/exprvm"
	iopathlocal "github.com/wilke-labs/gowe-engine/internal/iopath/local"
	"github.com/wilke-labs/gowe-engine/internal/metadata"
	"github.com/wilke-labs/gowe-engine/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is a minimal in-memory store.Store fake sufficient to drive the
// Supervisor in tests without a real database, grounded in the same
// fake-collaborator style used by internal/call's fakeBackend.
type memStore struct {
	mu        sync.Mutex
	workflows map[model.WorkflowID]*model.Workflow
	calls     map[string]*model.Call
	cache     map[model.Fingerprint]*model.CacheEntry
}

func newMemStore() *memStore {
	return &memStore{
		workflows: make(map[model.WorkflowID]*model.Workflow),
		calls:     make(map[string]*model.Call),
		cache:     make(map[model.Fingerprint]*model.CacheEntry),
	}
}

func (s *memStore) CreateWorkflow(_ context.Context, wf *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = wf
	return nil
}
func (s *memStore) GetWorkflow(_ context.Context, id model.WorkflowID) (*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workflows[id], nil
}
func (s *memStore) ListWorkflows(context.Context, int, int) ([]*model.Workflow, int, error) {
	return nil, 0, nil
}
func (s *memStore) UpdateWorkflow(_ context.Context, wf *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.ID] = wf
	return nil
}
func (s *memStore) ListNonTerminalWorkflows(context.Context) ([]*model.Workflow, error) {
	return nil, nil
}
func (s *memStore) UpsertCall(_ context.Context, c *model.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[c.Key.String()] = c
	return nil
}
func (s *memStore) GetCall(_ context.Context, key model.CallKey) (*model.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key.String()], nil
}
func (s *memStore) ListCallsByWorkflow(_ context.Context, workflowID model.WorkflowID) ([]*model.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Call
	for _, c := range s.calls {
		if c.Key.WorkflowID == workflowID {
			out = append(out, c)
		}
	}
	return out, nil
}
func (s *memStore) ListNonTerminalCalls(_ context.Context, workflowID model.WorkflowID) ([]*model.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Call
	for _, c := range s.calls {
		if c.Key.WorkflowID == workflowID && !c.Status.IsTerminal() {
			out = append(out, c)
		}
	}
	return out, nil
}
func (s *memStore) ResetTransientExecutions(context.Context, model.WorkflowID) ([]model.CallKey, error) {
	return nil, nil
}
func (s *memStore) LookupCache(_ context.Context, fp model.Fingerprint) (*model.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache[fp], nil
}
func (s *memStore) RecordCache(_ context.Context, fp model.Fingerprint, ref model.CallRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.cache[fp]
	if entry == nil {
		entry = &model.CacheEntry{Fingerprint: fp}
	}
	entry.Candidates = append([]model.CallRef{ref}, entry.Candidates...)
	s.cache[fp] = entry
	return nil
}
func (s *memStore) Close() error                  { return nil }
func (s *memStore) Migrate(context.Context) error { return nil }

// memCacheIndex adapts memStore to cache.Index.
type memCacheIndex struct{ s *memStore }

func (c memCacheIndex) Lookup(ctx context.Context, fp model.Fingerprint) (*model.CacheEntry, error) {
	return c.s.LookupCache(ctx, fp)
}
func (c memCacheIndex) Record(ctx context.Context, fp model.Fingerprint, ref model.CallRef) error {
	return c.s.RecordCache(ctx, fp, ref)
}

// singleCallResolver resolves every node to the same echo-and-exit task,
// with an optional scatter length.
type singleCallResolver struct {
	script        string
	scatterLength int
}

func (r singleCallResolver) TaskDefinition(string) (call.TaskDefinition, error) {
	return call.TaskDefinition{
		Name:             "greet",
		CommandTemplate:  r.script,
		ReturnCodePolicy: call.DefaultReturnCodePolicy(),
	}, nil
}
func (r singleCallResolver) Runtime(string) (model.RuntimeAttributes, error) {
	return model.RuntimeAttributes{CPU: 1, MemoryBytes: 1 << 20}, nil
}
func (r singleCallResolver) Inputs(string) (map[string]any, error) {
	return map[string]any{"_script": r.script}, nil
}
func (r singleCallResolver) ScatterLength(string) (int, error) {
	return r.scatterLength, nil
}

func newTestSupervisor(t *testing.T, resolver NodeResolver, graph *model.TaskGraph) (*Supervisor, *memStore) {
	t.Helper()
	logger := testLogger()
	dir := t.TempDir()

	be := backendlocal.New(dir, logger)
	registry := backend.NewRegistry(logger)
	registry.Register(be)

	st := newMemStore()
	pub := metadata.NewChannelPublisher(64, logger, metadata.LoggingSink(logger))
	stop := make(chan struct{})
	go pub.Run(stop)
	t.Cleanup(func() { close(stop); pub.Wait() })

	sup := New(Config{
		MaxConcurrentWorkflows:    4,
		DefaultBackendConcurrency: 4,
		DefaultBackendName:        backendlocal.Name,
		CachePolicy:               backend.UseOriginal,
	}, Deps{
		Store:     st,
		Registry:  registry,
		Cache:     memCacheIndex{s: st},
		IO:        iopathlocal.New(logger),
		Expr:      exprvm.NewEvaluator(nil),
		Publisher: pub,
		Graphs: GraphBuilderFunc(func(ctx context.Context, sub Submission) (*model.TaskGraph, NodeResolver, error) {
			return graph, resolver, nil
		}),
		Logger: logger,
	})
	sup.Start()
	return sup, st
}

func singleTaskGraph() *model.TaskGraph {
	return &model.TaskGraph{
		Nodes: map[string]*model.GraphNode{
			"greet": {ID: "greet", Kind: model.NodeTaskCall, TaskName: "greet"},
		},
		Order: []string{"greet"},
	}
}

func TestSupervisor_HappyPathSingleTask(t *testing.T) {
	resolver := singleCallResolver{script: "echo hi; exit 0"}
	sup, st := newTestSupervisor(t, resolver, singleTaskGraph())

	id, err := sup.Submit(context.Background(), Submission{WorkflowSource: "inline"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForTerminal(t, st, id)

	wf, _ := st.GetWorkflow(context.Background(), id)
	if wf.Status != model.WorkflowSucceeded {
		t.Fatalf("workflow status = %s, want Succeeded", wf.Status)
	}

	calls, _ := st.ListCallsByWorkflow(context.Background(), id)
	if len(calls) != 1 {
		t.Fatalf("expected exactly one call, got %d", len(calls))
	}
	if calls[0].Status != model.CallSucceeded {
		t.Fatalf("call status = %s, want Succeeded", calls[0].Status)
	}
	if calls[0].Key.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", calls[0].Key.Attempt)
	}
	if !calls[0].Detritus.Complete() {
		t.Errorf("expected detritus complete on a succeeded call")
	}
}

func TestSupervisor_ScatterCollectsInShardOrder(t *testing.T) {
	resolver := singleCallResolver{script: "exit 0", scatterLength: 3}
	graph := &model.TaskGraph{
		Nodes: map[string]*model.GraphNode{
			"shardTask": {ID: "shardTask", Kind: model.NodeScatter, TaskName: "shardTask"},
		},
		Order: []string{"shardTask"},
	}
	sup, st := newTestSupervisor(t, resolver, graph)

	id, err := sup.Submit(context.Background(), Submission{WorkflowSource: "inline"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForTerminal(t, st, id)

	wf, _ := st.GetWorkflow(context.Background(), id)
	if wf.Status != model.WorkflowSucceeded {
		t.Fatalf("workflow status = %s, want Succeeded", wf.Status)
	}

	calls, _ := st.ListCallsByWorkflow(context.Background(), id)
	if len(calls) != 3 {
		t.Fatalf("expected 3 shard calls, got %d", len(calls))
	}
	for _, c := range calls {
		if c.Status != model.CallSucceeded {
			t.Errorf("shard %v status = %s, want Succeeded", c.Key, c.Status)
		}
	}
}

// twoTaskGraph has two independent task-call nodes with no dependency
// between them, so each can be seeded/dispatched on its own.
func twoTaskGraph() *model.TaskGraph {
	return &model.TaskGraph{
		Nodes: map[string]*model.GraphNode{
			"done":    {ID: "done", Kind: model.NodeTaskCall, TaskName: "done"},
			"pending": {ID: "pending", Kind: model.NodeTaskCall, TaskName: "pending"},
		},
		Order: []string{"done", "pending"},
	}
}

type twoTaskResolver struct{ script string }

func (r twoTaskResolver) TaskDefinition(nodeID string) (call.TaskDefinition, error) {
	return call.TaskDefinition{Name: nodeID, CommandTemplate: r.script, ReturnCodePolicy: call.DefaultReturnCodePolicy()}, nil
}
func (r twoTaskResolver) Runtime(string) (model.RuntimeAttributes, error) {
	return model.RuntimeAttributes{CPU: 1, MemoryBytes: 1 << 20}, nil
}
func (r twoTaskResolver) Inputs(string) (map[string]any, error) {
	return map[string]any{"_script": r.script}, nil
}
func (r twoTaskResolver) ScatterLength(string) (int, error) { return 0, nil }

// TestSupervisor_ResumeSeedsAlreadyTerminalCalls verifies that a resumed
// workflow does not re-dispatch a node whose Call already reached
// Succeeded before the process restarted (spec.md §4.G restart fidelity).
func TestSupervisor_ResumeSeedsAlreadyTerminalCalls(t *testing.T) {
	resolver := twoTaskResolver{script: "exit 0"}
	graph := twoTaskGraph()
	sup, st := newTestSupervisor(t, resolver, graph)
	ctx := context.Background()

	id := model.NewWorkflowID()
	wf := model.NewWorkflow(id, "inline", nil, model.DefaultOptions(), nil, time.Now().UTC())
	wf.Status = model.WorkflowRunning
	if err := st.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	doneKey := model.CallKey{WorkflowID: id, TaskName: "done", Attempt: 1}
	doneCall := model.NewCall(doneKey, model.RuntimeAttributes{}, map[string]any{}, time.Now().UTC())
	doneCall.Status = model.CallSucceeded
	if err := st.UpsertCall(ctx, doneCall); err != nil {
		t.Fatalf("UpsertCall: %v", err)
	}

	if err := sup.Resume(ctx, wf, Submission{WorkflowSource: "inline"}, nil); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	waitForTerminal(t, st, id)

	wf, _ = st.GetWorkflow(ctx, id)
	if wf.Status != model.WorkflowSucceeded {
		t.Fatalf("workflow status = %s, want Succeeded", wf.Status)
	}

	calls, _ := st.ListCallsByWorkflow(ctx, id)
	byTask := map[string]int{}
	for _, c := range calls {
		byTask[c.Key.TaskName]++
	}
	if byTask["done"] != 1 {
		t.Errorf("expected exactly one call for the already-terminal node, got %d", byTask["done"])
	}
	if byTask["pending"] != 1 {
		t.Errorf("expected the pending node to be freshly dispatched once, got %d", byTask["pending"])
	}
}

// TestSupervisor_ResumeResetsUnresumableCall verifies that a non-terminal
// Call whose backend rejects backend.Resume (here: the local backend,
// which always returns ErrResumeUnsupported) is reset to NotStarted and
// redispatched rather than left stuck.
func TestSupervisor_ResumeResetsUnresumableCall(t *testing.T) {
	resolver := singleCallResolver{script: "exit 0"}
	graph := singleTaskGraph()
	sup, st := newTestSupervisor(t, resolver, graph)
	ctx := context.Background()

	id := model.NewWorkflowID()
	wf := model.NewWorkflow(id, "inline", nil, model.DefaultOptions(), nil, time.Now().UTC())
	wf.Status = model.WorkflowRunning
	if err := st.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	key := model.CallKey{WorkflowID: id, TaskName: "greet", Attempt: 1}
	c := model.NewCall(key, model.RuntimeAttributes{}, map[string]any{}, time.Now().UTC())
	c.Status = model.CallRunning
	c.SetExecutionInfo(model.ExecInfoExternalJobID, "job-123")
	if err := st.UpsertCall(ctx, c); err != nil {
		t.Fatalf("UpsertCall: %v", err)
	}

	if err := sup.Resume(ctx, wf, Submission{WorkflowSource: "inline"}, nil); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	waitForTerminal(t, st, id)

	wf, _ = st.GetWorkflow(ctx, id)
	if wf.Status != model.WorkflowSucceeded {
		t.Fatalf("workflow status = %s, want Succeeded", wf.Status)
	}
}

func waitForTerminal(t *testing.T, st *memStore, id model.WorkflowID) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		wf, _ := st.GetWorkflow(context.Background(), id)
		if wf != nil && wf.Status.IsTerminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("workflow did not reach a terminal status in time")
}
