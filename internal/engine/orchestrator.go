package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wilke-labs/gowe-engine/internal/backend"
	"github.com/wilke-labs/gowe-engine/internal/call"
	goweerrors "github.com/wilke-labs/gowe-engine/internal/errors"
	"github.com/wilke-labs/gowe-engine/internal/metadata"
	"github.com/wilke-labs/gowe-engine/internal/scatter"
	"github.com/wilke-labs/gowe-engine/internal/workflow"
	"github.com/wilke-labs/gowe-engine/pkg/model"
)

// nodeResult is what a dispatched node reports back to the drive loop once
// it reaches a terminal outcome.
type nodeResult struct {
	nodeID    string
	succeeded bool
	output    any
}

// resumeEntry pairs an already-Running Call row with the ExecutionHandle
// backend.Resume returned for it, so runCall can re-enter the poll loop
// directly instead of dispatching a fresh attempt (spec.md §4.G/S6).
type resumeEntry struct {
	call   *model.Call
	handle backend.ExecutionHandle
}

// resumeMapKey indexes a resumeEntry by (taskName, shard) — the same
// identity runCall/runScatterNode already carry, independent of attempt
// number.
func resumeMapKey(taskName string, shard *int) string {
	if shard == nil {
		return taskName
	}
	return fmt.Sprintf("%s#%d", taskName, *shard)
}

// runWorkflow drives wf from Submitted through Running to a terminal status
// by composing the Workflow Machine (graph progress), the Scatter Expander
// (fan-out/collection), and one Call Machine per task-call node or shard —
// the control flow spec.md §2 describes at the system level. resumed carries
// any in-flight Calls reattached via backend.Resume during restart planning
// (nil for a fresh submission).
func (s *Supervisor) runWorkflow(ctx context.Context, wf *model.Workflow, sub Submission, backendName string, logger *slog.Logger, resumed map[string]resumeEntry) error {
	be, err := s.deps.Registry.Get(backendName)
	if err != nil {
		return &goweerrors.InitializationError{Backend: backendName, Err: err}
	}

	initData, err := be.InitializeWorkflow(ctx, wf)
	if err != nil {
		wf.Status = model.WorkflowFailed
		s.deps.Store.UpdateWorkflow(ctx, wf)
		return &goweerrors.InitializationError{Backend: backendName, Err: err}
	}
	defer func() {
		if err := be.CleanupWorkflow(context.WithoutCancel(ctx), wf, initData); err != nil {
			logger.Warn("backend cleanup failed", "error", err)
		}
	}()

	graph, resolver, err := s.deps.Graphs.Build(ctx, sub)
	if err != nil {
		wf.Status = model.WorkflowFailed
		s.deps.Store.UpdateWorkflow(ctx, wf)
		return &goweerrors.InitializationError{Backend: backendName, Err: err}
	}

	wfm := workflow.NewMachine(wf, graph)
	if wf.Status == model.WorkflowSubmitted {
		if err := wfm.Start(); err != nil {
			return err
		}
		if err := s.deps.Store.UpdateWorkflow(ctx, wf); err != nil {
			return &goweerrors.PersistenceError{Op: "UpdateWorkflow", Err: err}
		}
		s.deps.Publisher.Publish(metadata.StatusEvent(wf.ID, nil, string(wf.Status)))
	} else {
		// Resumed workflow: already Running from a prior process. Seed the
		// graph with every node whose Calls are already durably terminal so
		// the drive loop below only re-discovers what is left to do, rather
		// than re-dispatching finished work (spec.md §4.G restart fidelity).
		if err := s.seedFromPersistedCalls(ctx, wf, graph, wfm); err != nil {
			return err
		}
	}

	results := make(chan nodeResult, 32)
	inFlight := 0

	// Nodes already reattached via backend.Resume are driven to completion
	// directly instead of going through ReadyNodes/runNode dispatch, since
	// they were already started (and marked so here) in a prior process.
	for _, node := range graph.Nodes {
		if node.Kind != model.NodeTaskCall {
			continue
		}
		entry, ok := resumed[resumeMapKey(node.TaskName, nil)]
		if !ok {
			continue
		}
		wfm.MarkStarted(node.ID)
		inFlight++
		go s.runResumedNode(ctx, wf, node.ID, entry, resolver, be, results)
	}

	for !wfm.AllTerminal() {
		ready := wfm.ReadyNodes()
		for _, node := range ready {
			wfm.MarkStarted(node.ID)
			inFlight++
			go s.runNode(ctx, wf, node, resolver, be, initData, backendName, results)
		}

		if inFlight == 0 {
			// No ready nodes and not all terminal: the graph is stuck
			// (should not happen given the acyclic invariant plus
			// ReadyNodes' upstream check), surface it rather than spin.
			return &goweerrors.InitializationError{Backend: backendName, Err: context.DeadlineExceeded}
		}

		select {
		case res := <-results:
			inFlight--
			wfm.MarkTerminal(res.nodeID, res.succeeded)
		case <-ctx.Done():
			return s.abortWorkflow(ctx, wf, wfm)
		}
	}

	if err := wfm.Finalize(ctx); err != nil {
		return err
	}
	if err := s.deps.Store.UpdateWorkflow(ctx, wf); err != nil {
		return &goweerrors.PersistenceError{Op: "UpdateWorkflow", Err: err}
	}
	s.deps.Publisher.Publish(metadata.StatusEvent(wf.ID, nil, string(wf.Status)))
	logger.Info("workflow finished", "status", wf.Status)
	return nil
}

// seedFromPersistedCalls marks every graph node whose backing Call(s) are
// already durably terminal as done, so a resumed drive loop only
// re-discovers work still outstanding instead of re-dispatching finished
// nodes (spec.md §4.G restart fidelity, testable property 3). A scatter
// node is seeded only once every shard Call the store knows about for its
// task name is itself terminal.
func (s *Supervisor) seedFromPersistedCalls(ctx context.Context, wf *model.Workflow, graph *model.TaskGraph, wfm *workflow.Machine) error {
	calls, err := s.deps.Store.ListCallsByWorkflow(ctx, wf.ID)
	if err != nil {
		return &goweerrors.PersistenceError{Op: "ListCallsByWorkflow", Err: err}
	}

	type outcome struct {
		shards    map[int]bool
		terminal  map[int]bool
		succeeded map[int]bool
	}
	byTask := make(map[string]*outcome)
	for _, c := range calls {
		o := byTask[c.Key.TaskName]
		if o == nil {
			o = &outcome{shards: map[int]bool{}, terminal: map[int]bool{}, succeeded: map[int]bool{}}
			byTask[c.Key.TaskName] = o
		}
		sk := -1
		if idx, ok := c.Key.ShardIndex(); ok {
			sk = idx
		}
		o.shards[sk] = true
		if c.Status.IsTerminal() {
			o.terminal[sk] = true
			if c.Status == model.CallSucceeded {
				o.succeeded[sk] = true
			}
		}
	}

	for _, node := range graph.Nodes {
		if node.Kind != model.NodeTaskCall && node.Kind != model.NodeScatter {
			continue
		}
		o, ok := byTask[node.TaskName]
		if !ok || len(o.shards) == 0 || len(o.terminal) != len(o.shards) {
			continue
		}
		wfm.MarkStarted(node.ID)
		wfm.MarkTerminal(node.ID, len(o.succeeded) == len(o.shards))
	}
	return nil
}

// runResumedNode drives a Call reattached via backend.Resume straight to its
// terminal outcome using the ExecutionHandle returned by Resume, reporting
// the owning graph node's result exactly like a freshly-dispatched node —
// spec.md §8 S6: "Call transitions Running -> Succeeded without a new
// attempt."
func (s *Supervisor) runResumedNode(ctx context.Context, wf *model.Workflow, nodeID string, entry resumeEntry, resolver NodeResolver, be backend.Backend, results chan<- nodeResult) {
	logger := s.deps.Logger.With("workflow", wf.ID.String(), "call", entry.call.Key.String())

	task, err := resolver.TaskDefinition(nodeID)
	if err != nil {
		logger.Error("could not resolve task definition for resumed call", "error", err)
		results <- nodeResult{nodeID: nodeID, succeeded: false}
		return
	}

	machine := call.NewMachine(call.Deps{
		Backend:  be,
		Cache:    s.deps.Cache,
		IO:       s.deps.IO,
		Expr:     s.deps.Expr,
		Observer: &storeObserver{store: s.deps.Store, pub: s.deps.Publisher},
		Logger:   logger,
	}, call.DefaultPolicy())

	if err := machine.Resume(ctx, entry.call, task, entry.handle, wf.Options); err != nil {
		logger.Warn("resumed call machine returned an error", "error", err)
	}
	results <- nodeResult{nodeID: nodeID, succeeded: entry.call.Status == model.CallSucceeded, output: entry.call.Outputs}
}

func (s *Supervisor) abortWorkflow(ctx context.Context, wf *model.Workflow, wfm *workflow.Machine) error {
	if err := wfm.Abort(); err != nil {
		return err
	}
	updateCtx := context.WithoutCancel(ctx)
	if err := s.deps.Store.UpdateWorkflow(updateCtx, wf); err != nil {
		return &goweerrors.PersistenceError{Op: "UpdateWorkflow", Err: err}
	}
	s.deps.Publisher.Publish(metadata.StatusEvent(wf.ID, nil, string(wf.Status)))
	return nil
}

// runNode dispatches one ready graph node to completion and reports its
// outcome on results. Task-call nodes drive a single call.Machine; scatter
// nodes fan out a scatter.Collector over L shard Call Machines.
func (s *Supervisor) runNode(ctx context.Context, wf *model.Workflow, node *model.GraphNode, resolver NodeResolver, be backend.Backend, initData backend.InitData, backendName string, results chan<- nodeResult) {
	switch node.Kind {
	case model.NodeTaskCall:
		s.runTaskCallNode(ctx, wf, node, resolver, be, initData, backendName, results)
	case model.NodeScatter:
		s.runScatterNode(ctx, wf, node, resolver, be, initData, backendName, results)
	case model.NodeConditional, model.NodeOutputExpr:
		// Expression-only nodes: evaluated by the (out-of-scope) document
		// collaborator's resolver; the engine only needs their terminal
		// success to unblock downstream nodes.
		results <- nodeResult{nodeID: node.ID, succeeded: true}
	default:
		results <- nodeResult{nodeID: node.ID, succeeded: false}
	}
}

func (s *Supervisor) runTaskCallNode(ctx context.Context, wf *model.Workflow, node *model.GraphNode, resolver NodeResolver, be backend.Backend, initData backend.InitData, backendName string, results chan<- nodeResult) {
	succeeded, _ := s.runCall(ctx, wf, node.ID, node.TaskName, nil, resolver, be, initData, backendName)
	results <- nodeResult{nodeID: node.ID, succeeded: succeeded}
}

// runCall runs one Call (a task-call node, or one shard of a scatter node)
// through attempt chaining until it reaches Succeeded or a terminal failure
// with no attempts remaining, per spec.md §4.E. nodeID identifies the graph
// node for resolver lookups; taskName is the fully qualified task name used
// in the Call Key.
func (s *Supervisor) runCall(ctx context.Context, wf *model.Workflow, nodeID, taskName string, shard *int, resolver NodeResolver, be backend.Backend, initData backend.InitData, backendName string) (bool, any) {
	logger := s.deps.Logger.With("workflow", wf.ID.String(), "task", taskName)

	task, err := resolver.TaskDefinition(nodeID)
	if err != nil {
		logger.Error("could not resolve task definition", "error", err)
		return false, nil
	}
	runtime, err := resolver.Runtime(nodeID)
	if err != nil {
		logger.Error("could not resolve runtime attributes", "error", err)
		return false, nil
	}
	inputs, err := resolver.Inputs(nodeID)
	if err != nil {
		logger.Error("could not resolve inputs", "error", err)
		return false, nil
	}

	sem := s.backendSems[backendName]
	policy := call.DefaultPolicy()
	machine := call.NewMachine(call.Deps{
		Backend:  be,
		Cache:    s.deps.Cache,
		IO:       s.deps.IO,
		Expr:     s.deps.Expr,
		Observer: &storeObserver{store: s.deps.Store, pub: s.deps.Publisher},
		Logger:   logger,
	}, policy)

	key := model.CallKey{WorkflowID: wf.ID, TaskName: taskName, Shard: shard, Attempt: 1}
	c := model.NewCall(key, runtime, inputs, time.Now().UTC())

	for {
		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				return false, nil
			}
		}
		runErr := machine.Run(ctx, wf, c, task, initData, wf.Options, s.cfg.CachePolicy)
		if sem != nil {
			sem.Release(1)
		}
		if runErr != nil {
			logger.Warn("call machine returned an error", "call", c.Key.String(), "error", runErr)
		}

		switch c.Status {
		case model.CallSucceeded:
			return true, c.Outputs
		case model.CallFailed, model.CallAborted:
			return false, nil
		case model.CallPreempted, model.CallRetryableFailed:
			next := call.BuildNextAttempt(c, wf.Options, time.Now().UTC())
			if err := s.deps.Store.UpsertCall(ctx, next); err != nil {
				logger.Error("could not persist next attempt", "error", err)
				return false, nil
			}
			c = next
			continue
		default:
			logger.Error("call machine left the call in a non-terminal status", "status", c.Status)
			return false, nil
		}
	}
}

// runScatterNode expands node into L shard Call Keys, runs each shard's
// Call Machine concurrently, and materializes the collected array via
// scatter.Collector once all shards are terminal (spec.md §4.F).
func (s *Supervisor) runScatterNode(ctx context.Context, wf *model.Workflow, node *model.GraphNode, resolver NodeResolver, be backend.Backend, initData backend.InitData, backendName string, results chan<- nodeResult) {
	logger := s.deps.Logger.With("workflow", wf.ID.String(), "scatter", node.TaskName)

	length, err := resolver.ScatterLength(node.ID)
	if err != nil {
		logger.Error("could not resolve scatter collection length", "error", err)
		results <- nodeResult{nodeID: node.ID, succeeded: false}
		return
	}

	collector := scatter.NewCollector(length, node.ContinueOnFailure)
	shardCtx, cancelShards := context.WithCancel(ctx)
	defer cancelShards()

	type shardResult struct {
		shard     int
		succeeded bool
		output    any
	}
	shardResults := make(chan shardResult, length)
	for i := 0; i < length; i++ {
		shard := i
		go func() {
			succeeded, output := s.runCall(shardCtx, wf, node.ID, node.TaskName, &shard, resolver, be, initData, backendName)
			shardResults <- shardResult{shard: shard, succeeded: succeeded, output: output}
		}()
	}

	for i := 0; i < length; i++ {
		r := <-shardResults
		collector.RecordShard(r.shard, r.succeeded, r.output)
		if collector.ShouldAbortSiblings() {
			cancelShards()
		}
	}

	array, err := collector.Materialize()
	if err != nil {
		results <- nodeResult{nodeID: node.ID, succeeded: false}
		return
	}
	results <- nodeResult{nodeID: node.ID, succeeded: true, output: array}
}
