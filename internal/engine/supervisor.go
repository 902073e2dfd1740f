package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wilke-labs/gowe-engine/internal/backend"
	"github.com/wilke-labs/gowe-engine/internal/cache"
	goweerrors "github.com/wilke-labs/gowe-engine/internal/errors"
	"github.com/wilke-labs/gowe-engine/internal/exprvm"
	"github.com/wilke-labs/gowe-engine/internal/iopath"
	"github.com/wilke-labs/gowe-engine/internal/metadata"
	"github.com/wilke-labs/gowe-engine/internal/store"
	"github.com/wilke-labs/gowe-engine/internal/workflow"
	"github.com/wilke-labs/gowe-engine/pkg/model"
)

// Config bundles the Supervisor's global concurrency limits, mirroring the
// teacher's Config-struct-plus-DefaultConfig idiom (e.g. worker.Config,
// scheduler.Config).
type Config struct {
	// MaxConcurrentWorkflows bounds how many Workflows may be admitted and
	// actively driven at once; further submissions queue FIFO.
	MaxConcurrentWorkflows int64

	// MaxConcurrentCallsPerBackend bounds dispatch concurrency per backend
	// name (spec.md §4.J: "per-backend concurrency is enforced by an
	// explicit counting semaphore"). A backend with no entry here gets
	// DefaultBackendConcurrency.
	MaxConcurrentCallsPerBackend map[string]int64

	// DefaultBackendConcurrency is used for backends absent from
	// MaxConcurrentCallsPerBackend.
	DefaultBackendConcurrency int64

	// DefaultBackendName selects which registered backend drives a
	// Submission whose options do not name one explicitly.
	DefaultBackendName string

	CachePolicy backend.CacheStrategy
}

// DefaultConfig returns conservative defaults suitable for a single local
// engine instance.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentWorkflows:    16,
		DefaultBackendConcurrency: 8,
		CachePolicy:               backend.UseOriginal,
	}
}

// Deps are the Supervisor's collaborators: every lower-layer component of
// spec.md §2's control-flow description.
type Deps struct {
	Store     store.Store
	Registry  *backend.Registry
	Cache     cache.Index
	IO        iopath.Capability
	Expr      *exprvm.Evaluator
	Publisher metadata.Publisher
	Graphs    GraphBuilder
	Logger    *slog.Logger
}

// Supervisor is the Engine Supervisor of spec.md §4.J.
type Supervisor struct {
	cfg  Config
	deps Deps

	workflowSem *semaphore.Weighted
	backendSems map[string]*semaphore.Weighted

	mu        sync.Mutex
	accepting bool
	running   map[model.WorkflowID]context.CancelFunc

	wg sync.WaitGroup
}

// New creates a Supervisor ready to accept submissions; call Start first.
func New(cfg Config, deps Deps) *Supervisor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = 16
	}
	if cfg.DefaultBackendConcurrency <= 0 {
		cfg.DefaultBackendConcurrency = 8
	}
	backendSems := make(map[string]*semaphore.Weighted, len(deps.Registry.Names()))
	for _, name := range deps.Registry.Names() {
		n := cfg.DefaultBackendConcurrency
		if v, ok := cfg.MaxConcurrentCallsPerBackend[name]; ok && v > 0 {
			n = v
		}
		backendSems[name] = semaphore.NewWeighted(n)
	}
	return &Supervisor{
		cfg:         cfg,
		deps:        deps,
		workflowSem: semaphore.NewWeighted(cfg.MaxConcurrentWorkflows),
		backendSems: backendSems,
		running:     make(map[model.WorkflowID]context.CancelFunc),
	}
}

// Start opens the Supervisor to submissions. Restart recovery (loading
// non-terminal workflows from the store and resuming them) should be driven
// by calling Resume for each before or after Start, per the caller's
// preferred restart ordering.
func (s *Supervisor) Start() {
	s.mu.Lock()
	s.accepting = true
	s.mu.Unlock()
}

// Submit admits a Submission: it validates options against the selected
// backend, persists the Workflow row in Submitted, and — once a global
// concurrency slot is free — drives it to a terminal state in the
// background. Admission itself is FIFO per spec.md §4.J; Submit returns as
// soon as the row is durable, not once the workflow finishes.
func (s *Supervisor) Submit(ctx context.Context, sub Submission) (model.WorkflowID, error) {
	s.mu.Lock()
	accepting := s.accepting
	s.mu.Unlock()
	if !accepting {
		return model.WorkflowID{}, &goweerrors.ValidationError{Reason: "supervisor is not accepting submissions (shutting down or not started)"}
	}

	opts := model.Options(sub.Options)
	if opts == nil {
		opts = model.DefaultOptions()
	}
	if sub.WorkflowRoot != "" {
		opts["workflow_root"] = sub.WorkflowRoot
	}

	backendName := s.backendName(opts)
	be, err := s.deps.Registry.Get(backendName)
	if err != nil {
		return model.WorkflowID{}, &goweerrors.ValidationError{Reason: err.Error()}
	}
	if errs := be.ValidateOptions(ctx, opts); len(errs) > 0 {
		return model.WorkflowID{}, &goweerrors.ValidationError{Reason: fmt.Sprintf("%d invalid option(s): %+v", len(errs), errs)}
	}

	id := model.NewWorkflowID()
	wf := model.NewWorkflow(id, sub.WorkflowSource, sub.Inputs, opts, sub.Labels, time.Now().UTC())
	wf.ImportsRef = sub.Dependencies
	if err := s.deps.Store.CreateWorkflow(ctx, wf); err != nil {
		return model.WorkflowID{}, &goweerrors.PersistenceError{Op: "CreateWorkflow", Err: err}
	}

	s.wg.Add(1)
	go s.admitAndRun(wf, sub, backendName, nil)

	return id, nil
}

func (s *Supervisor) backendName(opts model.Options) string {
	if v, ok := opts["backend"]; ok {
		if name, ok := v.(string); ok && name != "" {
			return name
		}
	}
	return s.cfg.DefaultBackendName
}

// admitAndRun blocks on the global workflow semaphore (the FIFO admission
// queue of spec.md §4.J), then drives wf to completion. resumed carries any
// Calls reattached via backend.Resume during restart planning (nil for a
// fresh submission).
func (s *Supervisor) admitAndRun(wf *model.Workflow, sub Submission, backendName string, resumed map[string]resumeEntry) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running[wf.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, wf.ID)
		s.mu.Unlock()
		cancel()
	}()

	if err := s.workflowSem.Acquire(ctx, 1); err != nil {
		s.deps.Logger.Warn("workflow admission cancelled before a slot freed", "workflow", wf.ID.String(), "error", err)
		return
	}
	defer s.workflowSem.Release(1)

	logger := s.deps.Logger.With("workflow", wf.ID.String())
	if err := s.runWorkflow(ctx, wf, sub, backendName, logger, resumed); err != nil {
		logger.Error("workflow run failed", "error", err)
	}
}

// Abort requests cancellation of wf's in-flight run (spec.md §4.G: Aborted
// on external signal). A no-op if wf is not currently running.
func (s *Supervisor) Abort(id model.WorkflowID) bool {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown stops accepting new submissions, then waits (up to ctx's
// deadline) until every admitted workflow's run has returned. It does not
// cancel running workflows or interrupt their polls: in-flight workflows
// keep running to completion, and if ctx expires first Shutdown returns an
// error while they are still running.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.accepting = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown deadline exceeded with workflows still in flight: %w", ctx.Err())
	}
}

// ActiveCount reports how many Workflows are currently running, for
// observability and tests.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Resume implements the restart half of spec.md §4.G: it loads wf's
// non-terminal Calls, classifies them via workflow.PlanRestart, applies the
// resets and resumes through the store and backend, and — unless rejected
// — relaunches the workflow's drive loop exactly as a fresh run, skipping
// nodes whose Calls are already terminal-success.
func (s *Supervisor) Resume(ctx context.Context, wf *model.Workflow, sub Submission, scatterGroups []workflow.ScatterState) error {
	backendName := s.backendName(wf.Options)

	calls, err := s.deps.Store.ListNonTerminalCalls(ctx, wf.ID)
	if err != nil {
		return &goweerrors.PersistenceError{Op: "ListNonTerminalCalls", Err: err}
	}

	decision := workflow.PlanRestart(calls, scatterGroups)
	if decision.Rejected {
		return &goweerrors.InitializationError{Backend: backendName, Err: fmt.Errorf("restart rejected: %s", decision.RejectReason)}
	}

	if _, err := s.deps.Store.ResetTransientExecutions(ctx, wf.ID); err != nil {
		return &goweerrors.PersistenceError{Op: "ResetTransientExecutions", Err: err}
	}

	be, err := s.deps.Registry.Get(backendName)
	if err != nil {
		return &goweerrors.InitializationError{Backend: backendName, Err: err}
	}
	resumed := make(map[string]resumeEntry, len(decision.Resume))
	for _, key := range decision.Resume {
		c, err := s.deps.Store.GetCall(ctx, key)
		if err != nil {
			s.deps.Logger.Warn("resume: could not load call", "call", key.String(), "error", err)
			continue
		}
		extID := c.ExecutionInfo[model.ExecInfoExternalJobID]
		bc := backend.BoundCall{Call: c}
		handle, err := be.Resume(ctx, bc, extID)
		if err != nil {
			s.deps.Logger.Warn("resume failed, resetting to NotStarted instead", "call", key.String(), "error", err)
			c.Status = model.CallNotStarted
			if err := s.deps.Store.UpsertCall(ctx, c); err != nil {
				s.deps.Logger.Error("could not reset unresumable call", "call", key.String(), "error", err)
			}
			continue
		}
		if _, sharded := key.ShardIndex(); sharded {
			// Scatter-shard resume is not yet driven inline by the
			// orchestrator's node-level loop (it only reattaches whole
			// task-call nodes). The external job keeps running; leave its
			// Call row Running so a later restart can pick it up once
			// per-shard reattachment lands, rather than aborting in-flight
			// work the engine cannot yet observe to completion.
			s.deps.Logger.Warn("resumed a scatter shard call; it will not be reattached to this run", "call", key.String())
			continue
		}
		s.deps.Logger.Info("resumed call", "call", key.String(), "externalJobId", extID)
		resumed[resumeMapKey(key.TaskName, key.Shard)] = resumeEntry{call: c, handle: handle}
	}

	s.wg.Add(1)
	go s.admitAndRun(wf, sub, backendName, resumed)
	return nil
}
