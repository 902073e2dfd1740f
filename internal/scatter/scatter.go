// Package scatter expands a scatter node's collection into indexed shard
// Call Keys and collects their terminal results into an ordered array,
// grounded in the teacher's internal/cwlrunner/parallel.go dependency-
// tracking bookkeeping (pending/dependents maps), generalized from CWL
// step-level parallelism to per-shard Call Keys (spec.md §4.F).
package scatter

import (
	"fmt"

	"github.com/wilke-labs/gowe-engine/pkg/model"
)

// Expand builds the L indexed shard Call Keys (0..L-1) for a scatter node
// whose collection expression evaluated to length L, sharing the
// non-scatter environment across shards.
func Expand(workflowID model.WorkflowID, taskName string, length int) []model.CallKey {
	keys := make([]model.CallKey, length)
	for i := 0; i < length; i++ {
		shard := i
		keys[i] = model.CallKey{WorkflowID: workflowID, TaskName: taskName, Shard: &shard, Attempt: 1}
	}
	return keys
}

// CollectorStatus mirrors the same NotStarted/Running/Succeeded/Failed
// lifecycle a Call has, but for the materialized array projection.
type CollectorStatus string

const (
	CollectorNotStarted CollectorStatus = "NotStarted"
	CollectorRunning    CollectorStatus = "Running"
	CollectorSucceeded  CollectorStatus = "Succeeded"
	CollectorFailed     CollectorStatus = "Failed"
)

// Collector materializes L shard results as an ordered array, enforcing
// spec.md §4.F's invariants: it cannot leave NotStarted until every shard
// is terminal, and a shard failure aborts siblings unless
// continueOnFailure is set.
type Collector struct {
	shardCount        int
	continueOnFailure bool
	status            CollectorStatus

	outputs map[int]any
	failed  map[int]bool
	done    map[int]bool
}

// NewCollector creates a Collector awaiting shardCount terminal shards.
func NewCollector(shardCount int, continueOnFailure bool) *Collector {
	return &Collector{
		shardCount:        shardCount,
		continueOnFailure: continueOnFailure,
		status:            CollectorNotStarted,
		outputs:           make(map[int]any, shardCount),
		failed:            make(map[int]bool, shardCount),
		done:              make(map[int]bool, shardCount),
	}
}

// RecordShard records one shard's terminal outcome. succeeded carries the
// output value when true; it is ignored when false.
func (c *Collector) RecordShard(shard int, succeeded bool, output any) {
	if shard < 0 || shard >= c.shardCount {
		return
	}
	c.done[shard] = true
	if succeeded {
		c.outputs[shard] = output
	} else {
		c.failed[shard] = true
	}
	if c.status == CollectorNotStarted && c.Ready() {
		c.status = CollectorRunning
	}
}

// Ready reports whether every shard is terminal — the only point at which
// the Collector may leave NotStarted/Running.
func (c *Collector) Ready() bool {
	return len(c.done) == c.shardCount
}

// ShouldAbortSiblings reports whether a shard failure should abort the
// still-running siblings, per the continueOnFailure policy.
func (c *Collector) ShouldAbortSiblings() bool {
	return len(c.failed) > 0 && !c.continueOnFailure
}

// Materialize builds the ordered output array once Ready. It fails if any
// shard failed and continueOnFailure was not set.
func (c *Collector) Materialize() ([]any, error) {
	if !c.Ready() {
		return nil, fmt.Errorf("collector not ready: %d/%d shards terminal", len(c.done), c.shardCount)
	}
	if len(c.failed) > 0 && !c.continueOnFailure {
		c.status = CollectorFailed
		return nil, fmt.Errorf("scatter failed: %d of %d shards failed", len(c.failed), c.shardCount)
	}
	result := make([]any, c.shardCount)
	for i := 0; i < c.shardCount; i++ {
		result[i] = c.outputs[i] // nil for a continued-past failure, matching a skipped shard's zero value
	}
	c.status = CollectorSucceeded
	return result, nil
}

// Status returns the collector's current lifecycle status.
func (c *Collector) Status() CollectorStatus { return c.status }

// ResetForRestart implements spec.md §4.G's restart rule: a collector
// observed Running is reset to NotStarted, since shards are idempotent
// recomputations of the projection rather than of the underlying tasks —
// the already-terminal shard Calls are untouched; only the collector's own
// bookkeeping restarts.
func (c *Collector) ResetForRestart() {
	c.status = CollectorNotStarted
	c.outputs = make(map[int]any, c.shardCount)
	c.failed = make(map[int]bool, c.shardCount)
	c.done = make(map[int]bool, c.shardCount)
}
