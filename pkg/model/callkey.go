package model

import "fmt"

// CallKey identifies a Call uniquely: (workflow id, fully qualified task
// name, shard index or absent, attempt >= 1). See spec.md §3.
type CallKey struct {
	WorkflowID WorkflowID
	TaskName   string
	Shard      *int // nil means "not scattered"
	Attempt    int
}

// String renders a stable, human-readable form for log lines and error
// messages: <workflowID>/call-<taskName>[-<shard>]/attempt-<n>. Call root
// directory names come from CallRootName.
func (k CallKey) String() string {
	if k.Shard != nil {
		return fmt.Sprintf("%s/call-%s-%d/attempt-%d", k.WorkflowID, k.TaskName, *k.Shard, k.Attempt)
	}
	return fmt.Sprintf("%s/call-%s/attempt-%d", k.WorkflowID, k.TaskName, k.Attempt)
}

// CallRootName is the directory name (relative to the workflow root) that
// this Call's attempt is persisted under, per spec.md §6.
func (k CallKey) CallRootName() string {
	if k.Shard != nil {
		return fmt.Sprintf("call-%s-%d", k.TaskName, *k.Shard)
	}
	return fmt.Sprintf("call-%s", k.TaskName)
}

// WithAttempt returns a copy of the key for a different attempt number.
func (k CallKey) WithAttempt(attempt int) CallKey {
	k.Attempt = attempt
	return k
}

// ShardIndex returns the shard index and whether this key is sharded.
func (k CallKey) ShardIndex() (int, bool) {
	if k.Shard == nil {
		return 0, false
	}
	return *k.Shard, true
}

// sameInvocation reports whether two keys name the same (workflow, task,
// shard) regardless of attempt — used to validate the monotonic-attempt
// invariant (spec.md §8 property 1).
func (k CallKey) sameInvocation(other CallKey) bool {
	if k.WorkflowID != other.WorkflowID || k.TaskName != other.TaskName {
		return false
	}
	switch {
	case k.Shard == nil && other.Shard == nil:
		return true
	case k.Shard == nil || other.Shard == nil:
		return false
	default:
		return *k.Shard == *other.Shard
	}
}
