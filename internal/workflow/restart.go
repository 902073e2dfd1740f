package workflow

import (
	"fmt"

	"github.com/wilke-labs/gowe-engine/pkg/model"
)

// RestartDecision is the outcome of planning a single workflow's restart
// (spec.md §4.G): either the restart is rejected outright, or each
// non-terminal Call is classified into Reset (transition back to
// NotStarted) or Resume (reattach via backend.Resume using its recorded
// external job id).
type RestartDecision struct {
	Rejected     bool
	RejectReason string
	Reset        []model.CallKey
	Resume       []model.CallKey
}

// ScatterState describes one scatter group's collector status as observed
// at restart, keyed by the scatter node's task name.
type ScatterState struct {
	TaskName string
	Starting bool // ambiguous: shards may or may not have been created
	Running  bool // collector itself was Running
}

// PlanRestart implements spec.md §4.G's restart rule exactly: load all
// non-NotStarted, non-Succeeded Calls for a workflow and classify them.
// Any Call Failed or Aborted, or any scatter Starting, rejects the restart
// outright (ambiguous or unrecoverable state). PlanRestart does not look
// at collectors; ScatterCollectorsToReset lists the scatter groups whose
// collector was Running, and scatter.Collector.ResetForRestart does the reset.
func PlanRestart(calls []*model.Call, scatterGroups []ScatterState) RestartDecision {
	for _, c := range calls {
		if c.Status == model.CallFailed || c.Status == model.CallAborted {
			return RestartDecision{Rejected: true, RejectReason: fmt.Sprintf("call %s is %s", c.Key, c.Status)}
		}
	}
	for _, s := range scatterGroups {
		if s.Starting {
			return RestartDecision{Rejected: true, RejectReason: fmt.Sprintf("scatter %s is Starting: shard creation is ambiguous", s.TaskName)}
		}
	}

	decision := RestartDecision{}
	for _, c := range calls {
		switch c.Status {
		case model.CallNotStarted, model.CallSucceeded:
			// nothing to do: NotStarted stays as-is, Succeeded is terminal
		case model.CallStarting:
			decision.Reset = append(decision.Reset, c.Key)
		case model.CallRunning:
			if extID, ok := c.ExecutionInfo[model.ExecInfoExternalJobID]; ok && extID != "" {
				decision.Resume = append(decision.Resume, c.Key)
			} else {
				decision.Reset = append(decision.Reset, c.Key)
			}
		case model.CallRetryableFailed, model.CallPreempted:
			// terminal for this attempt; the next attempt (if any) is a
			// separate NotStarted Call row already, nothing to reset here
		}
	}
	return decision
}

// ScatterCollectorsToReset returns the task names of scatter groups whose
// collector was observed Running and must be reset to NotStarted on
// restart, since shards are idempotent recomputations of the projection
// rather than of the underlying tasks (spec.md §4.F/§4.G).
func ScatterCollectorsToReset(scatterGroups []ScatterState) []string {
	var names []string
	for _, s := range scatterGroups {
		if s.Running {
			names = append(names, s.TaskName)
		}
	}
	return names
}
