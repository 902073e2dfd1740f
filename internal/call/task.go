// Package call drives a single Call through the exact state diagram of
// spec.md §4.E: dispatch, poll, return-code policy, retry/preemption/
// memory-retry attempt chaining, cache lookup, and output delocalization.
// Grounded in the teacher's internal/scheduler/loop.go phase structure
// (advancePending/dispatchScheduled/resubmitRetrying/pollInFlight),
// generalized from five fixed task states to the richer Call status set.
package call

import (
	"strings"

	"github.com/wilke-labs/gowe-engine/internal/cache"
)

// OutputDecl is one declared output: a name and the expression (evaluated
// via internal/exprvm) that produces its value from the working directory.
type OutputDecl struct {
	Name string
	Expr string
}

// RCKind discriminates the shape of a ReturnCodePolicy.
type RCKind int

const (
	RCAlways RCKind = iota // continueOnReturnCode: true
	RCNever                // continueOnReturnCode: false
	RCSet                  // explicit set of acceptable codes
	RCRange                // inclusive [Min, Max] range
)

// ReturnCodePolicy implements spec.md §4.E's continueOnReturnCode shapes.
type ReturnCodePolicy struct {
	Kind     RCKind
	Codes    []int
	Min, Max int
}

// DefaultReturnCodePolicy accepts only return code 0, the conventional
// default absent an explicit continueOnReturnCode declaration.
func DefaultReturnCodePolicy() ReturnCodePolicy {
	return ReturnCodePolicy{Kind: RCSet, Codes: []int{0}}
}

// Accepts reports whether rc is acceptable under this policy.
func (p ReturnCodePolicy) Accepts(rc int) bool {
	switch p.Kind {
	case RCAlways:
		return true
	case RCNever:
		return false
	case RCRange:
		return rc >= p.Min && rc <= p.Max
	case RCSet:
		for _, c := range p.Codes {
			if c == rc {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// memoryRetrySubstrings are the default failure-message substrings that
// qualify a RetryableFailure for the memory-retry-multiplier bump (spec.md
// §4.E attempt policy).
var memoryRetrySubstrings = []string{"OutOfMemory", "Killed"}

// matchesMemoryRetrySubstring reports whether msg indicates an
// out-of-memory kill, gating the memory-retry-multiplier behavior.
func matchesMemoryRetrySubstring(msg string) bool {
	for _, s := range memoryRetrySubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// TaskDefinition is the deterministic, document-derived shape of one task
// call: its command template, declared outputs, return-code policy, and
// docker image identity used for cache fingerprinting.
type TaskDefinition struct {
	Name             string
	CommandTemplate  string
	Outputs          []OutputDecl
	DeclaredRuntime  map[string]any
	Image            cache.ImageIdentity
	ReturnCodePolicy ReturnCodePolicy
	FailOnStderr     bool
	ContinueOnFailure bool
}

func (t TaskDefinition) outputNames() []string {
	names := make([]string, len(t.Outputs))
	for i, o := range t.Outputs {
		names[i] = o.Name
	}
	return names
}

func (t TaskDefinition) cacheBody() cache.TaskBody {
	return cache.TaskBody{
		CommandTemplate: t.CommandTemplate,
		DeclaredOutputs: t.outputNames(),
		DeclaredRuntime: t.DeclaredRuntime,
	}
}
