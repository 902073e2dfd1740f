package model

import "time"

// CallStatus is the lifecycle state of a Call (spec.md §3, §4.E).
type CallStatus string

const (
	CallNotStarted      CallStatus = "NotStarted"
	CallStarting        CallStatus = "Starting"
	CallRunning         CallStatus = "Running"
	CallSucceeded       CallStatus = "Succeeded"
	CallFailed          CallStatus = "Failed"
	CallAborted         CallStatus = "Aborted"
	CallRetryableFailed CallStatus = "RetryableFailure"
	CallPreempted       CallStatus = "Preempted"
)

// IsTerminal reports whether no further transition is expected for this
// attempt (a new attempt, if any, is a new Call row — spec.md §3 invariant).
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallSucceeded, CallFailed, CallAborted:
		return true
	}
	return false
}

// validCallTransitions mirrors the diagram in spec.md §4.E.
var validCallTransitions = map[CallStatus][]CallStatus{
	CallNotStarted:      {CallStarting, CallSucceeded}, // cache hit goes straight to Succeeded
	CallStarting:        {CallRunning, CallAborted},
	CallRunning:         {CallSucceeded, CallFailed, CallRetryableFailed, CallPreempted, CallAborted},
	CallRetryableFailed: {}, // terminal for this attempt; a new attempt is a new Call row
	CallPreempted:       {},
}

// CanTransitionTo reports whether moving from s to next is a legal Call
// state transition for a single attempt.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	for _, allowed := range validCallTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RuntimeAttributes are the resolved, backend-consumable execution
// parameters of a Call (spec.md §3).
type RuntimeAttributes struct {
	DockerImage  string
	CPU          int
	MemoryBytes  int64
	DiskBytes    int64
	Preemptible  bool
	RetryCount   int // remaining bounded-retryable attempts at dispatch time
	PassThrough  map[string]string
}

// Clone returns a deep-enough copy for building a new attempt's attributes.
func (r RuntimeAttributes) Clone() RuntimeAttributes {
	out := r
	if r.PassThrough != nil {
		out.PassThrough = make(map[string]string, len(r.PassThrough))
		for k, v := range r.PassThrough {
			out.PassThrough[k] = v
		}
	}
	return out
}

// Detritus is the fixed auxiliary file set every Call produces (spec.md §3).
type Detritus struct {
	Script     string
	Stdout     string
	Stderr     string
	ReturnCode string
	CallRoot   string
}

// Complete reports whether all five detritus paths are populated, the
// invariant required of every Succeeded Call (spec.md §8 property 5).
func (d Detritus) Complete() bool {
	return d.Script != "" && d.Stdout != "" && d.Stderr != "" && d.ReturnCode != "" && d.CallRoot != ""
}

// Call is one invocation of one task at a specific shard and attempt.
type Call struct {
	Key    CallKey
	Status CallStatus

	Runtime       RuntimeAttributes
	Inputs        map[string]any
	ExecutionRoot string // path under the workflow root

	Outputs       map[string]any
	Detritus      Detritus
	ExecutionInfo map[string]string // callKey -> key -> value, flattened per Call

	Fingerprint   *Fingerprint // nil until computed for call-caching
	CacheHit      bool
	ReturnCode    *int
	FailureReason string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// NewCall creates a Call row in NotStarted with a fresh attempt-1 identity
// unless key.Attempt is already set by the caller (restart/retry paths).
func NewCall(key CallKey, runtime RuntimeAttributes, inputs map[string]any, now time.Time) *Call {
	if key.Attempt == 0 {
		key.Attempt = 1
	}
	return &Call{
		Key:           key,
		Status:        CallNotStarted,
		Runtime:       runtime,
		Inputs:        inputs,
		ExecutionInfo: make(map[string]string),
		CreatedAt:     now,
	}
}

// NextAttempt builds the NotStarted row for the next attempt of the same
// invocation, carrying forward possibly-adjusted runtime attributes. The
// attempt counter is strictly monotonic (spec.md §3 invariant).
func (c *Call) NextAttempt(runtime RuntimeAttributes, now time.Time) *Call {
	next := NewCall(c.Key.WithAttempt(c.Key.Attempt+1), runtime, c.Inputs, now)
	return next
}

// SetExecutionInfo records a backend-opaque side-value. Each (callKey, key)
// is recorded at most once per spec.md §3 — callers overwrite in place,
// which matches "at most one current value" rather than an append log.
func (c *Call) SetExecutionInfo(key, value string) {
	if c.ExecutionInfo == nil {
		c.ExecutionInfo = make(map[string]string)
	}
	c.ExecutionInfo[key] = value
}

// Reserved execution-info keys (spec.md §6).
const (
	ExecInfoExternalJobID   = "externalJobId"
	ExecInfoExternalStatus  = "externalStatus"
)
