package call

import "github.com/wilke-labs/gowe-engine/internal/retry"

// Policy bundles the three retry-shaped knobs the Call state machine needs:
// submit-transient retry (stays in Starting), poll backoff (stays in
// Running), and the bounded-retryable attempt ceiling N (spec.md §4.B/§4.E).
type Policy struct {
	DispatchRetry retry.Policy
	PollBackoff   retry.Policy
	MaxAttempts   int
}

// DefaultPolicy mirrors spec.md §4.B defaults (N=5) plus the independent
// poll backoff schedule of §4.D (initial 20s, max 10m, μ=1.1, unbounded).
func DefaultPolicy() Policy {
	return Policy{
		DispatchRetry: retry.DefaultPolicy(),
		PollBackoff:   retry.PollBackoffPolicy(),
		MaxAttempts:   5,
	}
}
