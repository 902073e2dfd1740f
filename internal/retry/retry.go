// Package retry classifies failures and drives the bounded/infinite backoff
// loops of spec.md §4.B. It follows the teacher's Config/DefaultConfig
// shape (internal/scheduler.Config) rather than reaching for a generic
// backoff library, since the classification taxonomy (fatal / bounded /
// infinite) is fixed by the spec and not a generic retry-with-jitter problem.
package retry

import (
	"context"
	"time"

	goweerrors "github.com/wilke-labs/gowe-engine/internal/errors"
)

// Kind is the fixed failure-classification taxonomy of spec.md §4.B.
type Kind int

const (
	Fatal Kind = iota
	BoundedRetryable
	Infinite
)

// Classifier maps an error to a retry Kind. Classification is pluggable but
// the three-kind taxonomy is fixed.
type Classifier func(err error) Kind

// DefaultClassifier implements the taxonomy described in spec.md §4.B and
// §6: CallFatalError and CallFatalError-shaped validation/initialization
// failures are fatal; CallTransientError, CacheLookupError, and
// CacheCopyError are bounded-retryable, as is every other error.
// DefaultClassifier never returns Infinite; a Policy retries forever only
// when its Classify field is set to a Classifier that does.
func DefaultClassifier(err error) Kind {
	switch err.(type) {
	case *goweerrors.CallFatalError, *goweerrors.ValidationError, *goweerrors.InitializationError:
		return Fatal
	case *goweerrors.CallTransientError, *goweerrors.CacheLookupError, *goweerrors.CacheCopyError:
		return BoundedRetryable
	default:
		return BoundedRetryable
	}
}

// Policy configures a bounded-retryable backoff curve (spec.md §4.B
// defaults: N=5, I=5s, M=10s, μ=1.1).
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Classify    Classifier
}

// DefaultPolicy returns the spec-mandated defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Initial:     5 * time.Second,
		Max:         10 * time.Second,
		Multiplier:  1.1,
		Classify:    DefaultClassifier,
	}
}

// PollBackoffPolicy returns the independent per-backend poll schedule of
// spec.md §4.D: initial 20s, max 10m, μ=1.1, unbounded total.
func PollBackoffPolicy() Policy {
	return Policy{
		MaxAttempts: 0, // unbounded
		Initial:     20 * time.Second,
		Max:         10 * time.Minute,
		Multiplier:  1.1,
		Classify:    DefaultClassifier,
	}
}

// NextInterval computes the backoff duration before attempt n (1-indexed).
func (p Policy) NextInterval(attempt int) time.Duration {
	d := p.Initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d > p.Max {
			d = p.Max
			break
		}
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Sleep waits for d or until ctx is cancelled, whichever comes first. Every
// retry sleep is a cancellable suspension point (spec.md §5): cancellation
// ends the sleep and no further attempt begins.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes fn, classifying failures and retrying per the policy's
// curve. It returns the last error once attempts are exhausted (bounded) or
// ctx is cancelled (any kind). Cancellation during a sleep ends the loop
// without starting a new attempt.
func (p Policy) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassifier
	}

	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		kind := classify(err)
		if kind == Fatal {
			return err
		}
		if kind == BoundedRetryable && p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return err
		}

		if sleepErr := Sleep(ctx, p.NextInterval(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
}
