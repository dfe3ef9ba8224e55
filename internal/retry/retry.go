// Package retry is the one retry primitive used by uploads, store writes and
// pipeline re-runs: bounded attempts, exponential backoff with jitter, and a
// predicate deciding which errors are worth another attempt.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures Do.
type Policy struct {
	// MaxAttempts is the total number of calls, first one included.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor applied to each delay, in [0,1].
	Jitter float64
	// Retryable decides whether an error may be retried. Nil retries everything.
	Retryable func(error) bool
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, next time.Duration)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent or ctx is done. It returns the number of calls made and the
// last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := fn(ctx, attempts)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempts, err, next)
		}
	}

	err := backoff.RetryNotify(op, p.backOff(ctx, maxAttempts), notify)
	return attempts, err
}

func (p Policy) backOff(ctx context.Context, maxAttempts int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = clamp(p.Jitter, 0, 1)
	exp.MaxInterval = p.MaxDelay
	if exp.MaxInterval < exp.InitialInterval {
		exp.MaxInterval = exp.InitialInterval
	}
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxAttempts-1)), ctx)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
