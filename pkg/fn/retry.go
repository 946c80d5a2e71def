package fn

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryOpts configures retry behavior.
type RetryOpts struct {
	MaxAttempts int
	BaseWait    time.Duration
	MaxWait     time.Duration
	// ExpBase is the exponential growth factor between attempts (default 2).
	ExpBase float64
	// JitterFrac adds uniform(0, delay*JitterFrac) on top of each delay.
	JitterFrac float64
	// Fatal classifies errors that must not be retried. Nil retries everything.
	Fatal func(error) bool
}

// Canonical policies. Network suits most outbound HTTP/gRPC calls, Aggressive
// cheap idempotent calls, Conservative expensive ones (LLM, batch embed).
var (
	NetworkRetry      = RetryOpts{MaxAttempts: 3, BaseWait: time.Second, MaxWait: 10 * time.Second, ExpBase: 2, JitterFrac: 0.1}
	AggressiveRetry   = RetryOpts{MaxAttempts: 5, BaseWait: 500 * time.Millisecond, MaxWait: 5 * time.Second, ExpBase: 2, JitterFrac: 0.1}
	ConservativeRetry = RetryOpts{MaxAttempts: 2, BaseWait: 2 * time.Second, MaxWait: 30 * time.Second, ExpBase: 2, JitterFrac: 0.1}
)

// DefaultRetry provides sensible retry defaults.
var DefaultRetry = NetworkRetry

// Delay returns the backoff delay for a 0-indexed attempt:
// min(BaseWait * ExpBase^attempt, MaxWait) plus uniform jitter drawn from rnd.
func (o RetryOpts) Delay(attempt int, rnd func() float64) time.Duration {
	base := o.ExpBase
	if base <= 0 {
		base = 2
	}
	d := time.Duration(float64(o.BaseWait) * math.Pow(base, float64(attempt)))
	if o.MaxWait > 0 && d > o.MaxWait {
		d = o.MaxWait
	}
	if o.JitterFrac > 0 && rnd != nil {
		d += time.Duration(rnd() * o.JitterFrac * float64(d))
	}
	return d
}

// Retry retries f up to MaxAttempts times with exponential backoff.
// A Fatal error, context cancellation, or success stops the loop early.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	var result Result[T]
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		result = f(ctx)
		if result.IsOk() {
			return result
		}
		_, err := result.Unwrap()
		if opts.Fatal != nil && opts.Fatal(err) {
			return result
		}
		if attempt == opts.MaxAttempts-1 {
			break
		}
		// Check context before sleeping
		select {
		case <-ctx.Done():
			return Err[T](ctx.Err())
		default:
		}

		select {
		case <-ctx.Done():
			return Err[T](ctx.Err())
		case <-time.After(opts.Delay(attempt, rand.Float64)):
		}
	}
	return result
}

// RetryStage wraps a Stage with retry logic.
func RetryStage[In, Out any](opts RetryOpts, stage Stage[In, Out]) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		return Retry(ctx, opts, func(ctx context.Context) Result[Out] {
			return stage(ctx, in)
		})
	}
}
