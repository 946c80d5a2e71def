package resilience

import (
	"context"
	"sync"

	"github.com/PagewiseAI/pagewise-mvp/pkg/fn"
)

// Registry holds one named circuit breaker per outbound dependency.
// Breakers are created lazily with the registry's options and shared
// process-wide; all methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	opts     BreakerOpts
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry with the given per-breaker options.
func NewRegistry(opts BreakerOpts) *Registry {
	return &Registry{opts: opts, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker registered under name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(r.opts)
		r.breakers[name] = b
	}
	return b
}

// States returns a snapshot of every registered breaker's state, keyed by name.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}

// Execute runs op through the breaker with retries inside: the breaker gates
// entry, the retry schedule runs within a single admitted call, and only the
// terminal outcome counts against the breaker. Individual retry attempts are
// never separate breaker failures.
func Execute[T any](ctx context.Context, b *Breaker, opts fn.RetryOpts, op func(context.Context) fn.Result[T]) fn.Result[T] {
	return CallResult(b, ctx, func(ctx context.Context) fn.Result[T] {
		return fn.Retry(ctx, opts, op)
	})
}

// Do is the error-only form of Execute.
func Do(ctx context.Context, b *Breaker, opts fn.RetryOpts, op func(context.Context) error) error {
	r := Execute(ctx, b, opts, func(ctx context.Context) fn.Result[struct{}] {
		if err := op(ctx); err != nil {
			return fn.Err[struct{}](err)
		}
		return fn.Ok(struct{}{})
	})
	_, err := r.Unwrap()
	return err
}
