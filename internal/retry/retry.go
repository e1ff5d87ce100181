// Package retry runs storage operations under a per-attempt timeout and
// retries the ones that fail with store.ErrTransient.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"kasirinaja/engine/internal/store"
)

type Policy struct {
	MaxRetries      uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Timeout bounds each attempt; zero leaves the caller's deadline alone.
	Timeout time.Duration
	// OnRetry is called before each retry with the failed attempt's error.
	OnRetry func(op string, err error)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		InitialInterval: 25 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		Timeout:         3 * time.Second,
	}
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// retry budget is spent. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	operation := func() (T, error) {
		attemptCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}
		result, err := fn(attemptCtx)
		if err != nil && !errors.Is(err, store.ErrTransient) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxRetries + 1),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, _ time.Duration) {
			p.OnRetry(op, err)
		}))
	}
	return backoff.Retry(ctx, operation, opts...)
}
