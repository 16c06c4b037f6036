package unifiedllm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls how blocking completions are repeated after a
// transient failure.
type RetryPolicy struct {
	MaxRetries int           // attempts after the first
	BaseDelay  time.Duration // wait before the first retry
	MaxDelay   time.Duration // cap on any single wait, including Retry-After
	Multiplier float64       // growth per attempt
	Jitter     bool          // scale each wait by a random factor in [0.5, 1.5)
	OnRetry    func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy suits a local Ollama server: a couple of quick retries
// cover a model that is still loading or a server that just restarted.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Delay returns the wait before retry number attempt (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 {
		d = math.Min(d, float64(p.MaxDelay))
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, fails with an error that is not
// retryable, or MaxRetries retries are spent. A Retry-After longer than
// MaxDelay is returned to the caller instead of waited out. Cancelling ctx
// between attempts yields a KindAborted error, so callers see an interrupt
// rather than the last backend failure.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil || attempt >= policy.MaxRetries || !IsRetryable(err) {
			return result, err
		}
		if ctx.Err() != nil {
			return result, aborted("", "request cancelled", ctx.Err())
		}

		delay := policy.Delay(attempt)
		var e *Error
		if errors.As(err, &e) && e.RetryAfter > 0 {
			if policy.MaxDelay > 0 && e.RetryAfter > policy.MaxDelay {
				return result, err
			}
			delay = e.RetryAfter
		}
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, aborted("", "request cancelled while waiting to retry", ctx.Err())
		case <-timer.C:
		}
	}
}

// RetryMiddleware retries blocking completions according to policy. Streams
// are not retried since their tokens may already have been shown.
func RetryMiddleware(policy RetryPolicy) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		return Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
			return next(ctx, req)
		})
	}
}
