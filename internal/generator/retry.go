package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"laptoprag/internal/logger"
)

// ErrExhausted wraps the last error once the retry budget is spent.
var ErrExhausted = errors.New("generator: retry budget exhausted")

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryPolicy decides how many times a transient failure is retried and how
// long to wait before each retry. attempt is 1 for the wait after the first
// failure.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// DefaultRetryPolicy mirrors three attempts with exponential waits of 1s..8s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: ExponentialBackoff(time.Second, 8*time.Second)}
}

// ExponentialBackoff doubles base on every attempt, capped at ceiling.
func ExponentialBackoff(base, ceiling time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= ceiling {
				return ceiling
			}
		}
		return min(d, ceiling)
	}
}

// Do runs f until it succeeds, returns a permanent error, or the policy is
// exhausted. It returns the number of calls made.
func (p RetryPolicy) Do(ctx context.Context, f func(context.Context) error) (int, error) {
	maxAttempts := max(1, p.MaxAttempts)
	backoffFn := p.Backoff
	if backoffFn == nil {
		backoffFn = func(int) time.Duration { return 0 }
	}
	calls := 0
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		if calls >= maxAttempts {
			return 0, true
		}
		return backoffFn(calls), false
	})
	var last error
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		calls++
		last = f(ctx)
		if last == nil {
			return nil
		}
		if IsPermanent(last) || errors.Is(last, context.Canceled) || errors.Is(last, context.DeadlineExceeded) {
			return last
		}
		return retry.RetryableError(last)
	})
	if err == nil {
		return calls, nil
	}
	if last != nil && !IsPermanent(last) && calls >= maxAttempts {
		return calls, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, calls, last)
	}
	return calls, err
}

type retrying struct {
	next   Generator
	policy RetryPolicy
	log    logger.Logger
}

// WithRetry decorates g so transient failures are retried under policy.
func WithRetry(g Generator, policy RetryPolicy, log logger.Logger) Generator {
	if log == nil {
		log = logger.Discard()
	}
	return &retrying{next: g, policy: policy, log: log}
}

func (r *retrying) Generate(ctx context.Context, req Request) (Response, error) {
	var resp Response
	calls, err := r.policy.Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = r.next.Generate(ctx, req)
		if callErr != nil {
			r.log.Warn("generator call failed", "err", callErr, "permanent", IsPermanent(callErr))
		}
		return callErr
	})
	if err != nil {
		return Response{}, err
	}
	if calls > 1 {
		r.log.Info("generator recovered after retry", "calls", calls)
	}
	return resp, nil
}
