package llm

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"
)

// RetryPolicy controls backoff for provider rate-limit errors.
type RetryPolicy struct {
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps each individual wait.
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry.
	Multiplier float64

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
}

// DefaultRetryPolicy waits 2s, 3.4s, 5.8s, 9.8s then 10s between
// attempts, for at most six calls in total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 2 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   1.7,
		MaxRetries:   5,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Retrier re-runs an operation while it fails with a rate-limit error.
type Retrier struct {
	policy RetryPolicy
	logger *slog.Logger

	// sleep waits d or until ctx ends; returns false if ctx ended.
	sleep func(ctx context.Context, d time.Duration) bool

	// OnRetry, if set, observes each scheduled retry.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// NewRetrier creates a Retrier. Zero policy fields take the defaults.
func NewRetrier(policy RetryPolicy, logger *slog.Logger) *Retrier {
	def := DefaultRetryPolicy()
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = def.InitialDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = def.Multiplier
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{policy: policy, logger: logger, sleep: sleepCtx}
}

// SetSleep replaces the backoff sleep. fn waits d or until ctx ends
// and reports whether the full wait elapsed.
func (r *Retrier) SetSleep(fn func(ctx context.Context, d time.Duration) bool) {
	r.sleep = fn
}

// Policy returns the effective retry policy.
func (r *Retrier) Policy() RetryPolicy {
	return r.policy
}

// Do calls fn until it succeeds, fails with an error that is not a
// rate limit, or the retry budget is spent. Errors wrapped with
// [Permanent] are returned unwrapped and never retried.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if !IsRateLimited(err) || attempt >= r.policy.MaxRetries {
			return err
		}

		delay := r.policy.Delay(attempt + 1)
		r.logger.Warn("provider rate limited, backing off",
			"attempt", attempt+1,
			"max_retries", r.policy.MaxRetries,
			"delay", delay.String(),
			"error", err,
		)
		if r.OnRetry != nil {
			r.OnRetry(attempt+1, delay, err)
		}
		if !r.sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
