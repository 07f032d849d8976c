// Package retry provides exponential-backoff retry for upstream fragment
// fetches (primary URL attempts before falling back, per-fragment timeout
// retries).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy configures an exponential-backoff retry loop.
type Policy struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	Jitter          bool
	RetryableErrors []error
	OnRetry         func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns a policy suited to a single fragment upstream call:
// a couple of quick retries, nothing that would itself blow the fragment's
// own timeout budget.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:   2,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer executes a function under a retry policy.
type Retryer interface {
	Do(ctx context.Context, fn func() error) error
	DoWithResult(ctx context.Context, fn func() (any, error)) (any, error)
}

type backoffRetryer struct {
	policy *Policy
	logger *zap.Logger
}

// New creates a backoff-based Retryer.
func New(policy *Policy, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 50 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 2 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &backoffRetryer{policy: policy, logger: logger}
}

func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	_, err := r.DoWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

func (r *backoffRetryer) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	var lastErr error
	var result any

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)

			r.logger.Debug("retrying upstream fetch",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}

		if !r.isRetryable(lastErr) {
			return nil, lastErr
		}
		if attempt >= r.policy.MaxRetries {
			break
		}
	}

	return nil, fmt.Errorf("failed after %d retries: %w", r.policy.MaxRetries, lastErr)
}

func (r *backoffRetryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}
	return time.Duration(delay)
}

func (r *backoffRetryer) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if len(r.policy.RetryableErrors) == 0 {
		return true
	}
	for _, retryableErr := range r.policy.RetryableErrors {
		if errors.Is(err, retryableErr) {
			return true
		}
	}
	return false
}
