package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/tablerelay/internal/engine"
)

const (
	defaultMaxAttempts = 8
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 120 * time.Second
)

// RetryPolicy retries transient failures with exponential backoff. A zero
// BaseDelay retries without waiting.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable defaults to engine.IsTransient.
	Retryable func(error) bool
	OnRetry   func(attempt int, delay time.Duration, err error)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
	}
}

func (p RetryPolicy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return engine.IsTransient(err)
}

// Do runs fn until it succeeds, fails permanently or runs out of attempts.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Retry(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func Retry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var zero T
	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !p.retryable(err) {
			return zero, err
		}
		if attempt+1 >= attempts {
			return zero, fmt.Errorf("giving up after %d attempts: %w", attempts, err)
		}
		delay := p.retryDelay(attempt, engine.RetryAfter(err))
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if err := waitWithContext(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func (p RetryPolicy) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := p.BaseDelay
	if delay <= 0 {
		return 0
	}
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
