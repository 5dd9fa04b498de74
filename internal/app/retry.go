package app

import (
	"context"
	"time"
)

// RetryPolicy bounds a retried call: MaxAttempts calls in total, waiting
// BaseDelay<<(n-1) after the nth failure, never more than MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	delay := p.BaseDelay << uint(shift)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// sleepContext waits for d unless ctx ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retry calls fn until it succeeds, returns an error retryable rejects, or the
// policy is exhausted. The last error is returned.
func retry(ctx context.Context, policy RetryPolicy, sleep func(context.Context, time.Duration) error, retryable func(error) bool, fn func(attempt int) error) error {
	var err error
	for attempt := 1; attempt <= policy.attempts(); attempt++ {
		err = fn(attempt)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == policy.attempts() {
			break
		}
		if sleepErr := sleep(ctx, policy.Backoff(attempt)); sleepErr != nil {
			return err
		}
	}
	return err
}
