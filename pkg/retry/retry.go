package retry

import (
	"context"
	"errors"
	"time"
)

// Policy retries an operation for errors its predicate accepts, with
// exponential backoff. Behavior lives in one visible object instead of a
// decorator so it can be tested without a live dependency.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Retryable   func(error) bool

	// Sleep is swappable in tests; nil means real sleeping.
	Sleep func(ctx context.Context, d time.Duration) error
}

// hinter is implemented by errors carrying a server-suggested wait.
type hinter interface {
	RetryAfterHint() time.Duration
}

// Do runs op, retrying retryable failures up to MaxAttempts total tries.
// The last error is returned unchanged so callers can keep using errors.Is.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if sleepErr := p.sleep(ctx, p.backoff(attempt, err)); sleepErr != nil {
				return sleepErr
			}
		}

		err = op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
	}

	return err
}

// backoff doubles the base per retry (1s, 2s, 4s, ...) and honors a larger
// server hint, both capped.
func (p Policy) backoff(attempt int, lastErr error) time.Duration {
	d := p.BackoffBase
	if d <= 0 {
		d = time.Second
	}
	d <<= attempt - 1

	var h hinter
	if errors.As(lastErr, &h) {
		if hint := h.RetryAfterHint(); hint > d {
			d = hint
		}
	}

	if p.BackoffCap > 0 && d > p.BackoffCap {
		d = p.BackoffCap
	}

	return d
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
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
