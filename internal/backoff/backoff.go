// Package backoff retries stream setup with exponential backoff and jitter.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines exponential backoff parameters.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps any single delay.
	Max time.Duration
	// Factor multiplies the delay after each attempt.
	Factor float64
	// Jitter adds up to this fraction of the delay at random.
	Jitter float64
}

// DefaultPolicy waits 250ms, 500ms, 1s ... up to 8s, with 10% jitter.
func DefaultPolicy() Policy {
	return Policy{Initial: 250 * time.Millisecond, Max: 8 * time.Second, Factor: 2, Jitter: 0.1}
}

// Delay returns the wait after the given attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delay(attempt int, r float64) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, math.Max(float64(attempt-1), 0))
	total := base + base*p.Jitter*r
	if p.Max > 0 {
		total = math.Min(total, float64(p.Max))
	}
	return time.Duration(total)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry calls fn up to maxAttempts times. It stops early when fn succeeds,
// when retryable reports false for the error, or when ctx is done. The last
// error from fn is returned on failure.
func Retry[T any](ctx context.Context, p Policy, maxAttempts int, retryable func(error) bool, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}
		v, err := fn(attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == maxAttempts || retryable == nil || !retryable(err) {
			break
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}
