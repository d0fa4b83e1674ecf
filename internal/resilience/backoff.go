package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// jitterFactor is the upper bound of the multiplicative jitter applied to
// every delay: delay * (1 + U(0, jitterFactor)).
const jitterFactor = 0.3

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	rand *rand.Rand // injectable for tests; nil uses the global source
}

// Delay returns the delay before the given attempt (1-based):
// min(Max, Base·2^(attempt-1)) scaled by a random factor in [1, 1.3).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if max := float64(b.Max); d > max {
		d = max
	}
	return time.Duration(d * (1 + b.jitter()))
}

func (b Backoff) jitter() float64 {
	if b.rand != nil {
		return b.rand.Float64() * jitterFactor
	}
	return rand.Float64() * jitterFactor
}

// Retry runs fn up to maxAttempts times, sleeping Delay(n) between attempts.
// It returns nil on the first success, the last error after exhaustion, and
// stops early when ctx is cancelled.
func (b Backoff) Retry(ctx context.Context, maxAttempts int, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Delay(attempt)):
		}
	}
	return lastErr
}
