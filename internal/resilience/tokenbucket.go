package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited reports that the token bucket had no capacity for a call.
// Callers treat it as a transient failure subject to backoff.
var ErrRateLimited = errors.New("rate limit exceeded")

// TokenBucket is a lazily-refilled token bucket used to cap the rate of
// outbound calls to the generation engine. Safe for concurrent use.
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	refill   float64 // tokens per second
	tokens   float64
	last     time.Time

	now func() time.Time // injectable for tests
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(capacity, refillPerSec float64) *TokenBucket {
	b := &TokenBucket{
		capacity: capacity,
		refill:   refillPerSec,
		tokens:   capacity,
		now:      time.Now,
	}
	b.last = b.now()
	return b
}

// TryConsume deducts n tokens and returns true when at least n are available
// after refill. On false, the bucket is left unchanged.
func (b *TokenBucket) TryConsume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Available returns the current token count after refill.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refill
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}
