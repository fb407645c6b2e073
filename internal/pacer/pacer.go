package pacer

import (
	"context"
	"sync"
	"time"
)

// Pacer shapes the outbound request stream to a per-second rate.
type Pacer interface {
	// Acquire blocks until one token is available, then consumes it.
	Acquire(ctx context.Context) error
	// TryAcquire consumes one token if available without blocking.
	TryAcquire() bool
	// SetRate resets rate and capacity to r (clamped to >= 1).
	SetRate(r int)
	Rate() int
	AvailableTokens() int
}

const pollInterval = 10 * time.Millisecond

// TokenBucket is a continuously refilled bucket. Capacity equals the rate,
// i.e. the bucket holds at most one second worth of tokens.
type TokenBucket struct {
	mu         sync.Mutex
	rate       int
	capacity   int
	tokens     float64
	lastRefill time.Time

	now func() time.Time
}

func NewTokenBucket(rate int) *TokenBucket {
	if rate < 1 {
		rate = 1
	}
	b := &TokenBucket{
		rate:     rate,
		capacity: rate,
		now:      time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// refill adds tokens accrued since the last refill. Caller holds the lock.
func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed < 0 {
		// clock went backwards, treat as no time elapsed
		elapsed = 0
	}
	b.tokens += elapsed.Seconds() * float64(b.rate)
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastRefill = now
}

func (b *TokenBucket) Acquire(ctx context.Context) error {
	for {
		if b.TryAcquire() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (b *TokenBucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// SetRate changes the rate and capacity. Held tokens carry over, clamped to
// the new capacity, so lowering the rate can never create a burst.
func (b *TokenBucket) SetRate(r int) {
	if r < 1 {
		r = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	b.rate = r
	b.capacity = r
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
}

func (b *TokenBucket) Rate() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

func (b *TokenBucket) AvailableTokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return int(b.tokens)
}
