package broker

import (
	"context"
	"sync"
	"time"

	"github.com/karanvir/opttrader/internal/marketcal"
)

// TokenBucket is a token-bucket rate limiter with continuous refill.
// Callers block in Wait until a token is available or the context ends.
// The broker allows ~3 req/s per session; refilling continuously rather
// than per-second avoids bursting into the hard limit.
type TokenBucket struct {
	mu       sync.Mutex
	clock    marketcal.Clock
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket creates a limiter with the given burst capacity and
// refill rate in tokens per second.
func NewTokenBucket(capacity, ratePerSecond float64, clock marketcal.Clock) *TokenBucket {
	if clock == nil {
		clock = marketcal.NewSystemClock()
	}
	return &TokenBucket{
		clock:    clock,
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: clock.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := tb.clock.Now()
		tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
