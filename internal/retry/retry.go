// Package retry runs broker-facing operations with exponential backoff.
// Only transient failures are retried; a rejected order is final.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/karanvir/opttrader/internal/broker"
)

// Config bounds a retried operation.
type Config struct {
	// MaxRetries is the number of attempts after the first; default 3.
	MaxRetries int
	// InitialBackoff is the first wait; default 1s. Each subsequent wait
	// grows by 1.5x up to MaxBackoff, plus up to 25% jitter.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout caps the whole operation including backoff waits; default 2m.
	Timeout time.Duration
}

// DefaultConfig suits order placement against a flaky upstream.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

func (c *Config) normalize() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig.Timeout
	}
}

// Do invokes fn until it succeeds, returns a permanent error, or the
// attempt budget runs out. label names the operation in logs.
func Do(ctx context.Context, cfg Config, logger *slog.Logger, label string, fn func(context.Context) error) error {
	cfg.normalize()
	opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	attempts := 0
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", label, err)
		}

		attempts++
		err := fn(opCtx)
		if err == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry",
					"operation", label, "attempt", attempts)
			}
			return nil
		}
		lastErr = err

		if !Transient(err) || attempt == cfg.MaxRetries {
			break
		}

		logger.Warn("transient failure, backing off",
			"operation", label, "attempt", attempts, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-opCtx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", label, opCtx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempt(s): %w", label, attempts, lastErr)
}

// Transient reports whether err is worth retrying. Broker API errors
// carry their own classification; context errors are final; anything
// unclassified is treated as transient so network hiccups get another shot.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return true
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * 1.5)
	if next > max {
		next = max
	}
	if maxJitter := int64(next / 4); maxJitter > 0 {
		if j, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			next += time.Duration(j.Int64())
			if next > max {
				next = max
			}
		}
	}
	return next
}
