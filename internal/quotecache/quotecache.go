// Package quotecache is a best-effort Redis write-through for last traded
// prices, so dashboards and other processes can read quotes without
// touching the broker. When no Redis address is configured every method
// is a no-op; the runtime never depends on the cache being up.
package quotecache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/karanvir/opttrader/internal/broker"
)

const keyPrefix = "opttrader:ltp:"

// Config carries the Redis connection settings from the YAML file.
type Config struct {
	// Addr enables the cache when non-empty, e.g. "localhost:6379".
	Addr     string
	Password string
	DB       int
	// TTL expires stale quotes; default 60s.
	TTL time.Duration
}

// Cache mirrors quotes into Redis. The zero value and a nil *Cache are
// both safe and disabled.
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New returns a disabled cache when cfg.Addr is empty.
func New(cfg Config, logger *slog.Logger) *Cache {
	c := &Cache{logger: logger.With("component", "quotecache")}
	if cfg.Addr == "" {
		return c
	}
	c.ttl = cfg.TTL
	if c.ttl <= 0 {
		c.ttl = 60 * time.Second
	}
	c.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return c
}

// Enabled reports whether writes actually reach Redis.
func (c *Cache) Enabled() bool {
	return c != nil && c.rdb != nil
}

// Ping verifies connectivity at startup. Disabled caches always pass.
func (c *Cache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("quotecache: ping: %w", err)
	}
	return nil
}

// PutAll mirrors a batch of quotes in one pipeline round-trip. Failures
// are logged, never returned; a dead cache must not stall the tick path.
func (c *Cache) PutAll(ctx context.Context, quotes map[string]broker.QuoteData) {
	if !c.Enabled() || len(quotes) == 0 {
		return
	}
	pipe := c.rdb.Pipeline()
	for symbol, q := range quotes {
		payload, err := json.Marshal(q)
		if err != nil {
			continue
		}
		pipe.Set(ctx, keyPrefix+symbol, payload, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("quote mirror failed", "quotes", len(quotes), "error", err)
	}
}

// Get reads one mirrored quote. ok is false on miss, expiry, or when the
// cache is disabled.
func (c *Cache) Get(ctx context.Context, symbol string) (broker.QuoteData, bool) {
	if !c.Enabled() {
		return broker.QuoteData{}, false
	}
	payload, err := c.rdb.Get(ctx, keyPrefix+symbol).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("quote read failed", "symbol", symbol, "error", err)
		}
		return broker.QuoteData{}, false
	}
	var q broker.QuoteData
	if err := json.Unmarshal(payload, &q); err != nil {
		return broker.QuoteData{}, false
	}
	return q, true
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Close()
}
