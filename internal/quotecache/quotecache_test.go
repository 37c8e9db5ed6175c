package quotecache

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/karanvir/opttrader/internal/broker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDisabledCacheIsInert(t *testing.T) {
	c := New(Config{}, discardLogger())
	ctx := context.Background()

	assert.False(t, c.Enabled())
	assert.NoError(t, c.Ping(ctx))

	c.PutAll(ctx, map[string]broker.QuoteData{"NIFTY 50": {LTP: 19500}})
	_, ok := c.Get(ctx, "NIFTY 50")
	assert.False(t, ok)

	assert.NoError(t, c.Close())
}

func TestNilCacheIsSafe(t *testing.T) {
	var c *Cache
	ctx := context.Background()

	assert.False(t, c.Enabled())
	assert.NoError(t, c.Ping(ctx))
	c.PutAll(ctx, map[string]broker.QuoteData{"NIFTY 50": {LTP: 19500}})
	_, ok := c.Get(ctx, "NIFTY 50")
	assert.False(t, ok)
	assert.NoError(t, c.Close())
}
