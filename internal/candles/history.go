package candles

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/karanvir/opttrader/internal/broker"
	"github.com/karanvir/opttrader/internal/marketcal"
	"github.com/karanvir/opttrader/internal/models"
	"github.com/karanvir/opttrader/internal/storage"
)

// DefaultRefreshTTL is how long a cached frame is served before re-reading.
const DefaultRefreshTTL = 5 * time.Minute

type histEntry struct {
	frame       []models.Candle
	lastRefresh time.Time
}

// History caches the finalized candle tail per (symbol, timeframe).
// Stale frames are refreshed from the store; when the store itself is
// behind, the gap is fetched from the broker and bulk-upserted first.
// Concurrent refreshes of the same key collapse into one flight.
type History struct {
	store  storage.Interface
	broker broker.Client
	clock  marketcal.Clock
	logger *slog.Logger
	ttl    time.Duration

	sf singleflight.Group

	mu      sync.Mutex
	entries map[aggKey]*histEntry
}

// NewHistory creates the cache. ttl <= 0 selects DefaultRefreshTTL.
func NewHistory(store storage.Interface, b broker.Client, clock marketcal.Clock, ttl time.Duration, logger *slog.Logger) *History {
	if ttl <= 0 {
		ttl = DefaultRefreshTTL
	}
	return &History{
		store:   store,
		broker:  b,
		clock:   clock,
		logger:  logger.With("component", "history"),
		ttl:     ttl,
		entries: make(map[aggKey]*histEntry),
	}
}

// Get returns up to periods finalized candles, strictly ascending by
// bucket_start. The frame may be shorter than periods when less history
// exists; the assembler decides whether that is enough.
func (h *History) Get(ctx context.Context, symbol string, tf models.Timeframe, periods int) ([]models.Candle, error) {
	key := aggKey{symbol, tf}
	now := h.clock.Now()

	h.mu.Lock()
	entry := h.entries[key]
	fresh := entry != nil && now.Sub(entry.lastRefresh) <= h.ttl && len(entry.frame) >= periods
	h.mu.Unlock()

	if !fresh {
		sfKey := fmt.Sprintf("%s|%s", symbol, tf)
		_, err, _ := h.sf.Do(sfKey, func() (interface{}, error) {
			return nil, h.refresh(ctx, key, periods)
		})
		if err != nil {
			return nil, err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	entry = h.entries[key]
	if entry == nil {
		return nil, nil
	}
	frame := entry.frame
	if len(frame) > periods {
		frame = frame[len(frame)-periods:]
	}
	out := make([]models.Candle, len(frame))
	copy(out, frame)
	return out, nil
}

func (h *History) refresh(ctx context.Context, key aggKey, periods int) error {
	now := h.clock.Now()

	frame, err := h.store.LastNCandles(ctx, key.symbol, key.tf, periods)
	if err != nil {
		return fmt.Errorf("history %s/%s: read: %w", key.symbol, key.tf, err)
	}

	// when the stored tail has gone stale, pull the gap from the broker
	// and re-read so the cache always reflects the store
	if h.tailStale(frame, now) {
		from := now.Add(-2 * time.Duration(periods) * key.tf.Duration())
		if len(frame) > 0 {
			from = frame[len(frame)-1].BucketStart
		}
		fetched, err := h.broker.HistoricalData(ctx, key.symbol, key.tf, from, now)
		if err != nil {
			return fmt.Errorf("history %s/%s: gap fetch: %w", key.symbol, key.tf, err)
		}
		if len(fetched) > 0 {
			if err := h.store.BulkUpsertCandles(ctx, fetched); err != nil {
				return fmt.Errorf("history %s/%s: gap upsert: %w", key.symbol, key.tf, err)
			}
			h.logger.Info("historical gap filled",
				"symbol", key.symbol, "timeframe", string(key.tf),
				"candles", len(fetched))
		}
		frame, err = h.store.LastNCandles(ctx, key.symbol, key.tf, periods)
		if err != nil {
			return fmt.Errorf("history %s/%s: re-read: %w", key.symbol, key.tf, err)
		}
	}

	h.mu.Lock()
	h.entries[key] = &histEntry{frame: frame, lastRefresh: now}
	h.mu.Unlock()
	return nil
}

func (h *History) tailStale(frame []models.Candle, now time.Time) bool {
	if len(frame) == 0 {
		return true
	}
	last := frame[len(frame)-1]
	return now.Sub(last.BucketEnd()) > h.ttl
}
