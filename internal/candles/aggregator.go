// Package candles turns raw ticks into finalized OHLCV bars and assembles
// the merged historical+live datasets strategies analyze.
package candles

import (
	"context"
	"log/slog"
	"sync"

	"github.com/karanvir/opttrader/internal/bus"
	"github.com/karanvir/opttrader/internal/marketcal"
	"github.com/karanvir/opttrader/internal/models"
	"github.com/karanvir/opttrader/internal/storage"
)

// DefaultRingSize bounds the per-key finalized candle ring.
const DefaultRingSize = 2000

type aggKey struct {
	symbol string
	tf     models.Timeframe
}

type aggState struct {
	current *models.Candle
	ring    []models.Candle
}

// Aggregator builds candles from ticks, one in-progress candle plus a
// bounded ring of finalized candles per (symbol, timeframe). All state is
// guarded by one mutex; each key has a single writer in practice (its
// runner) but reads come from any goroutine.
type Aggregator struct {
	mu       sync.Mutex
	cal      *marketcal.Calendar
	store    storage.Interface
	bus      *bus.Bus
	logger   *slog.Logger
	ringSize int

	states map[aggKey]*aggState
	// last cumulative session volume per symbol, for tick-delta volume
	lastCum map[string]int64
	tracked map[string][]models.Timeframe
}

// NewAggregator creates an aggregator publishing CandleClosed on b.
func NewAggregator(cal *marketcal.Calendar, store storage.Interface, b *bus.Bus, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		cal:      cal,
		store:    store,
		bus:      b,
		logger:   logger.With("component", "aggregator"),
		ringSize: DefaultRingSize,
		states:   make(map[aggKey]*aggState),
		lastCum:  make(map[string]int64),
		tracked:  make(map[string][]models.Timeframe),
	}
}

// Track registers a timeframe to maintain for the symbol. Idempotent.
func (a *Aggregator) Track(symbol string, tf models.Timeframe) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.tracked[symbol] {
		if t == tf {
			return
		}
	}
	a.tracked[symbol] = append(a.tracked[symbol], tf)
}

// OnTick folds one tick into every tracked timeframe of its symbol. It never
// fails to the caller: closed-market ticks are rejected silently and store
// errors are logged while the candle stays in memory for the next write.
func (a *Aggregator) OnTick(ctx context.Context, tick models.Tick) {
	if !a.cal.IsOpen(tick.Timestamp) {
		a.logger.Debug("tick outside market hours rejected",
			"symbol", tick.Symbol, "ts", tick.Timestamp)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// cumulative volume delta, computed once per tick; a backwards jump is
	// a session reset and the new cumulative value is the session total
	delta := tick.CumVolume - a.lastCum[tick.Symbol]
	if delta < 0 {
		delta = tick.CumVolume
	}
	a.lastCum[tick.Symbol] = tick.CumVolume

	for _, tf := range a.tracked[tick.Symbol] {
		a.applyLocked(ctx, tick, tf, delta)
	}
}

func (a *Aggregator) applyLocked(ctx context.Context, tick models.Tick, tf models.Timeframe, volDelta int64) {
	key := aggKey{tick.Symbol, tf}
	st := a.states[key]
	if st == nil {
		st = &aggState{}
		a.states[key] = st
	}

	bucket := a.cal.AlignToBucket(tick.Timestamp, tf)

	if st.current != nil && bucket.After(st.current.BucketStart) {
		a.finalizeLocked(ctx, key, st)
	}

	if st.current == nil {
		st.current = &models.Candle{
			Symbol:      tick.Symbol,
			Timeframe:   tf,
			BucketStart: bucket,
			Open:        tick.LastPrice,
			High:        tick.LastPrice,
			Low:         tick.LastPrice,
			Close:       tick.LastPrice,
			Trades:      1,
		}
		return
	}

	c := st.current
	if tick.LastPrice > c.High {
		c.High = tick.LastPrice
	}
	if tick.LastPrice < c.Low {
		c.Low = tick.LastPrice
	}
	c.Close = tick.LastPrice
	c.Volume += volDelta
	c.Trades++
}

func (a *Aggregator) finalizeLocked(ctx context.Context, key aggKey, st *aggState) {
	c := *st.current
	c.Finalized = true
	st.current = nil

	if err := a.store.UpsertCandle(ctx, c); err != nil {
		// keep the candle in the ring; the next bulk write will catch up
		a.logger.Error("candle persist failed",
			"symbol", key.symbol, "timeframe", string(key.tf),
			"bucket", c.BucketStart, "error", err)
	}

	st.ring = append(st.ring, c)
	if len(st.ring) > a.ringSize {
		st.ring = st.ring[len(st.ring)-a.ringSize:]
	}

	a.bus.Publish(bus.Event{Type: bus.CandleClosed, At: c.BucketStart, Candle: &c})
}

// Flush finalizes every in-progress candle. The runner calls it when the
// session ends so the last bucket of the day is not lost.
func (a *Aggregator) Flush(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, st := range a.states {
		if st.current != nil {
			a.finalizeLocked(ctx, key, st)
		}
	}
}

// Current returns a copy of the in-progress candle, if any.
func (a *Aggregator) Current(symbol string, tf models.Timeframe) (models.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.states[aggKey{symbol, tf}]
	if st == nil || st.current == nil {
		return models.Candle{}, false
	}
	return *st.current, true
}

// RecentFinalized returns up to n most recent finalized candles, ascending.
func (a *Aggregator) RecentFinalized(symbol string, tf models.Timeframe, n int) []models.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.states[aggKey{symbol, tf}]
	if st == nil || len(st.ring) == 0 || n <= 0 {
		return nil
	}
	ring := st.ring
	if len(ring) > n {
		ring = ring[len(ring)-n:]
	}
	out := make([]models.Candle, len(ring))
	copy(out, ring)
	return out
}
