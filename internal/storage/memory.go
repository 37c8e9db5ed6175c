package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/karanvir/opttrader/internal/models"
)

// MemoryStore implements Interface with mutex-guarded maps. It backs every
// package test and the `storage.backend: memory` dry-run configuration.
// Semantics mirror GormStore exactly, including duplicate detection.
type MemoryStore struct {
	mu  sync.RWMutex
	loc *time.Location

	candles      map[string]models.Candle // symbol|tf|bucketUnix
	signals      map[string]*models.Signal
	fingerprints map[string]string // fingerprint -> signal id
	positions    map[string]*models.Position
	bySignal     map[string]string // signal id -> position id
	snapshots    map[string]models.OptionContract
	quotes       []models.Tick
}

// NewMemoryStore returns an empty in-memory store. loc is the exchange
// timezone returned instants are expressed in.
func NewMemoryStore(loc *time.Location) *MemoryStore {
	if loc == nil {
		loc = time.UTC
	}
	return &MemoryStore{
		loc:          loc,
		candles:      make(map[string]models.Candle),
		signals:      make(map[string]*models.Signal),
		fingerprints: make(map[string]string),
		positions:    make(map[string]*models.Position),
		bySignal:     make(map[string]string),
		snapshots:    make(map[string]models.OptionContract),
	}
}

var _ Interface = (*MemoryStore)(nil)

func candleKey(symbol string, tf models.Timeframe, bucket time.Time) string {
	return fmt.Sprintf("%s|%s|%d", symbol, tf, bucket.Unix())
}

// UpsertCandle inserts or replaces the candle at its primary key.
func (m *MemoryStore) UpsertCandle(_ context.Context, c models.Candle) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[candleKey(c.Symbol, c.Timeframe, c.BucketStart)] = c
	return nil
}

// BulkUpsertCandles upserts every candle; calling it twice with the same
// batch is equivalent to calling it once.
func (m *MemoryStore) BulkUpsertCandles(ctx context.Context, cs []models.Candle) error {
	for _, c := range cs {
		if err := m.UpsertCandle(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Candles returns candles with from <= bucket_start <= to, ascending.
func (m *MemoryStore) Candles(_ context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Candle
	for _, c := range m.candles {
		if c.Symbol != symbol || c.Timeframe != tf {
			continue
		}
		if c.BucketStart.Before(from) || c.BucketStart.After(to) {
			continue
		}
		c.BucketStart = c.BucketStart.In(m.loc)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

// LastNCandles returns the most recent n candles for the key, ascending.
func (m *MemoryStore) LastNCandles(_ context.Context, symbol string, tf models.Timeframe, n int) ([]models.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Candle
	for _, c := range m.candles {
		if c.Symbol == symbol && c.Timeframe == tf {
			c.BucketStart = c.BucketStart.In(m.loc)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// InsertSignal persists a NEW signal; a duplicate id or fingerprint returns
// ErrDuplicateSignal and leaves state unchanged.
func (m *MemoryStore) InsertSignal(_ context.Context, s *models.Signal) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signals[s.ID]; ok {
		return ErrDuplicateSignal
	}
	fp := s.Fingerprint()
	if priorID, ok := m.fingerprints[fp]; ok {
		prior := m.signals[priorID]
		// EXPIRED and REJECTED twins may be retried; anything else blocks
		if prior.Status != models.SignalExpired && prior.Status != models.SignalRejected {
			return ErrDuplicateSignal
		}
	}
	cp := *s
	m.signals[s.ID] = &cp
	m.fingerprints[fp] = s.ID
	return nil
}

// UpdateSignalStatus applies a monotonic status transition.
func (m *MemoryStore) UpdateSignalStatus(_ context.Context, id string, status models.SignalStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return fmt.Errorf("signal %s: %w", id, ErrNotFound)
	}
	if !s.Status.CanTransition(status) {
		return fmt.Errorf("signal %s: illegal transition %s -> %s", id, s.Status, status)
	}
	s.Status = status
	s.StatusReason = reason
	return nil
}

// SignalByID returns a copy of the signal or ErrNotFound.
func (m *MemoryStore) SignalByID(_ context.Context, id string) (*models.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.signals[id]
	if !ok {
		return nil, fmt.Errorf("signal %s: %w", id, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

// SignalsSince returns signals matching the strategy and symbol filters
// (empty matches all) created at or after
// since, ascending by creation time.
func (m *MemoryStore) SignalsSince(_ context.Context, strategy, symbol string, since time.Time) ([]models.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Signal
	for _, s := range m.signals {
		if strategy != "" && s.Strategy != strategy {
			continue
		}
		if symbol != "" && s.Symbol != symbol {
			continue
		}
		if s.CreatedAt.Before(since) {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PendingSignalCount counts signals in NEW or PROCESSING.
func (m *MemoryStore) PendingSignalCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.signals {
		if s.Status == models.SignalNew || s.Status == models.SignalProcessing {
			n++
		}
	}
	return n, nil
}

// InsertPosition persists a new position; at most one position may exist per
// signal, enforced here the way the unique index enforces it in Postgres.
func (m *MemoryStore) InsertPosition(_ context.Context, p *models.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.ID]; ok {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	if _, ok := m.bySignal[p.SignalID]; ok {
		return fmt.Errorf("position for signal %s already exists", p.SignalID)
	}
	cp := *p
	m.positions[p.ID] = &cp
	m.bySignal[p.SignalID] = p.ID
	return nil
}

// UpdatePosition replaces the stored row when the update is not stale
// (monotonic updated_at).
func (m *MemoryStore) UpdatePosition(_ context.Context, p *models.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.positions[p.ID]
	if !ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
	}
	if p.UpdatedAt.Before(cur.UpdatedAt) {
		return fmt.Errorf("position %s: stale update (%v < %v)", p.ID, p.UpdatedAt, cur.UpdatedAt)
	}
	cp := *p
	m.positions[p.ID] = &cp
	return nil
}

// OpenPositions returns all OPEN positions ordered by entry time.
func (m *MemoryStore) OpenPositions(_ context.Context) ([]models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Position
	for _, p := range m.positions {
		if p.Status == models.PositionOpen {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out, nil
}

// PositionBySignal returns the position opened for the signal, or ErrNotFound.
func (m *MemoryStore) PositionBySignal(_ context.Context, signalID string) (*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySignal[signalID]
	if !ok {
		return nil, fmt.Errorf("position for signal %s: %w", signalID, ErrNotFound)
	}
	cp := *m.positions[id]
	return &cp, nil
}

// Stats aggregates closed positions.
func (m *MemoryStore) Stats(_ context.Context) (*TradeStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := &TradeStats{}
	for _, p := range m.positions {
		if p.Status != models.PositionClosed {
			continue
		}
		st.TotalTrades++
		st.TotalPnL += p.RealizedPnL
		if p.RealizedPnL > 0 {
			st.Wins++
		} else {
			st.Losses++
		}
	}
	if st.TotalTrades > 0 {
		st.WinRate = float64(st.Wins) / float64(st.TotalTrades)
	}
	return st, nil
}

func snapshotKey(c models.OptionContract) string {
	return fmt.Sprintf("%s|%d|%.2f|%s", c.Underlying, c.Expiry.Unix(), c.Strike, c.OptionType)
}

// UpsertOptionSnapshot keeps the latest snapshot per contract.
func (m *MemoryStore) UpsertOptionSnapshot(_ context.Context, c models.OptionContract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := snapshotKey(c)
	if prev, ok := m.snapshots[key]; ok && prev.SnapshotTime.After(c.SnapshotTime) {
		return nil
	}
	m.snapshots[key] = c
	return nil
}

// OptionChain returns the latest snapshot per contract for the underlying,
// ordered by expiry then strike. Zero expiry matches all expiries.
func (m *MemoryStore) OptionChain(_ context.Context, underlying string, expiry time.Time) ([]models.OptionContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.OptionContract
	for _, c := range m.snapshots {
		if c.Underlying != underlying {
			continue
		}
		if !expiry.IsZero() && !c.Expiry.Equal(expiry) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Expiry.Equal(out[j].Expiry) {
			return out[i].Expiry.Before(out[j].Expiry)
		}
		return out[i].Strike < out[j].Strike
	})
	return out, nil
}

// InsertIntradayQuote appends one real-time quote row.
func (m *MemoryStore) InsertIntradayQuote(_ context.Context, t models.Tick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes = append(m.quotes, t)
	return nil
}

// DailyIntradayReset drops quote rows older than today's midnight.
func (m *MemoryStore) DailyIntradayReset(_ context.Context, now time.Time) error {
	now = now.In(m.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, m.loc)
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.quotes[:0]
	for _, q := range m.quotes {
		if !q.Timestamp.Before(midnight) {
			kept = append(kept, q)
		}
	}
	m.quotes = kept
	return nil
}

// IntradayQuoteCount reports retained quote rows; used by tests and /status.
func (m *MemoryStore) IntradayQuoteCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.quotes)
}

// Close is a no-op for the memory backend.
func (m *MemoryStore) Close() error { return nil }
