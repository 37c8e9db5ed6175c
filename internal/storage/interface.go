// Package storage is the single durable home of runtime state: candles,
// signals, positions, option-chain snapshots and intraday quotes.
package storage

import (
	"context"
	"time"

	"github.com/karanvir/opttrader/internal/models"
)

// TradeStats aggregates realized results over closed positions.
type TradeStats struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	TotalPnL    float64 `json:"total_pnl"`
}

// Interface is the persistence contract the runtime depends on.
//
// Implementations must be safe for concurrent use; every mutation is atomic
// and idempotent by primary key (candle: symbol/timeframe/bucket_start,
// signal: id, position: id). Range queries return rows ordered by time.
type Interface interface {
	// Candles
	UpsertCandle(ctx context.Context, c models.Candle) error
	BulkUpsertCandles(ctx context.Context, cs []models.Candle) error
	Candles(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error)
	LastNCandles(ctx context.Context, symbol string, tf models.Timeframe, n int) ([]models.Candle, error)

	// Signals
	InsertSignal(ctx context.Context, s *models.Signal) error
	UpdateSignalStatus(ctx context.Context, id string, status models.SignalStatus, reason string) error
	SignalByID(ctx context.Context, id string) (*models.Signal, error)
	// SignalsSince filters by strategy and symbol; an empty string matches all.
	SignalsSince(ctx context.Context, strategy, symbol string, since time.Time) ([]models.Signal, error)
	PendingSignalCount(ctx context.Context) (int, error)

	// Positions
	InsertPosition(ctx context.Context, p *models.Position) error
	UpdatePosition(ctx context.Context, p *models.Position) error
	OpenPositions(ctx context.Context) ([]models.Position, error)
	// PositionBySignal returns ErrNotFound when no position exists for the signal.
	PositionBySignal(ctx context.Context, signalID string) (*models.Position, error)
	Stats(ctx context.Context) (*TradeStats, error)

	// Option chain snapshots
	UpsertOptionSnapshot(ctx context.Context, c models.OptionContract) error
	// OptionChain returns the latest snapshot per contract; zero expiry means all expiries.
	OptionChain(ctx context.Context, underlying string, expiry time.Time) ([]models.OptionContract, error)

	// Intraday quotes (5-second real-time table)
	InsertIntradayQuote(ctx context.Context, t models.Tick) error
	// DailyIntradayReset deletes intraday quote rows older than today's
	// midnight in the exchange timezone. Historical tables are untouched.
	DailyIntradayReset(ctx context.Context, now time.Time) error

	Close() error
}
