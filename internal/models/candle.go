// Package models holds the domain types shared by every runtime package:
// ticks, candles, signals, positions and option contracts.
package models

import (
	"fmt"
	"time"
)

// Timeframe is a supported candle interval.
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1m"
	Timeframe5Min  Timeframe = "5m"
	Timeframe15Min Timeframe = "15m"
	Timeframe30Min Timeframe = "30m"
	Timeframe60Min Timeframe = "60m"
	TimeframeDay   Timeframe = "day"
)

// Valid returns true for a supported timeframe.
func (tf Timeframe) Valid() bool {
	switch tf {
	case Timeframe1Min, Timeframe5Min, Timeframe15Min,
		Timeframe30Min, Timeframe60Min, TimeframeDay:
		return true
	default:
		return false
	}
}

// Duration returns the bucket width. Day candles span the whole session but
// bucket arithmetic uses 24h.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1Min:
		return time.Minute
	case Timeframe5Min:
		return 5 * time.Minute
	case Timeframe15Min:
		return 15 * time.Minute
	case Timeframe30Min:
		return 30 * time.Minute
	case Timeframe60Min:
		return time.Hour
	case TimeframeDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Tick is one real-time quote observation. CumVolume is the exchange's
// cumulative session volume, not a per-tick delta.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"ts"`
	LastPrice float64   `json:"last_price"`
	CumVolume int64     `json:"cum_volume"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
}

// Candle is one OHLCV bar. BucketStart is inclusive and aligned to the
// timeframe grid; the bucket covers [BucketStart, BucketEnd).
type Candle struct {
	Symbol      string    `json:"symbol"`
	Timeframe   Timeframe `json:"timeframe"`
	BucketStart time.Time `json:"bucket_start"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      int64     `json:"volume"`
	Trades      int64     `json:"trades,omitempty"`
	VWAP        float64   `json:"vwap,omitempty"`
	Finalized   bool      `json:"finalized"`
}

// Validate checks the OHLC shape. Grid alignment is the aggregator's job;
// by the time a candle reaches storage its bucket is already aligned.
func (c *Candle) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("candle: symbol is required")
	}
	if !c.Timeframe.Valid() {
		return fmt.Errorf("candle %s: invalid timeframe %q", c.Symbol, c.Timeframe)
	}
	if c.BucketStart.IsZero() {
		return fmt.Errorf("candle %s: bucket_start is required", c.Symbol)
	}
	if c.Low > c.High {
		return fmt.Errorf("candle %s@%v: low %.2f above high %.2f",
			c.Symbol, c.BucketStart, c.Low, c.High)
	}
	if c.Open < c.Low || c.Open > c.High {
		return fmt.Errorf("candle %s@%v: open %.2f outside [low, high]",
			c.Symbol, c.BucketStart, c.Open)
	}
	if c.Close < c.Low || c.Close > c.High {
		return fmt.Errorf("candle %s@%v: close %.2f outside [low, high]",
			c.Symbol, c.BucketStart, c.Close)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s@%v: negative volume %d",
			c.Symbol, c.BucketStart, c.Volume)
	}
	return nil
}

// BucketEnd returns the exclusive end of the candle's bucket.
func (c *Candle) BucketEnd() time.Time {
	return c.BucketStart.Add(c.Timeframe.Duration())
}
