package candles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/karanvir/opttrader/internal/models"
)

// ErrDataUnavailable means the merged dataset failed a quality gate and the
// strategy must not run on it. There is no fallback to raw ticks.
var ErrDataUnavailable = errors.New("candles: data unavailable")

// DatasetConfig describes what a strategy needs from the assembler.
type DatasetConfig struct {
	Timeframe         models.Timeframe
	LookbackPeriods   int
	MinPeriods        int
	IncludeInProgress bool
	// RecentFinalized caps how many live candles are merged over history.
	// Zero means LookbackPeriods.
	RecentFinalized int
}

// Assembler merges cached history with live aggregator candles into the
// dataset a strategy analyzes.
type Assembler struct {
	hist *History
	agg  *Aggregator

	mu       sync.Mutex
	failures map[string]*atomic.Int64
}

// NewAssembler wires the cache and aggregator together.
func NewAssembler(hist *History, agg *Aggregator) *Assembler {
	return &Assembler{
		hist:     hist,
		agg:      agg,
		failures: make(map[string]*atomic.Int64),
	}
}

// Dataset builds the merged candle sequence for symbol. Live candles win
// over historical ones on the same bucket. Fails with ErrDataUnavailable
// when fewer than MinPeriods survive the merge or the bucket spacing does
// not match the requested timeframe.
func (a *Assembler) Dataset(ctx context.Context, symbol string, cfg DatasetConfig) ([]models.Candle, error) {
	hist, err := a.hist.Get(ctx, symbol, cfg.Timeframe, cfg.LookbackPeriods)
	if err != nil {
		a.countFailure(symbol)
		return nil, fmt.Errorf("%w: %s: history: %v", ErrDataUnavailable, symbol, err)
	}

	k := cfg.RecentFinalized
	if k <= 0 {
		k = cfg.LookbackPeriods
	}
	live := a.agg.RecentFinalized(symbol, cfg.Timeframe, k)
	if cfg.IncludeInProgress {
		if cur, ok := a.agg.Current(symbol, cfg.Timeframe); ok {
			live = append(live, cur)
		}
	}

	merged := mergeByBucket(hist, live)

	if len(merged) < cfg.MinPeriods {
		a.countFailure(symbol)
		return nil, fmt.Errorf("%w: %s: %d candles < min %d",
			ErrDataUnavailable, symbol, len(merged), cfg.MinPeriods)
	}
	if !gapsPlausible(merged, cfg.Timeframe) {
		a.countFailure(symbol)
		return nil, fmt.Errorf("%w: %s: bucket spacing inconsistent with %s",
			ErrDataUnavailable, symbol, cfg.Timeframe)
	}
	return merged, nil
}

// DataUnavailableTotal reports quality-gate failures for the symbol.
func (a *Assembler) DataUnavailableTotal(symbol string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.failures[symbol]; ok {
		return c.Load()
	}
	return 0
}

func (a *Assembler) countFailure(symbol string) {
	a.mu.Lock()
	c, ok := a.failures[symbol]
	if !ok {
		c = &atomic.Int64{}
		a.failures[symbol] = c
	}
	a.mu.Unlock()
	c.Add(1)
}

// mergeByBucket dedupes on bucket_start with live overriding hist, sorted
// ascending.
func mergeByBucket(hist, live []models.Candle) []models.Candle {
	byBucket := make(map[int64]models.Candle, len(hist)+len(live))
	for _, c := range hist {
		byBucket[c.BucketStart.Unix()] = c
	}
	for _, c := range live {
		byBucket[c.BucketStart.Unix()] = c
	}
	out := make([]models.Candle, 0, len(byBucket))
	for _, c := range byBucket {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out
}

// gapsPlausible checks that the median inter-bucket gap is within ±10% of
// the timeframe. This catches a finer-grained stream standing in for a
// coarser one; occasional session-boundary gaps do not move the median.
func gapsPlausible(cs []models.Candle, tf models.Timeframe) bool {
	if len(cs) < 2 {
		return true
	}
	gaps := make([]time.Duration, 0, len(cs)-1)
	for i := 1; i < len(cs); i++ {
		gaps = append(gaps, cs[i].BucketStart.Sub(cs[i-1].BucketStart))
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	median := gaps[len(gaps)/2]

	want := tf.Duration()
	lo := time.Duration(float64(want) * 0.9)
	hi := time.Duration(float64(want) * 1.1)
	return median >= lo && median <= hi
}
