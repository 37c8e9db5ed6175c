package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karanvir/opttrader/internal/models"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func candleSeries(closes []float64) []models.Candle {
	start := time.Date(2025, 3, 3, 9, 15, 0, 0, ist)
	out := make([]models.Candle, 0, len(closes))
	for i, close := range closes {
		out = append(out, models.Candle{
			Symbol:      "NIFTY 50",
			Timeframe:   models.Timeframe5Min,
			BucketStart: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:        close, High: close + 2, Low: close - 2, Close: close,
			Volume:    1000,
			Finalized: true,
		})
	}
	return out
}

func smaInput(closes []float64) Input {
	return Input{
		Symbol:     "NIFTY 50",
		AssetClass: models.AssetIndex,
		Timeframe:  models.Timeframe5Min,
		Candles:    candleSeries(closes),
	}
}

func TestSMACrossBuyOnCrossUp(t *testing.T) {
	s := NewSMACross(Config{Parameters: map[string]float64{
		"fast_periods": 2, "slow_periods": 4,
	}})

	// flat, then a sharp rise flips the fast average above the slow one
	closes := []float64{100, 100, 100, 100, 100, 110}
	sig, err := s.Analyze(context.Background(), smaInput(closes))
	require.NoError(t, err)
	require.NotNil(t, sig)

	assert.Equal(t, models.ActionBuy, sig.Action)
	assert.Equal(t, "smacross", sig.Strategy)
	assert.InDelta(t, 110, sig.UnderlyingPrice, 1e-9)
	assert.Greater(t, sig.TargetPrice, sig.UnderlyingPrice)
	assert.Less(t, sig.StopLossPrice, sig.UnderlyingPrice)
	assert.Equal(t, candleSeries(closes)[5].BucketStart, sig.BucketStart)
}

func TestSMACrossSellOnCrossDown(t *testing.T) {
	s := NewSMACross(Config{Parameters: map[string]float64{
		"fast_periods": 2, "slow_periods": 4,
	}})

	closes := []float64{100, 100, 100, 100, 100, 90}
	sig, err := s.Analyze(context.Background(), smaInput(closes))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, models.ActionSell, sig.Action)
	assert.Less(t, sig.TargetPrice, sig.UnderlyingPrice)
	assert.Greater(t, sig.StopLossPrice, sig.UnderlyingPrice)
}

func TestSMACrossNoSignalWithoutCross(t *testing.T) {
	s := NewSMACross(Config{Parameters: map[string]float64{
		"fast_periods": 2, "slow_periods": 4,
	}})
	sig, err := s.Analyze(context.Background(), smaInput([]float64{100, 100, 100, 100, 100, 100}))
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestSMACrossInsufficientData(t *testing.T) {
	s := NewSMACross(Config{Parameters: map[string]float64{
		"fast_periods": 2, "slow_periods": 4,
	}})
	_, err := s.Analyze(context.Background(), smaInput([]float64{100, 101}))
	assert.Error(t, err)
}

func TestVWAPRevertBuyBelowBand(t *testing.T) {
	s := NewVWAPRevert(Config{Parameters: map[string]float64{"deviation_pct": 0.5}})

	// session trades around 100, last close drops 1% below
	closes := []float64{100, 100, 100, 100, 99}
	sig, err := s.Analyze(context.Background(), smaInput(closes))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, models.ActionBuy, sig.Action)
	assert.Equal(t, "vwaprevert", sig.Strategy)
}

func TestVWAPRevertQuietMarketHolds(t *testing.T) {
	s := NewVWAPRevert(Config{Parameters: map[string]float64{"deviation_pct": 0.5}})
	sig, err := s.Analyze(context.Background(), smaInput([]float64{100, 100.1, 99.9, 100}))
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestRegistryForSymbol(t *testing.T) {
	r := NewRegistry()
	cfg := Config{
		Enabled:      true,
		Symbols:      []string{"NIFTY 50"},
		Timeframe:    models.Timeframe5Min,
		AssetClasses: []models.AssetClass{models.AssetIndex},
	}
	require.NoError(t, r.Register(NewSMACross(cfg), cfg))

	disabled := cfg
	disabled.Enabled = false
	require.NoError(t, r.Register(NewVWAPRevert(disabled), disabled))

	got := r.ForSymbol("NIFTY 50", models.AssetIndex)
	require.Len(t, got, 1)
	assert.Equal(t, "smacross", got[0].Strategy.Name())

	assert.Empty(t, r.ForSymbol("NIFTY 50", models.AssetEquity))
	assert.Empty(t, r.ForSymbol("BANKNIFTY", models.AssetIndex))

	err := r.Register(NewSMACross(cfg), cfg)
	assert.Error(t, err, "duplicate names rejected")
}
