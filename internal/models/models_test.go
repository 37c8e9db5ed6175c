package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func validCandle() Candle {
	return Candle{
		Symbol:      "NIFTY 50",
		Timeframe:   Timeframe15Min,
		BucketStart: time.Date(2025, 3, 3, 10, 15, 0, 0, ist),
		Open:        19480, High: 19510, Low: 19460, Close: 19500,
		Volume: 125000,
	}
}

func TestCandleValidate(t *testing.T) {
	c := validCandle()
	require.NoError(t, c.Validate())

	tests := []struct {
		name   string
		mutate func(*Candle)
	}{
		{"low above open", func(c *Candle) { c.Low = c.Open + 1 }},
		{"high below close", func(c *Candle) { c.High = c.Close - 1 }},
		{"negative volume", func(c *Candle) { c.Volume = -1 }},
		{"bad timeframe", func(c *Candle) { c.Timeframe = "7m" }},
		{"missing symbol", func(c *Candle) { c.Symbol = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCandle()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestCandleBucketEnd(t *testing.T) {
	c := validCandle()
	assert.Equal(t, c.BucketStart.Add(15*time.Minute), c.BucketEnd())
}

func validBuySignal() Signal {
	return Signal{
		ID:              "abc123",
		CreatedAt:       time.Date(2025, 3, 3, 10, 30, 0, 0, ist),
		Symbol:          "NIFTY 50",
		AssetClass:      AssetIndex,
		Strategy:        "smacross",
		Action:          ActionBuy,
		UnderlyingPrice: 19500,
		TargetPrice:     19700,
		StopLossPrice:   19400,
		Confidence:      0.7,
		Timeframe:       Timeframe15Min,
		BucketStart:     time.Date(2025, 3, 3, 10, 15, 0, 0, ist),
		Status:          SignalNew,
	}
}

func TestSignalValidate(t *testing.T) {
	s := validBuySignal()
	require.NoError(t, s.Validate())

	t.Run("hold never persisted", func(t *testing.T) {
		s := validBuySignal()
		s.Action = ActionHold
		assert.Error(t, s.Validate())
	})

	t.Run("buy price ordering", func(t *testing.T) {
		s := validBuySignal()
		s.StopLossPrice = s.UnderlyingPrice + 10
		assert.Error(t, s.Validate())
	})

	t.Run("sell price ordering", func(t *testing.T) {
		s := validBuySignal()
		s.Action = ActionSell
		// BUY-shaped levels are invalid for SELL
		assert.Error(t, s.Validate())
		s.TargetPrice = 19300
		s.StopLossPrice = 19600
		assert.NoError(t, s.Validate())
	})

	t.Run("confidence bounds", func(t *testing.T) {
		s := validBuySignal()
		s.Confidence = 1.2
		assert.Error(t, s.Validate())
	})
}

func TestSignalFingerprintStableWithinSession(t *testing.T) {
	a := validBuySignal()
	b := validBuySignal()
	b.ID = "different-id"
	b.CreatedAt = a.CreatedAt.Add(3 * time.Minute) // same day, later submit
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	c := validBuySignal()
	c.BucketStart = c.BucketStart.Add(15 * time.Minute)
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestSignalStatusTransitions(t *testing.T) {
	assert.True(t, SignalNew.CanTransition(SignalProcessing))
	assert.True(t, SignalNew.CanTransition(SignalRejected))
	assert.True(t, SignalProcessing.CanTransition(SignalExecuted))
	assert.True(t, SignalProcessing.CanTransition(SignalFailed))

	assert.False(t, SignalExecuted.CanTransition(SignalProcessing))
	assert.False(t, SignalRejected.CanTransition(SignalNew))
	assert.False(t, SignalProcessing.CanTransition(SignalNew))
	assert.False(t, SignalNew.CanTransition(SignalNew))
}

func validPosition() Position {
	entry := time.Date(2025, 3, 3, 10, 31, 0, 0, ist)
	return Position{
		ID:              "pos-1",
		SignalID:        "sig-1",
		Mode:            ModePaper,
		OptionSymbol:    "NIFTY2530619500CE",
		Underlying:      "NIFTY 50",
		Strike:          19500,
		OptionType:      OptionCall,
		Expiry:          time.Date(2025, 3, 6, 15, 30, 0, 0, ist),
		LotSize:         50,
		EntryTime:       entry,
		EntryPremium:    100,
		Quantity:        50,
		StopLossPremium: 70,
		TargetPremium:   160,
		Status:          PositionOpen,
		UpdatedAt:       entry,
	}
}

func TestPositionValidate(t *testing.T) {
	p := validPosition()
	require.NoError(t, p.Validate())

	t.Run("quantity must be lot multiple", func(t *testing.T) {
		p := validPosition()
		p.Quantity = 55
		assert.Error(t, p.Validate())
	})

	t.Run("premium ordering", func(t *testing.T) {
		p := validPosition()
		p.StopLossPremium = 120
		assert.Error(t, p.Validate())
	})

	t.Run("closed requires exit fields", func(t *testing.T) {
		p := validPosition()
		p.Status = PositionClosed
		assert.Error(t, p.Validate())
	})

	t.Run("log-only mode never owns a position", func(t *testing.T) {
		p := validPosition()
		p.Mode = ModeLogOnly
		assert.Error(t, p.Validate())
	})
}

func TestPositionClose(t *testing.T) {
	p := validPosition()
	exitAt := p.EntryTime.Add(45 * time.Minute)

	p.Close(exitAt, 170, ExitTarget)

	require.NoError(t, p.Validate())
	assert.Equal(t, PositionClosed, p.Status)
	assert.Equal(t, ExitTarget, p.ExitReason)
	assert.InDelta(t, (170.0-100.0)*50, p.RealizedPnL, 1e-9)
	assert.Equal(t, exitAt, p.ExitTime)
}

func TestOptionContractSpread(t *testing.T) {
	o := OptionContract{Bid: 99, Ask: 101, LTP: 100}
	assert.InDelta(t, 100.0, o.Mid(), 1e-9)
	assert.InDelta(t, 0.02, o.SpreadPct(), 1e-9)

	oneSided := OptionContract{Bid: 0, Ask: 101, LTP: 100}
	assert.InDelta(t, 100.0, oneSided.Mid(), 1e-9)
	assert.InDelta(t, 1.0, oneSided.SpreadPct(), 1e-9)
}
