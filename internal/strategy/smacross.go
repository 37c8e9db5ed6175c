package strategy

import (
	"context"
	"fmt"

	"github.com/karanvir/opttrader/internal/models"
)

// SMACross signals on a fast/slow simple-moving-average crossover.
// Parameters: fast_periods (9), slow_periods (21), target_pct (1.0),
// stop_pct (0.5), confidence (0.6).
type SMACross struct {
	cfg Config
}

// NewSMACross builds the strategy from its registry config.
func NewSMACross(cfg Config) *SMACross {
	return &SMACross{cfg: cfg}
}

func (s *SMACross) Name() string { return "smacross" }

func (s *SMACross) Analyze(_ context.Context, in Input) (*models.Signal, error) {
	fast := int(s.cfg.Param("fast_periods", 9))
	slow := int(s.cfg.Param("slow_periods", 21))
	if fast >= slow {
		return nil, fmt.Errorf("smacross: fast %d must be below slow %d", fast, slow)
	}
	// one extra candle to compare against the previous bar's averages
	if len(in.Candles) < slow+1 {
		return nil, fmt.Errorf("smacross: need %d candles, have %d", slow+1, len(in.Candles))
	}

	cur := in.Candles[len(in.Candles)-1]
	fastNow := sma(in.Candles, fast, 0)
	slowNow := sma(in.Candles, slow, 0)
	fastPrev := sma(in.Candles, fast, 1)
	slowPrev := sma(in.Candles, slow, 1)

	var action models.SignalAction
	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		action = models.ActionBuy
	case fastPrev >= slowPrev && fastNow < slowNow:
		action = models.ActionSell
	default:
		return nil, nil
	}

	targetPct := s.cfg.Param("target_pct", 1.0) / 100
	stopPct := s.cfg.Param("stop_pct", 0.5) / 100
	spot := cur.Close

	sig := &models.Signal{
		Symbol:          in.Symbol,
		AssetClass:      in.AssetClass,
		Strategy:        s.Name(),
		Action:          action,
		UnderlyingPrice: spot,
		Confidence:      s.cfg.Param("confidence", 0.6),
		ExpectedMovePct: targetPct * 100,
		Timeframe:       in.Timeframe,
		BucketStart:     cur.BucketStart,
		Metadata: map[string]string{
			"fast_sma": fmt.Sprintf("%.2f", fastNow),
			"slow_sma": fmt.Sprintf("%.2f", slowNow),
		},
	}
	if action == models.ActionBuy {
		sig.TargetPrice = spot * (1 + targetPct)
		sig.StopLossPrice = spot * (1 - stopPct)
	} else {
		sig.TargetPrice = spot * (1 - targetPct)
		sig.StopLossPrice = spot * (1 + stopPct)
	}
	return sig, nil
}

// sma averages the closes of the n candles ending offset bars before the
// last one.
func sma(cs []models.Candle, n, offset int) float64 {
	end := len(cs) - offset
	sum := 0.0
	for _, c := range cs[end-n : end] {
		sum += c.Close
	}
	return sum / float64(n)
}
