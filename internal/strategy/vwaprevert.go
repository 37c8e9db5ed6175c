package strategy

import (
	"context"
	"fmt"

	"github.com/karanvir/opttrader/internal/models"
)

// VWAPRevert fades stretched moves away from the session VWAP: price far
// below VWAP is bought back toward it, far above is sold.
// Parameters: deviation_pct (0.5), target_pct (0.6), stop_pct (0.4),
// confidence (0.55).
type VWAPRevert struct {
	cfg Config
}

// NewVWAPRevert builds the strategy from its registry config.
func NewVWAPRevert(cfg Config) *VWAPRevert {
	return &VWAPRevert{cfg: cfg}
}

func (s *VWAPRevert) Name() string { return "vwaprevert" }

func (s *VWAPRevert) Analyze(_ context.Context, in Input) (*models.Signal, error) {
	if len(in.Candles) == 0 {
		return nil, fmt.Errorf("vwaprevert: empty dataset")
	}

	cur := in.Candles[len(in.Candles)-1]
	sessionDay := cur.BucketStart.Format("2006-01-02")

	// volume-weighted typical price over the current session only
	var pv, vol float64
	for _, c := range in.Candles {
		if c.BucketStart.Format("2006-01-02") != sessionDay {
			continue
		}
		typical := (c.High + c.Low + c.Close) / 3
		pv += typical * float64(c.Volume)
		vol += float64(c.Volume)
	}
	if vol == 0 {
		return nil, nil
	}
	vwap := pv / vol

	devPct := s.cfg.Param("deviation_pct", 0.5) / 100
	spot := cur.Close
	dev := (spot - vwap) / vwap

	var action models.SignalAction
	switch {
	case dev <= -devPct:
		action = models.ActionBuy
	case dev >= devPct:
		action = models.ActionSell
	default:
		return nil, nil
	}

	targetPct := s.cfg.Param("target_pct", 0.6) / 100
	stopPct := s.cfg.Param("stop_pct", 0.4) / 100

	sig := &models.Signal{
		Symbol:          in.Symbol,
		AssetClass:      in.AssetClass,
		Strategy:        s.Name(),
		Action:          action,
		UnderlyingPrice: spot,
		Confidence:      s.cfg.Param("confidence", 0.55),
		ExpectedMovePct: targetPct * 100,
		Timeframe:       in.Timeframe,
		BucketStart:     cur.BucketStart,
		Metadata: map[string]string{
			"vwap":          fmt.Sprintf("%.2f", vwap),
			"deviation_pct": fmt.Sprintf("%.3f", dev*100),
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
