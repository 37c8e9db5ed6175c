// Package options picks the option contract that expresses a signal:
// chain filtering, strike targeting by mode and weighted scoring.
package options

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/karanvir/opttrader/internal/broker"
	"github.com/karanvir/opttrader/internal/marketcal"
	"github.com/karanvir/opttrader/internal/models"
	"github.com/karanvir/opttrader/internal/storage"
)

// ErrNoSuitableStrike means no contract survived the filters; the caller
// rejects the signal.
var ErrNoSuitableStrike = errors.New("options: no suitable strike")

// StrikeMode selects how far out of the money the target strike sits.
type StrikeMode string

const (
	ModeConservative StrikeMode = "CONSERVATIVE"
	ModeBalanced     StrikeMode = "BALANCED"
	ModeAggressive   StrikeMode = "AGGRESSIVE"
)

// Valid returns true for a known strike mode.
func (m StrikeMode) Valid() bool {
	return m == ModeConservative || m == ModeBalanced || m == ModeAggressive
}

// Config carries the liquidity gates and strike mode from the YAML file.
type Config struct {
	MinOI        int64
	MinVolume    int64
	MaxSpreadPct float64
	MinPremium   float64
	MaxPremium   float64
	Mode         StrikeMode
	// MinDTE and MaxDTE bound days-to-expiry; defaults 2 and 30.
	MinDTE int
	MaxDTE int
}

func (c *Config) normalize() {
	if c.MinDTE <= 0 {
		c.MinDTE = 2
	}
	if c.MaxDTE <= 0 {
		c.MaxDTE = 30
	}
	if !c.Mode.Valid() {
		c.Mode = ModeConservative
	}
}

// Selector filters and scores the option chain for one underlying.
type Selector struct {
	broker broker.Client
	store  storage.Interface
	clock  marketcal.Clock
	cfg    Config
	logger *slog.Logger
}

// NewSelector wires the selector.
func NewSelector(b broker.Client, store storage.Interface, clock marketcal.Clock, cfg Config, logger *slog.Logger) *Selector {
	cfg.normalize()
	return &Selector{
		broker: b,
		store:  store,
		clock:  clock,
		cfg:    cfg,
		logger: logger.With("component", "options"),
	}
}

// Select returns the best contract for the signal, or ErrNoSuitableStrike.
// BUY maps to calls, SELL to puts. Every contract that reaches scoring has
// its snapshot upserted so rejected decisions stay auditable.
func (s *Selector) Select(ctx context.Context, underlying string, action models.SignalAction, spot, expectedMovePct, strength float64) (*models.OptionContract, error) {
	chain, err := s.broker.OptionChain(ctx, underlying)
	if err != nil {
		return nil, fmt.Errorf("options: chain fetch: %w", err)
	}

	side := models.OptionCall
	if action == models.ActionSell {
		side = models.OptionPut
	}

	now := s.clock.Now()
	today := now.Format("2006-01-02")

	var candidates []models.OptionContract
	for _, c := range chain {
		if c.OptionType != side {
			continue
		}
		if c.Expiry.Format("2006-01-02") == today {
			continue
		}
		dte := c.DaysToExpiry(now)
		if dte < s.cfg.MinDTE || dte > s.cfg.MaxDTE {
			continue
		}
		if c.OI < s.cfg.MinOI || c.Volume < s.cfg.MinVolume {
			continue
		}
		if c.SpreadPct() > s.cfg.MaxSpreadPct {
			continue
		}
		if c.LTP < s.cfg.MinPremium || c.LTP > s.cfg.MaxPremium {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, ErrNoSuitableStrike
	}

	target := s.targetStrike(side, spot, expectedMovePct)

	// keep strikes within ±10% of the target
	kept := candidates[:0]
	for _, c := range candidates {
		if math.Abs(c.Strike-target) <= 0.10*target {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil, ErrNoSuitableStrike
	}

	for _, c := range kept {
		if err := s.store.UpsertOptionSnapshot(ctx, c); err != nil {
			s.logger.Warn("snapshot persist failed",
				"tradingsymbol", c.TradingSymbol, "error", err)
		}
	}

	stats := newChainStats(kept, target)
	sort.Slice(kept, func(i, j int) bool {
		si, sj := stats.score(kept[i]), stats.score(kept[j])
		if si != sj {
			return si > sj
		}
		if !kept[i].Expiry.Equal(kept[j].Expiry) {
			return kept[i].Expiry.Before(kept[j].Expiry)
		}
		return kept[i].SpreadPct() < kept[j].SpreadPct()
	})

	best := kept[0]
	s.logger.Info("strike selected",
		"underlying", underlying, "tradingsymbol", best.TradingSymbol,
		"strike", best.Strike, "expiry", best.Expiry.Format("2006-01-02"),
		"ltp", best.LTP, "oi", best.OI, "score", stats.score(best),
		"mode", string(s.cfg.Mode), "strength", strength)
	return &best, nil
}

// targetStrike applies the strike mode. OTM for calls is above spot, for
// puts below.
func (s *Selector) targetStrike(side models.OptionType, spot, expectedMovePct float64) float64 {
	var otmPct float64
	switch s.cfg.Mode {
	case ModeConservative:
		otmPct = 0
	case ModeBalanced:
		if expectedMovePct >= 1.5 {
			otmPct = 0.01
		}
	case ModeAggressive:
		otmPct = 0.02
	}
	if side == models.OptionPut {
		otmPct = -otmPct
	}
	return spot * (1 + otmPct)
}

// chainStats normalizes the scoring inputs over the candidate set.
type chainStats struct {
	target  float64
	maxLiq  float64
	minIV   float64
	maxIV   float64
	maxDist float64
	maxSprd float64
}

func newChainStats(cs []models.OptionContract, target float64) chainStats {
	st := chainStats{target: target, minIV: math.Inf(1)}
	for _, c := range cs {
		liq := float64(c.OI) + float64(c.Volume)
		if liq > st.maxLiq {
			st.maxLiq = liq
		}
		if c.IV < st.minIV {
			st.minIV = c.IV
		}
		if c.IV > st.maxIV {
			st.maxIV = c.IV
		}
		if d := math.Abs(c.Strike - target); d > st.maxDist {
			st.maxDist = d
		}
		if sp := c.SpreadPct(); sp > st.maxSprd {
			st.maxSprd = sp
		}
	}
	return st
}

// score weights liquidity 0.30, delta proximity 0.20, IV rank 0.15,
// distance to target 0.25 and spread tightness 0.10; each sub-score in [0,1].
func (st chainStats) score(c models.OptionContract) float64 {
	liquidity := 0.0
	if st.maxLiq > 0 {
		liquidity = (float64(c.OI) + float64(c.Volume)) / st.maxLiq
	}

	// |delta| near 0.5 is the sweet spot between cost and responsiveness
	deltaProx := 1 - math.Min(math.Abs(math.Abs(c.Delta)-0.5)/0.5, 1)

	ivRank := 1.0
	if st.maxIV > st.minIV {
		ivRank = 1 - (c.IV-st.minIV)/(st.maxIV-st.minIV)
	}

	distance := 1.0
	if st.maxDist > 0 {
		distance = 1 - math.Abs(c.Strike-st.target)/st.maxDist
	}

	spread := 1.0
	if st.maxSprd > 0 {
		spread = 1 - c.SpreadPct()/st.maxSprd
	}

	return 0.30*liquidity + 0.20*deltaProx + 0.15*ivRank + 0.25*distance + 0.10*spread
}
