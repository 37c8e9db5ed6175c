package options

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karanvir/opttrader/internal/broker"
	"github.com/karanvir/opttrader/internal/marketcal"
	"github.com/karanvir/opttrader/internal/models"
	"github.com/karanvir/opttrader/internal/storage"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testNow = time.Date(2025, 3, 3, 10, 30, 0, 0, ist) // Monday

func contract(strike float64, typ models.OptionType, dte int, oi, vol int64, ltp float64) models.OptionContract {
	expiry := time.Date(2025, 3, 3+dte, 15, 30, 0, 0, ist)
	return models.OptionContract{
		TradingSymbol: fmt.Sprintf("NIFTY%.0f%s", strike, typ),
		Underlying:    "NIFTY 50",
		Strike:        strike,
		OptionType:    typ,
		Expiry:        expiry,
		LotSize:       50,
		LTP:           ltp,
		Bid:           ltp - 0.5,
		Ask:           ltp + 0.5,
		Volume:        vol,
		OI:            oi,
		IV:            0.15,
		Delta:         0.5,
		SnapshotTime:  testNow,
	}
}

func defaultConfig() Config {
	return Config{
		MinOI:        1000,
		MinVolume:    100,
		MaxSpreadPct: 0.05,
		MinPremium:   20,
		MaxPremium:   500,
		Mode:         ModeConservative,
	}
}

func newSelector(t *testing.T, chain []models.OptionContract, cfg Config) (*Selector, *storage.MemoryStore) {
	t.Helper()
	mock := broker.NewMock()
	mock.Chain = chain
	store := storage.NewMemoryStore(ist)
	clock := marketcal.NewFake(testNow)
	return NewSelector(mock, store, clock, cfg, discardLogger()), store
}

func TestSelectPrefersATMForConservativeBuy(t *testing.T) {
	chain := []models.OptionContract{
		contract(19300, models.OptionCall, 3, 50000, 5000, 250),
		contract(19500, models.OptionCall, 3, 50000, 5000, 150), // ATM
		contract(19700, models.OptionCall, 3, 50000, 5000, 80),
		contract(19500, models.OptionPut, 3, 50000, 5000, 140), // wrong side
	}
	sel, store := newSelector(t, chain, defaultConfig())

	got, err := sel.Select(context.Background(), "NIFTY 50", models.ActionBuy, 19500, 1.0, 0.7)
	require.NoError(t, err)
	assert.Equal(t, models.OptionCall, got.OptionType)
	assert.InDelta(t, 19500, got.Strike, 1e-9)

	// considered contracts were snapshotted
	snaps, err := store.OptionChain(context.Background(), "NIFTY 50", time.Time{})
	require.NoError(t, err)
	assert.NotEmpty(t, snaps)
}

func TestSelectPutsForSell(t *testing.T) {
	chain := []models.OptionContract{
		contract(19500, models.OptionCall, 3, 50000, 5000, 150),
		contract(19500, models.OptionPut, 3, 50000, 5000, 140),
	}
	sel, _ := newSelector(t, chain, defaultConfig())

	got, err := sel.Select(context.Background(), "NIFTY 50", models.ActionSell, 19500, 1.0, 0.7)
	require.NoError(t, err)
	assert.Equal(t, models.OptionPut, got.OptionType)
}

func TestSelectExpiryWindow(t *testing.T) {
	chain := []models.OptionContract{
		contract(19500, models.OptionCall, 0, 50000, 5000, 150), // today
		contract(19500, models.OptionCall, 1, 50000, 5000, 150), // below MinDTE
		contract(19500, models.OptionCall, 45, 50000, 5000, 150), // beyond MaxDTE
	}
	sel, _ := newSelector(t, chain, defaultConfig())

	_, err := sel.Select(context.Background(), "NIFTY 50", models.ActionBuy, 19500, 1.0, 0.7)
	assert.ErrorIs(t, err, ErrNoSuitableStrike)
}

func TestSelectLiquidityGates(t *testing.T) {
	thin := contract(19500, models.OptionCall, 3, 10, 1, 150) // fails OI and volume
	pricey := contract(19520, models.OptionCall, 3, 50000, 5000, 900)
	cheap := contract(19480, models.OptionCall, 3, 50000, 5000, 5)
	sel, _ := newSelector(t, []models.OptionContract{thin, pricey, cheap}, defaultConfig())

	_, err := sel.Select(context.Background(), "NIFTY 50", models.ActionBuy, 19500, 1.0, 0.7)
	assert.ErrorIs(t, err, ErrNoSuitableStrike)
}

func TestSelectScoringPrefersLiquidity(t *testing.T) {
	liquid := contract(19500, models.OptionCall, 3, 100000, 20000, 150)
	illiquid := contract(19500, models.OptionCall, 3, 1500, 200, 150)
	illiquid.TradingSymbol = "THIN"
	sel, _ := newSelector(t, []models.OptionContract{illiquid, liquid}, defaultConfig())

	got, err := sel.Select(context.Background(), "NIFTY 50", models.ActionBuy, 19500, 1.0, 0.7)
	require.NoError(t, err)
	assert.NotEqual(t, "THIN", got.TradingSymbol)
}

func TestAggressiveModeTargetsOTM(t *testing.T) {
	cfg := defaultConfig()
	cfg.Mode = ModeAggressive
	chain := []models.OptionContract{
		contract(19500, models.OptionCall, 3, 50000, 5000, 150),
		contract(19900, models.OptionCall, 3, 50000, 5000, 60), // ~2% OTM
	}
	sel, _ := newSelector(t, chain, cfg)

	got, err := sel.Select(context.Background(), "NIFTY 50", models.ActionBuy, 19500, 2.0, 0.7)
	require.NoError(t, err)
	assert.InDelta(t, 19900, got.Strike, 1e-9)
}
