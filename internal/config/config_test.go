package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karanvir/opttrader/internal/models"
)

const sample = `
mode: PAPER
logging:
  level: debug
broker:
  api_key: ${OPTTRADER_TEST_KEY}
  access_token: tok
storage:
  backend: memory
trading:
  enabled: true
  capital: 1000000
  allowed_symbols: [NIFTY 50]
symbols:
  indices: [NIFTY 50, NIFTY BANK]
runners:
  index:
    interval_seconds: 5
    timeframes: [5m, 15m]
strategies:
  smacross:
    enabled: true
    symbols: [NIFTY 50]
    timeframe: 15m
    lookback_periods: 100
    min_periods: 30
    use_in_progress: true
    parameters:
      fast_periods: 9
      slow_periods: 21
    supported_asset_classes: [index]
options:
  risk_pct: 0.02
  strike_mode: BALANCED
  expiry_cutoff_min: 45
market:
  holidays: ["2025-03-14"]
`

func TestParseExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("OPTTRADER_TEST_KEY", "key-from-env")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, models.ModePaper, cfg.Mode)
	assert.Equal(t, "key-from-env", cfg.Broker.APIKey)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format, "default")
	assert.InDelta(t, 3, cfg.Broker.RateLimitPerSec, 1e-9, "default")
	assert.Equal(t, "127.0.0.1:7777", cfg.API.Addr, "default")
	assert.True(t, cfg.Strategy["smacross"].UseInProgress)
	assert.InDelta(t, 0.02, cfg.Options.RiskPct, 1e-9)
	assert.InDelta(t, 0.30, cfg.Options.StopLossPct, 1e-9, "default")
	assert.Equal(t, 45, cfg.Options.ExpiryCutoffMin)

	assert.Equal(t, []string{"NIFTY 50", "NIFTY BANK"}, cfg.Symbols.ForClass(models.AssetIndex))
	assert.Equal(t, 5*time.Second, cfg.RunnerInterval(models.AssetIndex))
	assert.Zero(t, cfg.RunnerInterval(models.AssetCommodity), "unset class")
	assert.Equal(t, []models.Timeframe{models.Timeframe5Min, models.Timeframe15Min},
		cfg.RunnerTimeframes(models.AssetIndex))

	holidays, err := cfg.HolidayDates()
	require.NoError(t, err)
	require.Len(t, holidays, 1)

	openH, openM, closeH, closeM := cfg.SessionClock()
	assert.Equal(t, [4]int{9, 15, 15, 30}, [4]int{openH, openM, closeH, closeM})
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("mode: PAPER\nmoed_typo: LIVE\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}

func TestValidateConstraints(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad mode", "mode: YOLO\n", "mode must be"},
		{"postgres needs dsn", "storage:\n  backend: postgres\n", "storage.dsn"},
		{"unknown backend", "storage:\n  backend: sqlite\n", "unknown"},
		{"live needs creds", "mode: LIVE\ntrading:\n  enabled: true\n  capital: 100\n", "api_key"},
		{"bad timeframe", "strategies:\n  x:\n    enabled: true\n    symbols: [A]\n    timeframe: 7m\n    lookback_periods: 10\n    min_periods: 5\n", "timeframe"},
		{"lookback under min", "strategies:\n  x:\n    enabled: true\n    symbols: [A]\n    timeframe: 5m\n    lookback_periods: 5\n    min_periods: 50\n", "lookback_periods"},
		{"bad strike mode", "options:\n  strike_mode: WILD\n", "strike_mode"},
		{"percent not fraction", "options:\n  risk_pct: 2\n", "fractions"},
		{"bad holiday", "market:\n  holidays: [\"14-03-2025\"]\n", "YYYY-MM-DD"},
		{"bad open clock", "market:\n  open: \"9am\"\n", "market.open"},
		{"unknown runner class", "runners:\n  crypto:\n    interval_seconds: 5\n", "asset class"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDisabledStrategySkipsValidation(t *testing.T) {
	cfg, err := Parse([]byte("strategies:\n  later:\n    enabled: false\n    timeframe: bogus\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Strategy["later"].Enabled)
}
