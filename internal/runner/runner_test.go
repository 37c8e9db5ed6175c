package runner

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karanvir/opttrader/internal/broker"
	"github.com/karanvir/opttrader/internal/bus"
	"github.com/karanvir/opttrader/internal/candles"
	"github.com/karanvir/opttrader/internal/marketcal"
	"github.com/karanvir/opttrader/internal/models"
	"github.com/karanvir/opttrader/internal/signals"
	"github.com/karanvir/opttrader/internal/storage"
	"github.com/karanvir/opttrader/internal/strategy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubStrategy records its inputs and replies with a scripted signal.
type stubStrategy struct {
	mu     sync.Mutex
	inputs []strategy.Input
	signal *models.Signal
}

func (s *stubStrategy) Name() string { return "stub" }

func (s *stubStrategy) Analyze(_ context.Context, in strategy.Input) (*models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
	if s.signal == nil {
		return nil, nil
	}
	sig := *s.signal
	sig.Symbol = in.Symbol
	sig.AssetClass = in.AssetClass
	sig.Timeframe = in.Timeframe
	sig.BucketStart = in.Candles[len(in.Candles)-1].BucketStart
	return &sig, nil
}

func (s *stubStrategy) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

func (s *stubStrategy) lastInput() strategy.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs[len(s.inputs)-1]
}

type fixture struct {
	runner *Runner
	store  *storage.MemoryStore
	mock   *broker.Mock
	stub   *stubStrategy
	clock  *marketcal.Fake
	loc    *time.Location
}

func newFixture(t *testing.T, scripted *models.Signal) *fixture {
	t.Helper()
	cal := marketcal.NewCalendar()
	loc := cal.Location()
	clock := marketcal.NewFake(time.Date(2025, 3, 3, 10, 30, 0, 0, loc)) // Monday, mid-session
	store := storage.NewMemoryStore(loc)
	b := bus.New(discardLogger())
	t.Cleanup(b.Close)

	// 60 finalized 15m candles ending with the 10:15 bucket
	last := time.Date(2025, 3, 3, 10, 15, 0, 0, loc)
	var seed []models.Candle
	for i := 59; i >= 0; i-- {
		bucket := last.Add(-time.Duration(i) * 15 * time.Minute)
		seed = append(seed, models.Candle{
			Symbol: "NIFTY 50", Timeframe: models.Timeframe15Min,
			BucketStart: bucket,
			Open:        19400, High: 19520, Low: 19380, Close: 19500,
			Volume: 1000, Finalized: true,
		})
	}
	require.NoError(t, store.BulkUpsertCandles(context.Background(), seed))

	mock := broker.NewMock()
	mock.Quotes = map[string]broker.QuoteData{
		"NIFTY 50": {Symbol: "NIFTY 50", LTP: 19500, CumVolume: 100000},
	}

	agg := candles.NewAggregator(cal, store, b, discardLogger())
	hist := candles.NewHistory(store, mock, clock, 0, discardLogger())
	asm := candles.NewAssembler(hist, agg)

	stub := &stubStrategy{signal: scripted}
	reg := strategy.NewRegistry()
	require.NoError(t, reg.Register(stub, strategy.Config{
		Enabled:         true,
		Symbols:         []string{"NIFTY 50"},
		Timeframe:       models.Timeframe15Min,
		LookbackPeriods: 60,
		MinPeriods:      10,
		AssetClasses:    []models.AssetClass{models.AssetIndex},
	}))

	sm := signals.NewManager(store, b, cal, clock, discardLogger())
	r := New(Config{
		AssetClass: models.AssetIndex,
		Symbols:    []string{"NIFTY 50"},
		Timeframes: []models.Timeframe{models.Timeframe15Min},
	}, Deps{
		Broker:    mock,
		Store:     store,
		Agg:       agg,
		Assembler: asm,
		Registry:  reg,
		Signals:   sm,
		Calendar:  cal,
		Clock:     clock,
		Logger:    discardLogger(),
	})
	return &fixture{runner: r, store: store, mock: mock, stub: stub, clock: clock, loc: loc}
}

func buySignal() *models.Signal {
	return &models.Signal{
		Strategy:        "stub",
		Action:          models.ActionBuy,
		UnderlyingPrice: 19500,
		TargetPrice:     19700,
		StopLossPrice:   19400,
		Confidence:      0.7,
	}
}

func TestIterateFeedsStrategyAndSubmitsSignal(t *testing.T) {
	f := newFixture(t, buySignal())
	ctx := context.Background()

	f.runner.Iterate(ctx)
	f.runner.Wait()

	assert.Equal(t, 1, f.stub.calls())

	pending, err := f.store.PendingSignalCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	h := f.runner.Health()
	assert.Equal(t, models.AssetIndex, h.AssetClass)
	assert.False(t, h.LastIteration.IsZero())
	assert.Zero(t, h.ConsecutiveErrors)
}

func TestIterateSuppressesDuplicateSignals(t *testing.T) {
	f := newFixture(t, buySignal())
	ctx := context.Background()

	f.runner.Iterate(ctx)
	f.runner.Wait()
	f.runner.Iterate(ctx)
	f.runner.Wait()

	// same strategy, symbol and bucket: second submission is a twin
	pending, err := f.store.PendingSignalCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestIterateSkipsStrategyWhenDataUnavailable(t *testing.T) {
	f := newFixture(t, buySignal())
	ctx := context.Background()

	// demand more history than exists
	reg := strategy.NewRegistry()
	require.NoError(t, reg.Register(f.stub, strategy.Config{
		Enabled:         true,
		Symbols:         []string{"NIFTY 50"},
		Timeframe:       models.Timeframe15Min,
		LookbackPeriods: 500,
		MinPeriods:      200,
		AssetClasses:    []models.AssetClass{models.AssetIndex},
	}))
	f.runner.registry = reg

	f.runner.Iterate(ctx)
	f.runner.Wait()

	assert.Zero(t, f.stub.calls())
	pending, err := f.store.PendingSignalCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestInProgressCandleReachesStrategyWhenEnabled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	reg := strategy.NewRegistry()
	require.NoError(t, reg.Register(f.stub, strategy.Config{
		Enabled:         true,
		Symbols:         []string{"NIFTY 50"},
		Timeframe:       models.Timeframe15Min,
		LookbackPeriods: 60,
		MinPeriods:      10,
		UseInProgress:   true,
		AssetClasses:    []models.AssetClass{models.AssetIndex},
	}))
	f.runner.registry = reg

	f.runner.Iterate(ctx)
	f.runner.Wait()

	require.Equal(t, 1, f.stub.calls())
	in := f.stub.lastInput()
	last := in.Candles[len(in.Candles)-1]
	// the 10:30 tick opens a forming bucket on top of the seeded history
	assert.Equal(t, time.Date(2025, 3, 3, 10, 30, 0, 0, f.loc), last.BucketStart)
	assert.False(t, last.Finalized)
	assert.InDelta(t, 19500, last.Close, 1e-9)
}

func TestIterateCountsFetchFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.mock.Err = broker.NewNetworkError(assert.AnError)

	f.runner.Iterate(context.Background())
	assert.Equal(t, 1, f.runner.Health().ConsecutiveErrors)

	f.runner.Iterate(context.Background())
	assert.Equal(t, 2, f.runner.Health().ConsecutiveErrors)

	f.mock.Err = nil
	f.runner.Iterate(context.Background())
	f.runner.Wait()
	assert.Zero(t, f.runner.Health().ConsecutiveErrors)
}

func TestBackfillPullsMinuteCandlesFromOpen(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	open := time.Date(2025, 3, 3, 9, 15, 0, 0, f.loc)
	for i := 0; i < 75; i++ {
		f.mock.Historical = append(f.mock.Historical, models.Candle{
			Symbol: "NIFTY 50", Timeframe: models.Timeframe1Min,
			BucketStart: open.Add(time.Duration(i) * time.Minute),
			Open:        19450, High: 19460, Low: 19440, Close: 19455,
			Volume: 100, Finalized: true,
		})
	}

	f.runner.backfill(ctx, f.clock.Now())

	assert.Equal(t, 1, f.mock.HistoricalCalls)
	got, err := f.store.LastNCandles(ctx, "NIFTY 50", models.Timeframe1Min, 100)
	require.NoError(t, err)
	assert.Len(t, got, 75)
}

func TestClosedWaitIsCapped(t *testing.T) {
	f := newFixture(t, nil)
	friday := time.Date(2025, 2, 28, 20, 0, 0, 0, f.loc)
	assert.LessOrEqual(t, f.runner.closedWait(friday), time.Minute)
}

func TestAnalysisPoolDisplacesQueuedWork(t *testing.T) {
	pool := newAnalysisPool(1)
	ctx := context.Background()

	block := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	var ran []string

	run := func(_ context.Context, j analysisJob) {
		mu.Lock()
		ran = append(ran, j.input.Symbol)
		mu.Unlock()
	}

	// occupy the only worker slot
	pool.submit(ctx, analysisKey{"s", "HOLD-SLOT"}, analysisJob{}, func(context.Context, analysisJob) {
		close(started)
		<-block
	})
	<-started

	// three generations for the same key while the slot is busy
	key := analysisKey{"stub", "NIFTY 50"}
	pool.submit(ctx, key, analysisJob{input: strategy.Input{Symbol: "gen-1"}}, run)
	pool.submit(ctx, key, analysisJob{input: strategy.Input{Symbol: "gen-2"}}, run)
	pool.submit(ctx, key, analysisJob{input: strategy.Input{Symbol: "gen-3"}}, run)

	close(block)
	pool.wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ran, 1, "older queued generations are displaced")
	assert.Equal(t, "gen-3", ran[0])
}

func TestOHLCFetcherAdaptsToQuoteShape(t *testing.T) {
	mock := broker.NewMock()
	mock.OHLCData = map[string]broker.OHLCData{
		"GOLDM": {Symbol: "GOLDM", LastPrice: 72500, CumVolume: 4200},
	}
	f := &OHLCFetcher{Broker: mock}

	got, err := f.Fetch(context.Background(), []string{"GOLDM"})
	require.NoError(t, err)
	assert.InDelta(t, 72500, got["GOLDM"].LTP, 1e-9)
	assert.EqualValues(t, 4200, got["GOLDM"].CumVolume)
}

func TestEnrichers(t *testing.T) {
	idx := &IndexEnricher{Sectors: map[string]string{"NIFTY BANK": "banking"}}
	assert.Equal(t, []any{"sector", "banking"}, idx.Enrich("NIFTY BANK", broker.QuoteData{}))
	assert.Nil(t, idx.Enrich("NIFTY 50", broker.QuoteData{}))

	assert.Equal(t, []any{"oi", int64(12000)}, OptionsEnricher{}.Enrich("X", broker.QuoteData{OI: 12000}))
	assert.Nil(t, NopEnricher{}.Enrich("X", broker.QuoteData{}))

	com := &CommodityEnricher{LotSizes: map[string]int{"GOLDM": 10}}
	assert.Equal(t, []any{"lot_size", 10}, com.Enrich("GOLDM", broker.QuoteData{}))
}
