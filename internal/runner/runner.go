// Package runner drives the per-asset-class polling loops: batch quote
// fetch, synthetic ticks into the aggregator, and strategy analysis in a
// bounded pool where the freshest dataset always wins.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/karanvir/opttrader/internal/broker"
	"github.com/karanvir/opttrader/internal/candles"
	"github.com/karanvir/opttrader/internal/marketcal"
	"github.com/karanvir/opttrader/internal/models"
	"github.com/karanvir/opttrader/internal/quotecache"
	"github.com/karanvir/opttrader/internal/signals"
	"github.com/karanvir/opttrader/internal/storage"
	"github.com/karanvir/opttrader/internal/strategy"
)

// DefaultInterval returns the polling period for an asset class.
func DefaultInterval(class models.AssetClass) time.Duration {
	switch class {
	case models.AssetOptions:
		return 3 * time.Second
	case models.AssetCommodity:
		return 10 * time.Second
	default:
		return 5 * time.Second
	}
}

// Config wires one runner.
type Config struct {
	AssetClass models.AssetClass
	Symbols    []string
	// Interval between polls; default per asset class.
	Interval time.Duration
	// Timeframes the aggregator maintains for every symbol.
	Timeframes []models.Timeframe
	// MaxConcurrentAnalyses bounds the strategy pool; default 4.
	MaxConcurrentAnalyses int64
	// AnalysisTimeout is the per-strategy budget; default 1s.
	AnalysisTimeout time.Duration
	// BackfillTimeframe is fetched from session open on a mid-session
	// start; default 1m.
	BackfillTimeframe models.Timeframe
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval(c.AssetClass)
	}
	if len(c.Timeframes) == 0 {
		c.Timeframes = []models.Timeframe{models.Timeframe5Min, models.Timeframe15Min}
	}
	if c.MaxConcurrentAnalyses <= 0 {
		c.MaxConcurrentAnalyses = 4
	}
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = time.Second
	}
	if c.BackfillTimeframe == "" {
		c.BackfillTimeframe = models.Timeframe1Min
	}
}

// Health is the per-runner view the status API serves.
type Health struct {
	AssetClass        models.AssetClass `json:"asset_class"`
	Symbols           int               `json:"symbols"`
	LastIteration     time.Time         `json:"last_iteration,omitempty"`
	ConsecutiveErrors int               `json:"consecutive_errors"`
}

// Runner is one asset class's polling loop.
type Runner struct {
	cfg       Config
	fetcher   Fetcher
	enricher  Enricher
	broker    broker.Client
	store     storage.Interface
	agg       *candles.Aggregator
	assembler *candles.Assembler
	registry  *strategy.Registry
	signals   *signals.Manager
	cache     *quotecache.Cache
	cal       *marketcal.Calendar
	clock     marketcal.Clock
	logger    *slog.Logger

	pool *analysisPool

	mu         sync.Mutex
	health     Health
	backfilled bool
	wasOpen    bool
}

// Deps bundles the shared components a runner needs.
type Deps struct {
	Fetcher   Fetcher
	Enricher  Enricher
	Broker    broker.Client
	Store     storage.Interface
	Agg       *candles.Aggregator
	Assembler *candles.Assembler
	Registry  *strategy.Registry
	Signals   *signals.Manager
	Cache     *quotecache.Cache
	Calendar  *marketcal.Calendar
	Clock     marketcal.Clock
	Logger    *slog.Logger
}

// New builds a runner. Enricher defaults to NopEnricher and Fetcher to the
// quote endpoint.
func New(cfg Config, d Deps) *Runner {
	cfg.normalize()
	if d.Fetcher == nil {
		d.Fetcher = &QuoteFetcher{Broker: d.Broker}
	}
	if d.Enricher == nil {
		d.Enricher = NopEnricher{}
	}
	r := &Runner{
		cfg:       cfg,
		fetcher:   d.Fetcher,
		enricher:  d.Enricher,
		broker:    d.Broker,
		store:     d.Store,
		agg:       d.Agg,
		assembler: d.Assembler,
		registry:  d.Registry,
		signals:   d.Signals,
		cache:     d.Cache,
		cal:       d.Calendar,
		clock:     d.Clock,
		logger: d.Logger.With("component", "runner",
			"asset_class", string(cfg.AssetClass)),
		pool:   newAnalysisPool(cfg.MaxConcurrentAnalyses),
		health: Health{AssetClass: cfg.AssetClass, Symbols: len(cfg.Symbols)},
	}
	for _, sym := range cfg.Symbols {
		for _, tf := range cfg.Timeframes {
			r.agg.Track(sym, tf)
		}
	}
	return r
}

// Run loops until ctx is cancelled. Outside market hours it sleeps up to
// a minute at a time; at the open-to-close transition it flushes the
// aggregator so the session's last bucket is finalized.
func (r *Runner) Run(ctx context.Context) error {
	for {
		now := r.clock.Now()
		if !r.cal.IsOpen(now) {
			r.mu.Lock()
			wasOpen := r.wasOpen
			r.wasOpen = false
			r.mu.Unlock()
			if wasOpen {
				r.agg.Flush(ctx)
			}
			if err := r.sleep(ctx, r.closedWait(now)); err != nil {
				return err
			}
			continue
		}

		r.mu.Lock()
		r.wasOpen = true
		backfilled := r.backfilled
		r.backfilled = true
		r.mu.Unlock()
		if !backfilled {
			r.backfill(ctx, now)
		}

		r.Iterate(ctx)

		if err := r.sleep(ctx, r.cfg.Interval); err != nil {
			return err
		}
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// closedWait sleeps until the next open, capped at a minute so config
// reloads and shutdown stay responsive.
func (r *Runner) closedWait(now time.Time) time.Duration {
	wait := r.cal.NextOpen(now).Sub(now)
	if wait <= 0 || wait > time.Minute {
		wait = time.Minute
	}
	return wait
}

// backfill pulls minute candles from session open so datasets do not start
// mid-session with a void. Best effort; the history cache also self-heals.
func (r *Runner) backfill(ctx context.Context, now time.Time) {
	open, _ := r.cal.SessionBounds(now)
	if !now.After(open) {
		return
	}
	for _, sym := range r.cfg.Symbols {
		cs, err := r.broker.HistoricalData(ctx, sym, r.cfg.BackfillTimeframe, open, now)
		if err != nil {
			r.logger.Warn("intraday backfill failed", "symbol", sym, "error", err)
			continue
		}
		if len(cs) == 0 {
			continue
		}
		if err := r.store.BulkUpsertCandles(ctx, cs); err != nil {
			r.logger.Warn("intraday backfill persist failed", "symbol", sym, "error", err)
			continue
		}
		r.logger.Info("intraday backfill complete",
			"symbol", sym, "candles", len(cs), "from", open.Format("15:04"))
	}
}

// Iterate performs one poll: a single batch fetch, then per-symbol tick
// ingestion and strategy dispatch.
func (r *Runner) Iterate(ctx context.Context) {
	now := r.clock.Now()
	quotes, err := r.fetcher.Fetch(ctx, r.cfg.Symbols)
	if err != nil {
		r.mu.Lock()
		r.health.ConsecutiveErrors++
		errCount := r.health.ConsecutiveErrors
		r.mu.Unlock()
		r.logger.Error("batch fetch failed",
			"symbols", len(r.cfg.Symbols), "consecutive", errCount, "error", err)
		return
	}

	r.cache.PutAll(ctx, quotes)

	for _, sym := range r.cfg.Symbols {
		q, ok := quotes[sym]
		if !ok || q.LTP <= 0 {
			continue
		}
		r.ingest(ctx, now, sym, q)
	}

	r.mu.Lock()
	r.health.LastIteration = now
	r.health.ConsecutiveErrors = 0
	r.mu.Unlock()
}

func (r *Runner) ingest(ctx context.Context, now time.Time, sym string, q broker.QuoteData) {
	tick := models.Tick{
		Symbol:    sym,
		Timestamp: now,
		LastPrice: q.LTP,
		CumVolume: q.CumVolume,
		Bid:       q.Bid,
		Ask:       q.Ask,
	}

	if err := r.store.InsertIntradayQuote(ctx, tick); err != nil {
		r.logger.Warn("intraday quote persist failed", "symbol", sym, "error", err)
	}
	r.agg.OnTick(ctx, tick)

	attrs := append([]any{"symbol", sym, "ltp", q.LTP}, r.enricher.Enrich(sym, q)...)
	r.logger.Debug("tick", attrs...)

	for _, e := range r.registry.ForSymbol(sym, r.cfg.AssetClass) {
		dataset, err := r.assembler.Dataset(ctx, sym, candles.DatasetConfig{
			Timeframe:         e.Config.Timeframe,
			LookbackPeriods:   e.Config.LookbackPeriods,
			MinPeriods:        e.Config.MinPeriods,
			IncludeInProgress: e.Config.UseInProgress,
		})
		if err != nil {
			if !errors.Is(err, candles.ErrDataUnavailable) {
				r.logger.Warn("dataset assembly failed",
					"symbol", sym, "strategy", e.Strategy.Name(), "error", err)
			}
			continue
		}
		r.pool.submit(ctx, analysisKey{e.Strategy.Name(), sym}, analysisJob{
			entry: e,
			input: strategy.Input{
				Symbol:     sym,
				AssetClass: r.cfg.AssetClass,
				Timeframe:  e.Config.Timeframe,
				Candles:    dataset,
			},
		}, r.analyze)
	}
}

func (r *Runner) analyze(ctx context.Context, j analysisJob) {
	actx, cancel := context.WithTimeout(ctx, r.cfg.AnalysisTimeout)
	defer cancel()

	sig, err := j.entry.Strategy.Analyze(actx, j.input)
	if err != nil {
		r.logger.Warn("strategy analysis failed",
			"strategy", j.entry.Strategy.Name(), "symbol", j.input.Symbol, "error", err)
		return
	}
	if sig == nil || sig.Action == models.ActionHold {
		return
	}
	if _, err := r.signals.Submit(ctx, sig); err != nil {
		if errors.Is(err, storage.ErrDuplicateSignal) {
			r.logger.Debug("duplicate signal suppressed",
				"strategy", sig.Strategy, "symbol", sig.Symbol)
			return
		}
		r.logger.Error("signal submit failed",
			"strategy", sig.Strategy, "symbol", sig.Symbol, "error", err)
	}
}

// Wait blocks until in-flight analyses finish; the engine calls it during
// shutdown.
func (r *Runner) Wait() {
	r.pool.wait()
}

// Health returns a snapshot for the status API.
func (r *Runner) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.health
}

type analysisKey struct {
	strategy string
	symbol   string
}

type analysisJob struct {
	entry strategy.Entry
	input strategy.Input
}

// analysisPool runs strategy work under a semaphore. Work queued for a
// (strategy, symbol) that has not started yet is displaced by newer work
// for the same key: only the freshest dataset is worth analyzing.
type analysisPool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu     sync.Mutex
	queued map[analysisKey]*analysisJob
}

func newAnalysisPool(size int64) *analysisPool {
	return &analysisPool{
		sem:    semaphore.NewWeighted(size),
		queued: make(map[analysisKey]*analysisJob),
	}
}

func (p *analysisPool) submit(ctx context.Context, key analysisKey, j analysisJob, run func(context.Context, analysisJob)) {
	p.mu.Lock()
	if slot, ok := p.queued[key]; ok {
		*slot = j
		p.mu.Unlock()
		return
	}
	slot := &j
	p.queued[key] = slot
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.mu.Lock()
			delete(p.queued, key)
			p.mu.Unlock()
			return
		}
		defer p.sem.Release(1)

		p.mu.Lock()
		latest := *slot
		delete(p.queued, key)
		p.mu.Unlock()

		run(ctx, latest)
	}()
}

func (p *analysisPool) wait() {
	p.wg.Wait()
}
