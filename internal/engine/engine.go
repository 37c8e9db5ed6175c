// Package engine assembles the runtime and supervises its loops: runners,
// executor, position monitor, status API and the optional tick stream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/karanvir/opttrader/internal/broker"
	"github.com/karanvir/opttrader/internal/bus"
	"github.com/karanvir/opttrader/internal/candles"
	"github.com/karanvir/opttrader/internal/config"
	"github.com/karanvir/opttrader/internal/executor"
	"github.com/karanvir/opttrader/internal/marketcal"
	"github.com/karanvir/opttrader/internal/models"
	"github.com/karanvir/opttrader/internal/monitor"
	"github.com/karanvir/opttrader/internal/options"
	"github.com/karanvir/opttrader/internal/quotecache"
	"github.com/karanvir/opttrader/internal/runner"
	"github.com/karanvir/opttrader/internal/signals"
	"github.com/karanvir/opttrader/internal/statusapi"
	"github.com/karanvir/opttrader/internal/storage"
	"github.com/karanvir/opttrader/internal/strategy"
)

// ErrAuthRequired means the broker session is invalid or expired; the CLI
// maps it to its own exit code so operators re-run auth instead of
// restarting blindly.
var ErrAuthRequired = errors.New("engine: broker session invalid, run auth")

// Engine owns every long-running component.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	cal   *marketcal.Calendar
	clock marketcal.Clock

	store    storage.Interface
	broker   broker.Client
	stream   *broker.TickStream
	cache    *quotecache.Cache
	bus      *bus.Bus
	agg      *candles.Aggregator
	hist     *candles.History
	asm      *candles.Assembler
	registry *strategy.Registry
	signals  *signals.Manager
	exec     *executor.Executor
	monitor  *monitor.Monitor
	runners  []*runner.Runner
	api      *statusapi.Server

	stopMu sync.Mutex
	stop   context.CancelFunc
}

// requestStop cancels the run context; POST /stop and operator tooling
// reach it through the status API.
func (e *Engine) requestStop() {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	if e.stop != nil {
		e.stop()
	}
}

// New builds the engine from config. Construction is side-effect free
// except for store connection and migration.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	e := &Engine{cfg: cfg, logger: logger.With("component", "engine")}

	holidays, err := cfg.HolidayDates()
	if err != nil {
		return nil, err
	}
	openH, openM, closeH, closeM := cfg.SessionClock()
	e.cal = marketcal.NewCalendar(
		marketcal.WithHours(openH, openM, closeH, closeM),
		marketcal.WithHolidays(holidays),
	)
	e.clock = marketcal.NewSystemClock()

	switch cfg.Storage.Backend {
	case "postgres":
		store, err := storage.NewGormStore(cfg.Storage.DSN, e.cal.Location())
		if err != nil {
			return nil, fmt.Errorf("engine: storage: %w", err)
		}
		e.store = store
	default:
		e.store = storage.NewMemoryStore(e.cal.Location())
	}

	kite := broker.NewKiteClient(broker.KiteConfig{
		BaseURL:           cfg.Broker.BaseURL,
		APIKey:            cfg.Broker.APIKey,
		AccessToken:       cfg.Broker.AccessToken,
		RequestsPerSecond: cfg.Broker.RateLimitPerSec,
	}, e.clock, logger)
	e.broker = broker.NewBreakerClient(kite, logger)
	if cfg.Broker.Stream {
		e.stream = broker.NewTickStream(cfg.Broker.StreamURL, cfg.Broker.AccessToken,
			e.cal.Location(), logger)
	}

	e.cache = quotecache.New(quotecache.Config{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	}, logger)

	e.bus = bus.New(logger)
	e.agg = candles.NewAggregator(e.cal, e.store, e.bus, logger)
	e.hist = candles.NewHistory(e.store, e.broker, e.clock,
		time.Duration(cfg.Cache.RefreshTTLSeconds)*time.Second, logger)
	e.asm = candles.NewAssembler(e.hist, e.agg)

	if err := e.buildRegistry(); err != nil {
		return nil, err
	}

	e.signals = signals.NewManager(e.store, e.bus, e.cal, e.clock, logger)

	selector := options.NewSelector(e.broker, e.store, e.clock, options.Config{
		MinOI:        cfg.Options.MinOI,
		MinVolume:    cfg.Options.MinVolume,
		MaxSpreadPct: cfg.Options.MaxSpreadPct,
		MinPremium:   cfg.Options.MinPremium,
		MaxPremium:   cfg.Options.MaxPremium,
		Mode:         options.StrikeMode(cfg.Options.StrikeMode),
	}, logger)

	e.exec = executor.New(executor.Config{
		Mode:            cfg.Mode,
		TradingEnabled:  cfg.Trading.Enabled,
		AllowedSymbols:  cfg.Trading.AllowedSymbols,
		Capital:         cfg.Trading.Capital,
		RiskPct:         cfg.Options.RiskPct,
		MaxPositionPct:  cfg.Options.MaxPositionPct,
		StopLossPct:     cfg.Options.StopLossPct,
		TargetPct:       cfg.Options.TargetPct,
		MaxLotsPerTrade: cfg.Options.MaxLotsPerTrade,
		MaxConcurrent:   cfg.Options.MaxConcurrentPositions,
		MaxSignalAge:    time.Duration(cfg.Trading.MaxSignalAgeHours) * time.Hour,
	}, e.store, e.broker, selector, e.signals, e.bus, e.cal, e.clock, logger)

	e.monitor = monitor.New(monitor.Config{
		Interval:        time.Duration(cfg.Options.MonitorIntervalSeconds) * time.Second,
		ExpiryCutoff:    time.Duration(cfg.Options.ExpiryCutoffMin) * time.Minute,
		TrailTriggerPct: cfg.Options.TrailTriggerPct,
	}, e.store, e.broker, e.signals, e.bus, e.clock, logger)

	e.buildRunners(logger)

	if cfg.API.Addr != "off" {
		e.api = statusapi.New(statusapi.Config{
			Addr:      cfg.API.Addr,
			AuthToken: cfg.API.AuthToken,
			Mode:      cfg.Mode,
		}, statusapi.Deps{
			Store:     e.store,
			Runners:   e.runners,
			Assembler: e.asm,
			Symbols:   e.allSymbols(),
			Cache:     e.cache,
			Bus:       e.bus,
			Calendar:  e.cal,
			Clock:     e.clock,
			Shutdown:  e.requestStop,
			Logger:    logger,
		})
	}

	return e, nil
}

// buildRegistry wires the built-in strategies named in config. Unknown
// names are a config error, not a silent skip.
func (e *Engine) buildRegistry() error {
	e.registry = strategy.NewRegistry()
	for name, sc := range e.cfg.Strategy {
		if !sc.Enabled {
			continue
		}
		cfg := strategy.Config{
			Enabled:         true,
			Symbols:         sc.Symbols,
			Timeframe:       models.Timeframe(sc.Timeframe),
			LookbackPeriods: sc.LookbackPeriods,
			MinPeriods:      sc.MinPeriods,
			UseInProgress:   sc.UseInProgress,
			Parameters:      sc.Parameters,
			AssetClasses:    assetClasses(sc.AssetClasses),
		}
		var s strategy.Strategy
		switch name {
		case "smacross":
			s = strategy.NewSMACross(cfg)
		case "vwaprevert":
			s = strategy.NewVWAPRevert(cfg)
		default:
			return fmt.Errorf("engine: unknown strategy %q", name)
		}
		if err := e.registry.Register(s, cfg); err != nil {
			return err
		}
	}
	return nil
}

func assetClasses(names []string) []models.AssetClass {
	out := make([]models.AssetClass, 0, len(names))
	for _, n := range names {
		out = append(out, models.AssetClass(n))
	}
	return out
}

func (e *Engine) buildRunners(logger *slog.Logger) {
	classes := []models.AssetClass{
		models.AssetIndex, models.AssetEquity, models.AssetOptions,
		models.AssetFutures, models.AssetCommodity,
	}
	for _, class := range classes {
		symbols := e.cfg.Symbols.ForClass(class)
		if len(symbols) == 0 {
			continue
		}
		deps := runner.Deps{
			Broker:    e.broker,
			Store:     e.store,
			Agg:       e.agg,
			Assembler: e.asm,
			Registry:  e.registry,
			Signals:   e.signals,
			Cache:     e.cache,
			Calendar:  e.cal,
			Clock:     e.clock,
			Logger:    logger,
		}
		switch class {
		case models.AssetOptions:
			deps.Enricher = runner.OptionsEnricher{}
		case models.AssetCommodity:
			deps.Fetcher = &runner.OHLCFetcher{Broker: e.broker}
		}
		e.runners = append(e.runners, runner.New(runner.Config{
			AssetClass: class,
			Symbols:    symbols,
			Interval:   e.cfg.RunnerInterval(class),
			Timeframes: e.cfg.RunnerTimeframes(class),
		}, deps))
	}
}

func (e *Engine) allSymbols() []string {
	var out []string
	seen := make(map[string]bool)
	for _, class := range []models.AssetClass{
		models.AssetIndex, models.AssetEquity, models.AssetOptions,
		models.AssetFutures, models.AssetCommodity,
	} {
		for _, s := range e.cfg.Symbols.ForClass(class) {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// Run performs the startup sequence and supervises every loop until ctx is
// cancelled or a component fails.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.stopMu.Lock()
	e.stop = cancel
	e.stopMu.Unlock()

	now := e.clock.Now()

	if err := e.store.DailyIntradayReset(ctx, now); err != nil {
		return fmt.Errorf("engine: intraday reset: %w", err)
	}

	if err := e.cache.Ping(ctx); err != nil {
		e.logger.Warn("quote cache unreachable, continuing without it", "error", err)
	}

	valid, err := e.broker.SessionValid(ctx)
	if err != nil {
		var apiErr *broker.APIError
		if errors.As(err, &apiErr) && apiErr.Kind == broker.KindAuthExpired {
			return ErrAuthRequired
		}
		return fmt.Errorf("engine: session check: %w", err)
	}
	if !valid {
		return ErrAuthRequired
	}

	e.warmHistory(ctx)

	execCancel := e.exec.Start()
	defer execCancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.monitor.Run(gctx) })
	for _, r := range e.runners {
		r := r
		g.Go(func() error { return r.Run(gctx) })
	}
	if e.api != nil {
		g.Go(func() error { return e.api.Run(gctx) })
	}
	if e.stream != nil {
		g.Go(func() error { return e.stream.Run(gctx) })
		g.Go(func() error { return e.drainStream(gctx) })
	}

	e.logger.Info("engine started",
		"mode", string(e.cfg.Mode), "runners", len(e.runners),
		"strategies", e.registry.Names(), "market_open", e.cal.IsOpen(now))

	err = g.Wait()
	e.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// warmHistory primes the candle cache for every (strategy, symbol) pair so
// the first live iteration does not pay the fetch latency.
func (e *Engine) warmHistory(ctx context.Context) {
	for _, name := range e.registry.Names() {
		entry, ok := e.registry.Get(name)
		if !ok || !entry.Config.Enabled {
			continue
		}
		for _, sym := range entry.Config.Symbols {
			if _, err := e.hist.Get(ctx, sym, entry.Config.Timeframe, entry.Config.LookbackPeriods); err != nil {
				e.logger.Warn("history warmup failed",
					"symbol", sym, "timeframe", string(entry.Config.Timeframe), "error", err)
			}
		}
	}
}

// drainStream merges websocket ticks into the same path polled quotes take.
func (e *Engine) drainStream(ctx context.Context) error {
	if err := e.stream.Subscribe(e.allSymbols()); err != nil {
		e.logger.Warn("stream subscribe failed, waiting for reconnect", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-e.stream.Ticks():
			if !ok {
				return nil
			}
			if err := e.store.InsertIntradayQuote(ctx, tick); err != nil {
				e.logger.Warn("stream quote persist failed", "symbol", tick.Symbol, "error", err)
			}
			e.agg.OnTick(ctx, tick)
		}
	}
}

// shutdown runs after every supervised loop has returned.
func (e *Engine) shutdown() {
	e.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, r := range e.runners {
		r.Wait()
	}
	e.agg.Flush(ctx)
	e.monitor.Iterate(ctx)
	e.bus.Close()
	if e.stream != nil {
		if err := e.stream.Close(); err != nil {
			e.logger.Warn("stream close failed", "error", err)
		}
	}
	if err := e.cache.Close(); err != nil {
		e.logger.Warn("cache close failed", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// Store exposes the store for CLI subcommands that read state directly.
func (e *Engine) Store() storage.Interface { return e.store }

// Broker exposes the broker client for the auth subcommand.
func (e *Engine) Broker() broker.Client { return e.broker }
