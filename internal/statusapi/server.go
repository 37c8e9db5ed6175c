// Package statusapi serves the runtime's operational surface over HTTP:
// per-loop health, pending signals, open positions and trade statistics.
// The CLI status subcommands read it over localhost.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/karanvir/opttrader/internal/bus"
	"github.com/karanvir/opttrader/internal/candles"
	"github.com/karanvir/opttrader/internal/marketcal"
	"github.com/karanvir/opttrader/internal/models"
	"github.com/karanvir/opttrader/internal/quotecache"
	"github.com/karanvir/opttrader/internal/runner"
	"github.com/karanvir/opttrader/internal/storage"
)

// Config sets where and how the server listens.
type Config struct {
	// Addr defaults to "127.0.0.1:7777".
	Addr string
	// AuthToken, when set, is required on every route except /healthz.
	AuthToken string
	// Mode is echoed in /status so operators can see what a process is
	// allowed to do.
	Mode models.ExecutionMode
}

// Server is the chi-backed status endpoint.
type Server struct {
	cfg       Config
	router    *chi.Mux
	server    *http.Server
	store     storage.Interface
	runners   []*runner.Runner
	assembler *candles.Assembler
	symbols   []string
	cache     *quotecache.Cache
	bus       *bus.Bus
	cal       *marketcal.Calendar
	clock     marketcal.Clock
	shutdown  func()
	logger    *slog.Logger
}

// Deps bundles the read-only views the server exposes.
type Deps struct {
	Store     storage.Interface
	Runners   []*runner.Runner
	Assembler *candles.Assembler
	// Symbols is the full polled universe, for data-unavailable counters.
	Symbols  []string
	Cache    *quotecache.Cache
	Bus      *bus.Bus
	Calendar *marketcal.Calendar
	Clock    marketcal.Clock
	// Shutdown is invoked by POST /stop to request a graceful engine stop.
	Shutdown func()
	Logger   *slog.Logger
}

// New builds the server and its routes.
func New(cfg Config, d Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7777"
	}
	s := &Server{
		cfg:       cfg,
		router:    chi.NewRouter(),
		store:     d.Store,
		runners:   d.Runners,
		assembler: d.Assembler,
		symbols:   d.Symbols,
		cache:     d.Cache,
		bus:       d.Bus,
		cal:       d.Calendar,
		clock:     d.Clock,
		shutdown:  d.Shutdown,
		logger:    d.Logger.With("component", "statusapi"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	if s.cfg.AuthToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/positions", s.handlePositions)
	s.router.Get("/signals", s.handleSignals)
	s.router.Post("/stop", s.handleStop)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-Auth-Token") != s.cfg.AuthToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status api listening", "addr", s.cfg.Addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type statusResponse struct {
	Mode             models.ExecutionMode `json:"mode"`
	Time             time.Time            `json:"time"`
	MarketOpen       bool                 `json:"market_open"`
	Runners          []runner.Health      `json:"runners"`
	PendingSignals   int                  `json:"pending_signals"`
	OpenPositions    int                  `json:"open_positions"`
	WarningPositions int                  `json:"warning_positions"`
	DataUnavailable  map[string]int64     `json:"data_unavailable,omitempty"`
	BusDropped       int64                `json:"bus_dropped"`
	BusPanics        int64                `json:"bus_panics"`
	QuoteCache       bool                 `json:"quote_cache"`
	Stats            *storage.TradeStats  `json:"stats,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.clock.Now()

	resp := statusResponse{
		Mode:       s.cfg.Mode,
		Time:       now,
		MarketOpen: s.cal.IsOpen(now),
		Runners:    make([]runner.Health, 0, len(s.runners)),
		QuoteCache: s.cache.Enabled(),
	}
	for _, rn := range s.runners {
		resp.Runners = append(resp.Runners, rn.Health())
	}
	if s.bus != nil {
		resp.BusDropped = s.bus.Dropped()
		resp.BusPanics = s.bus.Panics()
	}

	pending, err := s.store.PendingSignalCount(ctx)
	if err != nil {
		s.fail(w, "pending signal count", err)
		return
	}
	resp.PendingSignals = pending

	open, err := s.store.OpenPositions(ctx)
	if err != nil {
		s.fail(w, "open positions", err)
		return
	}
	resp.OpenPositions = len(open)
	for _, p := range open {
		if p.WarningFlag {
			resp.WarningPositions++
		}
	}

	if s.assembler != nil {
		counters := make(map[string]int64)
		for _, sym := range s.symbols {
			if n := s.assembler.DataUnavailableTotal(sym); n > 0 {
				counters[sym] = n
			}
		}
		if len(counters) > 0 {
			resp.DataUnavailable = counters
		}
	}

	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.fail(w, "trade stats", err)
		return
	}
	resp.Stats = stats

	s.writeJSON(w, resp)
}

type positionsResponse struct {
	Open  []models.Position   `json:"open"`
	Stats *storage.TradeStats `json:"stats,omitempty"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	open, err := s.store.OpenPositions(ctx)
	if err != nil {
		s.fail(w, "open positions", err)
		return
	}

	// live marks from the quote cache, so this endpoint costs no broker call
	for i := range open {
		if q, ok := s.cache.Get(ctx, open[i].OptionSymbol); ok && q.LTP > 0 {
			open[i].CurrentPremium = q.LTP
			open[i].UnrealizedPnL = open[i].MarkToMarket(q.LTP)
		}
	}

	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.fail(w, "trade stats", err)
		return
	}
	s.writeJSON(w, positionsResponse{Open: open, Stats: stats})
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.clock.Now()
	since, _ := s.cal.SessionBounds(now)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.ParseInLocation(time.RFC3339, v, s.cal.Location())
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = t
	}

	sigs, err := s.store.SignalsSince(ctx, r.URL.Query().Get("strategy"), r.URL.Query().Get("symbol"), since)
	if err != nil {
		s.fail(w, "signals", err)
		return
	}
	if sigs == nil {
		sigs = []models.Signal{}
	}
	s.writeJSON(w, sigs)
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if s.shutdown == nil {
		http.Error(w, "shutdown not wired", http.StatusServiceUnavailable)
		return
	}
	s.logger.Info("shutdown requested over api")
	s.writeJSON(w, map[string]string{"status": "stopping"})
	s.shutdown()
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	s.logger.Error("status query failed", "query", what, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
