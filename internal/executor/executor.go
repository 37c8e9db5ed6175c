// Package executor turns generated signals into positions, dispatching by
// execution mode: LOG_ONLY computes everything and stops at a log line,
// PAPER simulates the fill, LIVE places a real limit order and polls it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/karanvir/opttrader/internal/broker"
	"github.com/karanvir/opttrader/internal/bus"
	"github.com/karanvir/opttrader/internal/marketcal"
	"github.com/karanvir/opttrader/internal/models"
	"github.com/karanvir/opttrader/internal/options"
	"github.com/karanvir/opttrader/internal/signals"
	"github.com/karanvir/opttrader/internal/storage"
	"github.com/karanvir/opttrader/internal/util"
)

// tickSize is the NSE options price tick.
const tickSize = 0.05

// Config is the risk and dispatch configuration.
type Config struct {
	Mode           models.ExecutionMode
	TradingEnabled bool
	// AllowedSymbols is the options-tradeable underlying allow-list.
	AllowedSymbols []string
	Capital        float64
	RiskPct        float64 // fraction of capital risked per trade
	MaxPositionPct float64 // cap on premium outlay as a fraction of capital
	StopLossPct    float64 // premium stop distance, e.g. 0.30
	TargetPct      float64 // premium target distance, e.g. 0.60
	MaxLotsPerTrade int
	MaxConcurrent   int
	// MaxSignalAge rejects stale signals; default 24h.
	MaxSignalAge time.Duration
	// OrderPollTimeout bounds the LIVE fill wait; default 10s.
	OrderPollTimeout time.Duration
	// OrderPollInterval is the status poll period; default 500ms.
	OrderPollInterval time.Duration
}

func (c *Config) normalize() {
	if c.MaxSignalAge <= 0 {
		c.MaxSignalAge = 24 * time.Hour
	}
	if c.OrderPollTimeout <= 0 {
		c.OrderPollTimeout = 10 * time.Second
	}
	if c.OrderPollInterval <= 0 {
		c.OrderPollInterval = 500 * time.Millisecond
	}
}

// Executor consumes SignalGenerated events.
type Executor struct {
	cfg      Config
	store    storage.Interface
	broker   broker.Client
	selector *options.Selector
	signals  *signals.Manager
	bus      *bus.Bus
	cal      *marketcal.Calendar
	clock    marketcal.Clock
	logger   *slog.Logger
}

// New wires the executor.
func New(cfg Config, store storage.Interface, b broker.Client, sel *options.Selector,
	sm *signals.Manager, eb *bus.Bus, cal *marketcal.Calendar, clock marketcal.Clock,
	logger *slog.Logger) *Executor {
	cfg.normalize()
	return &Executor{
		cfg:      cfg,
		store:    store,
		broker:   b,
		selector: sel,
		signals:  sm,
		bus:      eb,
		cal:      cal,
		clock:    clock,
		logger:   logger.With("component", "executor"),
	}
}

// Start subscribes to SignalGenerated; the returned cancel detaches it.
func (e *Executor) Start() (cancel func()) {
	return e.bus.Subscribe(bus.SignalGenerated, "executor", func(ctx context.Context, ev bus.Event) {
		e.Handle(ctx, ev.Signal)
	}, nil)
}

// Handle processes one signal end to end. It never returns an error: every
// outcome lands in the signal's status and the log.
func (e *Executor) Handle(ctx context.Context, sig *models.Signal) {
	if sig == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.fail(ctx, sig, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	// idempotency: a position for this signal means the work is done,
	// including after a crash/restart replay
	if _, err := e.store.PositionBySignal(ctx, sig.ID); err == nil {
		e.logger.Debug("signal already has a position", "signal", sig.ID)
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		e.fail(ctx, sig, fmt.Sprintf("position lookup: %v", err))
		return
	}

	if reason := e.gate(ctx, sig); reason != "" {
		e.logger.Info("signal rejected", "signal", sig.ID, "reason", reason)
		e.updateStatus(ctx, sig, models.SignalRejected, reason)
		return
	}

	e.updateStatus(ctx, sig, models.SignalProcessing, "")

	contract, err := e.selector.Select(ctx, sig.Symbol, sig.Action,
		sig.UnderlyingPrice, sig.ExpectedMovePct, sig.Confidence)
	if err != nil {
		if errors.Is(err, options.ErrNoSuitableStrike) {
			e.updateStatus(ctx, sig, models.SignalRejected, "no suitable strike")
			return
		}
		e.fail(ctx, sig, fmt.Sprintf("strike selection: %v", err))
		return
	}

	entry := contract.LTP
	stop := entry * (1 - e.cfg.StopLossPct)
	target := entry * (1 + e.cfg.TargetPct)
	quantity := e.sizeQuantity(entry, stop, contract.LotSize)
	if quantity <= 0 {
		e.updateStatus(ctx, sig, models.SignalRejected, "position size rounds to zero")
		return
	}

	switch e.cfg.Mode {
	case models.ModeLogOnly:
		e.logger.Info("trade computed (log-only)",
			"order_id", "LOG_"+uuid.NewString()[:8],
			"signal", sig.ID, "tradingsymbol", contract.TradingSymbol,
			"strike", contract.Strike, "expiry", contract.Expiry.Format("2006-01-02"),
			"entry", entry, "stop", stop, "target", target,
			"quantity", quantity, "lots", quantity/contract.LotSize)
		e.updateStatus(ctx, sig, models.SignalExecuted, "mode=LOG_ONLY")
	case models.ModePaper:
		e.openPosition(ctx, sig, contract, models.ModePaper, entry, stop, target, quantity)
	case models.ModeLive:
		e.executeLive(ctx, sig, contract, entry, quantity)
	default:
		e.fail(ctx, sig, fmt.Sprintf("unknown execution mode %q", e.cfg.Mode))
	}
}

// gate returns a rejection reason, or "" to proceed.
func (e *Executor) gate(ctx context.Context, sig *models.Signal) string {
	if !e.cfg.TradingEnabled {
		return "trading disabled"
	}
	if !containsString(e.cfg.AllowedSymbols, sig.Symbol) {
		return fmt.Sprintf("symbol %s not options-tradeable", sig.Symbol)
	}
	if age := e.clock.Now().Sub(sig.CreatedAt); age > e.cfg.MaxSignalAge {
		return fmt.Sprintf("signal stale (%s old)", age.Round(time.Minute))
	}
	open, err := e.store.OpenPositions(ctx)
	if err != nil {
		return fmt.Sprintf("open position count: %v", err)
	}
	if len(open) >= e.cfg.MaxConcurrent {
		return fmt.Sprintf("max concurrent positions reached (%d)", e.cfg.MaxConcurrent)
	}
	return ""
}

// sizeQuantity risks cfg.RiskPct of capital against the premium stop
// distance, then applies the lot and outlay caps.
func (e *Executor) sizeQuantity(entry, stop float64, lotSize int) int {
	if lotSize <= 0 || entry <= stop {
		return 0
	}
	riskPerTrade := e.cfg.Capital * e.cfg.RiskPct
	perLotRisk := (entry - stop) * float64(lotSize)
	lots := int(math.Floor(riskPerTrade / perLotRisk))
	if lots < 1 {
		lots = 1
	}
	if e.cfg.MaxLotsPerTrade > 0 && lots > e.cfg.MaxLotsPerTrade {
		lots = e.cfg.MaxLotsPerTrade
	}
	quantity := lots * lotSize
	// outlay cap: total premium paid must stay under capital·MaxPositionPct
	if e.cfg.MaxPositionPct > 0 {
		maxOutlay := e.cfg.Capital * e.cfg.MaxPositionPct
		if entry*float64(quantity) > maxOutlay {
			quantity = util.FloorToLot(int(maxOutlay/entry), lotSize)
		}
	}
	return quantity
}

func (e *Executor) executeLive(ctx context.Context, sig *models.Signal, contract *models.OptionContract,
	entry float64, quantity int) {
	margin, err := e.broker.AvailableMargin(ctx)
	if err != nil {
		e.fail(ctx, sig, fmt.Sprintf("margin check: %v", err))
		return
	}
	required := entry * float64(quantity)
	if margin < required {
		e.updateStatus(ctx, sig, models.SignalRejected,
			fmt.Sprintf("insufficient margin: need %.2f have %.2f", required, margin))
		return
	}
	if !e.cal.IsOpen(e.clock.Now()) {
		e.updateStatus(ctx, sig, models.SignalRejected, "market closed")
		return
	}

	orderID, err := e.broker.PlaceOrder(ctx, broker.OrderSpec{
		Symbol:     contract.TradingSymbol,
		Side:       broker.SideBuy,
		Kind:       broker.OrderLimit,
		Quantity:   quantity,
		LimitPrice: util.CeilToTick(entry, tickSize),
		Tag:        sig.ID,
	})
	if err != nil {
		e.fail(ctx, sig, fmt.Sprintf("order placement: %v", err))
		e.bus.Publish(bus.Event{Type: bus.OrderRejected, At: e.clock.Now(), Signal: sig, Reason: err.Error()})
		return
	}
	e.bus.Publish(bus.Event{Type: bus.OrderPlaced, At: e.clock.Now(), Signal: sig, OrderID: orderID})

	status, err := e.pollOrder(ctx, orderID)
	if err != nil {
		e.fail(ctx, sig, fmt.Sprintf("order %s: %v", orderID, err))
		e.bus.Publish(bus.Event{Type: bus.OrderRejected, At: e.clock.Now(), Signal: sig, OrderID: orderID, Reason: err.Error()})
		return
	}

	e.bus.Publish(bus.Event{Type: bus.OrderFilled, At: e.clock.Now(), Signal: sig, OrderID: orderID})
	fill := status.FillAvgPrice
	if fill <= 0 {
		fill = entry
	}
	// exits stay anchored to the actual fill
	e.openPosition(ctx, sig, contract, models.ModeLive,
		fill, fill*(1-e.cfg.StopLossPct), fill*(1+e.cfg.TargetPct), quantity)
}

// pollOrder waits for a terminal order state within the configured budget.
func (e *Executor) pollOrder(ctx context.Context, orderID string) (*broker.OrderStatusData, error) {
	deadline := time.NewTimer(e.cfg.OrderPollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.OrderPollInterval)
	defer ticker.Stop()

	for {
		status, err := e.broker.OrderStatus(ctx, orderID)
		if err == nil {
			switch status.State {
			case broker.OrderComplete:
				return status, nil
			case broker.OrderRejected, broker.OrderCancelled:
				reason := status.Reason
				if reason == "" {
					reason = string(status.State)
				}
				return nil, errors.New(reason)
			}
		} else {
			e.logger.Warn("order status poll failed", "order_id", orderID, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("fill timeout after %s", e.cfg.OrderPollTimeout)
		case <-ticker.C:
		}
	}
}

func (e *Executor) openPosition(ctx context.Context, sig *models.Signal, contract *models.OptionContract,
	mode models.ExecutionMode, entry, stop, target float64, quantity int) {
	now := e.clock.Now()
	pos := &models.Position{
		ID:              uuid.NewString(),
		SignalID:        sig.ID,
		Mode:            mode,
		OptionSymbol:    contract.TradingSymbol,
		Underlying:      contract.Underlying,
		Strike:          contract.Strike,
		OptionType:      contract.OptionType,
		Expiry:          contract.Expiry,
		LotSize:         contract.LotSize,
		EntryTime:       now,
		EntryPremium:    entry,
		Quantity:        quantity,
		StopLossPremium: stop,
		TargetPremium:   target,
		Status:          models.PositionOpen,
		CurrentPremium:  entry,
		UpdatedAt:       now,
	}
	if err := e.store.InsertPosition(ctx, pos); err != nil {
		// the signal_id unique constraint makes concurrent duplicates safe
		e.fail(ctx, sig, fmt.Sprintf("position persist: %v", err))
		return
	}

	e.logger.Info("position opened",
		"position", pos.ID, "signal", sig.ID, "mode", string(mode),
		"tradingsymbol", pos.OptionSymbol, "entry", entry, "stop", stop,
		"target", target, "quantity", quantity)
	e.bus.Publish(bus.Event{Type: bus.PositionOpened, At: now, Position: pos})
	// the signal stays PROCESSING while the position is open; the monitor
	// completes it when the position closes
}

func (e *Executor) fail(ctx context.Context, sig *models.Signal, reason string) {
	e.logger.Error("signal execution failed", "signal", sig.ID, "reason", reason)
	e.updateStatus(ctx, sig, models.SignalFailed, reason)
}

func (e *Executor) updateStatus(ctx context.Context, sig *models.Signal, status models.SignalStatus, reason string) {
	if err := e.signals.Update(ctx, sig.ID, status, reason); err != nil {
		e.logger.Error("status update failed",
			"signal", sig.ID, "status", string(status), "error", err)
	}
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
