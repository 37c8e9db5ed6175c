// Package monitor watches open positions: marks to market, applies exit
// rules and the trailing stop ratchet, and closes or flags positions.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/karanvir/opttrader/internal/broker"
	"github.com/karanvir/opttrader/internal/bus"
	"github.com/karanvir/opttrader/internal/marketcal"
	"github.com/karanvir/opttrader/internal/models"
	"github.com/karanvir/opttrader/internal/retry"
	"github.com/karanvir/opttrader/internal/signals"
	"github.com/karanvir/opttrader/internal/storage"
	"github.com/karanvir/opttrader/internal/util"
)

// tickSize is the NSE options price tick.
const tickSize = 0.05

// Config tunes the monitoring loop.
type Config struct {
	// Interval between iterations; default 5s.
	Interval time.Duration
	// ExpiryCutoff closes positions when expiry is this close; default 60m.
	ExpiryCutoff time.Duration
	// TrailTriggerPct arms the trailing ratchet once the premium has run
	// this far above entry, e.g. 0.25. Zero disables trailing.
	TrailTriggerPct float64
	// QuoteTimeout bounds the batch premium fetch; default 3s.
	QuoteTimeout time.Duration
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.ExpiryCutoff <= 0 {
		c.ExpiryCutoff = time.Hour
	}
	if c.QuoteTimeout <= 0 {
		c.QuoteTimeout = 3 * time.Second
	}
}

// Monitor is the single position-watching loop. One iteration makes one
// broker round-trip regardless of position count.
type Monitor struct {
	cfg     Config
	store   storage.Interface
	broker  broker.Client
	signals *signals.Manager
	bus     *bus.Bus
	clock   marketcal.Clock
	logger  *slog.Logger
}

// New wires the monitor.
func New(cfg Config, store storage.Interface, b broker.Client, sm *signals.Manager,
	eb *bus.Bus, clock marketcal.Clock, logger *slog.Logger) *Monitor {
	cfg.normalize()
	return &Monitor{
		cfg:     cfg,
		store:   store,
		broker:  b,
		signals: sm,
		bus:     eb,
		clock:   clock,
		logger:  logger.With("component", "monitor"),
	}
}

// Run loops until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Iterate(ctx)
		}
	}
}

// Iterate performs one monitoring pass. Exposed for tests and for the
// engine's shutdown flush.
func (m *Monitor) Iterate(ctx context.Context) {
	positions, err := m.store.OpenPositions(ctx)
	if err != nil {
		m.logger.Error("open positions query failed", "error", err)
		return
	}
	if len(positions) == 0 {
		return
	}

	symbols := make([]string, 0, len(positions))
	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		if !seen[p.OptionSymbol] {
			seen[p.OptionSymbol] = true
			symbols = append(symbols, p.OptionSymbol)
		}
	}

	qctx, cancel := context.WithTimeout(ctx, m.cfg.QuoteTimeout)
	quotes, err := m.broker.Quote(qctx, symbols)
	cancel()
	if err != nil {
		m.logger.Error("premium batch fetch failed", "symbols", len(symbols), "error", err)
		return
	}

	for i := range positions {
		pos := positions[i]
		q, ok := quotes[pos.OptionSymbol]
		if !ok || q.LTP <= 0 {
			m.logger.Warn("no premium for open position",
				"position", pos.ID, "tradingsymbol", pos.OptionSymbol)
			continue
		}
		m.evaluate(ctx, &pos, q.LTP)
	}
}

func (m *Monitor) evaluate(ctx context.Context, pos *models.Position, current float64) {
	now := m.clock.Now()
	pos.CurrentPremium = current
	pos.UnrealizedPnL = pos.MarkToMarket(current)

	m.ratchetStop(pos, current)

	reason := m.exitReason(pos, current, now)
	if reason == "" {
		pos.UpdatedAt = now
		if err := m.store.UpdatePosition(ctx, pos); err != nil {
			m.logger.Error("position update failed", "position", pos.ID, "error", err)
			return
		}
		m.bus.Publish(bus.Event{Type: bus.PositionUpdated, At: now, Position: pos})
		return
	}

	m.logger.Info("exit condition met",
		"position", pos.ID, "reason", string(reason),
		"current", current, "entry", pos.EntryPremium,
		"stop", pos.StopLossPremium, "target", pos.TargetPremium)

	switch pos.Mode {
	case models.ModePaper:
		m.closePosition(ctx, pos, now, current, reason)
	case models.ModeLive:
		m.closeLive(ctx, pos, current, reason)
	}
}

// ratchetStop locks in half the run-up once the premium has moved
// TrailTriggerPct above entry. The stop only ever rises.
func (m *Monitor) ratchetStop(pos *models.Position, current float64) {
	if m.cfg.TrailTriggerPct <= 0 {
		return
	}
	trigger := pos.EntryPremium * (1 + m.cfg.TrailTriggerPct)
	if current < trigger {
		return
	}
	candidate := pos.EntryPremium + (current-pos.EntryPremium)/2
	if candidate > pos.StopLossPremium {
		m.logger.Info("trailing stop raised",
			"position", pos.ID, "from", pos.StopLossPremium, "to", candidate)
		pos.StopLossPremium = candidate
	}
}

func (m *Monitor) exitReason(pos *models.Position, current float64, now time.Time) models.ExitReason {
	switch {
	case current <= pos.StopLossPremium:
		return models.ExitStopLoss
	case current >= pos.TargetPremium:
		return models.ExitTarget
	case pos.Expiry.Sub(now) <= m.cfg.ExpiryCutoff:
		return models.ExitExpiryApproaching
	default:
		return ""
	}
}

func (m *Monitor) closePosition(ctx context.Context, pos *models.Position, at time.Time, premium float64, reason models.ExitReason) {
	pos.Close(at, premium, reason)
	pos.WarningFlag = false
	if err := m.store.UpdatePosition(ctx, pos); err != nil {
		m.logger.Error("close persist failed", "position", pos.ID, "error", err)
		return
	}

	m.logger.Info("position closed",
		"position", pos.ID, "reason", string(reason),
		"exit", premium, "realized_pnl", pos.RealizedPnL)
	m.bus.Publish(bus.Event{Type: bus.PositionClosed, At: at, Position: pos, Reason: string(reason)})

	status := models.SignalExpired
	switch reason {
	case models.ExitTarget:
		status = models.SignalExecuted
	case models.ExitStopLoss, models.ExitExpiryApproaching, models.ExitManual:
		status = models.SignalExpired
	}
	if err := m.completeSignal(ctx, pos.SignalID, status, string(reason)); err != nil {
		m.logger.Warn("signal completion update failed",
			"signal", pos.SignalID, "error", err)
	}
}

// completeSignal moves the signal to its terminal state, publishing
// SignalCompleted or SignalStopped. A replayed close after a crash finds
// the row already terminal, which is not an error.
func (m *Monitor) completeSignal(ctx context.Context, signalID string, status models.SignalStatus, reason string) error {
	sig, err := m.store.SignalByID(ctx, signalID)
	if err != nil {
		return err
	}
	if sig.Status.Terminal() {
		return nil
	}
	return m.signals.Update(ctx, signalID, status, reason)
}

// closeLive sells the position at the current premium. One failed attempt
// is retried; a second failure sets WarningFlag and keeps the position
// OPEN for operator intervention.
func (m *Monitor) closeLive(ctx context.Context, pos *models.Position, current float64, reason models.ExitReason) {
	spec := broker.OrderSpec{
		Symbol:     pos.OptionSymbol,
		Side:       broker.SideSell,
		Kind:       broker.OrderLimit,
		Quantity:   pos.Quantity,
		LimitPrice: util.FloorToTick(current, tickSize),
		Tag:        pos.SignalID,
	}

	fill, err := m.sellAndWait(ctx, spec)
	if err != nil {
		m.logger.Error("live exit failed, position flagged",
			"position", pos.ID, "reason", string(reason), "error", err)
		pos.WarningFlag = true
		pos.UpdatedAt = m.clock.Now()
		if uerr := m.store.UpdatePosition(ctx, pos); uerr != nil {
			m.logger.Error("warning flag persist failed", "position", pos.ID, "error", uerr)
		}
		m.bus.Publish(bus.Event{Type: bus.PositionUpdated, At: pos.UpdatedAt, Position: pos,
			Reason: fmt.Sprintf("exit failed: %v", err)})
		return
	}

	if fill <= 0 {
		fill = current
	}
	m.closePosition(ctx, pos, m.clock.Now(), fill, reason)
}

func (m *Monitor) sellAndWait(ctx context.Context, spec broker.OrderSpec) (float64, error) {
	var fill float64
	err := retry.Do(ctx, retry.Config{MaxRetries: 1}, m.logger, "live exit", func(ctx context.Context) error {
		orderID, err := m.broker.PlaceOrder(ctx, spec)
		if err != nil {
			return err
		}
		m.bus.Publish(bus.Event{Type: bus.OrderPlaced, At: m.clock.Now(), OrderID: orderID})

		status, err := m.pollOrder(ctx, orderID)
		if err != nil {
			return err
		}
		fill = status.FillAvgPrice
		m.bus.Publish(bus.Event{Type: bus.OrderFilled, At: m.clock.Now(), OrderID: orderID})
		return nil
	})
	return fill, err
}

func (m *Monitor) pollOrder(ctx context.Context, orderID string) (*broker.OrderStatusData, error) {
	deadline := time.NewTimer(10 * time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		status, err := m.broker.OrderStatus(ctx, orderID)
		if err == nil {
			switch status.State {
			case broker.OrderComplete:
				return status, nil
			case broker.OrderRejected, broker.OrderCancelled:
				return nil, fmt.Errorf("order %s %s: %s", orderID, status.State, status.Reason)
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("order %s fill timeout", orderID)
		case <-ticker.C:
		}
	}
}
