// Package signals owns the signal lifecycle: identity, validation,
// session deduplication, persistence and lifecycle events.
package signals

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/karanvir/opttrader/internal/bus"
	"github.com/karanvir/opttrader/internal/marketcal"
	"github.com/karanvir/opttrader/internal/models"
	"github.com/karanvir/opttrader/internal/storage"
)

// Manager accepts raw strategy signals and drives their lifecycle.
type Manager struct {
	store  storage.Interface
	bus    *bus.Bus
	cal    *marketcal.Calendar
	clock  marketcal.Clock
	logger *slog.Logger
}

// NewManager wires the manager.
func NewManager(store storage.Interface, b *bus.Bus, cal *marketcal.Calendar, clock marketcal.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		bus:    b,
		cal:    cal,
		clock:  clock,
		logger: logger.With("component", "signals"),
	}
}

// Submit canonicalizes, deduplicates and persists a raw signal, then
// publishes SignalGenerated. A same-session duplicate returns
// storage.ErrDuplicateSignal and publishes nothing.
func (m *Manager) Submit(ctx context.Context, sig *models.Signal) (*models.Signal, error) {
	now := m.clock.Now()
	loc := m.cal.Location()

	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = now
	}
	sig.CreatedAt = sig.CreatedAt.In(loc)
	sig.BucketStart = sig.BucketStart.In(loc)
	if sig.Status == "" {
		sig.Status = models.SignalNew
	}
	if sig.ID == "" {
		sig.ID = newSignalID(sig)
	}

	if err := sig.Validate(); err != nil {
		return nil, err
	}

	// session dedup: an EXPIRED or REJECTED twin may be retried, anything
	// else with the same fingerprint suppresses this one
	sessionStart, _ := m.cal.SessionBounds(now)
	prior, err := m.store.SignalsSince(ctx, sig.Strategy, sig.Symbol, sessionStart)
	if err != nil {
		return nil, fmt.Errorf("signals: dedup query: %w", err)
	}
	fp := sig.Fingerprint()
	for i := range prior {
		p := &prior[i]
		if p.Fingerprint() != fp {
			continue
		}
		if p.Status == models.SignalExpired || p.Status == models.SignalRejected {
			continue
		}
		m.logger.Debug("duplicate signal suppressed",
			"strategy", sig.Strategy, "symbol", sig.Symbol,
			"existing", p.ID, "existing_status", string(p.Status))
		return nil, storage.ErrDuplicateSignal
	}

	if err := m.store.InsertSignal(ctx, sig); err != nil {
		return nil, err
	}

	m.logger.Info("signal generated",
		"id", sig.ID, "strategy", sig.Strategy, "symbol", sig.Symbol,
		"action", string(sig.Action), "underlying", sig.UnderlyingPrice,
		"confidence", sig.Confidence)
	m.bus.Publish(bus.Event{Type: bus.SignalGenerated, At: sig.CreatedAt, Signal: sig})
	return sig, nil
}

// Update applies a monotonic status transition and publishes the matching
// lifecycle event.
func (m *Manager) Update(ctx context.Context, id string, status models.SignalStatus, reason string) error {
	if err := m.store.UpdateSignalStatus(ctx, id, status, reason); err != nil {
		return err
	}
	sig, err := m.store.SignalByID(ctx, id)
	if err != nil {
		return err
	}

	var typ bus.EventType
	switch status {
	case models.SignalProcessing:
		typ = bus.SignalActivated
	case models.SignalExecuted:
		typ = bus.SignalCompleted
	case models.SignalRejected, models.SignalFailed, models.SignalExpired:
		typ = bus.SignalStopped
	default:
		return nil
	}
	m.bus.Publish(bus.Event{Type: typ, At: m.clock.Now(), Signal: sig, Reason: reason})
	return nil
}

// newSignalID derives a stable-but-unique id: the fingerprint hash makes
// collisions visible in logs, the uuid suffix keeps retried EXPIRED or
// REJECTED twins distinct.
func newSignalID(sig *models.Signal) string {
	sum := sha256.Sum256([]byte(sig.Fingerprint()))
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return hex.EncodeToString(sum[:])[:12] + "-" + suffix
}
