package models

import (
	"fmt"
	"time"
)

// ExecutionMode selects how signals are dispatched.
type ExecutionMode string

const (
	// ModeLogOnly computes the full trade and logs it; no position is created.
	ModeLogOnly ExecutionMode = "LOG_ONLY"
	// ModePaper simulates fills and tracks positions locally.
	ModePaper ExecutionMode = "PAPER"
	// ModeLive places real orders with the broker.
	ModeLive ExecutionMode = "LIVE"
)

// Valid returns true if the ExecutionMode is one of the defined constants.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeLogOnly, ModePaper, ModeLive:
		return true
	default:
		return false
	}
}

// OptionType is the option contract side.
type OptionType string

const (
	// OptionCall is a call (CE) contract.
	OptionCall OptionType = "CE"
	// OptionPut is a put (PE) contract.
	OptionPut OptionType = "PE"
)

// Valid returns true if the OptionType is one of the defined constants.
func (t OptionType) Valid() bool {
	return t == OptionCall || t == OptionPut
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	// PositionOpen means the position is live and monitored.
	PositionOpen PositionStatus = "OPEN"
	// PositionClosed means the position exited; exit fields are all set.
	PositionClosed PositionStatus = "CLOSED"
)

// ExitReason enumerates why the monitor closed a position.
type ExitReason string

const (
	// ExitStopLoss fires when premium drops to the stop level.
	ExitStopLoss ExitReason = "STOP_LOSS"
	// ExitTarget fires when premium reaches the target level.
	ExitTarget ExitReason = "TARGET"
	// ExitExpiryApproaching fires inside the configured pre-expiry cutoff.
	ExitExpiryApproaching ExitReason = "EXPIRY_APPROACHING"
	// ExitManual marks an operator-initiated close.
	ExitManual ExitReason = "MANUAL"
)

// Position is one long option position opened from exactly one signal.
// The system buys options only, so stop < entry < target always holds
// in premium terms.
type Position struct {
	ID       string        `json:"id"`
	SignalID string        `json:"signal_id"`
	Mode     ExecutionMode `json:"mode"`

	OptionSymbol string     `json:"option_symbol"`
	Underlying   string     `json:"underlying"`
	Strike       float64    `json:"strike"`
	OptionType   OptionType `json:"option_type"`
	Expiry       time.Time  `json:"expiry"`
	LotSize      int        `json:"lot_size"`

	EntryTime       time.Time `json:"entry_time"`
	EntryPremium    float64   `json:"entry_premium"`
	Quantity        int       `json:"quantity"`
	StopLossPremium float64   `json:"stop_loss_premium"`
	TargetPremium   float64   `json:"target_premium"`

	Status         PositionStatus `json:"status"`
	CurrentPremium float64        `json:"current_premium,omitempty"`
	UnrealizedPnL  float64        `json:"unrealized_pnl,omitempty"`

	ExitTime    time.Time  `json:"exit_time,omitempty"`
	ExitPremium float64    `json:"exit_premium,omitempty"`
	ExitReason  ExitReason `json:"exit_reason,omitempty"`
	RealizedPnL float64    `json:"realized_pnl,omitempty"`

	// WarningFlag marks a LIVE position whose close order failed after retry.
	// The monitor keeps watching it; an operator has to intervene.
	WarningFlag bool `json:"warning_flag,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Validate enforces the position invariants for its current status.
func (p *Position) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("position: id is required")
	}
	if p.SignalID == "" {
		return fmt.Errorf("position %s: signal_id is required", p.ID)
	}
	if p.Mode != ModePaper && p.Mode != ModeLive {
		return fmt.Errorf("position %s: mode must be PAPER or LIVE (got %q)", p.ID, p.Mode)
	}
	if !p.OptionType.Valid() {
		return fmt.Errorf("position %s: invalid option type %q", p.ID, p.OptionType)
	}
	if p.LotSize <= 0 {
		return fmt.Errorf("position %s: lot_size must be > 0 (got %d)", p.ID, p.LotSize)
	}
	if p.Quantity <= 0 || p.Quantity%p.LotSize != 0 {
		return fmt.Errorf("position %s: quantity %d must be a positive multiple of lot size %d",
			p.ID, p.Quantity, p.LotSize)
	}
	if !(p.StopLossPremium < p.EntryPremium && p.EntryPremium < p.TargetPremium) {
		return fmt.Errorf("position %s: requires stop < entry < target (%.2f/%.2f/%.2f)",
			p.ID, p.StopLossPremium, p.EntryPremium, p.TargetPremium)
	}
	switch p.Status {
	case PositionOpen:
		if !p.ExitTime.IsZero() || p.ExitReason != "" {
			return fmt.Errorf("position %s: OPEN position must not carry exit fields", p.ID)
		}
	case PositionClosed:
		if p.ExitTime.IsZero() {
			return fmt.Errorf("position %s: CLOSED requires exit_time", p.ID)
		}
		if p.ExitReason == "" {
			return fmt.Errorf("position %s: CLOSED requires exit_reason", p.ID)
		}
		if p.ExitTime.Before(p.EntryTime) {
			return fmt.Errorf("position %s: exit_time %v before entry_time %v",
				p.ID, p.ExitTime, p.EntryTime)
		}
	default:
		return fmt.Errorf("position %s: invalid status %q", p.ID, p.Status)
	}
	return nil
}

// Lots returns the position size in exchange lots.
func (p *Position) Lots() int {
	if p.LotSize == 0 {
		return 0
	}
	return p.Quantity / p.LotSize
}

// MarkToMarket returns the unrealized P&L at the given premium.
func (p *Position) MarkToMarket(premium float64) float64 {
	return (premium - p.EntryPremium) * float64(p.Quantity)
}

// Close fills in the exit fields and flips the status. Idempotent close
// attempts are the caller's concern; this only records the transition.
func (p *Position) Close(at time.Time, premium float64, reason ExitReason) {
	p.Status = PositionClosed
	p.ExitTime = at
	p.ExitPremium = premium
	p.ExitReason = reason
	p.RealizedPnL = p.MarkToMarket(premium)
	p.CurrentPremium = premium
	p.UnrealizedPnL = 0
	p.UpdatedAt = at
}
