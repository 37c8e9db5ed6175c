package models

import (
	"fmt"
	"time"
)

// SignalAction is what a strategy wants done with the underlying.
type SignalAction string

const (
	// ActionBuy expects the underlying to rise; executed with call options.
	ActionBuy SignalAction = "BUY"
	// ActionSell expects the underlying to fall; executed with put options.
	ActionSell SignalAction = "SELL"
	// ActionHold means no opinion. HOLD signals are never persisted.
	ActionHold SignalAction = "HOLD"
)

// SignalStatus is the lifecycle state of a persisted signal.
type SignalStatus string

const (
	SignalNew        SignalStatus = "NEW"
	SignalProcessing SignalStatus = "PROCESSING"
	SignalExecuted   SignalStatus = "EXECUTED"
	SignalRejected   SignalStatus = "REJECTED"
	SignalFailed     SignalStatus = "FAILED"
	SignalExpired    SignalStatus = "EXPIRED"
)

// Terminal reports whether the status is final.
func (s SignalStatus) Terminal() bool {
	switch s {
	case SignalExecuted, SignalRejected, SignalFailed, SignalExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s -> to is a legal lifecycle move.
// NEW may go to PROCESSING or straight to a terminal state; PROCESSING only
// to a terminal state. Terminal states never move again, and self-transitions
// are rejected.
func (s SignalStatus) CanTransition(to SignalStatus) bool {
	if s == to || s.Terminal() {
		return false
	}
	switch s {
	case SignalNew:
		return to == SignalProcessing || to.Terminal()
	case SignalProcessing:
		return to.Terminal()
	default:
		return false
	}
}

// AssetClass groups symbols by how they are fetched and executed.
type AssetClass string

const (
	AssetIndex     AssetClass = "index"
	AssetEquity    AssetClass = "equity"
	AssetOptions   AssetClass = "options"
	AssetFutures   AssetClass = "futures"
	AssetCommodity AssetClass = "commodity"
)

// Valid returns true for a known asset class.
func (a AssetClass) Valid() bool {
	switch a {
	case AssetIndex, AssetEquity, AssetOptions, AssetFutures, AssetCommodity:
		return true
	default:
		return false
	}
}

// Signal is one actionable strategy verdict on an underlying. Price levels
// are in underlying terms; the executor translates them to option premiums.
type Signal struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Symbol     string     `json:"symbol"`
	AssetClass AssetClass `json:"asset_class"`
	Strategy   string     `json:"strategy"`

	Action          SignalAction `json:"action"`
	UnderlyingPrice float64      `json:"underlying_price"`
	TargetPrice     float64      `json:"target_price"`
	StopLossPrice   float64      `json:"stop_loss_price"`
	Confidence      float64      `json:"confidence"`
	ExpectedMovePct float64      `json:"expected_move_pct,omitempty"`

	Timeframe   Timeframe         `json:"timeframe"`
	BucketStart time.Time         `json:"bucket_start"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	Status       SignalStatus `json:"status"`
	StatusReason string       `json:"status_reason,omitempty"`
}

// Fingerprint identifies the signal within its trading session. Two signals
// from the same strategy, symbol, action and candle bucket on the same day
// collide, which is how intra-session duplicates are suppressed.
func (s *Signal) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		s.Strategy, s.Symbol, s.Action, s.Timeframe,
		s.CreatedAt.Format("2006-01-02"), s.BucketStart.Unix())
}

// Validate enforces the persistable-signal invariants.
func (s *Signal) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("signal: id is required")
	}
	if s.Symbol == "" {
		return fmt.Errorf("signal %s: symbol is required", s.ID)
	}
	if s.Strategy == "" {
		return fmt.Errorf("signal %s: strategy is required", s.ID)
	}
	if !s.AssetClass.Valid() {
		return fmt.Errorf("signal %s: invalid asset class %q", s.ID, s.AssetClass)
	}
	if !s.Timeframe.Valid() {
		return fmt.Errorf("signal %s: invalid timeframe %q", s.ID, s.Timeframe)
	}
	if s.CreatedAt.IsZero() || s.BucketStart.IsZero() {
		return fmt.Errorf("signal %s: created_at and bucket_start are required", s.ID)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal %s: confidence %.2f outside [0, 1]", s.ID, s.Confidence)
	}
	switch s.Action {
	case ActionBuy:
		if !(s.StopLossPrice < s.UnderlyingPrice && s.UnderlyingPrice < s.TargetPrice) {
			return fmt.Errorf("signal %s: BUY requires stop < underlying < target (%.2f/%.2f/%.2f)",
				s.ID, s.StopLossPrice, s.UnderlyingPrice, s.TargetPrice)
		}
	case ActionSell:
		if !(s.TargetPrice < s.UnderlyingPrice && s.UnderlyingPrice < s.StopLossPrice) {
			return fmt.Errorf("signal %s: SELL requires target < underlying < stop (%.2f/%.2f/%.2f)",
				s.ID, s.TargetPrice, s.UnderlyingPrice, s.StopLossPrice)
		}
	case ActionHold:
		return fmt.Errorf("signal %s: HOLD signals are not persisted", s.ID)
	default:
		return fmt.Errorf("signal %s: invalid action %q", s.ID, s.Action)
	}
	return nil
}
