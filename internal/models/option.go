package models

import (
	"time"
)

// OptionContract is one row of an option-chain snapshot. Greeks are carried
// through from the broker when available; the runtime never computes them.
type OptionContract struct {
	TradingSymbol string     `json:"tradingsymbol"`
	Token         string     `json:"token,omitempty"`
	Underlying    string     `json:"underlying"`
	Strike        float64    `json:"strike"`
	OptionType    OptionType `json:"option_type"`
	Expiry        time.Time  `json:"expiry"`
	LotSize       int        `json:"lot_size"`

	LTP    float64 `json:"ltp"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Volume int64   `json:"volume"`
	OI     int64   `json:"oi"`
	IV     float64 `json:"iv,omitempty"`
	Delta  float64 `json:"delta,omitempty"`

	SnapshotTime time.Time `json:"snapshot_ts"`
}

// Mid returns the bid/ask midpoint, or LTP when the book is one-sided.
func (o *OptionContract) Mid() float64 {
	if o.Bid > 0 && o.Ask > 0 {
		return (o.Bid + o.Ask) / 2
	}
	return o.LTP
}

// SpreadPct returns (ask-bid)/mid. A one-sided or crossed book reports 1.0
// so liquidity filters treat it as untradeable.
func (o *OptionContract) SpreadPct() float64 {
	if o.Bid <= 0 || o.Ask <= 0 || o.Ask < o.Bid {
		return 1.0
	}
	mid := (o.Bid + o.Ask) / 2
	if mid == 0 {
		return 1.0
	}
	return (o.Ask - o.Bid) / mid
}

// DaysToExpiry returns whole days from now to expiry, floored at zero.
func (o *OptionContract) DaysToExpiry(now time.Time) int {
	d := int(o.Expiry.Sub(now).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
