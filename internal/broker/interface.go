// Package broker defines the narrow capability the runtime needs from a
// brokerage and provides a Kite-style HTTP implementation, a circuit-breaker
// decorator and a scripted mock.
package broker

import (
	"context"
	"time"

	"github.com/karanvir/opttrader/internal/models"
)

// QuoteData is one symbol's real-time quote. CumVolume is the cumulative
// session volume as reported by the exchange.
type QuoteData struct {
	Symbol    string  `json:"symbol"`
	LTP       float64 `json:"ltp"`
	CumVolume int64   `json:"cum_volume"`
	Bid       float64 `json:"bid,omitempty"`
	Ask       float64 `json:"ask,omitempty"`
	OI        int64   `json:"oi,omitempty"`
}

// OHLCData is one symbol's session OHLC plus last traded price.
type OHLCData struct {
	Symbol    string  `json:"symbol"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	LastPrice float64 `json:"last_price"`
	CumVolume int64   `json:"cum_volume"`
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderKind is the order pricing type.
type OrderKind string

const (
	OrderLimit  OrderKind = "LIMIT"
	OrderMarket OrderKind = "MARKET"
)

// OrderSpec describes one order to place.
type OrderSpec struct {
	Symbol     string    `json:"symbol"`
	Side       OrderSide `json:"side"`
	Kind       OrderKind `json:"kind"`
	Quantity   int       `json:"quantity"`
	LimitPrice float64   `json:"limit_price,omitempty"`
	Tag        string    `json:"tag,omitempty"`
}

// OrderState is the broker-side lifecycle of an order.
type OrderState string

const (
	OrderPending   OrderState = "PENDING"
	OrderComplete  OrderState = "COMPLETE"
	OrderRejected  OrderState = "REJECTED"
	OrderCancelled OrderState = "CANCELLED"
)

// OrderStatusData is a point-in-time view of a placed order.
type OrderStatusData struct {
	OrderID      string     `json:"order_id"`
	State        OrderState `json:"state"`
	FillAvgPrice float64    `json:"fill_avg_price,omitempty"`
	FilledQty    int        `json:"filled_qty,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// Client is the brokerage capability the runtime consumes. Implementations
// are safe for concurrent use and internally rate-limited; errors are
// reported as *APIError so callers can branch on kind with errors.As.
type Client interface {
	// Market data
	Quote(ctx context.Context, symbols []string) (map[string]QuoteData, error)
	OHLC(ctx context.Context, symbols []string) (map[string]OHLCData, error)
	HistoricalData(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error)
	OptionChain(ctx context.Context, underlying string) ([]models.OptionContract, error)

	// Orders
	PlaceOrder(ctx context.Context, spec OrderSpec) (string, error)
	OrderStatus(ctx context.Context, orderID string) (*OrderStatusData, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Account
	AvailableMargin(ctx context.Context) (float64, error)
	Authenticate(ctx context.Context) error
	SessionValid(ctx context.Context) (bool, error)
}
