package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/karanvir/opttrader/internal/models"
)

// Mock is a scripted Client for tests. Zero value is usable: every call
// succeeds with empty data. Set the exported fields to script behavior;
// Err short-circuits every method when non-nil.
type Mock struct {
	mu sync.Mutex

	Quotes     map[string]QuoteData
	OHLCData   map[string]OHLCData
	Historical []models.Candle
	Chain      []models.OptionContract
	Margin     float64
	Valid      bool

	// Statuses is consumed front-to-first by OrderStatus, simulating a
	// PENDING -> COMPLETE poll sequence. When empty, orders report COMPLETE
	// at NextFillPrice.
	Statuses      []OrderStatusData
	NextFillPrice float64

	Err error

	PlacedOrders    []OrderSpec
	CancelledOrders []string

	QuoteCalls      int
	HistoricalCalls int
	ChainCalls      int

	nextOrderID int
}

var _ Client = (*Mock)(nil)

// NewMock returns a mock with a valid session and no scripted data.
func NewMock() *Mock {
	return &Mock{Valid: true, Margin: 1_000_000}
}

func (m *Mock) Quote(_ context.Context, symbols []string) (map[string]QuoteData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.QuoteCalls++
	out := make(map[string]QuoteData, len(symbols))
	for _, s := range symbols {
		if q, ok := m.Quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (m *Mock) OHLC(_ context.Context, symbols []string) (map[string]OHLCData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make(map[string]OHLCData, len(symbols))
	for _, s := range symbols {
		if o, ok := m.OHLCData[s]; ok {
			out[s] = o
		}
	}
	return out, nil
}

func (m *Mock) HistoricalData(_ context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.HistoricalCalls++
	var out []models.Candle
	for _, c := range m.Historical {
		if c.Symbol != symbol || c.Timeframe != tf {
			continue
		}
		if c.BucketStart.Before(from) || c.BucketStart.After(to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *Mock) OptionChain(_ context.Context, underlying string) ([]models.OptionContract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.ChainCalls++
	var out []models.OptionContract
	for _, c := range m.Chain {
		if c.Underlying == underlying {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Mock) PlaceOrder(_ context.Context, spec OrderSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.nextOrderID++
	id := fmt.Sprintf("mock-%d", m.nextOrderID)
	m.PlacedOrders = append(m.PlacedOrders, spec)
	return id, nil
}

func (m *Mock) OrderStatus(_ context.Context, orderID string) (*OrderStatusData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Statuses) > 0 {
		st := m.Statuses[0]
		m.Statuses = m.Statuses[1:]
		st.OrderID = orderID
		return &st, nil
	}
	return &OrderStatusData{
		OrderID:      orderID,
		State:        OrderComplete,
		FillAvgPrice: m.NextFillPrice,
	}, nil
}

func (m *Mock) CancelOrder(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.CancelledOrders = append(m.CancelledOrders, orderID)
	return nil
}

func (m *Mock) AvailableMargin(_ context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return m.Margin, nil
}

func (m *Mock) Authenticate(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if !m.Valid {
		return NewAuthExpired()
	}
	return nil
}

func (m *Mock) SessionValid(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	return m.Valid, nil
}
