package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/karanvir/opttrader/internal/models"
)

// BreakerClient wraps a Client with a circuit breaker so a misbehaving
// broker endpoint sheds load quickly instead of stalling every loop.
type BreakerClient struct {
	client  Client
	breaker *gobreaker.CircuitBreaker
}

var _ Client = (*BreakerClient)(nil)

// BreakerSettings configures trip behavior.
type BreakerSettings struct {
	MaxRequests  uint32        // allowed requests while half-open
	Interval     time.Duration // rolling-count reset interval
	Timeout      time.Duration // how long the circuit stays open
	MinRequests  uint32        // minimum samples before tripping
	FailureRatio float64       // failure ratio threshold
}

// NewBreakerClient wraps client with default settings.
func NewBreakerClient(client Client, logger *slog.Logger) *BreakerClient {
	return NewBreakerClientWithSettings(client, logger, BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewBreakerClientWithSettings wraps client with explicit settings.
func NewBreakerClientWithSettings(client Client, logger *slog.Logger, s BreakerSettings) *BreakerClient {
	log := logger.With("component", "broker_breaker")
	return &BreakerClient{
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "broker",
			MaxRequests: s.MaxRequests,
			Interval:    s.Interval,
			Timeout:     s.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < s.MinRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit state change", "from", from.String(), "to", to.String())
			},
		}),
	}
}

// execBreaker runs fn through the circuit breaker with the result typed.
func execBreaker[T any](cb *gobreaker.CircuitBreaker, c Client, fn func(Client) (T, error)) (T, error) {
	var zero T
	res, err := cb.Execute(func() (interface{}, error) { return fn(c) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("broker: circuit breaker type assertion failed")
	}
	return v, nil
}

func (b *BreakerClient) Quote(ctx context.Context, symbols []string) (map[string]QuoteData, error) {
	return execBreaker(b.breaker, b.client, func(c Client) (map[string]QuoteData, error) {
		return c.Quote(ctx, symbols)
	})
}

func (b *BreakerClient) OHLC(ctx context.Context, symbols []string) (map[string]OHLCData, error) {
	return execBreaker(b.breaker, b.client, func(c Client) (map[string]OHLCData, error) {
		return c.OHLC(ctx, symbols)
	})
}

func (b *BreakerClient) HistoricalData(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	return execBreaker(b.breaker, b.client, func(c Client) ([]models.Candle, error) {
		return c.HistoricalData(ctx, symbol, tf, from, to)
	})
}

func (b *BreakerClient) OptionChain(ctx context.Context, underlying string) ([]models.OptionContract, error) {
	return execBreaker(b.breaker, b.client, func(c Client) ([]models.OptionContract, error) {
		return c.OptionChain(ctx, underlying)
	})
}

func (b *BreakerClient) PlaceOrder(ctx context.Context, spec OrderSpec) (string, error) {
	return execBreaker(b.breaker, b.client, func(c Client) (string, error) {
		return c.PlaceOrder(ctx, spec)
	})
}

func (b *BreakerClient) OrderStatus(ctx context.Context, orderID string) (*OrderStatusData, error) {
	return execBreaker(b.breaker, b.client, func(c Client) (*OrderStatusData, error) {
		return c.OrderStatus(ctx, orderID)
	})
}

func (b *BreakerClient) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execBreaker(b.breaker, b.client, func(c Client) (struct{}, error) {
		return struct{}{}, c.CancelOrder(ctx, orderID)
	})
	return err
}

func (b *BreakerClient) AvailableMargin(ctx context.Context) (float64, error) {
	return execBreaker(b.breaker, b.client, func(c Client) (float64, error) {
		return c.AvailableMargin(ctx)
	})
}

func (b *BreakerClient) Authenticate(ctx context.Context) error {
	_, err := execBreaker(b.breaker, b.client, func(c Client) (struct{}, error) {
		return struct{}{}, c.Authenticate(ctx)
	})
	return err
}

func (b *BreakerClient) SessionValid(ctx context.Context) (bool, error) {
	return execBreaker(b.breaker, b.client, func(c Client) (bool, error) {
		return c.SessionValid(ctx)
	})
}
