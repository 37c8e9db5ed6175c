package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/karanvir/opttrader/internal/marketcal"
	"github.com/karanvir/opttrader/internal/models"
)

// DefaultRequestsPerSecond is the broker's documented per-session budget.
const DefaultRequestsPerSecond = 3.0

// KiteClient talks to a Kite-style REST gateway. Every response arrives in
// the envelope {"status": "ok"|"error", "data": ..., "message", "error_type"}.
// All calls share one token bucket so concurrent loops cannot exceed the
// session budget.
type KiteClient struct {
	http   *resty.Client
	rl     *TokenBucket
	clock  marketcal.Clock
	loc    *time.Location
	logger *slog.Logger
}

var _ Client = (*KiteClient)(nil)

// KiteConfig configures the HTTP client.
type KiteConfig struct {
	BaseURL     string
	APIKey      string
	AccessToken string
	// RequestsPerSecond defaults to DefaultRequestsPerSecond when zero.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// NewKiteClient builds the REST client. clock provides the exchange time;
// timestamps in historical and chain responses are interpreted in its zone.
func NewKiteClient(cfg KiteConfig, clock marketcal.Clock, logger *slog.Logger) *KiteClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("X-Kite-Version", "3").
		SetHeader("Authorization", fmt.Sprintf("token %s:%s", cfg.APIKey, cfg.AccessToken))
	if clock == nil {
		clock = marketcal.NewSystemClock()
	}
	return &KiteClient{
		http:   httpClient,
		rl:     NewTokenBucket(rps, rps, clock),
		clock:  clock,
		loc:    clock.Now().Location(),
		logger: logger.With("component", "broker"),
	}
}

type envelope struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

// classify maps a resty result into the error taxonomy. nil means success.
func classify(resp *resty.Response, env envelope, err error) error {
	if err != nil {
		return NewNetworkError(err)
	}
	code := resp.StatusCode()
	switch {
	case code == http.StatusTooManyRequests:
		retryAfter := time.Second
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return NewRateLimited(retryAfter)
	case code == http.StatusUnauthorized, code == http.StatusForbidden,
		env.ErrorType == "TokenException":
		return NewAuthExpired()
	case code >= 400 || env.Status == "error":
		return NewBrokerError(code, env.Message)
	}
	return nil
}

type quoteRow struct {
	LastPrice float64 `json:"last_price"`
	Volume    int64   `json:"volume"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	OI        int64   `json:"oi"`
}

// Quote fetches real-time quotes for up to 500 symbols in one round-trip.
func (c *KiteClient) Quote(ctx context.Context, symbols []string) (map[string]QuoteData, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	var body struct {
		envelope
		Data map[string]quoteRow `json:"data"`
	}
	req := c.http.R().SetContext(ctx).SetResult(&body).SetError(&body)
	for _, s := range symbols {
		req.QueryParam.Add("i", s)
	}
	resp, err := req.Get("/quote")
	if cerr := classify(resp, body.envelope, err); cerr != nil {
		return nil, cerr
	}
	out := make(map[string]QuoteData, len(body.Data))
	for sym, row := range body.Data {
		out[sym] = QuoteData{
			Symbol:    sym,
			LTP:       row.LastPrice,
			CumVolume: row.Volume,
			Bid:       row.Bid,
			Ask:       row.Ask,
			OI:        row.OI,
		}
	}
	return out, nil
}

type ohlcRow struct {
	LastPrice float64 `json:"last_price"`
	Volume    int64   `json:"volume"`
	OHLC      struct {
		Open  float64 `json:"open"`
		High  float64 `json:"high"`
		Low   float64 `json:"low"`
		Close float64 `json:"close"`
	} `json:"ohlc"`
}

// OHLC fetches session OHLC for a batch of symbols.
func (c *KiteClient) OHLC(ctx context.Context, symbols []string) (map[string]OHLCData, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	var body struct {
		envelope
		Data map[string]ohlcRow `json:"data"`
	}
	req := c.http.R().SetContext(ctx).SetResult(&body).SetError(&body)
	for _, s := range symbols {
		req.QueryParam.Add("i", s)
	}
	resp, err := req.Get("/quote/ohlc")
	if cerr := classify(resp, body.envelope, err); cerr != nil {
		return nil, cerr
	}
	out := make(map[string]OHLCData, len(body.Data))
	for sym, row := range body.Data {
		out[sym] = OHLCData{
			Symbol:    sym,
			Open:      row.OHLC.Open,
			High:      row.OHLC.High,
			Low:       row.OHLC.Low,
			Close:     row.OHLC.Close,
			LastPrice: row.LastPrice,
			CumVolume: row.Volume,
		}
	}
	return out, nil
}

var tfToInterval = map[models.Timeframe]string{
	models.Timeframe1Min:  "minute",
	models.Timeframe5Min:  "5minute",
	models.Timeframe15Min: "15minute",
	models.Timeframe30Min: "30minute",
	models.Timeframe60Min: "60minute",
	models.TimeframeDay:   "day",
}

type historicalRow struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
}

// HistoricalData fetches finalized candles for [from, to].
func (c *KiteClient) HistoricalData(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	interval, ok := tfToInterval[tf]
	if !ok {
		return nil, fmt.Errorf("broker: unsupported timeframe %q", tf)
	}
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	var body struct {
		envelope
		Data struct {
			Candles []historicalRow `json:"candles"`
		} `json:"data"`
	}
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&body).SetError(&body).
		SetPathParam("symbol", symbol).
		SetPathParam("interval", interval).
		SetQueryParam("from", from.Format(time.RFC3339)).
		SetQueryParam("to", to.Format(time.RFC3339)).
		Get("/historical/{symbol}/{interval}")
	if cerr := classify(resp, body.envelope, err); cerr != nil {
		return nil, cerr
	}
	out := make([]models.Candle, 0, len(body.Data.Candles))
	for _, row := range body.Data.Candles {
		out = append(out, models.Candle{
			Symbol:      symbol,
			Timeframe:   tf,
			BucketStart: row.Timestamp.In(c.loc),
			Open:        row.Open,
			High:        row.High,
			Low:         row.Low,
			Close:       row.Close,
			Volume:      row.Volume,
			Finalized:   true,
		})
	}
	return out, nil
}

type chainRow struct {
	TradingSymbol string    `json:"tradingsymbol"`
	Token         string    `json:"instrument_token"`
	Strike        float64   `json:"strike"`
	OptionType    string    `json:"instrument_type"`
	Expiry        time.Time `json:"expiry"`
	LotSize       int       `json:"lot_size"`
	LastPrice     float64   `json:"last_price"`
	Bid           float64   `json:"bid"`
	Ask           float64   `json:"ask"`
	Volume        int64     `json:"volume"`
	OI            int64     `json:"oi"`
	IV            float64   `json:"iv"`
	Delta         float64   `json:"delta"`
}

// OptionChain fetches the full chain snapshot for the underlying.
func (c *KiteClient) OptionChain(ctx context.Context, underlying string) ([]models.OptionContract, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	var body struct {
		envelope
		Data []chainRow `json:"data"`
	}
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&body).SetError(&body).
		SetQueryParam("underlying", underlying).
		Get("/option_chain")
	if cerr := classify(resp, body.envelope, err); cerr != nil {
		return nil, cerr
	}
	now := c.clock.Now()
	out := make([]models.OptionContract, 0, len(body.Data))
	for _, row := range body.Data {
		out = append(out, models.OptionContract{
			TradingSymbol: row.TradingSymbol,
			Token:         row.Token,
			Underlying:    underlying,
			Strike:        row.Strike,
			OptionType:    models.OptionType(row.OptionType),
			Expiry:        row.Expiry.In(c.loc),
			LotSize:       row.LotSize,
			LTP:           row.LastPrice,
			Bid:           row.Bid,
			Ask:           row.Ask,
			Volume:        row.Volume,
			OI:            row.OI,
			IV:            row.IV,
			Delta:         row.Delta,
			SnapshotTime:  now,
		})
	}
	return out, nil
}

// PlaceOrder submits one order and returns its broker id.
func (c *KiteClient) PlaceOrder(ctx context.Context, spec OrderSpec) (string, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return "", err
	}
	var body struct {
		envelope
		Data struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&body).SetError(&body).
		SetBody(spec).
		Post("/orders")
	if cerr := classify(resp, body.envelope, err); cerr != nil {
		return "", cerr
	}
	c.logger.Info("order placed",
		"order_id", body.Data.OrderID, "symbol", spec.Symbol,
		"side", spec.Side, "qty", spec.Quantity, "limit", spec.LimitPrice)
	return body.Data.OrderID, nil
}

// OrderStatus polls the current state of an order.
func (c *KiteClient) OrderStatus(ctx context.Context, orderID string) (*OrderStatusData, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}
	var body struct {
		envelope
		Data OrderStatusData `json:"data"`
	}
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&body).SetError(&body).
		SetPathParam("id", orderID).
		Get("/orders/{id}")
	if cerr := classify(resp, body.envelope, err); cerr != nil {
		return nil, cerr
	}
	return &body.Data, nil
}

// CancelOrder cancels a pending order.
func (c *KiteClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}
	var body struct{ envelope }
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&body).SetError(&body).
		SetPathParam("id", orderID).
		Delete("/orders/{id}")
	return classify(resp, body.envelope, err)
}

// AvailableMargin returns the free cash available for new positions.
func (c *KiteClient) AvailableMargin(ctx context.Context) (float64, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return 0, err
	}
	var body struct {
		envelope
		Data struct {
			AvailableCash float64 `json:"available_cash"`
		} `json:"data"`
	}
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&body).SetError(&body).
		Get("/margins")
	if cerr := classify(resp, body.envelope, err); cerr != nil {
		return 0, cerr
	}
	return body.Data.AvailableCash, nil
}

// Authenticate validates the configured access token. The token itself is
// minted out-of-band by the daily login flow; this only confirms it works.
func (c *KiteClient) Authenticate(ctx context.Context) error {
	ok, err := c.SessionValid(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return NewAuthExpired()
	}
	return nil
}

// SessionValid reports whether the access token is still accepted.
func (c *KiteClient) SessionValid(ctx context.Context) (bool, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return false, err
	}
	var body struct{ envelope }
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&body).SetError(&body).
		Get("/session")
	cerr := classify(resp, body.envelope, err)
	if cerr == nil {
		return true, nil
	}
	var apiErr *APIError
	if errors.As(cerr, &apiErr) && apiErr.Kind == KindAuthExpired {
		return false, nil
	}
	return false, cerr
}
