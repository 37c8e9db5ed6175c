package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karanvir/opttrader/internal/marketcal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAPIErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		err       *APIError
		transient bool
	}{
		{"rate limited", NewRateLimited(2 * time.Second), true},
		{"network", NewNetworkError(errors.New("dial timeout")), true},
		{"broker 5xx", NewBrokerError(502, "bad gateway"), true},
		{"broker 4xx", NewBrokerError(400, "invalid order"), false},
		{"auth expired", NewAuthExpired(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, tt.err.Transient())

			// wrapped errors still match with errors.As
			wrapped := errorsJoin(tt.err)
			var apiErr *APIError
			require.True(t, errors.As(wrapped, &apiErr))
			assert.Equal(t, tt.err.Kind, apiErr.Kind)
		})
	}
}

func errorsJoin(err error) error {
	return &wrapErr{err}
}

type wrapErr struct{ inner error }

func (w *wrapErr) Error() string { return "call failed: " + w.inner.Error() }
func (w *wrapErr) Unwrap() error { return w.inner }

// testClockTime pins the kite test clock; SnapshotTime assertions compare
// against it.
var testClockTime = time.Date(2025, 3, 3, 10, 30, 0, 0, time.UTC)

func newTestKite(t *testing.T, handler http.HandlerFunc) *KiteClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewKiteClient(KiteConfig{
		BaseURL:           srv.URL,
		APIKey:            "key",
		AccessToken:       "token",
		RequestsPerSecond: 1000, // tests never throttle
		Timeout:           2 * time.Second,
	}, marketcal.NewFake(testClockTime), discardLogger())
}

func TestKiteQuoteParsing(t *testing.T) {
	c := newTestKite(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, "token key:token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"ok","data":{
			"NSE:NIFTY 50":{"last_price":19500.25,"volume":125000,"bid":19500,"ask":19500.5}
		}}`)
	})

	got, err := c.Quote(context.Background(), []string{"NSE:NIFTY 50"})
	require.NoError(t, err)
	require.Contains(t, got, "NSE:NIFTY 50")
	assert.InDelta(t, 19500.25, got["NSE:NIFTY 50"].LTP, 1e-9)
	assert.Equal(t, int64(125000), got["NSE:NIFTY 50"].CumVolume)
}

func TestKiteRateLimitedResponse(t *testing.T) {
	c := newTestKite(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"status":"error","message":"too many requests"}`)
	})

	_, err := c.Quote(context.Background(), []string{"X"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindRateLimited, apiErr.Kind)
	assert.Equal(t, 3*time.Second, apiErr.RetryAfter)
}

func TestKiteAuthExpired(t *testing.T) {
	c := newTestKite(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"status":"error","error_type":"TokenException","message":"token expired"}`)
	})

	_, err := c.AvailableMargin(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindAuthExpired, apiErr.Kind)

	// SessionValid converts auth expiry into a clean false
	ok, err := c.SessionValid(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKiteOptionChainSnapshotUsesInjectedClock(t *testing.T) {
	c := newTestKite(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/option_chain", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"ok","data":[
			{"tradingsymbol":"NIFTY2530619500CE","strike":19500,"instrument_type":"CE",
			 "expiry":"2025-03-06T15:30:00+05:30","lot_size":50,"last_price":150}
		]}`)
	})

	got, err := c.OptionChain(context.Background(), "NIFTY 50")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].SnapshotTime.Equal(testClockTime), "snapshot stamped from the injected clock")
}

func TestTokenBucketBlocksWhenEmpty(t *testing.T) {
	tb := NewTokenBucket(1, 0.001, marketcal.NewSystemClock()) // effectively no refill within the test
	require.NoError(t, tb.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tb.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBreakerTripsAndRecovers(t *testing.T) {
	mock := NewMock()
	mock.Err = NewBrokerError(500, "down")
	b := NewBreakerClientWithSettings(mock, discardLogger(), BreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      50 * time.Millisecond,
		MinRequests:  3,
		FailureRatio: 0.6,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := b.Quote(ctx, []string{"X"})
		require.Error(t, err)
	}

	// circuit is open: the underlying client is not called anymore
	before := mock.QuoteCalls
	_, err := b.Quote(ctx, []string{"X"})
	require.Error(t, err)
	assert.Equal(t, before, mock.QuoteCalls)

	// after the open window, a healthy backend closes the circuit again
	mock.Err = nil
	time.Sleep(60 * time.Millisecond)
	_, err = b.Quote(ctx, []string{"X"})
	assert.NoError(t, err)
}

func TestMockOrderPollSequence(t *testing.T) {
	m := NewMock()
	m.Statuses = []OrderStatusData{
		{State: OrderPending},
		{State: OrderComplete, FillAvgPrice: 101.5},
	}

	ctx := context.Background()
	id, err := m.PlaceOrder(ctx, OrderSpec{
		Symbol: "NIFTY2530619500CE", Side: SideBuy, Kind: OrderLimit,
		Quantity: 50, LimitPrice: 102,
	})
	require.NoError(t, err)

	st, err := m.OrderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OrderPending, st.State)

	st, err = m.OrderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OrderComplete, st.State)
	assert.InDelta(t, 101.5, st.FillAvgPrice, 1e-9)

	require.Len(t, m.PlacedOrders, 1)
	assert.Equal(t, 50, m.PlacedOrders[0].Quantity)
}
