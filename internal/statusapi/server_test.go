package statusapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karanvir/opttrader/internal/bus"
	"github.com/karanvir/opttrader/internal/marketcal"
	"github.com/karanvir/opttrader/internal/models"
	"github.com/karanvir/opttrader/internal/signals"
	"github.com/karanvir/opttrader/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	srv     *Server
	store   *storage.MemoryStore
	sm      *signals.Manager
	clock   *marketcal.Fake
	loc     *time.Location
	stopped chan struct{}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	cal := marketcal.NewCalendar()
	loc := cal.Location()
	clock := marketcal.NewFake(time.Date(2025, 3, 3, 10, 30, 0, 0, loc)) // Monday, mid-session
	store := storage.NewMemoryStore(loc)
	b := bus.New(discardLogger())
	t.Cleanup(b.Close)
	sm := signals.NewManager(store, b, cal, clock, discardLogger())

	stopped := make(chan struct{}, 1)
	srv := New(cfg, Deps{
		Store:    store,
		Bus:      b,
		Calendar: cal,
		Clock:    clock,
		Shutdown: func() { stopped <- struct{}{} },
		Logger:   discardLogger(),
	})
	return &fixture{srv: srv, store: store, sm: sm, clock: clock, loc: loc, stopped: stopped}
}

func (f *fixture) seedSignal(t *testing.T) *models.Signal {
	t.Helper()
	sig, err := f.sm.Submit(context.Background(), &models.Signal{
		Symbol:          "NIFTY 50",
		AssetClass:      models.AssetIndex,
		Strategy:        "smacross",
		Action:          models.ActionBuy,
		UnderlyingPrice: 19500,
		TargetPrice:     19700,
		StopLossPrice:   19400,
		Confidence:      0.7,
		Timeframe:       models.Timeframe15Min,
		BucketStart:     time.Date(2025, 3, 3, 10, 15, 0, 0, f.loc),
	})
	require.NoError(t, err)
	return sig
}

func (f *fixture) seedPosition(t *testing.T, sig *models.Signal, warning bool) {
	t.Helper()
	pos := &models.Position{
		ID:              "pos-1",
		SignalID:        sig.ID,
		Mode:            models.ModePaper,
		OptionSymbol:    "NIFTY2530619500CE",
		Underlying:      "NIFTY 50",
		Strike:          19500,
		OptionType:      models.OptionCall,
		Expiry:          time.Date(2025, 3, 6, 15, 30, 0, 0, f.loc),
		LotSize:         50,
		EntryTime:       f.clock.Now(),
		EntryPremium:    150,
		Quantity:        100,
		StopLossPremium: 105,
		TargetPremium:   240,
		Status:          models.PositionOpen,
		WarningFlag:     warning,
		UpdatedAt:       f.clock.Now(),
	}
	require.NoError(t, f.store.InsertPosition(context.Background(), pos))
}

func get(t *testing.T, h http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, Config{})
	rec := get(t, f.srv.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusReportsRuntimeState(t *testing.T) {
	f := newFixture(t, Config{Mode: models.ModePaper})
	sig := f.seedSignal(t)
	f.seedPosition(t, sig, true)

	rec := get(t, f.srv.Handler(), "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.ModePaper, got.Mode)
	assert.True(t, got.MarketOpen)
	assert.Equal(t, 1, got.PendingSignals)
	assert.Equal(t, 1, got.OpenPositions)
	assert.Equal(t, 1, got.WarningPositions)
	assert.False(t, got.QuoteCache)
	require.NotNil(t, got.Stats)
	assert.Zero(t, got.Stats.TotalTrades)
}

func TestPositionsEndpoint(t *testing.T) {
	f := newFixture(t, Config{})
	sig := f.seedSignal(t)
	f.seedPosition(t, sig, false)

	rec := get(t, f.srv.Handler(), "/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got positionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Open, 1)
	assert.Equal(t, "NIFTY2530619500CE", got.Open[0].OptionSymbol)
}

func TestSignalsEndpointFilters(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedSignal(t)

	rec := get(t, f.srv.Handler(), "/signals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got []models.Signal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "smacross", got[0].Strategy)

	rec = get(t, f.srv.Handler(), "/signals?strategy=other", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Empty(t, got)

	rec = get(t, f.srv.Handler(), "/signals?since=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopEndpointRequestsShutdown(t *testing.T) {
	f := newFixture(t, Config{})

	req := httptest.NewRequest(http.MethodPost, "/stop", nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"stopping"}`, rec.Body.String())
	select {
	case <-f.stopped:
	default:
		t.Fatal("shutdown hook not invoked")
	}

	// the stop surface is POST-only
	assert.Equal(t, http.StatusMethodNotAllowed, get(t, f.srv.Handler(), "/stop", nil).Code)
}

func TestAuthTokenGuardsEverythingButHealthz(t *testing.T) {
	f := newFixture(t, Config{AuthToken: "sesame"})

	assert.Equal(t, http.StatusOK, get(t, f.srv.Handler(), "/healthz", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, f.srv.Handler(), "/status", nil).Code)
	assert.Equal(t, http.StatusOK,
		get(t, f.srv.Handler(), "/status", map[string]string{"X-Auth-Token": "sesame"}).Code)
}
