package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/karanvir/opttrader/internal/models"
)

const (
	streamReadTimeout  = 90 * time.Second
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 50 * time.Second
	streamMaxBackoff   = 30 * time.Second
	tickBufferSize     = 512
)

// TickStream is an optional websocket LTP feed. Runners drain Ticks between
// polls so fast-moving symbols get sub-interval updates. The stream
// auto-reconnects with exponential backoff and re-subscribes on reconnect.
type TickStream struct {
	url    string
	token  string
	loc    *time.Location
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu      sync.RWMutex
	subscribed map[string]bool

	ticks chan models.Tick

	dropped int64
	dropMu  sync.Mutex
}

// NewTickStream creates the feed; Run must be called to connect.
func NewTickStream(url, token string, loc *time.Location, logger *slog.Logger) *TickStream {
	if loc == nil {
		loc = time.UTC
	}
	return &TickStream{
		url:        url,
		token:      token,
		loc:        loc,
		logger:     logger.With("component", "tick_stream"),
		subscribed: make(map[string]bool),
		ticks:      make(chan models.Tick, tickBufferSize),
	}
}

// Ticks returns the read-only channel of incoming ticks.
func (s *TickStream) Ticks() <-chan models.Tick { return s.ticks }

// Subscribe adds symbols to the live subscription.
func (s *TickStream) Subscribe(symbols []string) error {
	s.subMu.Lock()
	for _, sym := range symbols {
		s.subscribed[sym] = true
	}
	s.subMu.Unlock()
	return s.writeJSON(map[string]any{"op": "subscribe", "symbols": symbols})
}

// Run maintains the connection until ctx is cancelled.
func (s *TickStream) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > streamMaxBackoff {
			backoff = streamMaxBackoff
		}
	}
}

// Close tears down the current connection.
func (s *TickStream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Dropped reports ticks discarded because the buffer was full.
func (s *TickStream) Dropped() int64 {
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	return s.dropped
}

func (s *TickStream) connectAndRead(ctx context.Context) error {
	header := map[string][]string{"Authorization": {"token " + s.token}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.resubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info("stream connected", "url", s.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(msg)
	}
}

func (s *TickStream) resubscribe() error {
	s.subMu.RLock()
	symbols := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		symbols = append(symbols, sym)
	}
	s.subMu.RUnlock()
	if len(symbols) == 0 {
		return nil
	}
	return s.writeJSON(map[string]any{"op": "subscribe", "symbols": symbols})
}

type streamTick struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"last_price"`
	Volume    int64   `json:"volume"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	TS        int64   `json:"ts"` // unix millis
}

func (s *TickStream) dispatch(data []byte) {
	var msg streamTick
	if err := json.Unmarshal(data, &msg); err != nil || msg.Symbol == "" {
		return
	}
	tick := models.Tick{
		Symbol:    msg.Symbol,
		Timestamp: time.UnixMilli(msg.TS).In(s.loc),
		LastPrice: msg.LastPrice,
		CumVolume: msg.Volume,
		Bid:       msg.Bid,
		Ask:       msg.Ask,
	}
	select {
	case s.ticks <- tick:
	default:
		// consumer is behind; dropping beats blocking the read loop
		s.dropMu.Lock()
		s.dropped++
		n := s.dropped
		s.dropMu.Unlock()
		if n%1000 == 1 {
			s.logger.Warn("tick buffer full, dropping", "dropped_total", n)
		}
	}
}

func (s *TickStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.connMu.Lock()
			conn := s.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					s.logger.Debug("ping failed", "error", err)
				}
			}
			s.connMu.Unlock()
		}
	}
}

func (s *TickStream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(v)
}
