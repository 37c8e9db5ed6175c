package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/karanvir/opttrader/internal/models"
)

// Row types map 1:1 to tables. Timestamps are stored UTC and converted back
// to the exchange timezone on read.

type candleRow struct {
	Symbol      string    `gorm:"primaryKey;size:32"`
	Timeframe   string    `gorm:"primaryKey;size:8"`
	BucketStart time.Time `gorm:"primaryKey"`
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      int64
	Trades      int64
	VWAP        float64
	Finalized   bool
}

func (candleRow) TableName() string { return "candles" }

type signalRow struct {
	ID              string `gorm:"primaryKey;size:64"`
	Fingerprint     string `gorm:"size:128;index"`
	CreatedAt       time.Time
	Symbol          string `gorm:"size:32;index"`
	AssetClass      string `gorm:"size:16"`
	Strategy        string `gorm:"size:32;index"`
	Action          string `gorm:"size:8"`
	UnderlyingPrice float64
	TargetPrice     float64
	StopLossPrice   float64
	Confidence      float64
	ExpectedMovePct float64
	Timeframe       string `gorm:"size:8"`
	BucketStart     time.Time
	Metadata        string `gorm:"type:text"`
	Status          string `gorm:"size:16;index"`
	StatusReason    string `gorm:"size:256"`
}

func (signalRow) TableName() string { return "signals" }

type positionRow struct {
	ID              string `gorm:"primaryKey;size:64"`
	SignalID        string `gorm:"uniqueIndex;size:64"`
	Mode            string `gorm:"size:16"`
	OptionSymbol    string `gorm:"size:64"`
	Underlying      string `gorm:"size:32"`
	Strike          float64
	OptionType      string `gorm:"size:4"`
	Expiry          time.Time
	LotSize         int
	EntryTime       time.Time
	EntryPremium    float64
	Quantity        int
	StopLossPremium float64
	TargetPremium   float64
	Status          string `gorm:"size:16;index"`
	CurrentPremium  float64
	UnrealizedPnL   float64
	ExitTime        *time.Time
	ExitPremium     float64
	ExitReason      string `gorm:"size:32"`
	RealizedPnL     float64
	WarningFlag     bool
	UpdatedAt       time.Time
}

func (positionRow) TableName() string { return "positions" }

type optionSnapshotRow struct {
	Underlying    string    `gorm:"primaryKey;size:32"`
	Expiry        time.Time `gorm:"primaryKey"`
	Strike        float64   `gorm:"primaryKey"`
	OptionType    string    `gorm:"primaryKey;size:4"`
	SnapshotTime  time.Time `gorm:"primaryKey"`
	TradingSymbol string    `gorm:"size:64"`
	Token         string    `gorm:"size:32"`
	LotSize       int
	LTP           float64
	Bid           float64
	Ask           float64
	Volume        int64
	OI            int64
	IV            float64
	Delta         float64
}

func (optionSnapshotRow) TableName() string { return "option_snapshots" }

type intradayQuoteRow struct {
	Symbol    string    `gorm:"primaryKey;size:64"`
	Timestamp time.Time `gorm:"primaryKey"`
	LastPrice float64
	CumVolume int64
	Bid       float64
	Ask       float64
}

func (intradayQuoteRow) TableName() string { return "intraday_quotes" }

// GormStore implements Interface on Postgres through gorm.
type GormStore struct {
	db  *gorm.DB
	loc *time.Location
}

var _ Interface = (*GormStore)(nil)

// NewGormStore connects to Postgres and migrates the schema. loc is the
// exchange timezone used on reads and for the intraday reset boundary.
func NewGormStore(dsn string, loc *time.Location) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}
	s := &GormStore{db: db, loc: loc}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *GormStore) migrate() error {
	if err := s.db.AutoMigrate(
		&candleRow{}, &signalRow{}, &positionRow{},
		&optionSnapshotRow{}, &intradayQuoteRow{},
	); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	// AutoMigrate covers the declared indexes; the candle range index is
	// declared explicitly because it spans the composite key in query order.
	if err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_candles_key_bucket
		ON candles (symbol, timeframe, bucket_start)
	`).Error; err != nil {
		return fmt.Errorf("storage: candle index: %w", err)
	}
	// fingerprint uniqueness is partial: EXPIRED and REJECTED rows release
	// their fingerprint so the same setup can be retried within a session
	if err := s.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_signals_fingerprint_active
		ON signals (fingerprint) WHERE status NOT IN ('EXPIRED', 'REJECTED')
	`).Error; err != nil {
		return fmt.Errorf("storage: signal fingerprint index: %w", err)
	}
	return nil
}

// UpsertCandle inserts or replaces the candle at its primary key.
func (s *GormStore) UpsertCandle(ctx context.Context, c models.Candle) error {
	if err := c.Validate(); err != nil {
		return err
	}
	row := candleToRow(c)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "timeframe"}, {Name: "bucket_start"}},
		UpdateAll: true,
	}).Create(&row).Error
}

// BulkUpsertCandles upserts a batch in one statement; re-running the same
// batch is a no-op beyond the first call.
func (s *GormStore) BulkUpsertCandles(ctx context.Context, cs []models.Candle) error {
	if len(cs) == 0 {
		return nil
	}
	rows := make([]candleRow, 0, len(cs))
	for _, c := range cs {
		if err := c.Validate(); err != nil {
			return err
		}
		rows = append(rows, candleToRow(c))
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "timeframe"}, {Name: "bucket_start"}},
		UpdateAll: true,
	}).CreateInBatches(rows, 500).Error
}

// Candles returns candles with from <= bucket_start <= to, ascending.
func (s *GormStore) Candles(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	var rows []candleRow
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND bucket_start BETWEEN ? AND ?",
			symbol, tf, from.UTC(), to.UTC()).
		Order("bucket_start ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return s.candlesFromRows(rows), nil
}

// LastNCandles returns the n most recent candles, ascending.
func (s *GormStore) LastNCandles(ctx context.Context, symbol string, tf models.Timeframe, n int) ([]models.Candle, error) {
	var rows []candleRow
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", symbol, tf).
		Order("bucket_start DESC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	// reverse into ascending order
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return s.candlesFromRows(rows), nil
}

// InsertSignal persists a NEW signal; duplicate id or fingerprint maps to
// ErrDuplicateSignal via the translated unique-violation error.
func (s *GormStore) InsertSignal(ctx context.Context, sig *models.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	row, err := signalToRow(sig)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateSignal
		}
		return err
	}
	return nil
}

// UpdateSignalStatus applies a monotonic transition inside one transaction.
func (s *GormStore) UpdateSignalStatus(ctx context.Context, id string, status models.SignalStatus, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row signalRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("signal %s: %w", id, ErrNotFound)
			}
			return err
		}
		cur := models.SignalStatus(row.Status)
		if !cur.CanTransition(status) {
			return fmt.Errorf("signal %s: illegal transition %s -> %s", id, cur, status)
		}
		return tx.Model(&signalRow{}).Where("id = ?", id).
			Updates(map[string]any{"status": string(status), "status_reason": reason}).Error
	})
}

// SignalByID returns the signal or ErrNotFound.
func (s *GormStore) SignalByID(ctx context.Context, id string) (*models.Signal, error) {
	var row signalRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("signal %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return s.signalFromRow(row)
}

// SignalsSince returns signals created at or after since. Empty strategy
// or symbol matches everything.
func (s *GormStore) SignalsSince(ctx context.Context, strategy, symbol string, since time.Time) ([]models.Signal, error) {
	q := s.db.WithContext(ctx).Where("created_at >= ?", since.UTC())
	if strategy != "" {
		q = q.Where("strategy = ?", strategy)
	}
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var rows []signalRow
	err := q.Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.Signal, 0, len(rows))
	for _, r := range rows {
		sig, err := s.signalFromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, *sig)
	}
	return out, nil
}

// PendingSignalCount counts NEW and PROCESSING signals.
func (s *GormStore) PendingSignalCount(ctx context.Context) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&signalRow{}).
		Where("status IN ?", []string{string(models.SignalNew), string(models.SignalProcessing)}).
		Count(&n).Error
	return int(n), err
}

// InsertPosition persists a new position. The unique index on signal_id is
// the restart-safety backstop: a second insert for the same signal fails.
func (s *GormStore) InsertPosition(ctx context.Context, p *models.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	row := positionToRow(p)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("position for signal %s already exists", p.SignalID)
		}
		return err
	}
	return nil
}

// UpdatePosition replaces the row when updated_at is monotonic.
func (s *GormStore) UpdatePosition(ctx context.Context, p *models.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	row := positionToRow(p)
	res := s.db.WithContext(ctx).Model(&positionRow{}).
		Where("id = ? AND updated_at <= ?", p.ID, p.UpdatedAt.UTC()).
		Select("*").Updates(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var exists int64
		s.db.WithContext(ctx).Model(&positionRow{}).Where("id = ?", p.ID).Count(&exists)
		if exists == 0 {
			return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
		}
		return fmt.Errorf("position %s: stale update", p.ID)
	}
	return nil
}

// OpenPositions returns OPEN positions ordered by entry time.
func (s *GormStore) OpenPositions(ctx context.Context) ([]models.Position, error) {
	var rows []positionRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(models.PositionOpen)).
		Order("entry_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, *s.positionFromRow(r))
	}
	return out, nil
}

// PositionBySignal returns the position for the signal or ErrNotFound.
func (s *GormStore) PositionBySignal(ctx context.Context, signalID string) (*models.Position, error) {
	var row positionRow
	if err := s.db.WithContext(ctx).First(&row, "signal_id = ?", signalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("position for signal %s: %w", signalID, ErrNotFound)
		}
		return nil, err
	}
	return s.positionFromRow(row), nil
}

// Stats aggregates closed positions in one query.
func (s *GormStore) Stats(ctx context.Context) (*TradeStats, error) {
	var agg struct {
		TotalTrades int
		Wins        int
		Losses      int
		TotalPnL    float64
	}
	err := s.db.WithContext(ctx).Model(&positionRow{}).
		Select(`COUNT(*) AS total_trades,
			COUNT(*) FILTER (WHERE realized_pn_l > 0) AS wins,
			COUNT(*) FILTER (WHERE realized_pn_l <= 0) AS losses,
			COALESCE(SUM(realized_pn_l), 0) AS total_pn_l`).
		Where("status = ?", string(models.PositionClosed)).
		Scan(&agg).Error
	if err != nil {
		return nil, err
	}
	st := &TradeStats{
		TotalTrades: agg.TotalTrades,
		Wins:        agg.Wins,
		Losses:      agg.Losses,
		TotalPnL:    agg.TotalPnL,
	}
	if st.TotalTrades > 0 {
		st.WinRate = float64(st.Wins) / float64(st.TotalTrades)
	}
	return st, nil
}

// UpsertOptionSnapshot inserts the snapshot at its composite key.
func (s *GormStore) UpsertOptionSnapshot(ctx context.Context, c models.OptionContract) error {
	row := optionSnapshotRow{
		Underlying:    c.Underlying,
		Expiry:        c.Expiry.UTC(),
		Strike:        c.Strike,
		OptionType:    string(c.OptionType),
		SnapshotTime:  c.SnapshotTime.UTC(),
		TradingSymbol: c.TradingSymbol,
		Token:         c.Token,
		LotSize:       c.LotSize,
		LTP:           c.LTP,
		Bid:           c.Bid,
		Ask:           c.Ask,
		Volume:        c.Volume,
		OI:            c.OI,
		IV:            c.IV,
		Delta:         c.Delta,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "underlying"}, {Name: "expiry"}, {Name: "strike"},
			{Name: "option_type"}, {Name: "snapshot_time"},
		},
		UpdateAll: true,
	}).Create(&row).Error
}

// OptionChain returns the latest snapshot per contract for the underlying.
func (s *GormStore) OptionChain(ctx context.Context, underlying string, expiry time.Time) ([]models.OptionContract, error) {
	q := `SELECT DISTINCT ON (underlying, expiry, strike, option_type) *
		FROM option_snapshots WHERE underlying = ?`
	args := []any{underlying}
	if !expiry.IsZero() {
		q += ` AND expiry = ?`
		args = append(args, expiry.UTC())
	}
	q += ` ORDER BY underlying, expiry, strike, option_type, snapshot_time DESC`
	var rows []optionSnapshotRow
	if err := s.db.WithContext(ctx).Raw(q, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.OptionContract, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.OptionContract{
			TradingSymbol: r.TradingSymbol,
			Token:         r.Token,
			Underlying:    r.Underlying,
			Strike:        r.Strike,
			OptionType:    models.OptionType(r.OptionType),
			Expiry:        r.Expiry.In(s.loc),
			LotSize:       r.LotSize,
			LTP:           r.LTP,
			Bid:           r.Bid,
			Ask:           r.Ask,
			Volume:        r.Volume,
			OI:            r.OI,
			IV:            r.IV,
			Delta:         r.Delta,
			SnapshotTime:  r.SnapshotTime.In(s.loc),
		})
	}
	return out, nil
}

// InsertIntradayQuote appends one row to the real-time quote table.
func (s *GormStore) InsertIntradayQuote(ctx context.Context, t models.Tick) error {
	row := intradayQuoteRow{
		Symbol:    t.Symbol,
		Timestamp: t.Timestamp.UTC(),
		LastPrice: t.LastPrice,
		CumVolume: t.CumVolume,
		Bid:       t.Bid,
		Ask:       t.Ask,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// DailyIntradayReset deletes quote rows older than today's midnight in the
// exchange timezone. Candle and position tables are untouched.
func (s *GormStore) DailyIntradayReset(ctx context.Context, now time.Time) error {
	now = now.In(s.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	return s.db.WithContext(ctx).
		Where("timestamp < ?", midnight.UTC()).
		Delete(&intradayQuoteRow{}).Error
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func candleToRow(c models.Candle) candleRow {
	return candleRow{
		Symbol:      c.Symbol,
		Timeframe:   string(c.Timeframe),
		BucketStart: c.BucketStart.UTC(),
		Open:        c.Open,
		High:        c.High,
		Low:         c.Low,
		Close:       c.Close,
		Volume:      c.Volume,
		Trades:      c.Trades,
		VWAP:        c.VWAP,
		Finalized:   c.Finalized,
	}
}

func (s *GormStore) candlesFromRows(rows []candleRow) []models.Candle {
	out := make([]models.Candle, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Candle{
			Symbol:      r.Symbol,
			Timeframe:   models.Timeframe(r.Timeframe),
			BucketStart: r.BucketStart.In(s.loc),
			Open:        r.Open,
			High:        r.High,
			Low:         r.Low,
			Close:       r.Close,
			Volume:      r.Volume,
			Trades:      r.Trades,
			VWAP:        r.VWAP,
			Finalized:   r.Finalized,
		})
	}
	return out
}

func signalToRow(sig *models.Signal) (signalRow, error) {
	meta := ""
	if len(sig.Metadata) > 0 {
		b, err := json.Marshal(sig.Metadata)
		if err != nil {
			return signalRow{}, fmt.Errorf("signal %s: marshal metadata: %w", sig.ID, err)
		}
		meta = string(b)
	}
	return signalRow{
		ID:              sig.ID,
		Fingerprint:     sig.Fingerprint(),
		CreatedAt:       sig.CreatedAt.UTC(),
		Symbol:          sig.Symbol,
		AssetClass:      string(sig.AssetClass),
		Strategy:        sig.Strategy,
		Action:          string(sig.Action),
		UnderlyingPrice: sig.UnderlyingPrice,
		TargetPrice:     sig.TargetPrice,
		StopLossPrice:   sig.StopLossPrice,
		Confidence:      sig.Confidence,
		ExpectedMovePct: sig.ExpectedMovePct,
		Timeframe:       string(sig.Timeframe),
		BucketStart:     sig.BucketStart.UTC(),
		Metadata:        meta,
		Status:          string(sig.Status),
		StatusReason:    sig.StatusReason,
	}, nil
}

func (s *GormStore) signalFromRow(r signalRow) (*models.Signal, error) {
	var meta map[string]string
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &meta); err != nil {
			return nil, fmt.Errorf("signal %s: unmarshal metadata: %w", r.ID, err)
		}
	}
	return &models.Signal{
		ID:              r.ID,
		CreatedAt:       r.CreatedAt.In(s.loc),
		Symbol:          r.Symbol,
		AssetClass:      models.AssetClass(r.AssetClass),
		Strategy:        r.Strategy,
		Action:          models.SignalAction(r.Action),
		UnderlyingPrice: r.UnderlyingPrice,
		TargetPrice:     r.TargetPrice,
		StopLossPrice:   r.StopLossPrice,
		Confidence:      r.Confidence,
		ExpectedMovePct: r.ExpectedMovePct,
		Timeframe:       models.Timeframe(r.Timeframe),
		BucketStart:     r.BucketStart.In(s.loc),
		Metadata:        meta,
		Status:          models.SignalStatus(r.Status),
		StatusReason:    r.StatusReason,
	}, nil
}

func positionToRow(p *models.Position) positionRow {
	row := positionRow{
		ID:              p.ID,
		SignalID:        p.SignalID,
		Mode:            string(p.Mode),
		OptionSymbol:    p.OptionSymbol,
		Underlying:      p.Underlying,
		Strike:          p.Strike,
		OptionType:      string(p.OptionType),
		Expiry:          p.Expiry.UTC(),
		LotSize:         p.LotSize,
		EntryTime:       p.EntryTime.UTC(),
		EntryPremium:    p.EntryPremium,
		Quantity:        p.Quantity,
		StopLossPremium: p.StopLossPremium,
		TargetPremium:   p.TargetPremium,
		Status:          string(p.Status),
		CurrentPremium:  p.CurrentPremium,
		UnrealizedPnL:   p.UnrealizedPnL,
		ExitPremium:     p.ExitPremium,
		ExitReason:      string(p.ExitReason),
		RealizedPnL:     p.RealizedPnL,
		WarningFlag:     p.WarningFlag,
		UpdatedAt:       p.UpdatedAt.UTC(),
	}
	if !p.ExitTime.IsZero() {
		t := p.ExitTime.UTC()
		row.ExitTime = &t
	}
	return row
}

func (s *GormStore) positionFromRow(r positionRow) *models.Position {
	p := &models.Position{
		ID:              r.ID,
		SignalID:        r.SignalID,
		Mode:            models.ExecutionMode(r.Mode),
		OptionSymbol:    r.OptionSymbol,
		Underlying:      r.Underlying,
		Strike:          r.Strike,
		OptionType:      models.OptionType(r.OptionType),
		Expiry:          r.Expiry.In(s.loc),
		LotSize:         r.LotSize,
		EntryTime:       r.EntryTime.In(s.loc),
		EntryPremium:    r.EntryPremium,
		Quantity:        r.Quantity,
		StopLossPremium: r.StopLossPremium,
		TargetPremium:   r.TargetPremium,
		Status:          models.PositionStatus(r.Status),
		CurrentPremium:  r.CurrentPremium,
		UnrealizedPnL:   r.UnrealizedPnL,
		ExitPremium:     r.ExitPremium,
		ExitReason:      models.ExitReason(r.ExitReason),
		RealizedPnL:     r.RealizedPnL,
		WarningFlag:     r.WarningFlag,
		UpdatedAt:       r.UpdatedAt.In(s.loc),
	}
	if r.ExitTime != nil {
		p.ExitTime = r.ExitTime.In(s.loc)
	}
	return p
}
