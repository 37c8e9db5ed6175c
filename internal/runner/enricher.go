package runner

import (
	"github.com/karanvir/opttrader/internal/broker"
)

// Enricher contributes asset-class context to each polled tick. The
// returned attributes go on the tick's debug log line; enrichment never
// changes what is persisted.
type Enricher interface {
	Enrich(symbol string, q broker.QuoteData) []any
}

// NopEnricher is used by asset classes with nothing to add.
type NopEnricher struct{}

func (NopEnricher) Enrich(string, broker.QuoteData) []any { return nil }

// IndexEnricher tags index ticks with their sector grouping.
type IndexEnricher struct {
	// Sectors maps symbol to sector label, e.g. "NIFTY BANK" -> "banking".
	Sectors map[string]string
}

func (e *IndexEnricher) Enrich(symbol string, _ broker.QuoteData) []any {
	if sector, ok := e.Sectors[symbol]; ok {
		return []any{"sector", sector}
	}
	return nil
}

// OptionsEnricher surfaces open interest on option ticks.
type OptionsEnricher struct{}

func (OptionsEnricher) Enrich(_ string, q broker.QuoteData) []any {
	if q.OI > 0 {
		return []any{"oi", q.OI}
	}
	return nil
}

// CommodityEnricher tags commodity ticks with their exchange lot size.
type CommodityEnricher struct {
	// LotSizes maps symbol to contract lot size, e.g. "GOLDM" -> 10.
	LotSizes map[string]int
}

func (e *CommodityEnricher) Enrich(symbol string, _ broker.QuoteData) []any {
	if lot, ok := e.LotSizes[symbol]; ok {
		return []any{"lot_size", lot}
	}
	return nil
}

var (
	_ Enricher = NopEnricher{}
	_ Enricher = (*IndexEnricher)(nil)
	_ Enricher = OptionsEnricher{}
	_ Enricher = (*CommodityEnricher)(nil)
)
