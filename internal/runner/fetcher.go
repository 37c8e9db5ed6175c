package runner

import (
	"context"

	"github.com/karanvir/opttrader/internal/broker"
)

// Fetcher is the quote-shape capability a runner polls with. Index and
// equity runners use the full quote endpoint; commodity runners get by
// with the cheaper OHLC endpoint.
type Fetcher interface {
	Fetch(ctx context.Context, symbols []string) (map[string]broker.QuoteData, error)
}

// QuoteFetcher polls the real-time quote endpoint.
type QuoteFetcher struct {
	Broker broker.Client
}

func (f *QuoteFetcher) Fetch(ctx context.Context, symbols []string) (map[string]broker.QuoteData, error) {
	return f.Broker.Quote(ctx, symbols)
}

// OHLCFetcher polls the session OHLC endpoint and adapts it to the quote
// shape. Bid and ask are unavailable on this path.
type OHLCFetcher struct {
	Broker broker.Client
}

func (f *OHLCFetcher) Fetch(ctx context.Context, symbols []string) (map[string]broker.QuoteData, error) {
	ohlc, err := f.Broker.OHLC(ctx, symbols)
	if err != nil {
		return nil, err
	}
	out := make(map[string]broker.QuoteData, len(ohlc))
	for sym, o := range ohlc {
		out[sym] = broker.QuoteData{
			Symbol:    sym,
			LTP:       o.LastPrice,
			CumVolume: o.CumVolume,
		}
	}
	return out, nil
}

var (
	_ Fetcher = (*QuoteFetcher)(nil)
	_ Fetcher = (*OHLCFetcher)(nil)
)
