package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"execution-core/pkg/cache"
)

// QuoteCached serves GetLatestPrice from a short-lived cache so that risk
// sizing and bracket pricing for one signal see the same quote. Every other
// call goes straight to the wrapped broker.
type QuoteCached struct {
	Broker
	quotes *cache.Quotes
}

// NewQuoteCached wraps b with quotes.
func NewQuoteCached(b Broker, quotes *cache.Quotes) *QuoteCached {
	return &QuoteCached{Broker: b, quotes: quotes}
}

func (q *QuoteCached) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if p, ok := q.quotes.Get(symbol); ok {
		return p, nil
	}
	p, err := q.Broker.GetLatestPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	q.quotes.Set(symbol, p)
	return p, nil
}

// Quotes exposes the underlying cache for maintenance.
func (q *QuoteCached) Quotes() *cache.Quotes { return q.quotes }
