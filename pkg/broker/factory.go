package broker

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Config selects and tunes the broker implementation.
type Config struct {
	Kind      string // "paper"
	PaperCash decimal.Decimal
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
}

// New builds the broker selected by cfg.Kind, wrapped in a Guarded client.
// It is called once at startup and the result injected everywhere.
func New(cfg Config) (Broker, error) {
	var inner Broker
	switch cfg.Kind {
	case "paper", "":
		cash := cfg.PaperCash
		if !cash.IsPositive() {
			cash = decimal.NewFromInt(100000)
		}
		inner = NewPaper(cash)
	default:
		return nil, fmt.Errorf("unsupported broker: %s", cfg.Kind)
	}
	return NewGuarded(inner, GuardConfig{
		Timeout: cfg.Timeout,
		RPS:     cfg.RateLimit,
		Burst:   cfg.RateBurst,
	}), nil
}

// Unwrap returns the broker wrapped by a Guarded client, or b itself.
func Unwrap(b Broker) Broker {
	if g, ok := b.(*Guarded); ok {
		return g.inner
	}
	return b
}
