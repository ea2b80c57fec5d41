package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// GuardConfig bounds every broker call.
type GuardConfig struct {
	Timeout time.Duration // per-call deadline
	RPS     float64       // sustained calls per second; <= 0 disables throttling
	Burst   int
}

// Guarded wraps a Broker with a per-call timeout and a token-bucket limiter so
// that overlapping loops cannot exceed the venue's request budget.
type Guarded struct {
	inner   Broker
	timeout time.Duration
	limiter *rate.Limiter
}

// NewGuarded wraps b. A zero Timeout leaves the caller's deadline untouched.
func NewGuarded(b Broker, cfg GuardConfig) *Guarded {
	g := &Guarded{inner: b, timeout: cfg.Timeout}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return g
}

func (g *Guarded) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("broker rate limit: %w", err)
		}
	}
	if g.timeout > 0 {
		c, cancel := context.WithTimeout(ctx, g.timeout)
		return c, cancel, nil
	}
	return ctx, func() {}, nil
}

func (g *Guarded) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	c, cancel, err := g.begin(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	return g.inner.SubmitOrder(c, req)
}

func (g *Guarded) CancelOrder(ctx context.Context, brokerOrderID string) error {
	c, cancel, err := g.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return g.inner.CancelOrder(c, brokerOrderID)
}

func (g *Guarded) GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderSnapshot, error) {
	c, cancel, err := g.begin(ctx)
	if err != nil {
		return OrderSnapshot{}, err
	}
	defer cancel()
	return g.inner.GetOrderStatus(c, brokerOrderID)
}

func (g *Guarded) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c, cancel, err := g.begin(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer cancel()
	return g.inner.GetLatestPrice(c, symbol)
}

func (g *Guarded) GetAccount(ctx context.Context) (Account, error) {
	c, cancel, err := g.begin(ctx)
	if err != nil {
		return Account{}, err
	}
	defer cancel()
	return g.inner.GetAccount(c)
}
