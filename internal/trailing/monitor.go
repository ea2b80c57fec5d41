// Package trailing ratchets the stop legs of brackets behind the market.
package trailing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/metrics"
	"execution-core/internal/order"
	"execution-core/pkg/broker"
	"execution-core/pkg/db"
)

// Adjustment records one tightened stop.
type Adjustment struct {
	OrderID string          `json:"order_id"`
	Symbol  string          `json:"symbol"`
	Price   decimal.Decimal `json:"price"`
	From    decimal.Decimal `json:"from"`
	To      decimal.Decimal `json:"to"`
	// Rearmed is set when the replacement could not be submitted and the
	// leg was handed back to the order processor.
	Rearmed bool `json:"rearmed,omitempty"`
}

// TickResult summarizes one monitor run.
type TickResult struct {
	Checked     int          `json:"checked"`
	Adjustments []Adjustment `json:"adjustments"`
	Errors      []string     `json:"errors,omitempty"`
}

// Next returns the trailed stop for the latest price. A sell stop protects a
// long position and may only rise; a buy stop protects a short and may only
// fall. The second result reports whether the stop moves.
func Next(current, price, pct decimal.Decimal, stopSide broker.Side) (decimal.Decimal, bool) {
	one := decimal.NewFromInt(1)
	if stopSide == broker.SideBuy {
		candidate := price.Mul(one.Add(pct)).Round(2)
		if current.IsZero() || candidate.LessThan(current) {
			return candidate, true
		}
		return current, false
	}
	candidate := price.Mul(one.Sub(pct)).Round(2)
	if candidate.GreaterThan(current) {
		return candidate, true
	}
	return current, false
}

// Monitor trails live stop legs whose strategy enables trailing.
type Monitor struct {
	db      *db.Database
	broker  broker.Broker
	exec    *order.Executor
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewMonitor builds a monitor reading prices from b and re-arming stops
// through exec.
func NewMonitor(database *db.Database, b broker.Broker, exec *order.Executor, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{db: database, broker: b, exec: exec, log: logger.Named("trailing"), metrics: m, now: time.Now}
}

// WithClock overrides the time source.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Run checks every live stop leg once.
func (m *Monitor) Run(ctx context.Context) (TickResult, error) {
	var res TickResult
	legs, err := m.db.Queries().ActiveStopLegs(ctx)
	if err != nil {
		return res, fmt.Errorf("list stop legs: %w", err)
	}

	rules := make(map[string]*db.ExitRules)
	prices := make(map[string]decimal.Decimal)
	for _, leg := range legs {
		if ctx.Err() != nil {
			break
		}
		r, ok := rules[leg.StrategyID]
		if !ok {
			r, err = m.db.Queries().GetExitRules(ctx, leg.StrategyID)
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: exit rules: %v", leg.ID, err))
				continue
			}
			rules[leg.StrategyID] = r
		}
		if r == nil || !r.TrailingEnabled || !r.TrailingStopPct.IsPositive() || !leg.StopPrice.Valid {
			continue
		}
		res.Checked++

		price, ok := prices[leg.Symbol]
		if !ok {
			price, err = m.broker.GetLatestPrice(ctx, leg.Symbol)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: price: %v", leg.Symbol, err))
				continue
			}
			prices[leg.Symbol] = price
		}

		next, moved := Next(leg.StopPrice.Decimal, price, r.TrailingStopPct, broker.Side(leg.Side))
		if !moved {
			continue
		}
		adj, err := m.replace(ctx, leg.ID, leg.StopPrice.Decimal, next)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", leg.ID, err))
			m.log.Warn("trailing replace failed", zap.String("order_id", leg.ID), zap.Error(err))
			continue
		}
		if adj != nil {
			adj.Price = price
			res.Adjustments = append(res.Adjustments, *adj)
			m.metrics.TrailingAdjusted()
		}
	}
	return res, nil
}

// replace moves a live stop to next: cancel at the broker, then resubmit at
// the new trigger. When the resubmit fails the leg returns to new with a
// fresh retry budget so the order processor re-arms it.
func (m *Monitor) replace(ctx context.Context, id string, from, next decimal.Decimal) (*Adjustment, error) {
	var adj *Adjustment
	err := m.db.WithOrderLock(ctx, id, func(q *db.Queries, o *db.Order) error {
		if o.Status != db.OrderSent && o.Status != db.OrderAccepted {
			return nil
		}
		if !o.StopPrice.Valid || !o.StopPrice.Decimal.Equal(from) {
			return nil
		}
		if err := m.broker.CancelOrder(ctx, o.BrokerOrderID); err != nil {
			return fmt.Errorf("cancel live stop: %w", err)
		}

		now := m.now().UTC()
		o.StopPrice = decimal.NewNullDecimal(next)
		o.AppendNote(fmt.Sprintf("trailing stop %s -> %s", from, next))
		adj = &Adjustment{OrderID: o.ID, Symbol: o.Symbol, From: from, To: next}

		brokerID, err := m.exec.Submit(ctx, o)
		if err != nil {
			o.Status = db.OrderNew
			o.BrokerOrderID = ""
			o.RetryCount = 0
			o.NextAttemptAt = nil
			o.LastError = "trailing resubmit failed: " + err.Error()
			adj.Rearmed = true
		} else {
			o.Status = db.OrderSent
			o.BrokerOrderID = brokerID
			o.LastError = ""
			o.SubmittedAt = &now
		}
		o.Touch(now)
		return q.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	if adj != nil {
		m.log.Info("stop trailed",
			zap.String("order_id", adj.OrderID),
			zap.String("symbol", adj.Symbol),
			zap.String("from", adj.From.String()),
			zap.String("to", adj.To.String()),
			zap.Bool("rearmed", adj.Rearmed),
		)
	}
	return adj, nil
}
