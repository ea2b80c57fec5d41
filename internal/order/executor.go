package order

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/metrics"
	"execution-core/pkg/broker"
	"execution-core/pkg/db"
)

// MaxRetries is the submission budget of one order.
const MaxRetries = 3

// Backoff is the delay before re-pickup after the n-th failed attempt.
var Backoff = []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second}

func backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(Backoff) {
		return Backoff[len(Backoff)-1]
	}
	return Backoff[attempt-1]
}

// Executor submits orders to the broker and records the outcome on the row.
type Executor struct {
	broker  broker.Broker
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewExecutor builds an executor submitting through b. A nil logger
// discards output.
func NewExecutor(b broker.Broker, logger *zap.Logger, m *metrics.Metrics) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{broker: b, log: logger.Named("executor"), metrics: m, now: time.Now}
}

// WithClock overrides the time source.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Request builds the broker request for o. The local order id doubles as
// the broker client id.
func Request(o *db.Order) broker.OrderRequest {
	return broker.OrderRequest{
		Symbol:     o.Symbol,
		Qty:        o.Quantity,
		Side:       broker.Side(o.Side),
		Type:       broker.OrderType(o.Type),
		LimitPrice: o.LimitPrice,
		StopPrice:  o.StopPrice,
		ClientID:   o.ID,
	}
}

// Submit sends o to the broker without touching its row.
func (e *Executor) Submit(ctx context.Context, o *db.Order) (string, error) {
	id, err := e.broker.SubmitOrder(ctx, Request(o))
	e.metrics.BrokerSubmission(err == nil)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Execute performs one submission attempt of o and writes the outcome through
// q. The caller must hold o's row lock. Broker failures are reported in the
// result; the returned error is a persistence failure and must roll back.
func (e *Executor) Execute(ctx context.Context, q *db.Queries, o *db.Order) (ExecutionResult, error) {
	start := time.Now()
	res := ExecutionResult{OrderID: o.ID}

	if o.RetryCount >= MaxRetries {
		// Budget already spent: never submit again.
		if o.Status != db.OrderError {
			o.Status = db.OrderError
			o.LastError = fmt.Sprintf("broker submission failed after %d attempts", o.RetryCount)
			o.NextAttemptAt = nil
			o.Touch(e.now())
			if err := q.UpdateOrder(ctx, o); err != nil {
				return res, err
			}
		}
		res.Status = o.Status
		res.fail(fmt.Errorf("retry budget exhausted for order %s", o.ID))
		return res, nil
	}

	o.RetryCount++
	o.Status = db.OrderSent
	o.Touch(e.now())
	if err := q.UpdateOrder(ctx, o); err != nil {
		return res, err
	}

	brokerID, err := e.Submit(ctx, o)
	now := e.now().UTC()
	res.Latency = time.Since(start)

	if err == nil {
		o.Status = db.OrderAccepted
		o.BrokerOrderID = brokerID
		o.LastError = ""
		o.NextAttemptAt = nil
		o.SubmittedAt = &now
		o.Touch(now)
		if err := q.UpdateOrder(ctx, o); err != nil {
			return res, err
		}
		res.Success = true
		res.BrokerOrderID = brokerID
		res.Status = o.Status
		e.log.Info("order submitted",
			zap.String("order_id", o.ID),
			zap.String("broker_order_id", brokerID),
			zap.Int("attempt", o.RetryCount),
			zap.Duration("latency", res.Latency),
		)
		return res, nil
	}

	res.fail(err)
	if o.RetryCount < MaxRetries {
		delay := backoffFor(o.RetryCount)
		next := now.Add(delay)
		o.Status = db.OrderNew
		o.LastError = err.Error()
		o.NextAttemptAt = &next
		res.RetryScheduled = true
		res.RetryAfter = delay
		e.log.Warn("order submission failed, retry scheduled",
			zap.String("order_id", o.ID),
			zap.Int("attempt", o.RetryCount),
			zap.Duration("retry_after", delay),
			zap.Error(err),
		)
	} else {
		o.Status = db.OrderError
		o.LastError = fmt.Sprintf("broker submission failed after %d attempts: %v", o.RetryCount, err)
		o.NextAttemptAt = nil
		e.log.Error("order submission failed permanently",
			zap.String("order_id", o.ID),
			zap.Int("attempts", o.RetryCount),
			zap.Error(err),
		)
	}
	o.Touch(now)
	if err := q.UpdateOrder(ctx, o); err != nil {
		return res, err
	}
	res.Status = o.Status
	return res, nil
}

// GetOrderStatus returns the broker's view of o, or nil when o has no broker
// id or the broker cannot answer. Nil means no new information.
func (e *Executor) GetOrderStatus(ctx context.Context, o *db.Order) *broker.OrderSnapshot {
	if o.BrokerOrderID == "" {
		return nil
	}
	snap, err := e.broker.GetOrderStatus(ctx, o.BrokerOrderID)
	if err != nil {
		e.log.Warn("order status unavailable",
			zap.String("order_id", o.ID),
			zap.String("broker_order_id", o.BrokerOrderID),
			zap.Error(err),
		)
		return nil
	}
	return &snap
}

// CancelOrder cancels o at the broker and marks it canceled through q.
// Orders never sent are canceled locally. Reports false on any failure.
func (e *Executor) CancelOrder(ctx context.Context, q *db.Queries, o *db.Order) bool {
	if o.IsTerminal() {
		return false
	}
	if o.BrokerOrderID != "" {
		if err := e.broker.CancelOrder(ctx, o.BrokerOrderID); err != nil {
			e.log.Warn("broker cancel failed",
				zap.String("order_id", o.ID),
				zap.String("broker_order_id", o.BrokerOrderID),
				zap.Error(err),
			)
			return false
		}
	}
	o.Status = db.OrderCanceled
	o.NextAttemptAt = nil
	o.Touch(e.now())
	if err := q.UpdateOrder(ctx, o); err != nil {
		e.log.Error("persist cancel", zap.String("order_id", o.ID), zap.Error(err))
		return false
	}
	return true
}
