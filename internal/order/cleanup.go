package order

import (
	"context"
	"time"

	"go.uber.org/zap"

	"execution-core/pkg/db"
)

const (
	// StaleOrderAge is how long a new order may wait for submission.
	StaleOrderAge = 24 * time.Hour
	// StaleSignalAge is how long a signal may sit before an order is created.
	StaleSignalAge = time.Hour
)

// Cleanup expires orders and signals that stalled before reaching the broker,
// and cancels pending legs of parents that ended without a fill.
func (p *Processor) Cleanup(ctx context.Context) (CleanupResult, error) {
	now := p.now().UTC()
	q := p.db.Queries()

	var res CleanupResult
	var err error
	res.OrdersExpired, err = q.CancelStaleNewOrders(ctx, now.Add(-StaleOrderAge), now, "expired before submission")
	if err != nil {
		return res, err
	}
	res.LegsCanceled, err = q.CancelDeadParentChildren(ctx, now, "parent ended without fill")
	if err != nil {
		return res, err
	}
	res.SignalsFailed, err = q.FailStaleSignals(ctx,
		[]string{db.SignalPending, db.SignalValidated},
		now.Add(-StaleSignalAge), now, "stale: no order created within 1h")
	if err != nil {
		return res, err
	}

	if res.OrdersExpired+res.LegsCanceled+res.SignalsFailed > 0 {
		p.log.Info("cleanup",
			zap.Int64("orders_expired", res.OrdersExpired),
			zap.Int64("legs_canceled", res.LegsCanceled),
			zap.Int64("signals_failed", res.SignalsFailed),
		)
	}
	return res, nil
}
