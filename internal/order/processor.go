package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/metrics"
	"execution-core/pkg/broker"
	"execution-core/pkg/db"
)

// BatchSize caps the orders picked up by one ProcessPendingOrders run.
const BatchSize = 50

// Processor drives new orders to the broker and folds broker state back
// into the order rows.
type Processor struct {
	db      *db.Database
	exec    *Executor
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	workers int

	mu        sync.RWMutex
	listeners []FillListener
}

// NewProcessor creates a processor submitting with up to workers goroutines.
func NewProcessor(database *db.Database, exec *Executor, logger *zap.Logger, m *metrics.Metrics, workers int) *Processor {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		db:      database,
		exec:    exec,
		log:     logger.Named("processor"),
		metrics: m,
		now:     time.Now,
		workers: workers,
	}
}

// WithClock overrides the time source.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Executor returns the executor used for submissions.
func (p *Processor) Executor() *Executor { return p.exec }

// AddFillListener registers l for committed fills.
func (p *Processor) AddFillListener(l FillListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// ProcessPendingOrders submits the oldest due new orders.
func (p *Processor) ProcessPendingOrders(ctx context.Context) (BatchResult, error) {
	due, err := p.db.Queries().ListDueOrders(ctx, p.now(), BatchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list due orders: %w", err)
	}
	p.metrics.PendingOrders(len(due))

	batch := BatchResult{Picked: len(due)}
	if len(due) == 0 {
		return batch, nil
	}

	var (
		wg      sync.WaitGroup
		results = make([]ExecutionResult, len(due))
		sem     = make(chan struct{}, p.workers)
	)
	for i, o := range due {
		if ctx.Err() != nil {
			results[i] = ExecutionResult{OrderID: o.ID, Skipped: true, Status: o.Status}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := p.processOne(ctx, id)
			if err != nil {
				res.fail(err)
				p.log.Error("process order", zap.String("order_id", id), zap.Error(err))
			}
			results[i] = res
		}(i, o.ID)
	}
	wg.Wait()

	for _, r := range results {
		switch {
		case r.Skipped:
			batch.Skipped++
		case r.Success:
			batch.Submitted++
		case r.RetryScheduled:
			batch.Retrying++
		default:
			batch.Failed++
		}
	}
	batch.Results = results
	return batch, nil
}

// processOne executes a single order under its row lock. Orders that are no
// longer new once the lock is held were handled by someone else.
func (p *Processor) processOne(ctx context.Context, id string) (ExecutionResult, error) {
	res := ExecutionResult{OrderID: id}
	err := p.db.WithOrderLock(ctx, id, func(q *db.Queries, o *db.Order) error {
		if o.Status != db.OrderNew {
			res.Skipped = true
			res.Status = o.Status
			return nil
		}
		r, err := p.exec.Execute(ctx, q, o)
		if err != nil {
			return err
		}
		res = r
		return p.advanceSignal(ctx, q, o)
	})
	return res, err
}

// ProcessSingleOrder submits one order on demand.
func (p *Processor) ProcessSingleOrder(ctx context.Context, id string) (ExecutionResult, error) {
	res, err := p.processOne(ctx, id)
	if err != nil {
		return res, err
	}
	if res.Skipped {
		res.ErrorMsg = fmt.Sprintf("order is %s, not new", res.Status)
	}
	return res, nil
}

// CancelOrder cancels one order on demand.
func (p *Processor) CancelOrder(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := p.db.WithOrderLock(ctx, id, func(q *db.Queries, o *db.Order) error {
		if o.IsTerminal() {
			return nil
		}
		ok = p.exec.CancelOrder(ctx, q, o)
		return nil
	})
	return ok, err
}

// advanceSignal moves the originating signal along with its entry order.
func (p *Processor) advanceSignal(ctx context.Context, q *db.Queries, o *db.Order) error {
	if o.IsChild() || o.SignalID == "" {
		return nil
	}
	var status, reason string
	switch o.Status {
	case db.OrderAccepted, db.OrderPartiallyFilled:
		status = db.SignalProcessing
	case db.OrderFilled:
		status = db.SignalExecuted
	case db.OrderError, db.OrderRejected:
		status, reason = db.SignalError, o.LastError
		if reason == "" {
			reason = "order " + o.Status
		}
	default:
		return nil
	}
	err := q.UpdateSignalStatus(ctx, o.SignalID, status, reason, p.now())
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	return err
}

// localStatus maps a broker status onto the local order lifecycle.
func localStatus(s broker.OrderStatus) (string, bool) {
	switch s {
	case broker.StatusNew, broker.StatusAccepted:
		return db.OrderAccepted, true
	case broker.StatusPartiallyFilled:
		return db.OrderPartiallyFilled, true
	case broker.StatusFilled:
		return db.OrderFilled, true
	case broker.StatusCanceled, broker.StatusExpired:
		return db.OrderCanceled, true
	case broker.StatusRejected:
		return db.OrderRejected, true
	}
	return "", false
}

// ApplySnapshot folds snap into o and reports whether a tracked field changed.
func ApplySnapshot(o *db.Order, snap broker.OrderSnapshot, now time.Time) bool {
	status, ok := localStatus(snap.Status)
	if !ok {
		return false
	}
	changed := false
	if status != o.Status {
		o.Status = status
		changed = true
	}
	if !snap.FilledQty.IsZero() && !snap.FilledQty.Equal(o.FilledQuantity) {
		o.FilledQuantity = snap.FilledQty
		changed = true
	}
	if snap.FilledAvgPrice.IsPositive() && (!o.FilledAvgPrice.Valid || !o.FilledAvgPrice.Decimal.Equal(snap.FilledAvgPrice)) {
		o.FilledAvgPrice = decimal.NewNullDecimal(snap.FilledAvgPrice)
		changed = true
	}
	if o.Status == db.OrderFilled && o.FilledAt == nil {
		t := now.UTC()
		o.FilledAt = &t
		changed = true
	}
	if changed {
		o.Touch(now)
	}
	return changed
}

// UpdateOrderFills polls the broker for every live order and commits the
// changes. Fills are dispatched to listeners after their commit.
func (p *Processor) UpdateOrderFills(ctx context.Context) (FillResult, error) {
	tracked, err := p.db.Queries().ListTrackedOrders(ctx)
	if err != nil {
		return FillResult{}, fmt.Errorf("list tracked orders: %w", err)
	}
	p.metrics.TrackedOrders(len(tracked))

	var res FillResult
	for _, o := range tracked {
		if ctx.Err() != nil {
			break
		}
		res.Checked++
		snap := p.exec.GetOrderStatus(ctx, o)
		if snap == nil {
			continue
		}
		filled, changed, err := p.SyncOrder(ctx, o.ID, *snap)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", o.ID, err))
			p.log.Error("sync order", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		if changed {
			res.Updated++
		}
		if filled != nil {
			res.Filled++
			res.Errors = append(res.Errors, p.DispatchFill(ctx, filled)...)
		}
	}
	return res, nil
}

// SyncOrder applies a broker snapshot to one order under its lock. It returns
// the committed order when this call moved it to filled. Listeners are not
// notified.
func (p *Processor) SyncOrder(ctx context.Context, id string, snap broker.OrderSnapshot) (*db.Order, bool, error) {
	var (
		filled  *db.Order
		changed bool
	)
	err := p.db.WithOrderLock(ctx, id, func(q *db.Queries, o *db.Order) error {
		if o.IsTerminal() {
			return nil
		}
		before := o.Status
		if !ApplySnapshot(o, snap, p.now()) {
			return nil
		}
		if err := q.UpdateOrder(ctx, o); err != nil {
			return err
		}
		changed = true
		if o.Status != before {
			p.metrics.OrderTransition(o.Status)
			p.log.Info("order status changed",
				zap.String("order_id", o.ID),
				zap.String("from", before),
				zap.String("to", o.Status),
			)
			if err := p.advanceSignal(ctx, q, o); err != nil {
				return err
			}
		}
		if o.Status == db.OrderFilled && before != db.OrderFilled {
			filled = o
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return filled, changed, nil
}

// DispatchFill notifies every listener of a committed fill and returns their
// failures.
func (p *Processor) DispatchFill(ctx context.Context, o *db.Order) []string {
	p.mu.RLock()
	listeners := append([]FillListener(nil), p.listeners...)
	p.mu.RUnlock()

	var errs []string
	for _, l := range listeners {
		if err := l.OnOrderFilled(ctx, o); err != nil {
			errs = append(errs, fmt.Sprintf("%s: fill listener: %v", o.ID, err))
			p.log.Error("fill listener failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	return errs
}
