// Package position keeps the trades table in step with order fills.
package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/pkg/db"
)

const (
	Long  = "long"
	Short = "short"
)

var (
	// ErrNoFillPrice is returned for a fill that carries no usable price.
	ErrNoFillPrice = errors.New("fill has no price")
	// ErrEntryNotRecorded is returned when a bracket leg fills before its
	// entry reached the ledger. The leg stays unrecorded and is replayed.
	ErrEntryNotRecorded = errors.New("entry fill not recorded")
)

// CalculatePnL returns the realized PnL of closing qty of a position opened
// at entry in direction, at exit.
func CalculatePnL(direction string, qty, entry, exit decimal.Decimal) decimal.Decimal {
	q := qty.Abs()
	if q.IsZero() {
		return decimal.Zero
	}
	if direction == Short {
		return entry.Sub(exit).Mul(q)
	}
	return exit.Sub(entry).Mul(q)
}

// Ledger opens a trade for every filled entry and closes it when the
// matching exit fills.
type Ledger struct {
	db  *db.Database
	log *zap.Logger
	now func() time.Time

	mu sync.Mutex
}

// NewLedger builds a ledger writing trades to database.
func NewLedger(database *db.Database, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: database, log: logger.Named("position"), now: time.Now}
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// OnOrderFilled records o's fill. Bracket legs close the trade of their
// parent; other orders open or close by their signal's action. Each fill is
// applied once: the fill marker and the trade change commit together, so a
// failed write leaves the fill unrecorded for a later replay.
func (l *Ledger) OnOrderFilled(ctx context.Context, o *db.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	price, err := fillPrice(o)
	if err != nil {
		return fmt.Errorf("order %s: %w", o.ID, err)
	}
	qty := o.FilledQuantity
	if !qty.IsPositive() {
		qty = o.Quantity
	}

	return l.db.WithTx(ctx, func(q *db.Queries) error {
		fresh, err := q.RecordFill(ctx, o.ID, l.now())
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}
		return l.apply(ctx, q, o, qty, price)
	})
}

func (l *Ledger) apply(ctx context.Context, q *db.Queries, o *db.Order, qty, price decimal.Decimal) error {
	if o.IsChild() {
		return l.closeByEntry(ctx, q, o.ParentOrderID, o, qty, price)
	}
	if o.IsBracketParent {
		return l.open(ctx, q, o, qty, price)
	}

	entry := true
	sig, err := q.GetSignal(ctx, o.SignalID)
	switch {
	case err == nil:
		entry = sig.IsEntry()
	case !errors.Is(err, db.ErrNotFound):
		return err
	}
	if entry {
		return l.open(ctx, q, o, qty, price)
	}
	// An exit sell closes a long; an exit buy closes a short.
	direction := Long
	if o.Side == "buy" {
		direction = Short
	}
	return l.closeOldest(ctx, q, o, direction, qty, price)
}

func fillPrice(o *db.Order) (decimal.Decimal, error) {
	switch {
	case o.FilledAvgPrice.Valid && o.FilledAvgPrice.Decimal.IsPositive():
		return o.FilledAvgPrice.Decimal, nil
	case o.StopPrice.Valid && o.StopPrice.Decimal.IsPositive():
		return o.StopPrice.Decimal, nil
	case o.LimitPrice.Valid && o.LimitPrice.Decimal.IsPositive():
		return o.LimitPrice.Decimal, nil
	}
	return decimal.Zero, ErrNoFillPrice
}

func (l *Ledger) open(ctx context.Context, q *db.Queries, o *db.Order, qty, price decimal.Decimal) error {
	switch _, err := q.TradeByEntryOrder(ctx, o.ID); {
	case err == nil:
		return nil
	case !errors.Is(err, db.ErrNotFound):
		return err
	}
	direction := Long
	if o.Side == "sell" {
		direction = Short
	}
	t := &db.Trade{
		ID:           uuid.NewString(),
		UserID:       o.UserID,
		PortfolioID:  o.PortfolioID,
		Symbol:       o.Symbol,
		Direction:    direction,
		Quantity:     qty,
		EntryPrice:   price,
		EntryOrderID: o.ID,
		Status:       db.TradeOpen,
		RealizedPnL:  decimal.Zero,
		OpenedAt:     l.now().UTC(),
	}
	if err := q.InsertTrade(ctx, t); err != nil {
		return err
	}
	l.log.Info("trade opened",
		zap.String("trade_id", t.ID),
		zap.String("order_id", o.ID),
		zap.String("symbol", t.Symbol),
		zap.String("direction", direction),
		zap.String("qty", qty.String()),
		zap.String("price", price.String()),
	)
	return nil
}

func (l *Ledger) closeByEntry(ctx context.Context, q *db.Queries, entryOrderID string, exit *db.Order, qty, price decimal.Decimal) error {
	t, err := q.TradeByEntryOrder(ctx, entryOrderID)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: entry order %s", ErrEntryNotRecorded, entryOrderID)
	}
	if err != nil {
		return err
	}
	return l.close(ctx, q, t, exit, qty, price)
}

func (l *Ledger) closeOldest(ctx context.Context, q *db.Queries, exit *db.Order, direction string, qty, price decimal.Decimal) error {
	t, err := q.OldestOpenTrade(ctx, exit.UserID, exit.PortfolioID, exit.Symbol, direction)
	if errors.Is(err, db.ErrNotFound) {
		l.log.Warn("exit fill without an open trade", zap.String("order_id", exit.ID), zap.String("symbol", exit.Symbol))
		return nil
	}
	if err != nil {
		return err
	}
	return l.close(ctx, q, t, exit, qty, price)
}

// close realizes PnL on the exited quantity, capped at the trade's size, and
// closes the trade.
func (l *Ledger) close(ctx context.Context, q *db.Queries, t *db.Trade, exit *db.Order, qty, price decimal.Decimal) error {
	if t.Status == db.TradeClosed {
		return nil
	}
	if qty.GreaterThan(t.Quantity) {
		qty = t.Quantity
	}
	closedAt := l.now().UTC()
	t.ExitPrice = decimal.NewNullDecimal(price)
	t.ExitOrderID = exit.ID
	t.Status = db.TradeClosed
	t.RealizedPnL = CalculatePnL(t.Direction, qty, t.EntryPrice, price)
	t.ClosedAt = &closedAt
	if err := q.CloseTrade(ctx, t); err != nil {
		return err
	}
	l.log.Info("trade closed",
		zap.String("trade_id", t.ID),
		zap.String("exit_order_id", exit.ID),
		zap.String("symbol", t.Symbol),
		zap.String("pnl", t.RealizedPnL.String()),
	)
	return nil
}
