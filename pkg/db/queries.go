package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrUserIDRequired guards owner-scoped listings.
var ErrUserIDRequired = errors.New("user_id is required for data isolation")

const orderColumns = `id, broker_order_id, signal_id, user_id, portfolio_id, strategy_id,
	symbol, side, quantity, order_type, limit_price, stop_price, status, retry_count,
	last_error, next_attempt_at, filled_quantity, filled_avg_price, filled_at,
	is_bracket_parent, parent_order_id, leg, notes, created_at, updated_at, submitted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(s rowScanner) (*Order, error) {
	var (
		o                                       Order
		brokerID, lastErr, parentID, leg, notes sql.NullString
		nextAttemptAt, filledAt, submittedAt    sql.NullTime
	)
	err := s.Scan(
		&o.ID, &brokerID, &o.SignalID, &o.UserID, &o.PortfolioID, &o.StrategyID,
		&o.Symbol, &o.Side, &o.Quantity, &o.Type, &o.LimitPrice, &o.StopPrice, &o.Status, &o.RetryCount,
		&lastErr, &nextAttemptAt, &o.FilledQuantity, &o.FilledAvgPrice, &filledAt,
		&o.IsBracketParent, &parentID, &leg, &notes, &o.CreatedAt, &o.UpdatedAt, &submittedAt,
	)
	if err != nil {
		return nil, err
	}
	o.BrokerOrderID = brokerID.String
	o.LastError = lastErr.String
	o.ParentOrderID = parentID.String
	o.Leg = leg.String
	o.Notes = notes.String
	o.NextAttemptAt = timePtr(nextAttemptAt)
	o.FilledAt = timePtr(filledAt)
	o.SubmittedAt = timePtr(submittedAt)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func (q *Queries) listOrders(ctx context.Context, query string, args ...any) ([]*Order, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// InsertOrder persists a new order row.
func (q *Queries) InsertOrder(ctx context.Context, o *Order) error {
	_, err := q.exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, nullString(o.BrokerOrderID), o.SignalID, o.UserID, o.PortfolioID, o.StrategyID,
		o.Symbol, o.Side, o.Quantity, o.Type, o.LimitPrice, o.StopPrice, o.Status, o.RetryCount,
		nullString(o.LastError), nullTime(o.NextAttemptAt), o.FilledQuantity, o.FilledAvgPrice, nullTime(o.FilledAt),
		o.IsBracketParent, nullString(o.ParentOrderID), nullString(o.Leg), nullString(o.Notes),
		o.CreatedAt.UTC(), o.UpdatedAt.UTC(), nullTime(o.SubmittedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert order %s: %w", o.ID, ErrDuplicate)
		}
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrder writes back every mutable column of o.
func (q *Queries) UpdateOrder(ctx context.Context, o *Order) error {
	res, err := q.exec(ctx, `
		UPDATE orders SET
			broker_order_id = ?, quantity = ?, order_type = ?, limit_price = ?, stop_price = ?,
			status = ?, retry_count = ?, last_error = ?, next_attempt_at = ?,
			filled_quantity = ?, filled_avg_price = ?, filled_at = ?,
			is_bracket_parent = ?, parent_order_id = ?, leg = ?, notes = ?,
			updated_at = ?, submitted_at = ?
		WHERE id = ?
	`,
		nullString(o.BrokerOrderID), o.Quantity, o.Type, o.LimitPrice, o.StopPrice,
		o.Status, o.RetryCount, nullString(o.LastError), nullTime(o.NextAttemptAt),
		o.FilledQuantity, o.FilledAvgPrice, nullTime(o.FilledAt),
		o.IsBracketParent, nullString(o.ParentOrderID), nullString(o.Leg), nullString(o.Notes),
		o.UpdatedAt.UTC(), nullTime(o.SubmittedAt),
		o.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update order %s: %w", o.ID, ErrDuplicate)
		}
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOrder loads one order without locking it.
func (q *Queries) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(q.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

// LockOrder loads one order and holds its row lock until the enclosing
// transaction ends. On SQLite the immediate transaction already holds the
// database write lock.
func (q *Queries) LockOrder(ctx context.Context, id string) (*Order, error) {
	stmt := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`
	if q.dialect == DialectPostgres {
		stmt += ` FOR UPDATE`
	}
	o, err := scanOrder(q.queryRow(ctx, stmt, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", id, err)
	}
	return o, nil
}

// ListDueOrders returns the oldest new orders whose retry back-off has elapsed.
func (q *Queries) ListDueOrders(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	return q.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at, id
		LIMIT ?
	`, OrderNew, now.UTC(), limit)
}

// ListTrackedOrders returns live orders that carry a broker id.
func (q *Queries) ListTrackedOrders(ctx context.Context) ([]*Order, error) {
	in, args := inList(ActiveOrderStatuses)
	return q.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN (`+in+`) AND broker_order_id IS NOT NULL
		ORDER BY created_at, id
	`, args...)
}

// ChildrenOf returns the exit legs of a bracket parent, stop leg first.
func (q *Queries) ChildrenOf(ctx context.Context, parentID string) ([]*Order, error) {
	return q.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE parent_order_id = ?
		ORDER BY leg, created_at, id
	`, parentID)
}

// OrdersBySignal returns every order created for a signal.
func (q *Queries) OrdersBySignal(ctx context.Context, signalID string) ([]*Order, error) {
	return q.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE signal_id = ?
		ORDER BY created_at, id
	`, signalID)
}

// OrdersByUser returns a user's most recent orders.
func (q *Queries) OrdersByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	return q.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`, userID, limit)
}

// FilledParentsAwaitingActivation returns bracket parents filled before
// cutoff that still have pending_parent children.
func (q *Queries) FilledParentsAwaitingActivation(ctx context.Context, cutoff time.Time) ([]*Order, error) {
	return q.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE is_bracket_parent = ? AND status = ?
		  AND COALESCE(filled_at, updated_at) <= ?
		  AND EXISTS (SELECT 1 FROM orders c WHERE c.parent_order_id = orders.id AND c.status = ?)
		ORDER BY created_at, id
	`, true, OrderFilled, cutoff.UTC(), OrderPendingParent)
}

// StaleChildren returns exit legs in the given statuses not touched since cutoff.
func (q *Queries) StaleChildren(ctx context.Context, statuses []string, cutoff time.Time) ([]*Order, error) {
	in, args := inList(statuses)
	args = append(args, cutoff.UTC())
	return q.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE parent_order_id IS NOT NULL AND status IN (`+in+`) AND updated_at <= ?
		ORDER BY updated_at, id
	`, args...)
}

// ParentsWithFilledChild returns ids of parents that have at least one filled leg.
func (q *Queries) ParentsWithFilledChild(ctx context.Context) ([]string, error) {
	rows, err := q.query(ctx, `
		SELECT DISTINCT parent_order_id FROM orders
		WHERE parent_order_id IS NOT NULL AND status = ?
		ORDER BY parent_order_id
	`, OrderFilled)
	if err != nil {
		return nil, fmt.Errorf("query filled children: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// OrphanChildren returns legs whose parent is missing or not a bracket parent.
func (q *Queries) OrphanChildren(ctx context.Context) ([]*Order, error) {
	return q.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE parent_order_id IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM orders p
			WHERE p.id = orders.parent_order_id AND p.is_bracket_parent = ?
		  )
		ORDER BY created_at, id
	`, true)
}

// ChildlessParents returns orders flagged as bracket parents with no legs.
func (q *Queries) ChildlessParents(ctx context.Context) ([]*Order, error) {
	return q.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE is_bracket_parent = ?
		  AND NOT EXISTS (SELECT 1 FROM orders c WHERE c.parent_order_id = orders.id)
		ORDER BY created_at, id
	`, true)
}

// ActiveBracketParents returns a user's parents with at least one non-terminal leg.
func (q *Queries) ActiveBracketParents(ctx context.Context, userID string) ([]*Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return q.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE is_bracket_parent = ? AND user_id = ?
		  AND EXISTS (
			SELECT 1 FROM orders c WHERE c.parent_order_id = orders.id
			AND c.status IN (?, ?, ?, ?, ?)
		  )
		ORDER BY created_at DESC, id
	`, true, userID, OrderPendingParent, OrderNew, OrderSent, OrderAccepted, OrderPartiallyFilled)
}

// BracketParentsSince returns bracket parents created at or after since.
func (q *Queries) BracketParentsSince(ctx context.Context, since time.Time) ([]*Order, error) {
	return q.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE is_bracket_parent = ? AND created_at >= ?
		ORDER BY created_at, id
	`, true, since.UTC())
}

// ActiveStopLegs returns live stop-loss legs.
func (q *Queries) ActiveStopLegs(ctx context.Context) ([]*Order, error) {
	return q.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE leg = ? AND status IN (?, ?)
		ORDER BY created_at, id
	`, LegStopLoss, OrderSent, OrderAccepted)
}

// CountInFlightEntries counts non-leg orders for an owner that are not yet terminal.
func (q *Queries) CountInFlightEntries(ctx context.Context, userID, portfolioID string) (int, error) {
	var n int
	err := q.queryRow(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE user_id = ? AND portfolio_id = ? AND parent_order_id IS NULL
		  AND status IN (?, ?, ?, ?)
	`, userID, portfolioID, OrderNew, OrderSent, OrderAccepted, OrderPartiallyFilled).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-flight orders: %w", err)
	}
	return n, nil
}

// CancelStaleNewOrders cancels never-submitted orders created before cutoff.
func (q *Queries) CancelStaleNewOrders(ctx context.Context, cutoff, now time.Time, note string) (int64, error) {
	res, err := q.exec(ctx, `
		UPDATE orders SET status = ?, last_error = ?, updated_at = ?
		WHERE status = ? AND created_at < ?
	`, OrderCanceled, note, now.UTC(), OrderNew, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("cancel stale orders: %w", err)
	}
	return res.RowsAffected()
}

// CancelDeadParentChildren cancels pending legs whose parent ended without a fill.
func (q *Queries) CancelDeadParentChildren(ctx context.Context, now time.Time, note string) (int64, error) {
	res, err := q.exec(ctx, `
		UPDATE orders SET status = ?, notes = ?, updated_at = ?
		WHERE status = ? AND parent_order_id IN (
			SELECT id FROM orders WHERE is_bracket_parent = ? AND status IN (?, ?, ?)
		)
	`, OrderCanceled, note, now.UTC(), OrderPendingParent, true, OrderCanceled, OrderRejected, OrderError)
	if err != nil {
		return 0, fmt.Errorf("cancel dead-parent legs: %w", err)
	}
	return res.RowsAffected()
}
