package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const tradeColumns = `id, user_id, portfolio_id, symbol, direction, quantity, entry_price,
	exit_price, entry_order_id, exit_order_id, status, realized_pnl, opened_at, closed_at`

func scanTrade(s rowScanner) (*Trade, error) {
	var (
		t        Trade
		exitID   sql.NullString
		closedAt sql.NullTime
	)
	err := s.Scan(
		&t.ID, &t.UserID, &t.PortfolioID, &t.Symbol, &t.Direction, &t.Quantity, &t.EntryPrice,
		&t.ExitPrice, &t.EntryOrderID, &exitID, &t.Status, &t.RealizedPnL, &t.OpenedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ExitOrderID = exitID.String
	t.ClosedAt = timePtr(closedAt)
	t.OpenedAt = t.OpenedAt.UTC()
	return &t, nil
}

func (q *Queries) listTrades(ctx context.Context, query string, args ...any) ([]*Trade, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// InsertTrade records an opened position. One trade per entry order.
func (q *Queries) InsertTrade(ctx context.Context, t *Trade) error {
	_, err := q.exec(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.UserID, t.PortfolioID, t.Symbol, t.Direction, t.Quantity, t.EntryPrice,
		t.ExitPrice, t.EntryOrderID, nullString(t.ExitOrderID), t.Status, t.RealizedPnL, t.OpenedAt.UTC(), nullTime(t.ClosedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// CloseTrade stores the exit side of a trade.
func (q *Queries) CloseTrade(ctx context.Context, t *Trade) error {
	_, err := q.exec(ctx, `
		UPDATE trades SET exit_price = ?, exit_order_id = ?, status = ?, realized_pnl = ?, closed_at = ?
		WHERE id = ?
	`, t.ExitPrice, nullString(t.ExitOrderID), t.Status, t.RealizedPnL, nullTime(t.ClosedAt), t.ID)
	if err != nil {
		return fmt.Errorf("close trade %s: %w", t.ID, err)
	}
	return nil
}

// TradeByEntryOrder loads the trade opened by an entry order.
func (q *Queries) TradeByEntryOrder(ctx context.Context, orderID string) (*Trade, error) {
	t, err := scanTrade(q.queryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE entry_order_id = ?`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade: %w", err)
	}
	return t, nil
}

// OldestOpenTrade returns the first open trade for an owner, symbol and direction.
func (q *Queries) OldestOpenTrade(ctx context.Context, userID, portfolioID, symbol, direction string) (*Trade, error) {
	t, err := scanTrade(q.queryRow(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE user_id = ? AND portfolio_id = ? AND symbol = ? AND direction = ? AND status = ?
		ORDER BY opened_at, id
		LIMIT 1
	`, userID, portfolioID, symbol, direction, TradeOpen))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get open trade: %w", err)
	}
	return t, nil
}

// OpenTrades returns an owner's open trades.
func (q *Queries) OpenTrades(ctx context.Context, userID, portfolioID string) ([]*Trade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return q.listTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE user_id = ? AND portfolio_id = ? AND status = ?
		ORDER BY opened_at, id
	`, userID, portfolioID, TradeOpen)
}

// RealizedPnLSince sums realized PnL of trades closed at or after since.
func (q *Queries) RealizedPnLSince(ctx context.Context, userID, portfolioID string, since time.Time) (decimal.Decimal, error) {
	trades, err := q.listTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE user_id = ? AND portfolio_id = ? AND status = ? AND closed_at >= ?
	`, userID, portfolioID, TradeClosed, since.UTC())
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.RealizedPnL)
	}
	return total, nil
}

// RecordFill marks an order's fill as applied to the ledger. It reports false
// when the fill was already recorded.
func (q *Queries) RecordFill(ctx context.Context, orderID string, at time.Time) (bool, error) {
	res, err := q.exec(ctx, `
		INSERT INTO ledger_fills (order_id, recorded_at) VALUES (?, ?)
		ON CONFLICT (order_id) DO NOTHING
	`, orderID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("record fill %s: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record fill %s: %w", orderID, err)
	}
	return n == 1, nil
}

// UnrecordedFills returns filled orders last touched at or before cutoff
// whose fill never reached the ledger, oldest fill first.
func (q *Queries) UnrecordedFills(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	return q.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = ? AND updated_at <= ?
		  AND NOT EXISTS (SELECT 1 FROM ledger_fills f WHERE f.order_id = orders.id)
		ORDER BY COALESCE(filled_at, updated_at), id
		LIMIT ?
	`, OrderFilled, cutoff.UTC(), limit)
}
