package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const signalColumns = `id, idempotency_key, user_id, portfolio_id, strategy_id, symbol, action,
	quantity, price, stop_loss, take_profit, confidence, reason, status, status_reason,
	approved_quantity, created_at, updated_at`

func scanSignal(s rowScanner) (*Signal, error) {
	var (
		sig                  Signal
		reason, statusReason sql.NullString
	)
	err := s.Scan(
		&sig.ID, &sig.IdempotencyKey, &sig.UserID, &sig.PortfolioID, &sig.StrategyID, &sig.Symbol, &sig.Action,
		&sig.Quantity, &sig.Price, &sig.StopLoss, &sig.TakeProfit, &sig.Confidence, &reason, &sig.Status, &statusReason,
		&sig.ApprovedQuantity, &sig.CreatedAt, &sig.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sig.Reason = reason.String
	sig.StatusReason = statusReason.String
	sig.CreatedAt = sig.CreatedAt.UTC()
	sig.UpdatedAt = sig.UpdatedAt.UTC()
	return &sig, nil
}

// InsertSignal persists a signal. A reused idempotency key yields ErrDuplicate.
func (q *Queries) InsertSignal(ctx context.Context, s *Signal) error {
	_, err := q.exec(ctx, `
		INSERT INTO signals (`+signalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID, s.IdempotencyKey, s.UserID, s.PortfolioID, s.StrategyID, s.Symbol, s.Action,
		s.Quantity, s.Price, s.StopLoss, s.TakeProfit, s.Confidence, nullString(s.Reason), s.Status, nullString(s.StatusReason),
		s.ApprovedQuantity, s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// GetSignal loads a signal by id.
func (q *Queries) GetSignal(ctx context.Context, id string) (*Signal, error) {
	s, err := scanSignal(q.queryRow(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get signal %s: %w", id, err)
	}
	return s, nil
}

// SignalKeyExists reports whether a signal with the idempotency key exists.
func (q *Queries) SignalKeyExists(ctx context.Context, key string) (bool, error) {
	var n int
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM signals WHERE idempotency_key = ?`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup signal key: %w", err)
	}
	return n > 0, nil
}

// UpdateSignalStatus moves a signal to status with an optional reason.
func (q *Queries) UpdateSignalStatus(ctx context.Context, id, status, reason string, now time.Time) error {
	res, err := q.exec(ctx, `
		UPDATE signals SET status = ?, status_reason = ?, updated_at = ? WHERE id = ?
	`, status, nullString(reason), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("update signal %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSignal writes back status, reason and approved quantity.
func (q *Queries) UpdateSignal(ctx context.Context, s *Signal) error {
	res, err := q.exec(ctx, `
		UPDATE signals SET status = ?, status_reason = ?, approved_quantity = ?, updated_at = ?
		WHERE id = ?
	`, s.Status, nullString(s.StatusReason), s.ApprovedQuantity, s.UpdatedAt.UTC(), s.ID)
	if err != nil {
		return fmt.Errorf("update signal %s: %w", s.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountSignalsSince counts an owner's signals in statuses created at or after since.
func (q *Queries) CountSignalsSince(ctx context.Context, userID, portfolioID string, statuses []string, since time.Time) (int, error) {
	in, args := inList(statuses)
	args = append([]any{userID, portfolioID}, args...)
	args = append(args, since.UTC())

	var n int
	err := q.queryRow(ctx, `
		SELECT COUNT(*) FROM signals
		WHERE user_id = ? AND portfolio_id = ? AND status IN (`+in+`) AND created_at >= ?
	`, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count signals: %w", err)
	}
	return n, nil
}

// FailStaleSignals moves signals stuck in statuses since before cutoff to error.
func (q *Queries) FailStaleSignals(ctx context.Context, statuses []string, cutoff, now time.Time, reason string) (int64, error) {
	in, args := inList(statuses)
	args = append([]any{SignalError, reason, now.UTC()}, args...)
	args = append(args, cutoff.UTC())

	res, err := q.exec(ctx, `
		UPDATE signals SET status = ?, status_reason = ?, updated_at = ?
		WHERE status IN (`+in+`) AND created_at < ?
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("fail stale signals: %w", err)
	}
	return res.RowsAffected()
}
