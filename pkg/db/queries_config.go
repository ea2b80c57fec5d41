package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ----------------------------------------
// Risk limits
// ----------------------------------------

const riskLimitColumns = `user_id, portfolio_id, max_daily_drawdown, max_weekly_drawdown,
	max_account_drawdown, max_position_size, max_symbol_exposure, max_sector_exposure,
	max_total_exposure, max_orders_per_hour, max_orders_per_day, max_open_positions,
	trading_start, trading_end, allow_extended_hours, updated_at`

// GetRiskLimit loads the limits of one (user, portfolio).
func (q *Queries) GetRiskLimit(ctx context.Context, userID, portfolioID string) (*RiskLimit, error) {
	var l RiskLimit
	err := q.queryRow(ctx, `
		SELECT `+riskLimitColumns+` FROM risk_limits WHERE user_id = ? AND portfolio_id = ?
	`, userID, portfolioID).Scan(
		&l.UserID, &l.PortfolioID, &l.MaxDailyDrawdown, &l.MaxWeeklyDrawdown,
		&l.MaxAccountDrawdown, &l.MaxPositionSize, &l.MaxSymbolExposure, &l.MaxSectorExposure,
		&l.MaxTotalExposure, &l.MaxOrdersPerHour, &l.MaxOrdersPerDay, &l.MaxOpenPositions,
		&l.TradingStart, &l.TradingEnd, &l.AllowExtendedHours, &l.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get risk limit: %w", err)
	}
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

func riskLimitArgs(l *RiskLimit) []any {
	return []any{
		l.UserID, l.PortfolioID, l.MaxDailyDrawdown, l.MaxWeeklyDrawdown,
		l.MaxAccountDrawdown, l.MaxPositionSize, l.MaxSymbolExposure, l.MaxSectorExposure,
		l.MaxTotalExposure, l.MaxOrdersPerHour, l.MaxOrdersPerDay, l.MaxOpenPositions,
		l.TradingStart, l.TradingEnd, l.AllowExtendedHours, l.UpdatedAt.UTC(),
	}
}

// InsertRiskLimitIfAbsent creates the row unless one already exists.
func (q *Queries) InsertRiskLimitIfAbsent(ctx context.Context, l *RiskLimit) error {
	_, err := q.exec(ctx, `
		INSERT INTO risk_limits (`+riskLimitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, portfolio_id) DO NOTHING
	`, riskLimitArgs(l)...)
	if err != nil {
		return fmt.Errorf("insert risk limit: %w", err)
	}
	return nil
}

// UpsertRiskLimit replaces the limits of one (user, portfolio).
func (q *Queries) UpsertRiskLimit(ctx context.Context, l *RiskLimit) error {
	_, err := q.exec(ctx, `
		INSERT INTO risk_limits (`+riskLimitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, portfolio_id) DO UPDATE SET
			max_daily_drawdown = excluded.max_daily_drawdown,
			max_weekly_drawdown = excluded.max_weekly_drawdown,
			max_account_drawdown = excluded.max_account_drawdown,
			max_position_size = excluded.max_position_size,
			max_symbol_exposure = excluded.max_symbol_exposure,
			max_sector_exposure = excluded.max_sector_exposure,
			max_total_exposure = excluded.max_total_exposure,
			max_orders_per_hour = excluded.max_orders_per_hour,
			max_orders_per_day = excluded.max_orders_per_day,
			max_open_positions = excluded.max_open_positions,
			trading_start = excluded.trading_start,
			trading_end = excluded.trading_end,
			allow_extended_hours = excluded.allow_extended_hours,
			updated_at = excluded.updated_at
	`, riskLimitArgs(l)...)
	if err != nil {
		return fmt.Errorf("upsert risk limit: %w", err)
	}
	return nil
}

// ----------------------------------------
// Exit rules
// ----------------------------------------

// GetExitRules loads a strategy's exit rules.
func (q *Queries) GetExitRules(ctx context.Context, strategyID string) (*ExitRules, error) {
	var r ExitRules
	err := q.queryRow(ctx, `
		SELECT strategy_id, stop_loss_pct, take_profit_pct, trailing_stop_pct,
			trailing_enabled, risk_reward_ratio, updated_at
		FROM strategy_exit_rules WHERE strategy_id = ?
	`, strategyID).Scan(
		&r.StrategyID, &r.StopLossPct, &r.TakeProfitPct, &r.TrailingStopPct,
		&r.TrailingEnabled, &r.RiskRewardRatio, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get exit rules %s: %w", strategyID, err)
	}
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// InsertExitRulesIfAbsent creates the row unless one already exists.
func (q *Queries) InsertExitRulesIfAbsent(ctx context.Context, r *ExitRules) error {
	_, err := q.exec(ctx, `
		INSERT INTO strategy_exit_rules (strategy_id, stop_loss_pct, take_profit_pct,
			trailing_stop_pct, trailing_enabled, risk_reward_ratio, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (strategy_id) DO NOTHING
	`, r.StrategyID, r.StopLossPct, r.TakeProfitPct, r.TrailingStopPct, r.TrailingEnabled, r.RiskRewardRatio, r.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert exit rules: %w", err)
	}
	return nil
}

// UpsertExitRules replaces a strategy's exit rules.
func (q *Queries) UpsertExitRules(ctx context.Context, r *ExitRules) error {
	_, err := q.exec(ctx, `
		INSERT INTO strategy_exit_rules (strategy_id, stop_loss_pct, take_profit_pct,
			trailing_stop_pct, trailing_enabled, risk_reward_ratio, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (strategy_id) DO UPDATE SET
			stop_loss_pct = excluded.stop_loss_pct,
			take_profit_pct = excluded.take_profit_pct,
			trailing_stop_pct = excluded.trailing_stop_pct,
			trailing_enabled = excluded.trailing_enabled,
			risk_reward_ratio = excluded.risk_reward_ratio,
			updated_at = excluded.updated_at
	`, r.StrategyID, r.StopLossPct, r.TakeProfitPct, r.TrailingStopPct, r.TrailingEnabled, r.RiskRewardRatio, r.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert exit rules: %w", err)
	}
	return nil
}

// ----------------------------------------
// Strategies
// ----------------------------------------

// UpsertStrategy registers or renames a strategy.
func (q *Queries) UpsertStrategy(ctx context.Context, s *Strategy) error {
	_, err := q.exec(ctx, `
		INSERT INTO strategies (id, name, is_active, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, is_active = excluded.is_active
	`, s.ID, s.Name, s.IsActive, s.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert strategy %s: %w", s.ID, err)
	}
	return nil
}

// StrategyExists reports whether an active strategy with id is registered.
func (q *Queries) StrategyExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM strategies WHERE id = ? AND is_active = ?`, id, true).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup strategy: %w", err)
	}
	return n > 0, nil
}

// ListStrategies returns every registered strategy.
func (q *Queries) ListStrategies(ctx context.Context) ([]Strategy, error) {
	rows, err := q.query(ctx, `SELECT id, name, is_active, created_at FROM strategies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		var s Strategy
		if err := rows.Scan(&s.ID, &s.Name, &s.IsActive, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
