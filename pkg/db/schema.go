package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Column type placeholders: {{DECIMAL}} and {{TS}} differ per dialect.
const schema = `
CREATE TABLE IF NOT EXISTS strategies (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at {{TS}} NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_exit_rules (
    strategy_id TEXT PRIMARY KEY,
    stop_loss_pct {{DECIMAL}} NOT NULL,
    take_profit_pct {{DECIMAL}} NOT NULL,
    trailing_stop_pct {{DECIMAL}} NOT NULL,
    trailing_enabled BOOLEAN NOT NULL DEFAULT FALSE,
    risk_reward_ratio {{DECIMAL}} NOT NULL,
    updated_at {{TS}} NOT NULL
);

CREATE TABLE IF NOT EXISTS signals (
    id TEXT PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    portfolio_id TEXT NOT NULL,
    strategy_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    action TEXT NOT NULL,
    quantity {{DECIMAL}},
    price {{DECIMAL}},
    stop_loss {{DECIMAL}},
    take_profit {{DECIMAL}},
    confidence {{DECIMAL}},
    reason TEXT,
    status TEXT NOT NULL,
    status_reason TEXT,
    approved_quantity {{DECIMAL}},
    created_at {{TS}} NOT NULL,
    updated_at {{TS}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_owner ON signals(user_id, portfolio_id, created_at);
CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status, created_at);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    broker_order_id TEXT UNIQUE,
    signal_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    portfolio_id TEXT NOT NULL,
    strategy_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity {{DECIMAL}} NOT NULL,
    order_type TEXT NOT NULL,
    limit_price {{DECIMAL}},
    stop_price {{DECIMAL}},
    status TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    next_attempt_at {{TS}},
    filled_quantity {{DECIMAL}} NOT NULL DEFAULT 0,
    filled_avg_price {{DECIMAL}},
    filled_at {{TS}},
    is_bracket_parent BOOLEAN NOT NULL DEFAULT FALSE,
    parent_order_id TEXT,
    leg TEXT,
    notes TEXT,
    created_at {{TS}} NOT NULL,
    updated_at {{TS}} NOT NULL,
    submitted_at {{TS}}
);
CREATE INDEX IF NOT EXISTS idx_orders_parent ON orders(parent_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status, created_at);
CREATE INDEX IF NOT EXISTS idx_orders_signal ON orders(signal_id);

CREATE TABLE IF NOT EXISTS risk_limits (
    user_id TEXT NOT NULL,
    portfolio_id TEXT NOT NULL,
    max_daily_drawdown {{DECIMAL}} NOT NULL,
    max_weekly_drawdown {{DECIMAL}} NOT NULL,
    max_account_drawdown {{DECIMAL}} NOT NULL,
    max_position_size {{DECIMAL}} NOT NULL,
    max_symbol_exposure {{DECIMAL}} NOT NULL,
    max_sector_exposure {{DECIMAL}} NOT NULL,
    max_total_exposure {{DECIMAL}} NOT NULL,
    max_orders_per_hour INTEGER NOT NULL,
    max_orders_per_day INTEGER NOT NULL,
    max_open_positions INTEGER NOT NULL,
    trading_start TEXT NOT NULL,
    trading_end TEXT NOT NULL,
    allow_extended_hours BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at {{TS}} NOT NULL,
    PRIMARY KEY (user_id, portfolio_id)
);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    portfolio_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    quantity {{DECIMAL}} NOT NULL,
    entry_price {{DECIMAL}} NOT NULL,
    exit_price {{DECIMAL}},
    entry_order_id TEXT NOT NULL UNIQUE,
    exit_order_id TEXT,
    status TEXT NOT NULL,
    realized_pnl {{DECIMAL}} NOT NULL DEFAULT 0,
    opened_at {{TS}} NOT NULL,
    closed_at {{TS}}
);
CREATE INDEX IF NOT EXISTS idx_trades_owner ON trades(user_id, portfolio_id, status);

CREATE TABLE IF NOT EXISTS ledger_fills (
    order_id TEXT PRIMARY KEY,
    recorded_at {{TS}} NOT NULL
);
`

func renderSchema(d Dialect) string {
	decimalType, tsType := "TEXT", "TIMESTAMP"
	if d == DialectPostgres {
		decimalType, tsType = "NUMERIC(24,8)", "TIMESTAMPTZ"
	}
	r := strings.NewReplacer("{{DECIMAL}}", decimalType, "{{TS}}", tsType)
	return r.Replace(schema)
}

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	ctx := context.Background()

	for _, stmt := range strings.Split(renderSchema(d.Dialect), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := d.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	// Idempotent column additions for databases created by earlier builds.
	if err := ensureColumn(ctx, d, "orders", "leg", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(ctx, d, "orders", "next_attempt_at", tsColumn(d.Dialect)); err != nil {
		return err
	}
	return nil
}

func tsColumn(d Dialect) string {
	if d == DialectPostgres {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(ctx context.Context, d *Database, table, column, definition string) error {
	exists, err := columnExists(ctx, d, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := d.DB.ExecContext(ctx, alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(ctx context.Context, d *Database, table, column string) (bool, error) {
	if d.Dialect == DialectPostgres {
		var n int
		err := d.DB.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM information_schema.columns
			WHERE table_name = $1 AND column_name = $2
		`, table, column).Scan(&n)
		if err != nil {
			return false, fmt.Errorf("information_schema(%s): %w", table, err)
		}
		return n > 0, nil
	}

	rows, err := d.DB.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
