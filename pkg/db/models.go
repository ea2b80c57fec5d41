package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal actions.
const (
	ActionBuy        = "buy"
	ActionSell       = "sell"
	ActionLongEntry  = "long_entry"
	ActionLongExit   = "long_exit"
	ActionShortEntry = "short_entry"
	ActionShortExit  = "short_exit"
)

// Signal statuses.
const (
	SignalPending        = "pending"
	SignalValidated      = "validated"
	SignalRejected       = "rejected"
	SignalBracketCreated = "bracket_created"
	SignalBracketFailed  = "bracket_failed"
	SignalProcessing     = "processing"
	SignalExecuted       = "executed"
	SignalError          = "error"
)

// Order statuses.
const (
	OrderNew             = "new"
	OrderSent            = "sent"
	OrderAccepted        = "accepted"
	OrderPartiallyFilled = "partially_filled"
	OrderFilled          = "filled"
	OrderCanceled        = "canceled"
	OrderRejected        = "rejected"
	OrderPendingParent   = "pending_parent"
	OrderError           = "error"
)

// Bracket legs.
const (
	LegStopLoss   = "stop_loss"
	LegTakeProfit = "take_profit"
)

// Trade statuses.
const (
	TradeOpen   = "open"
	TradeClosed = "closed"
)

// ActiveOrderStatuses are live at the broker.
var ActiveOrderStatuses = []string{OrderSent, OrderAccepted, OrderPartiallyFilled}

// Signal is a canonical trade intent.
type Signal struct {
	ID               string              `json:"id"`
	IdempotencyKey   string              `json:"idempotency_key"`
	UserID           string              `json:"user_id"`
	PortfolioID      string              `json:"portfolio_id"`
	StrategyID       string              `json:"strategy_id"`
	Symbol           string              `json:"symbol"`
	Action           string              `json:"action"`
	Quantity         decimal.NullDecimal `json:"quantity"`
	Price            decimal.NullDecimal `json:"price"`
	StopLoss         decimal.NullDecimal `json:"stop_loss"`
	TakeProfit       decimal.NullDecimal `json:"take_profit"`
	Confidence       decimal.NullDecimal `json:"confidence"`
	Reason           string              `json:"reason"`
	Status           string              `json:"status"`
	StatusReason     string              `json:"status_reason"`
	ApprovedQuantity decimal.NullDecimal `json:"approved_quantity"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// IsEntry reports whether the action opens a position.
func (s Signal) IsEntry() bool {
	switch s.Action {
	case ActionBuy, ActionLongEntry, ActionShortEntry:
		return true
	}
	return false
}

// Side maps the signal action to an order side.
func (s Signal) Side() string {
	switch s.Action {
	case ActionSell, ActionLongExit, ActionShortEntry:
		return "sell"
	}
	return "buy"
}

// Order is one broker order. Bracket links are stored as ids only.
type Order struct {
	ID              string              `json:"id"`
	BrokerOrderID   string              `json:"broker_order_id,omitempty"`
	SignalID        string              `json:"signal_id"`
	UserID          string              `json:"user_id"`
	PortfolioID     string              `json:"portfolio_id"`
	StrategyID      string              `json:"strategy_id"`
	Symbol          string              `json:"symbol"`
	Side            string              `json:"side"`
	Quantity        decimal.Decimal     `json:"quantity"`
	Type            string              `json:"order_type"`
	LimitPrice      decimal.NullDecimal `json:"limit_price"`
	StopPrice       decimal.NullDecimal `json:"stop_price"`
	Status          string              `json:"status"`
	RetryCount      int                 `json:"retry_count"`
	LastError       string              `json:"last_error,omitempty"`
	NextAttemptAt   *time.Time          `json:"next_attempt_at,omitempty"`
	FilledQuantity  decimal.Decimal     `json:"filled_quantity"`
	FilledAvgPrice  decimal.NullDecimal `json:"filled_avg_price"`
	FilledAt        *time.Time          `json:"filled_at,omitempty"`
	IsBracketParent bool                `json:"is_bracket_parent"`
	ParentOrderID   string              `json:"parent_order_id,omitempty"`
	Leg             string              `json:"leg,omitempty"`
	Notes           string              `json:"notes,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	SubmittedAt     *time.Time          `json:"submitted_at,omitempty"`
}

// IsActive reports whether the order is live at the broker.
func (o *Order) IsActive() bool {
	switch o.Status {
	case OrderSent, OrderAccepted, OrderPartiallyFilled:
		return true
	}
	return false
}

// IsTerminal reports whether the order can no longer change.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderFilled, OrderCanceled, OrderRejected, OrderError:
		return true
	}
	return false
}

// IsChild reports whether the order is a bracket exit leg.
func (o *Order) IsChild() bool { return o.ParentOrderID != "" }

// Touch stamps the modification time.
func (o *Order) Touch(t time.Time) { o.UpdatedAt = t.UTC() }

// AppendNote adds a line to the order's audit notes.
func (o *Order) AppendNote(note string) {
	if o.Notes == "" {
		o.Notes = note
		return
	}
	o.Notes += "; " + note
}

// RiskLimit is the admission-control configuration of one (user, portfolio).
type RiskLimit struct {
	UserID             string          `json:"user_id"`
	PortfolioID        string          `json:"portfolio_id"`
	MaxDailyDrawdown   decimal.Decimal `json:"max_daily_drawdown"`
	MaxWeeklyDrawdown  decimal.Decimal `json:"max_weekly_drawdown"`
	MaxAccountDrawdown decimal.Decimal `json:"max_account_drawdown"`
	MaxPositionSize    decimal.Decimal `json:"max_position_size"`
	MaxSymbolExposure  decimal.Decimal `json:"max_symbol_exposure"`
	MaxSectorExposure  decimal.Decimal `json:"max_sector_exposure"`
	MaxTotalExposure   decimal.Decimal `json:"max_total_exposure"`
	MaxOrdersPerHour   int             `json:"max_orders_per_hour"`
	MaxOrdersPerDay    int             `json:"max_orders_per_day"`
	MaxOpenPositions   int             `json:"max_open_positions"`
	TradingStart       string          `json:"trading_start"` // HH:MM exchange time
	TradingEnd         string          `json:"trading_end"`
	AllowExtendedHours bool            `json:"allow_extended_hours"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ExitRules prices the exit legs of a strategy's brackets.
type ExitRules struct {
	StrategyID      string          `json:"strategy_id"`
	StopLossPct     decimal.Decimal `json:"stop_loss_pct"`
	TakeProfitPct   decimal.Decimal `json:"take_profit_pct"`
	TrailingStopPct decimal.Decimal `json:"trailing_stop_pct"`
	TrailingEnabled bool            `json:"trailing_enabled"`
	RiskRewardRatio decimal.Decimal `json:"risk_reward_ratio"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Strategy is a registered signal source.
type Strategy struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Trade is an open or closed position created by an entry fill.
type Trade struct {
	ID           string              `json:"id"`
	UserID       string              `json:"user_id"`
	PortfolioID  string              `json:"portfolio_id"`
	Symbol       string              `json:"symbol"`
	Direction    string              `json:"direction"` // long | short
	Quantity     decimal.Decimal     `json:"quantity"`
	EntryPrice   decimal.Decimal     `json:"entry_price"`
	ExitPrice    decimal.NullDecimal `json:"exit_price"`
	EntryOrderID string              `json:"entry_order_id"`
	ExitOrderID  string              `json:"exit_order_id,omitempty"`
	Status       string              `json:"status"`
	RealizedPnL  decimal.Decimal     `json:"realized_pnl"`
	OpenedAt     time.Time           `json:"opened_at"`
	ClosedAt     *time.Time          `json:"closed_at,omitempty"`
}
