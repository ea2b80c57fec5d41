package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/db"
)

// ExecutionResult represents the outcome of one order execution.
type ExecutionResult struct {
	OrderID        string        `json:"order_id"`
	Success        bool          `json:"success"`
	BrokerOrderID  string        `json:"broker_order_id,omitempty"`
	RetryScheduled bool          `json:"retry_scheduled"`
	RetryAfter     time.Duration `json:"retry_after,omitempty"`
	// Skipped is set when the order was no longer new once its lock was held.
	Skipped  bool          `json:"skipped,omitempty"`
	Status   string        `json:"status"`
	Err      error         `json:"-"`
	ErrorMsg string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency"`
}

func (r *ExecutionResult) fail(err error) {
	r.Success = false
	r.Err = err
	if err != nil {
		r.ErrorMsg = err.Error()
	}
}

// BatchResult summarizes one ProcessPendingOrders run.
type BatchResult struct {
	Picked    int               `json:"picked"`
	Submitted int               `json:"submitted"`
	Retrying  int               `json:"retrying"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	Results   []ExecutionResult `json:"results"`
}

// FillResult summarizes one UpdateOrderFills run.
type FillResult struct {
	Checked int      `json:"checked"`
	Updated int      `json:"updated"`
	Filled  int      `json:"filled"`
	Errors  []string `json:"errors,omitempty"`
}

// CleanupResult summarizes one Cleanup run.
type CleanupResult struct {
	OrdersExpired int64 `json:"orders_expired"`
	LegsCanceled  int64 `json:"legs_canceled"`
	SignalsFailed int64 `json:"signals_failed"`
}

// FillListener is notified after an order's transition to filled is committed.
type FillListener interface {
	OnOrderFilled(ctx context.Context, o *db.Order) error
}

// FillListenerFunc adapts a function to FillListener.
type FillListenerFunc func(ctx context.Context, o *db.Order) error

func (f FillListenerFunc) OnOrderFilled(ctx context.Context, o *db.Order) error { return f(ctx, o) }

// BracketOrders is the parent and exit legs created for one signal.
type BracketOrders struct {
	Parent     *db.Order       `json:"parent"`
	StopLoss   *db.Order       `json:"stop_loss"`
	TakeProfit *db.Order       `json:"take_profit"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

// ExitPrices are the trigger prices of a bracket's legs.
type ExitPrices struct {
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
}

// DefaultExitRules returns the rules created lazily for a strategy.
func DefaultExitRules(strategyID string, now time.Time) db.ExitRules {
	return db.ExitRules{
		StrategyID:      strategyID,
		StopLossPct:     decimal.RequireFromString("0.02"),
		TakeProfitPct:   decimal.RequireFromString("0.04"),
		TrailingStopPct: decimal.RequireFromString("0.01"),
		TrailingEnabled: false,
		RiskRewardRatio: decimal.RequireFromString("2.0"),
		UpdatedAt:       now.UTC(),
	}
}
