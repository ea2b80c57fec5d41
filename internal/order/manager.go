package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/pkg/broker"
	"execution-core/pkg/db"
)

// ErrPriceUnavailable aborts bracket creation when the entry cannot be priced.
var ErrPriceUnavailable = errors.New("price unavailable")

// Manager turns approved signals into persisted orders.
type Manager struct {
	db     *db.Database
	broker broker.Broker
	log    *zap.Logger
	now    func() time.Time
	newID  func() string
}

// NewManager creates an order manager.
func NewManager(database *db.Database, b broker.Broker, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:     database,
		broker: b,
		log:    logger.Named("order"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithIDs overrides the client order id generator.
func (m *Manager) WithIDs(newID func() string) *Manager {
	m.newID = newID
	return m
}

func (m *Manager) baseOrder(sig *db.Signal, side broker.Side, qty decimal.Decimal, now time.Time) *db.Order {
	return &db.Order{
		ID:          m.newID(),
		SignalID:    sig.ID,
		UserID:      sig.UserID,
		PortfolioID: sig.PortfolioID,
		StrategyID:  sig.StrategyID,
		Symbol:      sig.Symbol,
		Side:        string(side),
		Quantity:    qty,
		Type:        string(broker.OrderTypeMarket),
		Status:      db.OrderNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CreateOrderFromSignal persists a single market order for sig.
func (m *Manager) CreateOrderFromSignal(ctx context.Context, sig *db.Signal, qty decimal.Decimal) (*db.Order, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("order quantity must be positive, got %s", qty)
	}
	o := m.baseOrder(sig, broker.Side(sig.Side()), qty, m.now().UTC())
	if err := m.db.Queries().InsertOrder(ctx, o); err != nil {
		return nil, err
	}
	m.log.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("signal_id", sig.ID),
		zap.String("symbol", o.Symbol),
		zap.String("side", o.Side),
		zap.String("qty", qty.String()),
	)
	return o, nil
}

// ExitRules returns the exit rules of a strategy, creating defaults on first use.
func (m *Manager) ExitRules(ctx context.Context, strategyID string) (*db.ExitRules, error) {
	q := m.db.Queries()
	r, err := q.GetExitRules(ctx, strategyID)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	def := DefaultExitRules(strategyID, m.now())
	if err := q.InsertExitRulesIfAbsent(ctx, &def); err != nil {
		return nil, err
	}
	return q.GetExitRules(ctx, strategyID)
}

// CreateBracketOrderFromSignal prices sig and creates the parent entry order
// with its stop-loss and take-profit legs in one transaction. On any failure
// no order survives and the signal is marked bracket_failed.
func (m *Manager) CreateBracketOrderFromSignal(ctx context.Context, sig *db.Signal, qty decimal.Decimal) (*BracketOrders, error) {
	if !qty.IsPositive() {
		return nil, m.bracketFailed(ctx, sig, fmt.Errorf("order quantity must be positive, got %s", qty))
	}

	entry, err := m.broker.GetLatestPrice(ctx, sig.Symbol)
	if err != nil {
		return nil, m.bracketFailed(ctx, sig, fmt.Errorf("%w for %s: %v", ErrPriceUnavailable, sig.Symbol, err))
	}
	if !entry.IsPositive() {
		return nil, m.bracketFailed(ctx, sig, fmt.Errorf("%w for %s: non-positive quote %s", ErrPriceUnavailable, sig.Symbol, entry))
	}

	rules, err := m.ExitRules(ctx, sig.StrategyID)
	if err != nil {
		return nil, m.bracketFailed(ctx, sig, fmt.Errorf("load exit rules: %w", err))
	}

	side := broker.Side(sig.Side())
	prices := ComputeExitPrices(entry, side, *rules)
	prices = m.applySignalOverrides(sig, entry, side, prices)

	now := m.now().UTC()
	parent := m.baseOrder(sig, side, qty, now)
	parent.IsBracketParent = true

	stop := m.baseOrder(sig, side.Opposite(), qty, now)
	stop.Type = string(broker.OrderTypeStop)
	stop.StopPrice = decimal.NewNullDecimal(prices.StopLoss)
	stop.Status = db.OrderPendingParent
	stop.ParentOrderID = parent.ID
	stop.Leg = db.LegStopLoss

	target := m.baseOrder(sig, side.Opposite(), qty, now)
	target.Type = string(broker.OrderTypeLimit)
	target.LimitPrice = decimal.NewNullDecimal(prices.TakeProfit)
	target.Status = db.OrderPendingParent
	target.ParentOrderID = parent.ID
	target.Leg = db.LegTakeProfit

	err = m.db.WithTx(ctx, func(q *db.Queries) error {
		for _, o := range []*db.Order{parent, stop, target} {
			if err := q.InsertOrder(ctx, o); err != nil {
				return err
			}
		}
		sig.Status = db.SignalBracketCreated
		sig.StatusReason = ""
		sig.ApprovedQuantity = decimal.NewNullDecimal(qty)
		sig.UpdatedAt = now
		return q.UpdateSignal(ctx, sig)
	})
	if err != nil {
		return nil, m.bracketFailed(ctx, sig, fmt.Errorf("create bracket: %w", err))
	}

	m.log.Info("bracket created",
		zap.String("signal_id", sig.ID),
		zap.String("parent_id", parent.ID),
		zap.String("symbol", sig.Symbol),
		zap.String("entry", entry.String()),
		zap.String("stop", prices.StopLoss.String()),
		zap.String("target", prices.TakeProfit.String()),
	)
	return &BracketOrders{Parent: parent, StopLoss: stop, TakeProfit: target, EntryPrice: entry}, nil
}

// applySignalOverrides uses the signal's own exit prices when they sit on the
// correct side of entry.
func (m *Manager) applySignalOverrides(sig *db.Signal, entry decimal.Decimal, side broker.Side, p ExitPrices) ExitPrices {
	if sig.StopLoss.Valid {
		sl := sig.StopLoss.Decimal.Round(2)
		if (side == broker.SideBuy && sl.LessThan(entry)) || (side == broker.SideSell && sl.GreaterThan(entry)) {
			p.StopLoss = sl
		} else {
			m.log.Warn("ignoring stop_loss on wrong side of entry",
				zap.String("signal_id", sig.ID), zap.String("stop_loss", sl.String()), zap.String("entry", entry.String()))
		}
	}
	if sig.TakeProfit.Valid {
		tp := sig.TakeProfit.Decimal.Round(2)
		if (side == broker.SideBuy && tp.GreaterThan(entry)) || (side == broker.SideSell && tp.LessThan(entry)) {
			p.TakeProfit = tp
		} else {
			m.log.Warn("ignoring take_profit on wrong side of entry",
				zap.String("signal_id", sig.ID), zap.String("take_profit", tp.String()), zap.String("entry", entry.String()))
		}
	}
	return p
}

func (m *Manager) bracketFailed(ctx context.Context, sig *db.Signal, cause error) error {
	m.log.Warn("bracket creation failed", zap.String("signal_id", sig.ID), zap.Error(cause))
	sig.Status = db.SignalBracketFailed
	sig.StatusReason = cause.Error()
	sig.UpdatedAt = m.now().UTC()
	if err := m.db.Queries().UpdateSignal(ctx, sig); err != nil && !errors.Is(err, db.ErrNotFound) {
		m.log.Error("mark signal bracket_failed", zap.String("signal_id", sig.ID), zap.Error(err))
	}
	return cause
}

// ComputeExitPrices derives stop and target from the entry price, rounded
// half away from zero to cents.
func ComputeExitPrices(entry decimal.Decimal, side broker.Side, rules db.ExitRules) ExitPrices {
	one := decimal.NewFromInt(1)
	if side == broker.SideSell {
		return ExitPrices{
			StopLoss:   entry.Mul(one.Add(rules.StopLossPct)).Round(2),
			TakeProfit: entry.Mul(one.Sub(rules.TakeProfitPct)).Round(2),
		}
	}
	return ExitPrices{
		StopLoss:   entry.Mul(one.Sub(rules.StopLossPct)).Round(2),
		TakeProfit: entry.Mul(one.Add(rules.TakeProfitPct)).Round(2),
	}
}
