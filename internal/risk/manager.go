package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/metrics"
	"execution-core/pkg/broker"
	"execution-core/pkg/db"
)

// countedStatuses are the signal states that consume order quota.
var countedStatuses = []string{db.SignalExecuted, db.SignalProcessing}

// Manager evaluates signals against per-(user, portfolio) limits.
type Manager struct {
	db      *db.Database
	broker  broker.Broker
	loc     *time.Location
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// QuantityPrecision is the number of decimal places kept on computed
	// quantities (0 = whole shares).
	QuantityPrecision int32

	checksTotal     atomic.Uint64
	rejectionsTotal atomic.Uint64
	latencyNanos    atomic.Uint64
}

// NewManager creates a risk manager evaluating trading hours in loc.
func NewManager(database *db.Database, b broker.Broker, loc *time.Location, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:      database,
		broker:  b,
		loc:     loc,
		log:     logger.Named("risk"),
		metrics: m,
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Limits returns the limits of (userID, portfolioID), creating defaults on
// first use.
func (m *Manager) Limits(ctx context.Context, userID, portfolioID string) (*db.RiskLimit, error) {
	q := m.db.Queries()
	l, err := q.GetRiskLimit(ctx, userID, portfolioID)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	def := DefaultLimits(userID, portfolioID, m.now())
	if err := q.InsertRiskLimitIfAbsent(ctx, &def); err != nil {
		return nil, err
	}
	return q.GetRiskLimit(ctx, userID, portfolioID)
}

// UpdateLimits validates and stores l. Concurrent updates: last writer wins.
func (m *Manager) UpdateLimits(ctx context.Context, l db.RiskLimit) error {
	if l.UserID == "" || l.PortfolioID == "" {
		return db.ErrUserIDRequired
	}
	if _, err := NewTradingHours(m.loc, l.TradingStart, l.TradingEnd, l.AllowExtendedHours); err != nil {
		return err
	}
	for name, v := range map[string]decimal.Decimal{
		"max_daily_drawdown":   l.MaxDailyDrawdown,
		"max_weekly_drawdown":  l.MaxWeeklyDrawdown,
		"max_account_drawdown": l.MaxAccountDrawdown,
		"max_position_size":    l.MaxPositionSize,
		"max_symbol_exposure":  l.MaxSymbolExposure,
		"max_sector_exposure":  l.MaxSectorExposure,
		"max_total_exposure":   l.MaxTotalExposure,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if l.MaxOrdersPerHour < 0 || l.MaxOrdersPerDay < 0 || l.MaxOpenPositions < 0 {
		return errors.New("operational limits must not be negative")
	}
	l.UpdatedAt = m.now().UTC()
	return m.db.Queries().UpsertRiskLimit(ctx, &l)
}

// Stats returns a snapshot of the evaluation counters.
func (m *Manager) Stats() Stats {
	return Stats{
		ChecksTotal:       m.checksTotal.Load(),
		RejectionsTotal:   m.rejectionsTotal.Load(),
		CheckLatencyNanos: m.latencyNanos.Load(),
		CheckLatencyCount: m.checksTotal.Load(),
	}
}

// Evaluate runs the ordered admission checks for sig and returns the first
// rejection, or an approval carrying the quantity the order must use.
// Infrastructure failures reject; they never approve.
func (m *Manager) Evaluate(ctx context.Context, sig db.Signal) Decision {
	start := time.Now()
	dec := m.evaluate(ctx, sig)
	elapsed := time.Since(start)

	m.checksTotal.Add(1)
	m.latencyNanos.Add(uint64(elapsed.Nanoseconds()))
	if !dec.Approved {
		m.rejectionsTotal.Add(1)
	}
	m.metrics.RiskDecision(dec.Approved, elapsed)

	if dec.Approved {
		m.log.Info("risk approved",
			zap.String("signal_id", sig.ID),
			zap.String("symbol", sig.Symbol),
			zap.String("quantity", dec.SuggestedQuantity.String()))
	} else {
		m.log.Info("risk rejected",
			zap.String("signal_id", sig.ID),
			zap.String("symbol", sig.Symbol),
			zap.String("reason", dec.Reason))
	}
	return dec
}

func (m *Manager) evaluate(ctx context.Context, sig db.Signal) Decision {
	now := m.now()
	limits, err := m.Limits(ctx, sig.UserID, sig.PortfolioID)
	if err != nil {
		return failed(err)
	}

	// 1. Trading hours.
	hours, err := NewTradingHours(m.loc, limits.TradingStart, limits.TradingEnd, limits.AllowExtendedHours)
	if err != nil {
		return failed(err)
	}
	if !hours.Open(now) {
		return reject(fmt.Sprintf("%s (%s)", ReasonOutsideHours, now.In(m.loc).Format("Mon 15:04 MST")))
	}

	// 2. Operational limits.
	if d, ok := m.checkOperational(ctx, sig, limits, now); !ok {
		return d
	}

	acct, err := m.broker.GetAccount(ctx)
	if err != nil {
		return failed(err)
	}
	pv := acct.PortfolioValue

	// 3. Drawdown.
	if d, ok := m.checkDrawdown(ctx, sig, limits, pv, now); !ok {
		return d
	}

	price, err := m.broker.GetLatestPrice(ctx, sig.Symbol)
	if err != nil {
		return failed(err)
	}
	if !price.IsPositive() {
		return failed(fmt.Errorf("non-positive price %s for %s", price, sig.Symbol))
	}

	open, err := m.db.Queries().OpenTrades(ctx, sig.UserID, sig.PortfolioID)
	if err != nil {
		return failed(err)
	}

	if !sig.IsEntry() {
		return m.sizeExit(sig, open)
	}

	// 4. Symbol and total exposure.
	if d, ok := m.checkExposure(sig, limits, open, price, pv); !ok {
		return d
	}

	// 5. Position sizing.
	return m.sizeEntry(sig, limits, acct, price)
}

func failed(err error) Decision {
	return reject(fmt.Sprintf("%s: %v", ReasonEvaluationFailure, err))
}

func (m *Manager) checkOperational(ctx context.Context, sig db.Signal, l *db.RiskLimit, now time.Time) (Decision, bool) {
	q := m.db.Queries()

	if l.MaxOrdersPerHour > 0 {
		n, err := q.CountSignalsSince(ctx, sig.UserID, sig.PortfolioID, countedStatuses, now.Add(-time.Hour))
		if err != nil {
			return failed(err), false
		}
		if n >= l.MaxOrdersPerHour {
			return reject(fmt.Sprintf("%s (%d/%d)", ReasonOrdersPerHour, n, l.MaxOrdersPerHour)), false
		}
	}

	if l.MaxOrdersPerDay > 0 {
		n, err := q.CountSignalsSince(ctx, sig.UserID, sig.PortfolioID, countedStatuses, StartOfDay(now, m.loc))
		if err != nil {
			return failed(err), false
		}
		if n >= l.MaxOrdersPerDay {
			return reject(fmt.Sprintf("%s (%d/%d)", ReasonOrdersPerDay, n, l.MaxOrdersPerDay)), false
		}
	}

	// Exits reduce positions and are never blocked by the position cap.
	if sig.IsEntry() && l.MaxOpenPositions > 0 {
		trades, err := q.OpenTrades(ctx, sig.UserID, sig.PortfolioID)
		if err != nil {
			return failed(err), false
		}
		inFlight, err := q.CountInFlightEntries(ctx, sig.UserID, sig.PortfolioID)
		if err != nil {
			return failed(err), false
		}
		n := len(trades) + inFlight
		if n >= l.MaxOpenPositions {
			return reject(fmt.Sprintf("%s (%d/%d)", ReasonOpenPositions, n, l.MaxOpenPositions)), false
		}
	}
	return Decision{}, true
}

func (m *Manager) checkDrawdown(ctx context.Context, sig db.Signal, l *db.RiskLimit, pv decimal.Decimal, now time.Time) (Decision, bool) {
	if !pv.IsPositive() {
		return failed(fmt.Errorf("non-positive portfolio value %s", pv)), false
	}
	q := m.db.Queries()

	windows := []struct {
		since  time.Time
		limit  decimal.Decimal
		reason string
	}{
		{StartOfDay(now, m.loc), l.MaxDailyDrawdown, ReasonDailyDrawdown},
		{StartOfWeek(now, m.loc), l.MaxWeeklyDrawdown, ReasonWeeklyDrawdown},
	}
	for _, w := range windows {
		if !w.limit.IsPositive() {
			continue
		}
		pnl, err := q.RealizedPnLSince(ctx, sig.UserID, sig.PortfolioID, w.since)
		if err != nil {
			return failed(err), false
		}
		if !pnl.IsNegative() {
			continue
		}
		frac := pnl.Neg().Div(pv)
		if frac.GreaterThan(w.limit) {
			return reject(fmt.Sprintf("%s (%s%% > %s%%)", w.reason, pct(frac), pct(w.limit))), false
		}
	}

	if l.MaxAccountDrawdown.IsPositive() {
		pnl, err := q.RealizedPnLSince(ctx, sig.UserID, sig.PortfolioID, time.Time{})
		if err != nil {
			return failed(err), false
		}
		if pnl.IsNegative() {
			// Loss relative to equity before the losses were realized.
			base := pv.Sub(pnl)
			frac := pnl.Neg().Div(base)
			if frac.GreaterThan(l.MaxAccountDrawdown) {
				return reject(fmt.Sprintf("%s (%s%% > %s%%)", ReasonAccountDrawdown, pct(frac), pct(l.MaxAccountDrawdown))), false
			}
		}
	}
	return Decision{}, true
}

func (m *Manager) checkExposure(sig db.Signal, l *db.RiskLimit, open []*db.Trade, price, pv decimal.Decimal) (Decision, bool) {
	symbolQty := decimal.Zero
	total := decimal.Zero
	for _, t := range open {
		total = total.Add(t.Quantity.Mul(t.EntryPrice))
		if strings.EqualFold(t.Symbol, sig.Symbol) {
			symbolQty = symbolQty.Add(t.Quantity)
		}
	}

	if l.MaxSymbolExposure.IsPositive() {
		exposure := symbolQty.Mul(price)
		ceiling := l.MaxSymbolExposure.Mul(pv)
		if exposure.GreaterThan(ceiling) {
			return reject(fmt.Sprintf("%s (%s > %s)", ReasonSymbolExposure, exposure.StringFixed(2), ceiling.StringFixed(2))), false
		}
	}
	if l.MaxTotalExposure.IsPositive() {
		ceiling := l.MaxTotalExposure.Mul(pv)
		if total.GreaterThan(ceiling) {
			return reject(fmt.Sprintf("%s (%s > %s)", ReasonTotalExposure, total.StringFixed(2), ceiling.StringFixed(2))), false
		}
	}
	return Decision{}, true
}

func (m *Manager) sizeEntry(sig db.Signal, l *db.RiskLimit, acct broker.Account, price decimal.Decimal) Decision {
	sizeCap := l.MaxPositionSize.Mul(acct.PortfolioValue)
	ceiling := decimal.Min(sizeCap, acct.BuyingPower)
	bpBound := acct.BuyingPower.LessThan(sizeCap)

	if !sig.Quantity.Valid {
		qty := ceiling.Div(price).Truncate(m.QuantityPrecision)
		if !qty.IsPositive() {
			if bpBound {
				return reject(ReasonBuyingPower)
			}
			return reject(fmt.Sprintf("%s (one unit at %s exceeds %s)", ReasonPositionSize, price.StringFixed(2), ceiling.StringFixed(2)))
		}
		return approve(qty)
	}

	notional := sig.Quantity.Decimal.Mul(price)
	if notional.GreaterThan(ceiling) {
		if bpBound && notional.LessThanOrEqual(sizeCap) {
			return reject(fmt.Sprintf("%s (%s > %s)", ReasonBuyingPower, notional.StringFixed(2), acct.BuyingPower.StringFixed(2)))
		}
		return reject(fmt.Sprintf("%s (%s > %s)", ReasonPositionSize, notional.StringFixed(2), ceiling.StringFixed(2)))
	}
	return approve(sig.Quantity.Decimal)
}

// sizeExit approves an exit for the requested quantity, or for the whole
// open position in the exited direction when none is given.
func (m *Manager) sizeExit(sig db.Signal, open []*db.Trade) Decision {
	direction := "long"
	if sig.Action == db.ActionShortExit {
		direction = "short"
	}
	held := decimal.Zero
	for _, t := range open {
		if strings.EqualFold(t.Symbol, sig.Symbol) && t.Direction == direction {
			held = held.Add(t.Quantity)
		}
	}
	if sig.Quantity.Valid {
		return approve(sig.Quantity.Decimal)
	}
	if !held.IsPositive() {
		return reject(fmt.Sprintf("%s (%s %s)", ReasonNoPosition, direction, sig.Symbol))
	}
	return approve(held.Truncate(m.QuantityPrecision))
}

func pct(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).StringFixed(2)
}
