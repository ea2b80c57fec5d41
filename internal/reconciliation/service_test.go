package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"execution-core/internal/bracket"
	"execution-core/internal/order"
	"execution-core/internal/position"
	"execution-core/pkg/broker"
	"execution-core/pkg/broker/brokertest"
	"execution-core/pkg/db"
	"execution-core/pkg/db/dbtest"
)

type fixture struct {
	db     *db.Database
	broker *brokertest.Fake
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := dbtest.New(t)
	b := brokertest.New()
	logger := zaptest.NewLogger(t)
	exec := order.NewExecutor(b, logger, nil)
	proc := order.NewProcessor(database, exec, logger, nil, 1)
	br := bracket.NewProcessor(database, exec, logger, nil)
	proc.AddFillListener(br)
	return &fixture{db: database, broker: b, svc: NewService(database, proc, br, logger, nil)}
}

// bracketRows inserts a parent and both legs with the given statuses, all
// last touched at `at`. Live legs get a broker id known to the fake broker.
func (f *fixture) bracketRows(t *testing.T, parentStatus, stopStatus, targetStatus string, at time.Time) (parent, stop, target *db.Order) {
	t.Helper()
	parent = dbtest.Order("AAPL", "buy", "10")
	parent.IsBracketParent = true
	parent.Status = parentStatus
	parent.BrokerOrderID = "P-" + parent.ID
	if parentStatus == db.OrderFilled {
		parent.FilledAt = &at
	}
	parent.CreatedAt, parent.UpdatedAt = at, at
	dbtest.Insert(t, f.db, parent)

	leg := func(kind, status, typ string) *db.Order {
		o := dbtest.Order("AAPL", "sell", "10")
		o.ParentOrderID = parent.ID
		o.Leg = kind
		o.Type = typ
		o.Status = status
		o.CreatedAt, o.UpdatedAt = at, at
		if status != db.OrderPendingParent && status != db.OrderNew {
			o.BrokerOrderID = "L-" + o.ID
			f.broker.SetStatus(o.BrokerOrderID, broker.StatusAccepted, "", "")
		}
		return dbtest.Insert(t, f.db, o)
	}
	stop = leg(db.LegStopLoss, stopStatus, "stop")
	target = leg(db.LegTakeProfit, targetStatus, "limit")
	return parent, stop, target
}

func pass(r CycleReport, name string) PassReport {
	for _, p := range r.Passes {
		if p.Name == name {
			return p
		}
	}
	return PassReport{}
}

func TestBrokenOCORepaired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, stop, target := f.bracketRows(t, db.OrderFilled, db.OrderFilled, db.OrderAccepted, time.Now().UTC())

	report := f.svc.RunCycle(ctx)
	p := pass(report, PassBrokenOCO)
	if p.Processed != 1 || p.Fixed != 1 || len(p.Errors) != 0 {
		t.Fatalf("pass = %+v", p)
	}
	if got := dbtest.Reload(t, f.db, target.ID); got.Status != db.OrderCanceled {
		t.Fatalf("target status = %s", got.Status)
	}
	if got := dbtest.Reload(t, f.db, stop.ID); got.Status != db.OrderFilled {
		t.Fatalf("stop status = %s", got.Status)
	}
	if ids := f.broker.CanceledIDs(); len(ids) != 1 || ids[0] != target.BrokerOrderID {
		t.Fatalf("broker cancels = %v", ids)
	}

	again := f.svc.RunCycle(ctx)
	if again.TotalFixed != 0 {
		t.Fatalf("second cycle fixed %d", again.TotalFixed)
	}
}

func TestBrokenOCOCancelsLegAwaitingResubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, stop, _ := f.bracketRows(t, db.OrderFilled, db.OrderNew, db.OrderFilled, time.Now().UTC())

	p := pass(f.svc.RunCycle(ctx), PassBrokenOCO)
	if p.Processed != 1 || p.Fixed != 1 || len(p.Errors) != 0 {
		t.Fatalf("pass = %+v", p)
	}
	if got := dbtest.Reload(t, f.db, stop.ID); got.Status != db.OrderCanceled {
		t.Fatalf("stop status = %s", got.Status)
	}
	if len(f.broker.CanceledIDs()) != 0 {
		t.Fatalf("unsent leg must be canceled locally")
	}
}

func TestTwoFilledLegsIsAnomaly(t *testing.T) {
	f := newFixture(t)
	parent, stop, target := f.bracketRows(t, db.OrderFilled, db.OrderFilled, db.OrderFilled, time.Now().UTC())

	report := f.svc.RunCycle(context.Background())
	if len(report.Anomalies) != 1 {
		t.Fatalf("anomalies = %+v", report.Anomalies)
	}
	a := report.Anomalies[0]
	if a.ParentID != parent.ID || len(a.OrderIDs) != 2 {
		t.Fatalf("anomaly = %+v", a)
	}
	for _, id := range []string{stop.ID, target.ID} {
		if got := dbtest.Reload(t, f.db, id); got.Status != db.OrderFilled {
			t.Fatalf("%s changed to %s", id, got.Status)
		}
	}
	if len(f.broker.CanceledIDs()) != 0 {
		t.Fatalf("anomaly must not trigger cancels")
	}
}

func TestPendingActivationRepaired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recent, _, _ := f.bracketRows(t, db.OrderFilled, db.OrderPendingParent, db.OrderPendingParent, time.Now().UTC())
	old, stop, target := f.bracketRows(t, db.OrderFilled, db.OrderPendingParent, db.OrderPendingParent,
		time.Now().UTC().Add(-10*time.Minute))

	report := f.svc.RunCycle(ctx)
	p := pass(report, PassPendingActivation)
	if p.Processed != 1 || p.Fixed != 2 {
		t.Fatalf("pass = %+v", p)
	}
	for _, id := range []string{stop.ID, target.ID} {
		if got := dbtest.Reload(t, f.db, id); got.Status != db.OrderSent || got.BrokerOrderID == "" {
			t.Fatalf("leg of %s: %+v", old.ID, got)
		}
	}
	children, _ := f.db.Queries().ChildrenOf(ctx, recent.ID)
	for _, c := range children {
		if c.Status != db.OrderPendingParent {
			t.Fatalf("recently filled parent activated early")
		}
	}
}

func TestInconsistentChildFillReplaysOCO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, stop, target := f.bracketRows(t, db.OrderFilled, db.OrderSent, db.OrderSent, time.Now().UTC().Add(-20*time.Minute))
	f.broker.SetStatus(stop.BrokerOrderID, broker.StatusFilled, "10", "98.00")

	report := f.svc.RunCycle(ctx)
	if p := pass(report, PassInconsistentLegs); p.Processed != 2 || p.Fixed < 1 {
		t.Fatalf("pass = %+v", p)
	}
	if got := dbtest.Reload(t, f.db, stop.ID); got.Status != db.OrderFilled {
		t.Fatalf("stop status = %s", got.Status)
	}
	if got := dbtest.Reload(t, f.db, target.ID); got.Status != db.OrderCanceled {
		t.Fatalf("target status = %s", got.Status)
	}
}

func TestOrphanCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphan := dbtest.Order("AAPL", "sell", "1")
	orphan.ParentOrderID = "ghost"
	orphan.Leg = db.LegStopLoss
	orphan.Status = db.OrderAccepted
	orphan.BrokerOrderID = "L-orphan"
	dbtest.Insert(t, f.db, orphan)

	lonely := dbtest.Order("AAPL", "buy", "1")
	lonely.IsBracketParent = true
	lonely.Status = db.OrderFilled
	dbtest.Insert(t, f.db, lonely)

	report := f.svc.RunCycle(ctx)
	if p := pass(report, PassOrphans); p.Processed != 2 || p.Fixed != 2 {
		t.Fatalf("pass = %+v", p)
	}
	got := dbtest.Reload(t, f.db, orphan.ID)
	if got.Status != db.OrderCanceled || got.ParentOrderID != "" || got.Leg != "" {
		t.Fatalf("orphan = %+v", got)
	}
	if ids := f.broker.CanceledIDs(); len(ids) != 1 || ids[0] != "L-orphan" {
		t.Fatalf("broker cancels = %v", ids)
	}
	if got := dbtest.Reload(t, f.db, lonely.ID); got.IsBracketParent {
		t.Fatalf("childless parent still flagged")
	}
	if f.svc.LastReport() == nil {
		t.Fatalf("last report not recorded")
	}
}

func TestLedgerReplayRecoversLostFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ledger := position.NewLedger(f.db, zaptest.NewLogger(t))
	f.svc.WithLedger(ledger)

	at := time.Now().UTC().Add(-10 * time.Minute)
	legAt := at.Add(time.Minute)
	parent := dbtest.Order("AAPL", "buy", "10")
	parent.IsBracketParent = true
	parent.Status = db.OrderFilled
	parent.BrokerOrderID = "P-" + parent.ID
	parent.FilledQuantity = decimal.RequireFromString("10")
	parent.FilledAvgPrice = decimal.NewNullDecimal(decimal.RequireFromString("100"))
	parent.FilledAt = &at
	parent.CreatedAt, parent.UpdatedAt = at, at
	dbtest.Insert(t, f.db, parent)

	stop := dbtest.Order("AAPL", "sell", "10")
	stop.ParentOrderID = parent.ID
	stop.Leg = db.LegStopLoss
	stop.Type = "stop"
	stop.Status = db.OrderFilled
	stop.BrokerOrderID = "L-" + stop.ID
	stop.FilledQuantity = decimal.RequireFromString("10")
	stop.FilledAvgPrice = decimal.NewNullDecimal(decimal.RequireFromString("98"))
	stop.FilledAt = &legAt
	stop.CreatedAt, stop.UpdatedAt = at, legAt
	dbtest.Insert(t, f.db, stop)

	// The entry fill's ledger write fails after the order row committed.
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := ledger.OnOrderFilled(canceled, parent); err == nil {
		t.Fatalf("expected ledger write to fail")
	}

	p := pass(f.svc.RunCycle(ctx), PassLedgerReplay)
	if p.Processed != 2 || p.Fixed != 2 || len(p.Errors) != 0 {
		t.Fatalf("ledger replay = %+v", p)
	}
	tr, err := f.db.Queries().TradeByEntryOrder(ctx, parent.ID)
	if err != nil {
		t.Fatalf("TradeByEntryOrder: %v", err)
	}
	if tr.Status != db.TradeClosed || !tr.RealizedPnL.Equal(decimal.RequireFromString("-20")) {
		t.Fatalf("trade = %+v", tr)
	}

	if p := pass(f.svc.RunCycle(ctx), PassLedgerReplay); p.Processed != 0 {
		t.Fatalf("second replay = %+v", p)
	}
}
