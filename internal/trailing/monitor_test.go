package trailing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"execution-core/internal/order"
	"execution-core/pkg/broker"
	"execution-core/pkg/broker/brokertest"
	"execution-core/pkg/db"
	"execution-core/pkg/db/dbtest"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNextIsMonotonic(t *testing.T) {
	prices := []string{"100", "103", "101", "110", "95", "110.5", "120", "80"}
	pct := dec("0.02")

	long := dec("98")
	for _, p := range prices {
		next, _ := Next(long, dec(p), pct, broker.SideSell)
		if next.LessThan(long) {
			t.Fatalf("long stop loosened at %s: %s -> %s", p, long, next)
		}
		long = next
	}
	if !long.Equal(dec("117.60")) {
		t.Fatalf("final long stop = %s", long)
	}

	short := dec("102")
	for _, p := range prices {
		next, _ := Next(short, dec(p), pct, broker.SideBuy)
		if next.GreaterThan(short) {
			t.Fatalf("short stop loosened at %s: %s -> %s", p, short, next)
		}
		short = next
	}
	if !short.Equal(dec("81.60")) {
		t.Fatalf("final short stop = %s", short)
	}
}

type fixture struct {
	db      *db.Database
	broker  *brokertest.Fake
	monitor *Monitor
}

func newFixture(t *testing.T, trailing bool) *fixture {
	t.Helper()
	database := dbtest.New(t)
	b := brokertest.New()
	logger := zaptest.NewLogger(t)
	err := database.Queries().UpsertExitRules(context.Background(), &db.ExitRules{
		StrategyID: "s1", StopLossPct: dec("0.02"), TakeProfitPct: dec("0.04"),
		TrailingStopPct: dec("0.02"), TrailingEnabled: trailing, RiskRewardRatio: dec("2"),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertExitRules: %v", err)
	}
	exec := order.NewExecutor(b, logger, nil)
	return &fixture{db: database, broker: b, monitor: NewMonitor(database, b, exec, logger, nil)}
}

func (f *fixture) liveStop(t *testing.T, side, stop string) *db.Order {
	t.Helper()
	o := dbtest.Order("AAPL", side, "10")
	o.ParentOrderID = "parent"
	o.Leg = db.LegStopLoss
	o.Type = "stop"
	o.StopPrice = decimal.NewNullDecimal(dec(stop))
	o.Status = db.OrderAccepted
	o.BrokerOrderID = "STOP-" + o.ID
	return dbtest.Insert(t, f.db, o)
}

func TestMonitorTrailsLongStop(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	o := f.liveStop(t, "sell", "98.00")

	last := dec("98.00")
	for _, p := range []string{"100", "105", "102", "110", "90"} {
		f.broker.SetPrice("AAPL", p)
		if _, err := f.monitor.Run(ctx); err != nil {
			t.Fatalf("Run at %s: %v", p, err)
		}
		got := dbtest.Reload(t, f.db, o.ID)
		if got.StopPrice.Decimal.LessThan(last) {
			t.Fatalf("stop decreased at %s: %s -> %s", p, last, got.StopPrice.Decimal)
		}
		last = got.StopPrice.Decimal
	}
	if !last.Equal(dec("107.80")) {
		t.Fatalf("final stop = %s", last)
	}

	got := dbtest.Reload(t, f.db, o.ID)
	if got.Status != db.OrderSent || got.BrokerOrderID == o.BrokerOrderID {
		t.Fatalf("replacement not live: %+v", got)
	}
	if ids := f.broker.CanceledIDs(); len(ids) != 2 || ids[0] != o.BrokerOrderID {
		t.Fatalf("broker cancels = %v", ids)
	}
	if n := f.broker.SubmitCount(); n != 2 {
		t.Fatalf("resubmits = %d", n)
	}
}

func TestMonitorSkipsWhenTrailingDisabled(t *testing.T) {
	f := newFixture(t, false)
	o := f.liveStop(t, "sell", "98.00")
	f.broker.SetPrice("AAPL", "150")

	res, err := f.monitor.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Checked != 0 || len(res.Adjustments) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if got := dbtest.Reload(t, f.db, o.ID); !got.StopPrice.Decimal.Equal(dec("98.00")) {
		t.Fatalf("stop moved to %s", got.StopPrice.Decimal)
	}
}

func TestMonitorRearmsOnResubmitFailure(t *testing.T) {
	f := newFixture(t, true)
	o := f.liveStop(t, "buy", "102.00")
	f.broker.SetPrice("AAPL", "90")
	f.broker.SubmitErrs = []error{brokertest.ErrInjected}

	res, err := f.monitor.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Adjustments) != 1 || !res.Adjustments[0].Rearmed {
		t.Fatalf("result = %+v", res)
	}
	got := dbtest.Reload(t, f.db, o.ID)
	if got.Status != db.OrderNew || got.RetryCount != 0 || got.BrokerOrderID != "" {
		t.Fatalf("leg = %+v", got)
	}
	if !got.StopPrice.Decimal.Equal(dec("91.80")) {
		t.Fatalf("stop = %s", got.StopPrice.Decimal)
	}
}

func TestMonitorKeepsStopWhenCancelFails(t *testing.T) {
	f := newFixture(t, true)
	o := f.liveStop(t, "sell", "98.00")
	f.broker.SetPrice("AAPL", "120")
	f.broker.CancelErr = brokertest.ErrInjected

	res, _ := f.monitor.Run(context.Background())
	if len(res.Errors) != 1 || len(res.Adjustments) != 0 {
		t.Fatalf("result = %+v", res)
	}
	got := dbtest.Reload(t, f.db, o.ID)
	if !got.StopPrice.Decimal.Equal(dec("98.00")) || got.BrokerOrderID != o.BrokerOrderID {
		t.Fatalf("leg changed: %+v", got)
	}
}
