package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"execution-core/pkg/db"
	"execution-core/pkg/db/dbtest"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func filled(o *db.Order, qty, price string) *db.Order {
	o.Status = db.OrderFilled
	o.FilledQuantity = dec(qty)
	o.FilledAvgPrice = decimal.NewNullDecimal(dec(price))
	return o
}

func TestCalculatePnL(t *testing.T) {
	tests := []struct {
		direction, qty, entry, exit, want string
	}{
		{Long, "10", "100", "104", "40"},
		{Long, "10", "100", "98", "-20"},
		{Short, "5", "50", "45", "25"},
		{Short, "5", "50", "52.5", "-12.5"},
		{Long, "0", "100", "200", "0"},
	}
	for _, tt := range tests {
		got := CalculatePnL(tt.direction, dec(tt.qty), dec(tt.entry), dec(tt.exit))
		if !got.Equal(dec(tt.want)) {
			t.Errorf("%s %s@%s->%s = %s, want %s", tt.direction, tt.qty, tt.entry, tt.exit, got, tt.want)
		}
	}
}

func TestBracketFillsOpenAndClose(t *testing.T) {
	database := dbtest.New(t)
	ledger := NewLedger(database, zaptest.NewLogger(t))
	ctx := context.Background()

	parent := dbtest.Order("AAPL", "buy", "10")
	parent.IsBracketParent = true
	dbtest.Insert(t, database, parent)
	if err := ledger.OnOrderFilled(ctx, filled(parent, "10", "100")); err != nil {
		t.Fatalf("entry fill: %v", err)
	}
	// Replayed fills are ignored.
	if err := ledger.OnOrderFilled(ctx, parent); err != nil {
		t.Fatalf("replayed entry fill: %v", err)
	}

	open, err := database.Queries().OpenTrades(ctx, "u1", "p1")
	if err != nil || len(open) != 1 || open[0].Direction != Long {
		t.Fatalf("open trades = %v, %v", open, err)
	}

	stop := dbtest.Order("AAPL", "sell", "10")
	stop.ParentOrderID = parent.ID
	stop.Leg = db.LegStopLoss
	if err := ledger.OnOrderFilled(ctx, filled(stop, "10", "98")); err != nil {
		t.Fatalf("exit fill: %v", err)
	}

	tr, err := database.Queries().TradeByEntryOrder(ctx, parent.ID)
	if err != nil {
		t.Fatalf("TradeByEntryOrder: %v", err)
	}
	if tr.Status != db.TradeClosed || !tr.RealizedPnL.Equal(dec("-20")) || tr.ExitOrderID != stop.ID {
		t.Fatalf("trade = %+v", tr)
	}
	pnl, _ := database.Queries().RealizedPnLSince(ctx, "u1", "p1", time.Now().Add(-time.Hour))
	if !pnl.Equal(dec("-20")) {
		t.Fatalf("realized pnl = %s", pnl)
	}
}

func TestExitSignalClosesOldestTrade(t *testing.T) {
	database := dbtest.New(t)
	ledger := NewLedger(database, zaptest.NewLogger(t))
	ctx := context.Background()

	short := dbtest.InsertSignal(t, database, "TSLA", db.ActionShortEntry, "s1")
	entry := dbtest.Order("TSLA", "sell", "3")
	entry.SignalID = short.ID
	if err := ledger.OnOrderFilled(ctx, filled(entry, "3", "200")); err != nil {
		t.Fatalf("entry: %v", err)
	}

	cover := dbtest.InsertSignal(t, database, "TSLA", db.ActionShortExit, "s1")
	exit := dbtest.Order("TSLA", "buy", "3")
	exit.SignalID = cover.ID
	if err := ledger.OnOrderFilled(ctx, filled(exit, "3", "190")); err != nil {
		t.Fatalf("exit: %v", err)
	}

	tr, err := database.Queries().TradeByEntryOrder(ctx, entry.ID)
	if err != nil {
		t.Fatalf("TradeByEntryOrder: %v", err)
	}
	if tr.Direction != Short || tr.Status != db.TradeClosed || !tr.RealizedPnL.Equal(dec("30")) {
		t.Fatalf("trade = %+v", tr)
	}
}

func TestFillWithoutPrice(t *testing.T) {
	database := dbtest.New(t)
	ledger := NewLedger(database, nil)
	o := dbtest.Order("AAPL", "buy", "1")
	o.Status = db.OrderFilled
	if err := ledger.OnOrderFilled(context.Background(), o); err == nil {
		t.Fatalf("expected error for a fill without price")
	}
}

func TestFailedFillStaysUnrecorded(t *testing.T) {
	database := dbtest.New(t)
	ledger := NewLedger(database, zaptest.NewLogger(t))
	ctx := context.Background()

	parent := dbtest.Order("AAPL", "buy", "10")
	parent.IsBracketParent = true
	filled(parent, "10", "100")
	stop := dbtest.Order("AAPL", "sell", "10")
	stop.ParentOrderID = parent.ID
	stop.Leg = db.LegStopLoss
	filled(stop, "10", "98")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := ledger.OnOrderFilled(canceled, parent); err == nil {
		t.Fatalf("expected entry fill to fail on a canceled context")
	}
	if err := ledger.OnOrderFilled(ctx, stop); !errors.Is(err, ErrEntryNotRecorded) {
		t.Fatalf("exit before entry: err = %v", err)
	}
	if _, err := database.Queries().TradeByEntryOrder(ctx, parent.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("trade recorded by a failed fill: %v", err)
	}

	// Both fills apply once retried in order.
	for _, o := range []*db.Order{parent, stop} {
		if err := ledger.OnOrderFilled(ctx, o); err != nil {
			t.Fatalf("retry %s: %v", o.ID, err)
		}
	}
	tr, err := database.Queries().TradeByEntryOrder(ctx, parent.ID)
	if err != nil {
		t.Fatalf("TradeByEntryOrder: %v", err)
	}
	if tr.Status != db.TradeClosed || !tr.RealizedPnL.Equal(dec("-20")) {
		t.Fatalf("trade = %+v", tr)
	}
}
