package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func newOrder(id string, now time.Time) *Order {
	return &Order{
		ID:          id,
		SignalID:    "sig-1",
		UserID:      "u1",
		PortfolioID: "p1",
		StrategyID:  "s1",
		Symbol:      "AAPL",
		Side:        "buy",
		Quantity:    decimal.NewFromInt(10),
		Type:        "market",
		Status:      OrderNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	database := openTestDB(t)
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("second ApplyMigrations: %v", err)
	}
}

func TestOrderRoundTrip(t *testing.T) {
	database := openTestDB(t)
	q := database.Queries()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	parent := newOrder("parent", now)
	parent.IsBracketParent = true
	if err := q.InsertOrder(ctx, parent); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}

	child := newOrder("child", now)
	child.Side = "sell"
	child.Type = "stop"
	child.StopPrice = decimal.NewNullDecimal(decimal.RequireFromString("98.00"))
	child.Status = OrderPendingParent
	child.ParentOrderID = "parent"
	child.Leg = LegStopLoss
	if err := q.InsertOrder(ctx, child); err != nil {
		t.Fatalf("InsertOrder child: %v", err)
	}

	got, err := q.GetOrder(ctx, "child")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.ParentOrderID != "parent" || got.Leg != LegStopLoss {
		t.Fatalf("unexpected links: parent=%q leg=%q", got.ParentOrderID, got.Leg)
	}
	if !got.StopPrice.Valid || !got.StopPrice.Decimal.Equal(decimal.RequireFromString("98")) {
		t.Fatalf("stop price=%v, expected 98", got.StopPrice)
	}
	if got.LimitPrice.Valid {
		t.Fatalf("limit price should be null")
	}
	if got.BrokerOrderID != "" || got.SubmittedAt != nil {
		t.Fatalf("broker fields should be empty")
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at=%v, expected %v", got.CreatedAt, now)
	}

	got.Status = OrderSent
	got.BrokerOrderID = "B-1"
	got.RetryCount = 1
	submitted := now.Add(time.Second)
	got.SubmittedAt = &submitted
	got.Touch(submitted)
	if err := q.UpdateOrder(ctx, got); err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}
	again, _ := q.GetOrder(ctx, "child")
	if again.BrokerOrderID != "B-1" || again.Status != OrderSent || again.RetryCount != 1 {
		t.Fatalf("update not persisted: %+v", again)
	}
	if again.SubmittedAt == nil || !again.SubmittedAt.Equal(submitted) {
		t.Fatalf("submitted_at=%v, expected %v", again.SubmittedAt, submitted)
	}

	children, err := q.ChildrenOf(ctx, "parent")
	if err != nil {
		t.Fatalf("ChildrenOf: %v", err)
	}
	if len(children) != 1 || children[0].ID != "child" {
		t.Fatalf("ChildrenOf returned %d orders", len(children))
	}

	if _, err := q.GetOrder(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateBrokerOrderID(t *testing.T) {
	database := openTestDB(t)
	q := database.Queries()
	ctx := context.Background()
	now := time.Now().UTC()

	a := newOrder("a", now)
	a.BrokerOrderID = "B-1"
	b := newOrder("b", now)
	b.BrokerOrderID = "B-1"
	if err := q.InsertOrder(ctx, a); err != nil {
		t.Fatalf("InsertOrder a: %v", err)
	}
	if err := q.InsertOrder(ctx, b); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	// Several orders without broker ids are fine.
	if err := q.InsertOrder(ctx, newOrder("c", now)); err != nil {
		t.Fatalf("InsertOrder c: %v", err)
	}
	if err := q.InsertOrder(ctx, newOrder("d", now)); err != nil {
		t.Fatalf("InsertOrder d: %v", err)
	}
}

func TestSignalIdempotencyKeyIsUnique(t *testing.T) {
	database := openTestDB(t)
	q := database.Queries()
	ctx := context.Background()
	now := time.Now().UTC()

	s := &Signal{
		ID: "s-1", IdempotencyKey: "k", UserID: "u1", PortfolioID: "p1", StrategyID: "s1",
		Symbol: "AAPL", Action: ActionBuy, Status: SignalPending, CreatedAt: now, UpdatedAt: now,
		Quantity: decimal.NewNullDecimal(decimal.NewFromInt(10)),
	}
	if err := q.InsertSignal(ctx, s); err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}
	dup := *s
	dup.ID = "s-2"
	if err := q.InsertSignal(ctx, &dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	exists, err := q.SignalKeyExists(ctx, "k")
	if err != nil || !exists {
		t.Fatalf("SignalKeyExists = %v, %v", exists, err)
	}

	got, err := q.GetSignal(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSignal: %v", err)
	}
	if !got.Quantity.Valid || got.Quantity.Decimal.IntPart() != 10 {
		t.Fatalf("quantity=%v, expected 10", got.Quantity)
	}
	if got.Price.Valid {
		t.Fatalf("price should be null")
	}
}

func TestListDueOrdersHonoursBackoff(t *testing.T) {
	database := openTestDB(t)
	q := database.Queries()
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	ready := newOrder("ready", now.Add(-time.Minute))
	waiting := newOrder("waiting", now.Add(-2*time.Minute))
	later := now.Add(5 * time.Second)
	waiting.NextAttemptAt = &later
	done := newOrder("done", now.Add(-3*time.Minute))
	done.Status = OrderAccepted

	for _, o := range []*Order{ready, waiting, done} {
		if err := q.InsertOrder(ctx, o); err != nil {
			t.Fatalf("InsertOrder: %v", err)
		}
	}

	due, err := q.ListDueOrders(ctx, now, 50)
	if err != nil {
		t.Fatalf("ListDueOrders: %v", err)
	}
	if len(due) != 1 || due[0].ID != "ready" {
		t.Fatalf("due = %v, expected only ready", ids(due))
	}

	due, _ = q.ListDueOrders(ctx, now.Add(10*time.Second), 50)
	if len(due) != 2 || due[0].ID != "waiting" {
		t.Fatalf("due = %v, expected waiting then ready", ids(due))
	}
}

func TestOrphanAndChildlessQueries(t *testing.T) {
	database := openTestDB(t)
	q := database.Queries()
	ctx := context.Background()
	now := time.Now().UTC()

	parent := newOrder("parent", now)
	parent.IsBracketParent = true
	lonely := newOrder("lonely", now)
	lonely.IsBracketParent = true
	plain := newOrder("plain", now)

	ok := newOrder("ok-child", now)
	ok.ParentOrderID = "parent"
	orphanA := newOrder("orphan-a", now)
	orphanA.ParentOrderID = "plain"
	orphanB := newOrder("orphan-b", now)
	orphanB.ParentOrderID = "gone"

	for _, o := range []*Order{parent, lonely, plain, ok, orphanA, orphanB} {
		if err := q.InsertOrder(ctx, o); err != nil {
			t.Fatalf("InsertOrder %s: %v", o.ID, err)
		}
	}

	orphans, err := q.OrphanChildren(ctx)
	if err != nil {
		t.Fatalf("OrphanChildren: %v", err)
	}
	if got := ids(orphans); len(got) != 2 || !contains(got, "orphan-a") || !contains(got, "orphan-b") {
		t.Fatalf("orphans = %v", got)
	}

	childless, err := q.ChildlessParents(ctx)
	if err != nil {
		t.Fatalf("ChildlessParents: %v", err)
	}
	if got := ids(childless); len(got) != 1 || got[0] != "lonely" {
		t.Fatalf("childless = %v", got)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	boom := errors.New("boom")
	err := database.WithTx(ctx, func(q *Queries) error {
		if err := q.InsertOrder(ctx, newOrder("tx-1", now)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := database.Queries().GetOrder(ctx, "tx-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected rollback, got %v", err)
	}
}

func TestWithOrderLockSerializesWriters(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	if err := database.Queries().InsertOrder(ctx, newOrder("locked", time.Now().UTC())); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := database.WithOrderLock(ctx, "locked", func(q *Queries, o *Order) error {
				o.RetryCount++
				return q.UpdateOrder(ctx, o)
			})
			if err != nil {
				t.Errorf("WithOrderLock: %v", err)
			}
		}()
	}
	wg.Wait()

	o, _ := database.Queries().GetOrder(ctx, "locked")
	if o.RetryCount != workers {
		t.Fatalf("retry_count=%d, expected %d (lost update)", o.RetryCount, workers)
	}
}

func TestRebindForPostgres(t *testing.T) {
	q := &Queries{dialect: DialectPostgres}
	got := q.rebind("SELECT * FROM orders WHERE id = ? AND status IN (?, ?)")
	want := "SELECT * FROM orders WHERE id = $1 AND status IN ($2, $3)"
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
	lite := &Queries{dialect: DialectSQLite}
	if lite.rebind("a = ?") != "a = ?" {
		t.Fatalf("sqlite queries must not be rewritten")
	}
}

func TestRiskLimitLazyInsertAndUpsert(t *testing.T) {
	database := openTestDB(t)
	q := database.Queries()
	ctx := context.Background()

	l := &RiskLimit{
		UserID: "u1", PortfolioID: "p1",
		MaxDailyDrawdown: decimal.RequireFromString("0.05"), MaxPositionSize: decimal.RequireFromString("0.1"),
		MaxOrdersPerHour: 10, MaxOrdersPerDay: 50, MaxOpenPositions: 5,
		TradingStart: "09:30", TradingEnd: "16:00", UpdatedAt: time.Now().UTC(),
	}
	if err := q.InsertRiskLimitIfAbsent(ctx, l); err != nil {
		t.Fatalf("InsertRiskLimitIfAbsent: %v", err)
	}
	other := *l
	other.MaxOrdersPerHour = 99
	if err := q.InsertRiskLimitIfAbsent(ctx, &other); err != nil {
		t.Fatalf("second InsertRiskLimitIfAbsent: %v", err)
	}
	got, err := q.GetRiskLimit(ctx, "u1", "p1")
	if err != nil {
		t.Fatalf("GetRiskLimit: %v", err)
	}
	if got.MaxOrdersPerHour != 10 {
		t.Fatalf("insert-if-absent overwrote existing row: %d", got.MaxOrdersPerHour)
	}

	if err := q.UpsertRiskLimit(ctx, &other); err != nil {
		t.Fatalf("UpsertRiskLimit: %v", err)
	}
	got, _ = q.GetRiskLimit(ctx, "u1", "p1")
	if got.MaxOrdersPerHour != 99 {
		t.Fatalf("upsert not applied: %d", got.MaxOrdersPerHour)
	}
}

func TestOwnerScopedQueriesRequireUserID(t *testing.T) {
	database := openTestDB(t)
	q := database.Queries()
	ctx := context.Background()

	if _, err := q.OrdersByUser(ctx, "", 10); !errors.Is(err, ErrUserIDRequired) {
		t.Errorf("OrdersByUser: expected ErrUserIDRequired, got %v", err)
	}
	if _, err := q.ActiveBracketParents(ctx, ""); !errors.Is(err, ErrUserIDRequired) {
		t.Errorf("ActiveBracketParents: expected ErrUserIDRequired, got %v", err)
	}
	if _, err := q.OpenTrades(ctx, "", "p1"); !errors.Is(err, ErrUserIDRequired) {
		t.Errorf("OpenTrades: expected ErrUserIDRequired, got %v", err)
	}
}

func ids(orders []*Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestUnrecordedFills(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	q := database.Queries()
	old := time.Now().UTC().Add(-time.Hour)

	a := newOrder("a", old)
	a.Status = OrderFilled
	b := newOrder("b", old)
	b.Status = OrderFilled
	fresh := newOrder("c", time.Now().UTC())
	fresh.Status = OrderFilled
	open := newOrder("d", old)
	for _, o := range []*Order{a, b, fresh, open} {
		if err := q.InsertOrder(ctx, o); err != nil {
			t.Fatalf("InsertOrder %s: %v", o.ID, err)
		}
	}

	if ok, err := q.RecordFill(ctx, "a", old); err != nil || !ok {
		t.Fatalf("RecordFill = %v, %v", ok, err)
	}
	if ok, err := q.RecordFill(ctx, "a", old); err != nil || ok {
		t.Fatalf("second RecordFill = %v, %v", ok, err)
	}

	got, err := q.UnrecordedFills(ctx, time.Now().UTC().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("UnrecordedFills: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("unrecorded = %v", got)
	}
}
