// Package dbtest opens migrated in-memory databases for tests.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"execution-core/pkg/db"
)

// New returns a migrated in-memory SQLite database closed at test end.
func New(t testing.TB) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return database
}

// SeedStrategy registers an active strategy.
func SeedStrategy(t testing.TB, database *db.Database, id string) {
	t.Helper()
	err := database.Queries().UpsertStrategy(context.Background(), &db.Strategy{
		ID: id, Name: id, IsActive: true, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed strategy: %v", err)
	}
}

// InsertSignal stores a pending signal for user u1 / portfolio p1.
func InsertSignal(t testing.TB, database *db.Database, symbol, action, strategyID string) *db.Signal {
	t.Helper()
	now := time.Now().UTC()
	s := &db.Signal{
		ID:             uuid.NewString(),
		IdempotencyKey: uuid.NewString(),
		UserID:         "u1",
		PortfolioID:    "p1",
		StrategyID:     strategyID,
		Symbol:         symbol,
		Action:         action,
		Status:         db.SignalPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := database.Queries().InsertSignal(context.Background(), s); err != nil {
		t.Fatalf("insert signal: %v", err)
	}
	return s
}

// Order builds an unsaved market order owned by u1 / p1.
func Order(symbol, side, qty string) *db.Order {
	now := time.Now().UTC()
	return &db.Order{
		ID:          uuid.NewString(),
		SignalID:    "sig",
		UserID:      "u1",
		PortfolioID: "p1",
		StrategyID:  "s1",
		Symbol:      symbol,
		Side:        side,
		Quantity:    decimal.RequireFromString(qty),
		Type:        "market",
		Status:      db.OrderNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Insert stores o.
func Insert(t testing.TB, database *db.Database, o *db.Order) *db.Order {
	t.Helper()
	if err := database.Queries().InsertOrder(context.Background(), o); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	return o
}

// Reload reads an order back.
func Reload(t testing.TB, database *db.Database, id string) *db.Order {
	t.Helper()
	o, err := database.Queries().GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("get order %s: %v", id, err)
	}
	return o
}
