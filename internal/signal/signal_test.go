package signal

import (
	"context"
	"strings"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"execution-core/pkg/db"
	"execution-core/pkg/db/dbtest"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func nd(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func TestNormalizeActions(t *testing.T) {
	n := NewNormalizer(nil).WithClock(fixedClock(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)))

	tests := []struct {
		raw       string
		want      string
		defaulted bool
	}{
		{"buy", db.ActionBuy, false},
		{"  SELL ", db.ActionSell, false},
		{"long", db.ActionLongEntry, false},
		{"enter_long", db.ActionLongEntry, false},
		{"exit_long", db.ActionLongExit, false},
		{"short", db.ActionShortEntry, false},
		{"cover", db.ActionShortExit, false},
		{"short_exit", db.ActionShortExit, false},
		{"yolo", db.ActionBuy, true},
		{"", db.ActionBuy, true},
	}
	for _, tt := range tests {
		got := n.Normalize(Raw{Symbol: "aapl", Action: tt.raw, StrategyID: "s1"}, "u1", "p1")
		if got.Signal.Action != tt.want || got.ActionDefaulted != tt.defaulted {
			t.Errorf("Normalize(%q) = %s defaulted=%v, want %s defaulted=%v",
				tt.raw, got.Signal.Action, got.ActionDefaulted, tt.want, tt.defaulted)
		}
		if got.Signal.Symbol != "AAPL" {
			t.Errorf("symbol not upper-cased: %s", got.Signal.Symbol)
		}
		if got.Signal.Status != db.SignalPending {
			t.Errorf("status=%s, expected pending", got.Signal.Status)
		}
	}
}

func TestFingerprintMinuteBucket(t *testing.T) {
	base := time.Date(2026, 3, 2, 15, 0, 5, 0, time.UTC)
	a := Fingerprint("AAPL", "buy", "s1", base)
	b := Fingerprint("AAPL", "buy", "s1", base.Add(50*time.Second))
	c := Fingerprint("AAPL", "buy", "s1", base.Add(60*time.Second))
	d := Fingerprint("AAPL", "sell", "s1", base)

	if a != b {
		t.Fatalf("same minute must share a key")
	}
	if a == c {
		t.Fatalf("next minute must change the key")
	}
	if a == d {
		t.Fatalf("action must be part of the key")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}
}

func TestIsDuplicate(t *testing.T) {
	database := dbtest.New(t)
	ctx := context.Background()
	n := NewNormalizer(database).WithClock(fixedClock(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)))

	norm := n.Normalize(Raw{Symbol: "AAPL", Action: "buy", StrategyID: "s1"}, "u1", "p1")
	dup, err := n.IsDuplicate(ctx, norm.Signal.IdempotencyKey)
	if err != nil || dup {
		t.Fatalf("IsDuplicate before insert = %v, %v", dup, err)
	}
	if err := database.Queries().InsertSignal(ctx, &norm.Signal); err != nil {
		t.Fatalf("InsertSignal: %v", err)
	}
	dup, err = n.IsDuplicate(ctx, norm.Signal.IdempotencyKey)
	if err != nil || !dup {
		t.Fatalf("IsDuplicate after insert = %v, %v", dup, err)
	}
}

func TestValidate(t *testing.T) {
	database := dbtest.New(t)
	dbtest.SeedStrategy(t, database, "s1")
	ctx := context.Background()
	n := NewNormalizer(database)
	v := NewValidator(database)

	tests := []struct {
		name     string
		raw      Raw
		ok       bool
		errSub   string
		warnings int
	}{
		{"valid", Raw{Symbol: "AAPL", Action: "buy", StrategyID: "s1", Quantity: nd("10")}, true, "", 0},
		{"dotted symbol", Raw{Symbol: "BRK.B", Action: "sell", StrategyID: "s1"}, true, "", 0},
		{"symbol too long", Raw{Symbol: "ABCDEFGHIJK", Action: "buy", StrategyID: "s1"}, false, "invalid symbol", 0},
		{"symbol bad char", Raw{Symbol: "AA/PL", Action: "buy", StrategyID: "s1"}, false, "invalid symbol", 0},
		{"unknown strategy", Raw{Symbol: "AAPL", Action: "buy", StrategyID: "nope"}, false, "not found", 0},
		{"zero quantity", Raw{Symbol: "AAPL", Action: "buy", StrategyID: "s1", Quantity: nd("0")}, false, "quantity must be positive", 0},
		{"negative stop", Raw{Symbol: "AAPL", Action: "buy", StrategyID: "s1", StopLoss: nd("-1")}, false, "stop_loss", 0},
		{"negative target", Raw{Symbol: "AAPL", Action: "buy", StrategyID: "s1", TakeProfit: nd("-1")}, false, "take_profit", 0},
		{"confidence out of range warns", Raw{Symbol: "AAPL", Action: "buy", StrategyID: "s1", Confidence: nd("150")}, true, "", 1},
		{"unknown action rejected", Raw{Symbol: "AAPL", Action: "moon", StrategyID: "s1"}, false, "unknown action", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.Validate(ctx, n.Normalize(tt.raw, "u1", "p1"))
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if res.OK != tt.ok {
				t.Fatalf("OK=%v errors=%v", res.OK, res.Errors)
			}
			if tt.errSub != "" && !strings.Contains(strings.Join(res.Errors, ";"), tt.errSub) {
				t.Fatalf("errors %v do not mention %q", res.Errors, tt.errSub)
			}
			if len(res.Warnings) != tt.warnings {
				t.Fatalf("warnings=%v", res.Warnings)
			}
		})
	}
}

func TestValidateAllowsDefaultedActionWhenConfigured(t *testing.T) {
	database := dbtest.New(t)
	dbtest.SeedStrategy(t, database, "s1")
	v := NewValidator(database)
	v.AllowDefaultedAction = true

	norm := NewNormalizer(database).Normalize(Raw{Symbol: "AAPL", Action: "moon", StrategyID: "s1"}, "u1", "p1")
	res, err := v.Validate(context.Background(), norm)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.OK || norm.Signal.Action != db.ActionBuy {
		t.Fatalf("expected defaulted buy to pass, got %+v action=%s", res, norm.Signal.Action)
	}
}

func TestRedisClaimerReportsUnreachableServer(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	c := NewRedisClaimerFromClient(client)

	ok, err := c.Claim(context.Background(), "k")
	if err == nil || ok {
		t.Fatalf("expected claim failure, got ok=%v err=%v", ok, err)
	}
}
