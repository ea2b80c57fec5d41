package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "DB_DRIVER", "BROKER", "PROCESS_INTERVAL", "STRICT_ACTIONS", "PAPER_PRICES", "QUOTE_TTL"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.DBDriver != "sqlite" || cfg.Broker != "paper" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ProcessInterval != 30*time.Second || cfg.ReconcileInterval != 15*time.Minute {
		t.Fatalf("unexpected intervals: %v %v", cfg.ProcessInterval, cfg.ReconcileInterval)
	}
	if !cfg.StrictActions {
		t.Fatalf("unknown actions must be rejected by default")
	}
	if cfg.QuoteTTL != 2*time.Second {
		t.Fatalf("quote ttl = %v", cfg.QuoteTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FILL_INTERVAL", "5s")
	t.Setenv("CLEANUP_INTERVAL", "not-a-duration")
	t.Setenv("PAPER_PRICES", "aapl=100, msft=410.5,bad,neg=-1")
	t.Setenv("PAPER_CASH", "2500.50")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FillInterval != 5*time.Second {
		t.Fatalf("FillInterval=%v", cfg.FillInterval)
	}
	if cfg.CleanupInterval != 30*time.Minute {
		t.Fatalf("invalid duration should fall back, got %v", cfg.CleanupInterval)
	}
	if len(cfg.PaperPrices) != 2 || cfg.PaperPrices["MSFT"].String() != "410.5" {
		t.Fatalf("PaperPrices=%v", cfg.PaperPrices)
	}
	if cfg.PaperCash.String() != "2500.5" {
		t.Fatalf("PaperCash=%s", cfg.PaperCash)
	}
}

func TestLoadStrategies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategies.yaml")
	content := `
strategies:
  - id: s1
    name: Momentum
    exit_rules: {stop_loss_pct: 0.03, take_profit_pct: 0.06, trailing_enabled: true}
  - id: s2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	seeds, err := LoadStrategies(path)
	if err != nil {
		t.Fatalf("LoadStrategies: %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("got %d seeds", len(seeds))
	}
	if seeds[0].ExitRules == nil || !seeds[0].ExitRules.TrailingEnabled || seeds[0].ExitRules.StopLossPct != 0.03 {
		t.Fatalf("exit rules not parsed: %+v", seeds[0].ExitRules)
	}
	if seeds[1].Name != "s2" || seeds[1].ExitRules != nil {
		t.Fatalf("second seed: %+v", seeds[1])
	}

	missing, err := LoadStrategies(filepath.Join(dir, "nope.yaml"))
	if err != nil || missing != nil {
		t.Fatalf("missing file should yield no seeds, got %v %v", missing, err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	_ = os.WriteFile(bad, []byte("strategies:\n  - name: no-id\n"), 0o644)
	if _, err := LoadStrategies(bad); err == nil {
		t.Fatalf("expected error for strategy without id")
	}
}
