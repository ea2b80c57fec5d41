package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// StrategySeed is one strategy entry of the seed file.
type StrategySeed struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Inactive  bool           `yaml:"inactive"`
	ExitRules *ExitRulesSeed `yaml:"exit_rules"`
}

// ExitRulesSeed overrides a strategy's default exit rules. Zero fields keep the default.
type ExitRulesSeed struct {
	StopLossPct     float64 `yaml:"stop_loss_pct"`
	TakeProfitPct   float64 `yaml:"take_profit_pct"`
	TrailingStopPct float64 `yaml:"trailing_stop_pct"`
	TrailingEnabled bool    `yaml:"trailing_enabled"`
	RiskRewardRatio float64 `yaml:"risk_reward_ratio"`
}

// Pct converts a seed percentage to decimal, falling back to def when unset.
func Pct(v float64, def decimal.Decimal) decimal.Decimal {
	if v <= 0 {
		return def
	}
	return decimal.NewFromFloat(v)
}

type strategiesFile struct {
	Strategies []StrategySeed `yaml:"strategies"`
}

// LoadStrategies reads the strategy seed YAML. A missing file yields no seeds.
func LoadStrategies(path string) ([]StrategySeed, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read strategies file: %w", err)
	}

	var f strategiesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse strategies file: %w", err)
	}
	for i, s := range f.Strategies {
		if s.ID == "" {
			return nil, fmt.Errorf("strategy #%d: id is required", i+1)
		}
		if s.Name == "" {
			f.Strategies[i].Name = s.ID
		}
	}
	return f.Strategies, nil
}
