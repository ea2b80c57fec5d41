package signal

import (
	"context"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"execution-core/pkg/db"
)

var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9.\-]{1,10}$`)

var (
	confidenceMin = decimal.Zero
	confidenceMax = decimal.NewFromInt(100)
)

// ValidationResult lists hard errors and soft warnings for one signal.
type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validator checks signal fields before risk evaluation.
type Validator struct {
	db *db.Database
	// AllowDefaultedAction accepts signals whose action fell back to buy.
	AllowDefaultedAction bool
}

// NewValidator creates a validator that looks strategies up in database.
func NewValidator(database *db.Database) *Validator {
	return &Validator{db: database}
}

// Validate checks n. The error is reserved for lookup failures.
func (v *Validator) Validate(ctx context.Context, n Normalized) (ValidationResult, error) {
	var res ValidationResult
	s := n.Signal

	if !symbolPattern.MatchString(s.Symbol) {
		res.Errors = append(res.Errors, fmt.Sprintf("invalid symbol %q", s.Symbol))
	}
	if n.ActionDefaulted && !v.AllowDefaultedAction {
		res.Errors = append(res.Errors, fmt.Sprintf("unknown action %q", n.RawAction))
	}

	if s.StrategyID == "" {
		res.Errors = append(res.Errors, "strategy_id is required")
	} else {
		ok, err := v.db.Queries().StrategyExists(ctx, s.StrategyID)
		if err != nil {
			return res, err
		}
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("strategy %q not found", s.StrategyID))
		}
	}

	checkPositive := func(name string, d decimal.NullDecimal) {
		if d.Valid && !d.Decimal.IsPositive() {
			res.Errors = append(res.Errors, name+" must be positive")
		}
	}
	checkPositive("quantity", s.Quantity)
	checkPositive("price", s.Price)
	checkPositive("stop_loss", s.StopLoss)
	checkPositive("take_profit", s.TakeProfit)

	if s.Confidence.Valid {
		c := s.Confidence.Decimal
		if c.LessThan(confidenceMin) || c.GreaterThan(confidenceMax) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("confidence %s outside [0,100]", c))
		}
	}

	res.OK = len(res.Errors) == 0
	return res, nil
}
