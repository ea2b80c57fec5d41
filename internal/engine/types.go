// Package engine routes inbound signals through validation, risk and order
// creation.
package engine

import (
	"github.com/shopspring/decimal"
)

// Outcome is the terminal result of routing one signal.
type Outcome string

const (
	OutcomeAccepted         Outcome = "accepted"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeRejected         Outcome = "rejected"
	OutcomeError            Outcome = "error"
)

// Result reports what happened to one signal.
type Result struct {
	Outcome  Outcome         `json:"outcome"`
	SignalID string          `json:"signal_id,omitempty"`
	Errors   []string        `json:"errors,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Quantity decimal.Decimal `json:"quantity"`

	// OrderIDs lists the created orders, parent first for a bracket.
	OrderIDs []string `json:"order_ids,omitempty"`
	Bracket  bool     `json:"bracket"`

	Err error `json:"-"`
}

func failure(signalID string, err error) Result {
	return Result{Outcome: OutcomeError, SignalID: signalID, Reason: err.Error(), Err: err}
}
