package bracket

import (
	"errors"

	"execution-core/pkg/db"
)

var (
	ErrNotBracketParent = errors.New("order is not a bracket parent")
	ErrParentNotFilled  = errors.New("bracket parent is not filled")
)

// Activation outcomes.
const (
	StatusActivated      = "activated"
	StatusPartialFailure = "partial_failure"
	StatusFailed         = "failed"
	StatusNoop           = "noop"
)

// ActivationResult reports one run of leg activation for a parent.
type ActivationResult struct {
	ParentID  string   `json:"parent_id"`
	Status    string   `json:"status"`
	Activated []string `json:"activated"`
	Rejected  []string `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
}

// OCOResult reports the sibling cancellations caused by one filled leg.
type OCOResult struct {
	FilledChildID string   `json:"filled_child_id"`
	Canceled      []string `json:"canceled"`
	Failures      []string `json:"failures,omitempty"`
	// Anomaly is set when another leg of the bracket had already filled.
	Anomaly bool `json:"anomaly,omitempty"`
}

// CancelResult reports a whole-bracket cancellation.
type CancelResult struct {
	ParentID string   `json:"parent_id"`
	Canceled []string `json:"canceled"`
	Failures []string `json:"failures,omitempty"`
}

// Status is a read-only projection of one bracket.
type Status struct {
	Parent        *db.Order   `json:"parent"`
	Children      []*db.Order `json:"children"`
	BracketActive bool        `json:"bracket_active"`
	FilledLeg     string      `json:"filled_leg,omitempty"`
}

// Stats aggregates brackets created in a window.
type Stats struct {
	Total          int     `json:"total"`
	ParentsFilled  int     `json:"parents_filled"`
	Active         int     `json:"active"`
	StopLossHits   int     `json:"stop_loss_hits"`
	TakeProfitHits int     `json:"take_profit_hits"`
	Failed         int     `json:"failed"`
	Anomalies      int     `json:"anomalies"`
	WinRate        float64 `json:"win_rate"`
}
