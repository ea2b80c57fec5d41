package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/db"
)

// Rejection reasons. Dynamic details are appended after the fixed prefix.
const (
	ReasonOutsideHours      = "Outside trading hours"
	ReasonOrdersPerHour     = "Max orders per hour exceeded"
	ReasonOrdersPerDay      = "Max orders per day exceeded"
	ReasonOpenPositions     = "Max open positions reached"
	ReasonDailyDrawdown     = "Daily drawdown limit exceeded"
	ReasonWeeklyDrawdown    = "Weekly drawdown limit exceeded"
	ReasonAccountDrawdown   = "Account drawdown limit exceeded"
	ReasonSymbolExposure    = "Symbol exposure limit exceeded"
	ReasonTotalExposure     = "Total exposure limit exceeded"
	ReasonPositionSize      = "Position size exceeds limit"
	ReasonBuyingPower       = "Insufficient buying power"
	ReasonNoPosition        = "No open position to exit"
	ReasonEvaluationFailure = "Risk evaluation failed"
)

// Decision is the result of one admission-control evaluation.
type Decision struct {
	Approved          bool            `json:"approved"`
	Reason            string          `json:"reason"`
	SuggestedQuantity decimal.Decimal `json:"suggested_quantity"`
}

func reject(reason string) Decision {
	return Decision{Approved: false, Reason: reason, SuggestedQuantity: decimal.Zero}
}

func approve(qty decimal.Decimal) Decision {
	return Decision{Approved: true, Reason: "approved", SuggestedQuantity: qty}
}

// Stats tracks evaluation counters.
type Stats struct {
	ChecksTotal       uint64 `json:"checks_total"`
	RejectionsTotal   uint64 `json:"rejections_total"`
	CheckLatencyNanos uint64 `json:"check_latency_nanos"` // Sum of latencies
	CheckLatencyCount uint64 `json:"check_latency_count"` // Number of checks
}

// DefaultLimits returns the limits created lazily for a new (user, portfolio).
func DefaultLimits(userID, portfolioID string, now time.Time) db.RiskLimit {
	return db.RiskLimit{
		UserID:             userID,
		PortfolioID:        portfolioID,
		MaxDailyDrawdown:   decimal.RequireFromString("0.05"),
		MaxWeeklyDrawdown:  decimal.RequireFromString("0.10"),
		MaxAccountDrawdown: decimal.RequireFromString("0.20"),
		MaxPositionSize:    decimal.RequireFromString("0.10"),
		MaxSymbolExposure:  decimal.RequireFromString("0.20"),
		MaxSectorExposure:  decimal.RequireFromString("0.30"),
		MaxTotalExposure:   decimal.RequireFromString("1.00"),
		MaxOrdersPerHour:   10,
		MaxOrdersPerDay:    50,
		MaxOpenPositions:   10,
		TradingStart:       "09:30",
		TradingEnd:         "16:00",
		AllowExtendedHours: false,
		UpdatedAt:          now.UTC(),
	}
}
