// Package signal turns raw strategy payloads into canonical, validated signals.
package signal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"execution-core/pkg/db"
)

// Raw is an inbound signal as sent by a strategy.
type Raw struct {
	Symbol     string              `json:"symbol"`
	Action     string              `json:"action"`
	StrategyID string              `json:"strategy_id"`
	Quantity   decimal.NullDecimal `json:"quantity"`
	Confidence decimal.NullDecimal `json:"confidence"`
	Reason     string              `json:"reason"`
	Price      decimal.NullDecimal `json:"price"`
	StopLoss   decimal.NullDecimal `json:"stop_loss"`
	TakeProfit decimal.NullDecimal `json:"take_profit"`
}

// Normalized is a canonical signal ready for validation and persistence.
type Normalized struct {
	Signal db.Signal
	// ActionDefaulted is set when the raw action was not recognised and the
	// signal fell back to buy.
	ActionDefaulted bool
	RawAction       string
}

var actionAliases = map[string]string{
	"buy":         db.ActionBuy,
	"sell":        db.ActionSell,
	"long_entry":  db.ActionLongEntry,
	"long":        db.ActionLongEntry,
	"enter_long":  db.ActionLongEntry,
	"long_exit":   db.ActionLongExit,
	"exit_long":   db.ActionLongExit,
	"short_entry": db.ActionShortEntry,
	"short":       db.ActionShortEntry,
	"enter_short": db.ActionShortEntry,
	"short_exit":  db.ActionShortExit,
	"exit_short":  db.ActionShortExit,
	"cover":       db.ActionShortExit,
}

// ParseAction maps a free-form action onto the closed action set.
func ParseAction(raw string) (string, bool) {
	a, ok := actionAliases[strings.ToLower(strings.TrimSpace(raw))]
	return a, ok
}

// Normalizer builds canonical signals and answers duplicate lookups.
type Normalizer struct {
	db    *db.Database
	now   func() time.Time
	newID func() string
}

// NewNormalizer creates a normalizer backed by database.
func NewNormalizer(database *db.Database) *Normalizer {
	return &Normalizer{db: database, now: time.Now, newID: uuid.NewString}
}

// WithClock overrides the time source.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Normalize maps raw into a pending signal owned by (userID, portfolioID).
// An unrecognised action becomes buy with ActionDefaulted set.
func (n *Normalizer) Normalize(raw Raw, userID, portfolioID string) Normalized {
	action, ok := ParseAction(raw.Action)
	if !ok {
		action = db.ActionBuy
	}
	symbol := strings.ToUpper(strings.TrimSpace(raw.Symbol))
	strategyID := strings.TrimSpace(raw.StrategyID)
	now := n.now().UTC()

	return Normalized{
		Signal: db.Signal{
			ID:             n.newID(),
			IdempotencyKey: Fingerprint(symbol, action, strategyID, now),
			UserID:         userID,
			PortfolioID:    portfolioID,
			StrategyID:     strategyID,
			Symbol:         symbol,
			Action:         action,
			Quantity:       raw.Quantity,
			Price:          raw.Price,
			StopLoss:       raw.StopLoss,
			TakeProfit:     raw.TakeProfit,
			Confidence:     raw.Confidence,
			Reason:         strings.TrimSpace(raw.Reason),
			Status:         db.SignalPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		ActionDefaulted: !ok,
		RawAction:       raw.Action,
	}
}

// Fingerprint derives the idempotency key: signals for the same symbol,
// action and strategy within one wall-clock minute share a key.
func Fingerprint(symbol, action, strategyID string, t time.Time) string {
	bucket := t.Unix() / 60
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", symbol, action, strategyID, bucket)))
	return hex.EncodeToString(sum[:])
}

// IsDuplicate reports whether a signal with key was already recorded.
func (n *Normalizer) IsDuplicate(ctx context.Context, key string) (bool, error) {
	return n.db.Queries().SignalKeyExists(ctx, key)
}
