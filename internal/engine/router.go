package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/metrics"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/internal/signal"
	"execution-core/pkg/db"
)

// Router takes a raw signal to persisted orders: normalize, dedupe,
// validate, persist, evaluate risk, then create a bracket for entries or a
// single order for exits.
type Router struct {
	db         *db.Database
	normalizer *signal.Normalizer
	validator  *signal.Validator
	risk       *risk.Manager
	orders     *order.Manager
	claimer    signal.Claimer
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Config holds the components a Router composes.
type Config struct {
	DB         *db.Database
	Normalizer *signal.Normalizer
	Validator  *signal.Validator
	Risk       *risk.Manager
	Orders     *order.Manager
	// Claimer is optional.
	Claimer signal.Claimer
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		db:         cfg.DB,
		normalizer: cfg.Normalizer,
		validator:  cfg.Validator,
		risk:       cfg.Risk,
		orders:     cfg.Orders,
		claimer:    cfg.Claimer,
		log:        logger.Named("router"),
		metrics:    cfg.Metrics,
		now:        time.Now,
	}
}

// WithClock overrides the time source used for signal status stamps.
func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

// Process routes raw for (userID, portfolioID). Expected business outcomes
// are reported in the Result; Err is set only for unexpected faults.
func (r *Router) Process(ctx context.Context, raw signal.Raw, userID, portfolioID string) Result {
	res := r.process(ctx, raw, userID, portfolioID)
	r.metrics.Signal(string(res.Outcome))

	fields := []zap.Field{
		zap.String("outcome", string(res.Outcome)),
		zap.String("signal_id", res.SignalID),
		zap.String("symbol", raw.Symbol),
		zap.String("action", raw.Action),
	}
	switch res.Outcome {
	case OutcomeError:
		r.log.Error("signal failed", append(fields, zap.Error(res.Err))...)
	case OutcomeAccepted:
		r.log.Info("signal accepted", append(fields, zap.Strings("order_ids", res.OrderIDs))...)
	default:
		r.log.Info("signal not accepted", append(fields, zap.String("reason", res.Reason), zap.Strings("errors", res.Errors))...)
	}
	return res
}

func (r *Router) process(ctx context.Context, raw signal.Raw, userID, portfolioID string) Result {
	if userID == "" || portfolioID == "" {
		return Result{Outcome: OutcomeValidationFailed, Errors: []string{"user_id and portfolio_id are required"}}
	}
	n := r.normalizer.Normalize(raw, userID, portfolioID)
	sig := n.Signal
	key := sig.IdempotencyKey

	dup, err := r.normalizer.IsDuplicate(ctx, key)
	if err != nil {
		return failure("", fmt.Errorf("duplicate lookup: %w", err))
	}
	if dup {
		return Result{Outcome: OutcomeDuplicate, Reason: "signal already received"}
	}

	if r.claimer != nil {
		owned, err := r.claimer.Claim(ctx, key)
		switch {
		case err != nil:
			// The unique key still catches a concurrent duplicate.
			r.log.Warn("signal claim unavailable", zap.String("key", key), zap.Error(err))
		case !owned:
			return Result{Outcome: OutcomeDuplicate, Reason: "signal in flight on another instance"}
		default:
			defer func() {
				if err := r.claimer.Release(context.WithoutCancel(ctx), key); err != nil {
					r.log.Warn("release signal claim", zap.String("key", key), zap.Error(err))
				}
			}()
		}
	}

	vr, err := r.validator.Validate(ctx, n)
	if err != nil {
		return failure("", fmt.Errorf("validate signal: %w", err))
	}
	if !vr.OK {
		return Result{Outcome: OutcomeValidationFailed, Errors: vr.Errors, Warnings: vr.Warnings, Reason: "validation failed"}
	}

	if err := r.db.Queries().InsertSignal(ctx, &sig); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return Result{Outcome: OutcomeDuplicate, Reason: "signal already received"}
		}
		return failure("", fmt.Errorf("insert signal: %w", err))
	}
	if err := r.setStatus(ctx, &sig, db.SignalValidated, ""); err != nil {
		return failure(sig.ID, err)
	}

	decision := r.risk.Evaluate(ctx, sig)
	if !decision.Approved {
		if err := r.setStatus(ctx, &sig, db.SignalRejected, decision.Reason); err != nil {
			return failure(sig.ID, err)
		}
		return Result{Outcome: OutcomeRejected, SignalID: sig.ID, Reason: decision.Reason, Warnings: vr.Warnings, Quantity: decimal.Zero}
	}

	res := Result{Outcome: OutcomeAccepted, SignalID: sig.ID, Warnings: vr.Warnings, Quantity: decision.SuggestedQuantity}
	if sig.IsEntry() {
		b, err := r.orders.CreateBracketOrderFromSignal(ctx, &sig, decision.SuggestedQuantity)
		if err != nil {
			return failure(sig.ID, fmt.Errorf("create bracket: %w", err))
		}
		res.Bracket = true
		res.OrderIDs = []string{b.Parent.ID, b.StopLoss.ID, b.TakeProfit.ID}
		return res
	}

	sig.ApprovedQuantity = decimal.NewNullDecimal(decision.SuggestedQuantity)
	sig.UpdatedAt = r.now().UTC()
	if err := r.db.Queries().UpdateSignal(ctx, &sig); err != nil {
		return failure(sig.ID, fmt.Errorf("record approved quantity: %w", err))
	}
	o, err := r.orders.CreateOrderFromSignal(ctx, &sig, decision.SuggestedQuantity)
	if err != nil {
		if serr := r.setStatus(ctx, &sig, db.SignalError, err.Error()); serr != nil {
			r.log.Error("mark signal error", zap.String("signal_id", sig.ID), zap.Error(serr))
		}
		return failure(sig.ID, fmt.Errorf("create order: %w", err))
	}
	res.OrderIDs = []string{o.ID}
	return res
}

func (r *Router) setStatus(ctx context.Context, sig *db.Signal, status, reason string) error {
	now := r.now().UTC()
	if err := r.db.Queries().UpdateSignalStatus(ctx, sig.ID, status, reason, now); err != nil {
		return fmt.Errorf("set signal %s %s: %w", sig.ID, status, err)
	}
	sig.Status = status
	sig.StatusReason = reason
	sig.UpdatedAt = now
	return nil
}
