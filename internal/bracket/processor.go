// Package bracket drives the exit legs of bracket orders: activation once the
// entry fills and one-cancels-other once a leg fills.
package bracket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/metrics"
	"execution-core/internal/order"
	"execution-core/pkg/db"
)

// Processor implements the bracket state machine. It holds no bracket-wide
// lock: each leg is mutated under its own row lock and every step re-checks
// the leg's status, so repeated invocation is harmless.
type Processor struct {
	db      *db.Database
	exec    *order.Executor
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewProcessor builds a bracket processor submitting and canceling legs
// through exec.
func NewProcessor(database *db.Database, exec *order.Executor, logger *zap.Logger, m *metrics.Metrics) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{db: database, exec: exec, log: logger.Named("bracket"), metrics: m, now: time.Now}
}

// WithClock overrides the time source.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// OnOrderFilled activates legs when a parent fills and applies OCO when a
// leg fills.
func (p *Processor) OnOrderFilled(ctx context.Context, o *db.Order) error {
	switch {
	case o.IsBracketParent:
		_, err := p.ActivateChildren(ctx, o.ID)
		return err
	case o.IsChild():
		_, err := p.ApplyOCO(ctx, o.ID)
		return err
	}
	return nil
}

// ActivateChildren submits every leg of parentID still waiting on the parent.
func (p *Processor) ActivateChildren(ctx context.Context, parentID string) (ActivationResult, error) {
	res := ActivationResult{ParentID: parentID, Status: StatusNoop}
	children, err := p.db.Queries().ChildrenOf(ctx, parentID)
	if err != nil {
		return res, fmt.Errorf("load legs of %s: %w", parentID, err)
	}

	attempted := 0
	for _, c := range children {
		if c.Status != db.OrderPendingParent {
			continue
		}
		var (
			submitted bool
			submitErr error
		)
		err := p.db.WithOrderLock(ctx, c.ID, func(q *db.Queries, o *db.Order) error {
			if o.Status != db.OrderPendingParent {
				return nil
			}
			attempted++
			now := p.now().UTC()
			o.RetryCount++
			brokerID, err := p.exec.Submit(ctx, o)
			if err != nil {
				submitErr = err
				o.Status = db.OrderRejected
				o.LastError = err.Error()
				o.AppendNote("activation failed: " + err.Error())
			} else {
				submitted = true
				o.Status = db.OrderSent
				o.BrokerOrderID = brokerID
				o.LastError = ""
				o.SubmittedAt = &now
			}
			o.Touch(now)
			return q.UpdateOrder(ctx, o)
		})
		switch {
		case err != nil:
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", c.ID, err))
			p.log.Error("activate leg", zap.String("order_id", c.ID), zap.Error(err))
		case submitted:
			res.Activated = append(res.Activated, c.ID)
		case submitErr != nil:
			res.Rejected = append(res.Rejected, c.ID)
			p.log.Warn("leg activation rejected",
				zap.String("parent_id", parentID),
				zap.String("order_id", c.ID),
				zap.String("leg", c.Leg),
				zap.Error(submitErr),
			)
		}
	}

	failed := len(res.Rejected) + len(res.Errors)
	switch {
	case attempted == 0 && len(res.Errors) == 0:
		res.Status = StatusNoop
	case failed == 0:
		res.Status = StatusActivated
	case len(res.Activated) == 0:
		res.Status = StatusFailed
	default:
		res.Status = StatusPartialFailure
	}
	if res.Status != StatusNoop {
		p.metrics.BracketActivation(res.Status)
		p.log.Info("bracket activation",
			zap.String("parent_id", parentID),
			zap.String("status", res.Status),
			zap.Int("activated", len(res.Activated)),
			zap.Int("rejected", len(res.Rejected)),
		)
	}
	return res, nil
}

// ApplyOCO cancels every non-terminal sibling of a filled leg, including a
// leg waiting in new to be re-armed. Failed cancellations are reported and
// left for reconciliation.
func (p *Processor) ApplyOCO(ctx context.Context, filledChildID string) (OCOResult, error) {
	res := OCOResult{FilledChildID: filledChildID}
	q := p.db.Queries()
	child, err := q.GetOrder(ctx, filledChildID)
	if err != nil {
		return res, err
	}
	if !child.IsChild() {
		return res, fmt.Errorf("order %s is not a bracket leg", filledChildID)
	}
	siblings, err := q.ChildrenOf(ctx, child.ParentOrderID)
	if err != nil {
		return res, fmt.Errorf("load legs of %s: %w", child.ParentOrderID, err)
	}

	for _, s := range siblings {
		if s.ID == child.ID {
			continue
		}
		if s.Status == db.OrderFilled {
			res.Anomaly = true
			continue
		}
		if s.IsTerminal() {
			continue
		}
		canceled, err := p.cancelLeg(ctx, s.ID, fmt.Sprintf("OCO: canceled after %s leg %s filled", child.Leg, child.ID))
		switch {
		case err != nil:
			res.Failures = append(res.Failures, fmt.Sprintf("%s: %v", s.ID, err))
		case canceled:
			res.Canceled = append(res.Canceled, s.ID)
		}
	}

	if res.Anomaly {
		p.metrics.Anomaly("multiple_filled_legs")
		p.log.Error("multiple bracket legs filled",
			zap.Bool("critical", true),
			zap.String("parent_id", child.ParentOrderID),
			zap.String("order_id", child.ID),
		)
	}
	if len(res.Canceled) > 0 || len(res.Failures) > 0 {
		p.log.Info("oco applied",
			zap.String("parent_id", child.ParentOrderID),
			zap.String("filled_leg", child.Leg),
			zap.Strings("canceled", res.Canceled),
			zap.Strings("failures", res.Failures),
		)
	}
	return res, nil
}

var errCancelRefused = errors.New("broker refused cancel")

// cancelLeg cancels one live leg under its lock. It reports false without an
// error when the leg was no longer cancelable.
func (p *Processor) cancelLeg(ctx context.Context, id, note string) (bool, error) {
	var canceled bool
	err := p.db.WithOrderLock(ctx, id, func(q *db.Queries, o *db.Order) error {
		if o.IsTerminal() {
			return nil
		}
		o.AppendNote(note)
		if !p.exec.CancelOrder(ctx, q, o) {
			return errCancelRefused
		}
		canceled = true
		return nil
	})
	p.metrics.OCOCancel(err == nil)
	return canceled, err
}

// BracketStatus returns the parent, its legs and whether a leg is still live
// or queued for resubmission.
func (p *Processor) BracketStatus(ctx context.Context, parentID string) (*Status, error) {
	q := p.db.Queries()
	parent, err := q.GetOrder(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if !parent.IsBracketParent {
		return nil, ErrNotBracketParent
	}
	children, err := q.ChildrenOf(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("load legs of %s: %w", parentID, err)
	}
	return project(parent, children), nil
}

func project(parent *db.Order, children []*db.Order) *Status {
	st := &Status{Parent: parent, Children: children}
	for _, c := range children {
		if c.IsActive() || c.Status == db.OrderNew {
			st.BracketActive = true
		}
		if c.Status == db.OrderFilled && st.FilledLeg == "" {
			st.FilledLeg = c.Leg
		}
	}
	return st
}

// ActiveBrackets returns a user's brackets with a leg not yet terminal.
func (p *Processor) ActiveBrackets(ctx context.Context, userID string) ([]*Status, error) {
	parents, err := p.db.Queries().ActiveBracketParents(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*Status, 0, len(parents))
	for _, parent := range parents {
		children, err := p.db.Queries().ChildrenOf(ctx, parent.ID)
		if err != nil {
			return nil, fmt.Errorf("load legs of %s: %w", parent.ID, err)
		}
		out = append(out, project(parent, children))
	}
	return out, nil
}

// ForceActivate re-runs leg activation for a filled parent.
func (p *Processor) ForceActivate(ctx context.Context, parentID string) (ActivationResult, error) {
	parent, err := p.db.Queries().GetOrder(ctx, parentID)
	if err != nil {
		return ActivationResult{ParentID: parentID}, err
	}
	if !parent.IsBracketParent {
		return ActivationResult{ParentID: parentID}, ErrNotBracketParent
	}
	if parent.Status != db.OrderFilled {
		return ActivationResult{ParentID: parentID}, fmt.Errorf("%w: status %s", ErrParentNotFilled, parent.Status)
	}
	p.log.Info("forced bracket activation", zap.String("parent_id", parentID))
	return p.ActivateChildren(ctx, parentID)
}

// CancelBracket cancels the parent, if not yet terminal, and every open leg.
func (p *Processor) CancelBracket(ctx context.Context, parentID string) (CancelResult, error) {
	res := CancelResult{ParentID: parentID}
	q := p.db.Queries()
	parent, err := q.GetOrder(ctx, parentID)
	if err != nil {
		return res, err
	}
	if !parent.IsBracketParent {
		return res, ErrNotBracketParent
	}
	children, err := q.ChildrenOf(ctx, parentID)
	if err != nil {
		return res, fmt.Errorf("load legs of %s: %w", parentID, err)
	}

	for _, o := range append([]*db.Order{parent}, children...) {
		if o.IsTerminal() {
			continue
		}
		canceled, err := p.cancelLeg(ctx, o.ID, "bracket canceled by operator")
		switch {
		case err != nil:
			res.Failures = append(res.Failures, fmt.Sprintf("%s: %v", o.ID, err))
		case canceled:
			res.Canceled = append(res.Canceled, o.ID)
		}
	}
	p.log.Info("bracket canceled",
		zap.String("parent_id", parentID),
		zap.Int("canceled", len(res.Canceled)),
		zap.Int("failures", len(res.Failures)),
	)
	return res, nil
}

// Statistics summarizes brackets created at or after since.
func (p *Processor) Statistics(ctx context.Context, since time.Time) (Stats, error) {
	q := p.db.Queries()
	parents, err := q.BracketParentsSince(ctx, since)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, parent := range parents {
		st.Total++
		switch parent.Status {
		case db.OrderFilled:
			st.ParentsFilled++
		case db.OrderRejected, db.OrderError:
			st.Failed++
		}
		children, err := q.ChildrenOf(ctx, parent.ID)
		if err != nil {
			return Stats{}, fmt.Errorf("load legs of %s: %w", parent.ID, err)
		}
		filled := 0
		for _, c := range children {
			if c.Status != db.OrderFilled {
				continue
			}
			filled++
			switch c.Leg {
			case db.LegStopLoss:
				st.StopLossHits++
			case db.LegTakeProfit:
				st.TakeProfitHits++
			}
		}
		if filled > 1 {
			st.Anomalies++
		}
		if project(parent, children).BracketActive {
			st.Active++
		}
	}
	if closed := st.StopLossHits + st.TakeProfitHits; closed > 0 {
		st.WinRate = float64(st.TakeProfitHits) / float64(closed)
	}
	return st, nil
}
