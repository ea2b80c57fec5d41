// Package reconciliation repairs bracket state that drifted from the broker
// or from the bracket invariants.
package reconciliation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/bracket"
	"execution-core/internal/metrics"
	"execution-core/internal/order"
	"execution-core/pkg/db"
)

// Pass thresholds.
const (
	PendingActivationAge = 5 * time.Minute
	StaleChildAge        = 10 * time.Minute
	LedgerReplayAge      = time.Minute

	ledgerReplayBatch = 100
)

// Pass names.
const (
	PassPendingActivation = "pending_activation"
	PassInconsistentLegs  = "inconsistent_children"
	PassBrokenOCO         = "broken_oco"
	PassOrphans           = "orphan_cleanup"
	PassLedgerReplay      = "ledger_replay"
)

// PassReport is the outcome of one pass.
type PassReport struct {
	Name      string   `json:"name"`
	Processed int      `json:"processed"`
	Fixed     int      `json:"fixed"`
	Errors    []string `json:"errors"`
}

func (r *PassReport) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Anomaly is an invariant violation that needs an operator.
type Anomaly struct {
	Kind     string   `json:"kind"`
	ParentID string   `json:"parent_id"`
	OrderIDs []string `json:"order_ids"`
	Detail   string   `json:"detail"`
}

// CycleReport aggregates the passes of one cycle.
type CycleReport struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Passes     []PassReport  `json:"passes"`
	Anomalies  []Anomaly     `json:"anomalies"`
	TotalFixed int           `json:"total_fixed"`
	ErrorCount int           `json:"error_count"`
}

// Service runs reconciliation cycles. Cycles never overlap.
type Service struct {
	db      *db.Database
	orders  *order.Processor
	bracket *bracket.Processor
	ledger  order.FillListener
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.Mutex
	last *CycleReport
}

// NewService builds a reconciler repairing brackets through br and re-syncing
// orders through orders.
func NewService(database *db.Database, orders *order.Processor, br *bracket.Processor, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:      database,
		orders:  orders,
		bracket: br,
		log:     logger.Named("reconciliation"),
		metrics: m,
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithLedger enables replay of fills that never reached the position ledger.
func (s *Service) WithLedger(l order.FillListener) *Service {
	s.ledger = l
	return s
}

// LastReport returns the most recent cycle report, if any.
func (s *Service) LastReport() *CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// RunCycle runs every pass once. Each pass is independent: a failing pass is
// recorded and the next one still runs.
func (s *Service) RunCycle(ctx context.Context) CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := CycleReport{StartedAt: s.now().UTC()}
	start := time.Now()

	report.Passes = append(report.Passes, s.repairPendingActivation(ctx))
	report.Passes = append(report.Passes, s.repairInconsistentChildren(ctx))
	oco, anomalies := s.repairBrokenOCO(ctx)
	report.Passes = append(report.Passes, oco)
	report.Anomalies = anomalies
	report.Passes = append(report.Passes, s.cleanupOrphans(ctx))
	report.Passes = append(report.Passes, s.replayLedger(ctx))

	for _, p := range report.Passes {
		report.TotalFixed += p.Fixed
		report.ErrorCount += len(p.Errors)
		s.metrics.Reconciled(p.Name, p.Fixed)
	}
	report.Duration = time.Since(start)

	if report.TotalFixed > 0 || report.ErrorCount > 0 || len(report.Anomalies) > 0 {
		s.log.Info("reconciliation cycle",
			zap.Int("fixed", report.TotalFixed),
			zap.Int("errors", report.ErrorCount),
			zap.Int("anomalies", len(report.Anomalies)),
			zap.Duration("duration", report.Duration),
		)
	}
	s.last = &report
	return report
}

// repairPendingActivation re-runs activation for parents filled a while ago
// whose legs never left pending_parent.
func (s *Service) repairPendingActivation(ctx context.Context) PassReport {
	rep := PassReport{Name: PassPendingActivation}
	parents, err := s.db.Queries().FilledParentsAwaitingActivation(ctx, s.now().Add(-PendingActivationAge))
	if err != nil {
		rep.errorf("list parents: %v", err)
		return rep
	}
	for _, p := range parents {
		rep.Processed++
		res, err := s.bracket.ActivateChildren(ctx, p.ID)
		if err != nil {
			rep.errorf("%s: %v", p.ID, err)
			continue
		}
		rep.Fixed += len(res.Activated)
		for _, e := range res.Errors {
			rep.errorf("%s", e)
		}
		for _, id := range res.Rejected {
			rep.errorf("%s: leg %s rejected on activation", p.ID, id)
		}
	}
	return rep
}

// repairInconsistentChildren re-queries live legs that have not changed in
// a while and folds the broker's answer back in. A fill found here is
// dispatched like any other fill so OCO runs.
func (s *Service) repairInconsistentChildren(ctx context.Context) PassReport {
	rep := PassReport{Name: PassInconsistentLegs}
	legs, err := s.db.Queries().StaleChildren(ctx, []string{db.OrderSent, db.OrderAccepted}, s.now().Add(-StaleChildAge))
	if err != nil {
		rep.errorf("list legs: %v", err)
		return rep
	}
	exec := s.orders.Executor()
	for _, leg := range legs {
		rep.Processed++
		snap := exec.GetOrderStatus(ctx, leg)
		if snap == nil {
			continue
		}
		filled, changed, err := s.orders.SyncOrder(ctx, leg.ID, *snap)
		if err != nil {
			rep.errorf("%s: %v", leg.ID, err)
			continue
		}
		if changed {
			rep.Fixed++
		}
		if filled != nil {
			for _, e := range s.orders.DispatchFill(ctx, filled) {
				rep.errorf("%s", e)
			}
		}
	}
	return rep
}

// repairBrokenOCO re-applies OCO to brackets with a filled leg and a live
// sibling. Brackets with more than one filled leg are reported, not touched.
func (s *Service) repairBrokenOCO(ctx context.Context) (PassReport, []Anomaly) {
	rep := PassReport{Name: PassBrokenOCO}
	q := s.db.Queries()
	parentIDs, err := q.ParentsWithFilledChild(ctx)
	if err != nil {
		rep.errorf("list brackets: %v", err)
		return rep, nil
	}

	var anomalies []Anomaly
	for _, parentID := range parentIDs {
		rep.Processed++
		legs, err := q.ChildrenOf(ctx, parentID)
		if err != nil {
			rep.errorf("%s: %v", parentID, err)
			continue
		}
		var filled []string
		live := 0
		for _, l := range legs {
			switch {
			case l.Status == db.OrderFilled:
				filled = append(filled, l.ID)
			case !l.IsTerminal():
				live++
			}
		}
		if len(filled) > 1 {
			a := Anomaly{
				Kind:     "multiple_filled_legs",
				ParentID: parentID,
				OrderIDs: filled,
				Detail:   fmt.Sprintf("%d legs filled in one bracket; manual intervention required", len(filled)),
			}
			anomalies = append(anomalies, a)
			s.metrics.Anomaly(a.Kind)
			s.log.Error("bracket invariant violated",
				zap.Bool("critical", true),
				zap.String("parent_id", parentID),
				zap.Strings("filled_legs", filled),
			)
			continue
		}
		if len(filled) == 0 || live == 0 {
			continue
		}
		res, err := s.bracket.ApplyOCO(ctx, filled[0])
		if err != nil {
			rep.errorf("%s: %v", parentID, err)
			continue
		}
		rep.Fixed += len(res.Canceled)
		for _, f := range res.Failures {
			rep.errorf("%s", f)
		}
	}
	return rep, anomalies
}

// cleanupOrphans detaches legs whose parent is not a bracket parent and
// clears the parent flag of brackets without legs.
func (s *Service) cleanupOrphans(ctx context.Context) PassReport {
	rep := PassReport{Name: PassOrphans}
	q := s.db.Queries()
	exec := s.orders.Executor()

	orphans, err := q.OrphanChildren(ctx)
	if err != nil {
		rep.errorf("list orphans: %v", err)
	}
	for _, o := range orphans {
		rep.Processed++
		err := s.db.WithOrderLock(ctx, o.ID, func(q *db.Queries, o *db.Order) error {
			if !o.IsChild() {
				return nil
			}
			parentID := o.ParentOrderID
			if !o.IsTerminal() {
				o.AppendNote("orphaned leg canceled")
				if !exec.CancelOrder(ctx, q, o) {
					return fmt.Errorf("cancel orphaned leg at broker")
				}
			}
			o.ParentOrderID = ""
			o.Leg = ""
			o.AppendNote("detached from missing parent " + parentID)
			o.Touch(s.now())
			return q.UpdateOrder(ctx, o)
		})
		if err != nil {
			rep.errorf("%s: %v", o.ID, err)
			continue
		}
		rep.Fixed++
		s.log.Warn("orphaned leg detached", zap.String("order_id", o.ID), zap.String("parent_id", o.ParentOrderID))
	}

	parents, err := q.ChildlessParents(ctx)
	if err != nil {
		rep.errorf("list childless parents: %v", err)
		return rep
	}
	for _, p := range parents {
		rep.Processed++
		err := s.db.WithOrderLock(ctx, p.ID, func(q *db.Queries, o *db.Order) error {
			o.IsBracketParent = false
			o.AppendNote("bracket flag cleared: no legs")
			o.Touch(s.now())
			return q.UpdateOrder(ctx, o)
		})
		if err != nil {
			rep.errorf("%s: %v", p.ID, err)
			continue
		}
		rep.Fixed++
		s.log.Warn("childless bracket parent cleared", zap.String("order_id", p.ID))
	}
	return rep
}

// replayLedger re-applies fills whose ledger write failed after the fill
// committed. The ledger records each fill at most once.
func (s *Service) replayLedger(ctx context.Context) PassReport {
	rep := PassReport{Name: PassLedgerReplay}
	if s.ledger == nil {
		return rep
	}
	fills, err := s.db.Queries().UnrecordedFills(ctx, s.now().Add(-LedgerReplayAge), ledgerReplayBatch)
	if err != nil {
		rep.errorf("list unrecorded fills: %v", err)
		return rep
	}
	for _, o := range fills {
		rep.Processed++
		if err := s.ledger.OnOrderFilled(ctx, o); err != nil {
			rep.errorf("%s: %v", o.ID, err)
			continue
		}
		rep.Fixed++
		s.log.Warn("ledger fill replayed", zap.String("order_id", o.ID), zap.String("symbol", o.Symbol))
	}
	return rep
}
