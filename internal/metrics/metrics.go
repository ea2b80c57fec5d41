// Package metrics exposes Prometheus instruments for the execution core.
// All methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the execution core.
type Metrics struct {
	registry *prometheus.Registry

	SignalsTotal        *prometheus.CounterVec   // labels: outcome
	RiskDecisionsTotal  *prometheus.CounterVec   // labels: result
	RiskCheckDuration   prometheus.Histogram
	BrokerSubmissions   *prometheus.CounterVec   // labels: result
	OrderTransitions    *prometheus.CounterVec   // labels: status
	BracketActivations  *prometheus.CounterVec   // labels: status
	OCOCancels          *prometheus.CounterVec   // labels: result
	ReconcileFixed      *prometheus.CounterVec   // labels: pass
	ReconcileAnomalies  *prometheus.CounterVec   // labels: kind
	TrailingAdjustments prometheus.Counter
	LoopDuration        *prometheus.HistogramVec // labels: loop
	LoopErrors          *prometheus.CounterVec   // labels: loop
	PendingOrdersGauge  prometheus.Gauge
	TrackedOrdersGauge  prometheus.Gauge
}

// New creates the metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_signals_total",
			Help: "Signals processed by outcome",
		}, []string{"outcome"}),
		RiskDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_risk_decisions_total",
			Help: "Risk evaluations by result",
		}, []string{"result"}),
		RiskCheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "execcore_risk_check_duration_seconds",
			Help:    "Risk evaluation latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		BrokerSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_broker_submissions_total",
			Help: "Broker order submissions by result",
		}, []string{"result"}),
		OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_order_transitions_total",
			Help: "Order status transitions observed from the broker",
		}, []string{"status"}),
		BracketActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_bracket_activations_total",
			Help: "Bracket child activations by result",
		}, []string{"status"}),
		OCOCancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_oco_cancels_total",
			Help: "Sibling cancellations issued by OCO enforcement",
		}, []string{"result"}),
		ReconcileFixed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_reconcile_fixed_total",
			Help: "Records repaired by reconciliation pass",
		}, []string{"pass"}),
		ReconcileAnomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_reconcile_anomalies_total",
			Help: "Critical invariant violations surfaced by reconciliation",
		}, []string{"kind"}),
		TrailingAdjustments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execcore_trailing_adjustments_total",
			Help: "Trailing stop prices tightened",
		}),
		LoopDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "execcore_loop_duration_seconds",
			Help:    "Background loop iteration latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"loop"}),
		LoopErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execcore_loop_errors_total",
			Help: "Background loop iterations that returned an error",
		}, []string{"loop"}),
		PendingOrdersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execcore_pending_orders",
			Help: "New orders picked up in the last processing batch",
		}),
		TrackedOrdersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execcore_tracked_orders",
			Help: "Live orders polled in the last fill update",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SignalsTotal,
		m.RiskDecisionsTotal,
		m.RiskCheckDuration,
		m.BrokerSubmissions,
		m.OrderTransitions,
		m.BracketActivations,
		m.OCOCancels,
		m.ReconcileFixed,
		m.ReconcileAnomalies,
		m.TrailingAdjustments,
		m.LoopDuration,
		m.LoopErrors,
		m.PendingOrdersGauge,
		m.TrackedOrdersGauge,
	)
	return m
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) Signal(outcome string) {
	if m == nil {
		return
	}
	m.SignalsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RiskDecision(approved bool, d time.Duration) {
	if m == nil {
		return
	}
	label := "approved"
	if !approved {
		label = "rejected"
	}
	m.RiskDecisionsTotal.WithLabelValues(label).Inc()
	m.RiskCheckDuration.Observe(d.Seconds())
}

func (m *Metrics) BrokerSubmission(ok bool) {
	if m == nil {
		return
	}
	m.BrokerSubmissions.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) OrderTransition(status string) {
	if m == nil {
		return
	}
	m.OrderTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) BracketActivation(status string) {
	if m == nil {
		return
	}
	m.BracketActivations.WithLabelValues(status).Inc()
}

func (m *Metrics) OCOCancel(ok bool) {
	if m == nil {
		return
	}
	m.OCOCancels.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) Reconciled(pass string, fixed int) {
	if m == nil || fixed <= 0 {
		return
	}
	m.ReconcileFixed.WithLabelValues(pass).Add(float64(fixed))
}

func (m *Metrics) Anomaly(kind string) {
	if m == nil {
		return
	}
	m.ReconcileAnomalies.WithLabelValues(kind).Inc()
}

func (m *Metrics) TrailingAdjusted() {
	if m == nil {
		return
	}
	m.TrailingAdjustments.Inc()
}

func (m *Metrics) LoopRun(loop string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.LoopDuration.WithLabelValues(loop).Observe(d.Seconds())
	if err != nil {
		m.LoopErrors.WithLabelValues(loop).Inc()
	}
}

func (m *Metrics) PendingOrders(n int) {
	if m == nil {
		return
	}
	m.PendingOrdersGauge.Set(float64(n))
}

func (m *Metrics) TrackedOrders(n int) {
	if m == nil {
		return
	}
	m.TrackedOrdersGauge.Set(float64(n))
}
