package services

import (
	"sync"
	"time"

	"bounty-escrow-system/models"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once
	registry    *Metrics
)

// Metrics wraps the collectors for the lifecycle engine.
type Metrics struct {
	transitions   *prometheus.CounterVec
	ledgerCalls   *prometheus.CounterVec
	ledgerLatency *prometheus.HistogramVec
	notifyErrors  *prometheus.CounterVec
	reconciled    *prometheus.CounterVec
	failed        prometheus.Gauge
}

// EngineMetrics returns the lazily registered metrics.
func EngineMetrics() *Metrics {
	metricsOnce.Do(func() {
		registry = &Metrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bounty",
				Subsystem: "engine",
				Name:      "transitions_total",
				Help:      "Committed bounty status transitions.",
			}, []string{"from", "to"}),
			ledgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bounty",
				Subsystem: "ledger",
				Name:      "calls_total",
				Help:      "Ledger calls segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bounty",
				Subsystem: "ledger",
				Name:      "call_duration_seconds",
				Help:      "Latency of ledger calls including confirmation.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			notifyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bounty",
				Subsystem: "tracker",
				Name:      "notify_errors_total",
				Help:      "Failed issue-tracker side effects.",
			}, []string{"step"}),
			reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bounty",
				Subsystem: "reconcile",
				Name:      "operations_total",
				Help:      "Open ledger operations settled by reconciliation.",
			}, []string{"kind", "outcome"}),
			failed: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "bounty",
				Subsystem: "engine",
				Name:      "failed_bounties",
				Help:      "Bounties in FAILED awaiting manual reconciliation.",
			}),
		}
		prometheus.MustRegister(
			registry.transitions,
			registry.ledgerCalls,
			registry.ledgerLatency,
			registry.notifyErrors,
			registry.reconciled,
			registry.failed,
		)
	})
	return registry
}

func (m *Metrics) Transition(from, to models.BountyStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) LedgerCall(kind models.LedgerOperationKind, outcome models.LedgerOperationOutcome, d time.Duration) {
	if m == nil {
		return
	}
	m.ledgerCalls.WithLabelValues(string(kind), string(outcome)).Inc()
	m.ledgerLatency.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) NotifyError(step string) {
	if m == nil {
		return
	}
	m.notifyErrors.WithLabelValues(step).Inc()
}

func (m *Metrics) Reconciled(kind, outcome string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) SetFailed(n int64) {
	if m == nil {
		return
	}
	m.failed.Set(float64(n))
}
