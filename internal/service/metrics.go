package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the governance runtime.
// Pass to components that need to record metrics.
type Metrics struct {
	ProposalsTotal    *prometheus.CounterVec
	ApprovalsTotal    *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	LedgerAppends     prometheus.Counter
	GuardrailDenials  *prometheus.CounterVec
	PendingApprovals  prometheus.Gauge
	EvaluationSeconds prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ProposalsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chaperone",
				Name:      "proposals_total",
				Help:      "Total proposals by outcome",
			},
			[]string{"outcome"}, // outcome=approved/denied/pending_approval/rate_limited
		),
		ApprovalsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chaperone",
				Name:      "approvals_total",
				Help:      "Total approval responses by action",
			},
			[]string{"action"}, // action=approve/reject/patch/expired
		),
		ExecutionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chaperone",
				Name:      "executions_total",
				Help:      "Total cartridge executions by status",
			},
			[]string{"status"}, // status=executed/failed
		),
		LedgerAppends: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "chaperone",
				Name:      "ledger_appends_total",
				Help:      "Total audit ledger entries recorded",
			},
		),
		GuardrailDenials: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chaperone",
				Name:      "guardrail_denials_total",
				Help:      "Total denials from deterministic guardrails",
			},
			[]string{"check"}, // check=RATE_LIMIT/COOLDOWN/PROTECTED_ENTITY/SPEND_LIMIT
		),
		PendingApprovals: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "chaperone",
				Name:      "pending_approvals",
				Help:      "Number of approval requests awaiting a response",
			},
		),
		EvaluationSeconds: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "chaperone",
				Name:      "evaluation_duration_seconds",
				Help:      "Policy pipeline evaluation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}
