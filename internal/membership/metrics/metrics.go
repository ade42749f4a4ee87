package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "memberd"
)

var (
	// MembersByStatus tracks the number of active member records per subscription status.
	MembersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "members",
		Name:      "by_status",
		Help:      "Number of members by subscription status.",
	}, []string{"status"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// WebhookOutcomes counts webhook deliveries by outcome (processed, duplicate, ignored, in_flight, rejected, failed).
	WebhookOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "outcomes_total",
		Help:      "Stripe webhook deliveries by outcome.",
	}, []string{"outcome"})

	// StatusTransitions counts subscription status changes by source reason.
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "members",
		Name:      "status_transitions_total",
		Help:      "Subscription status transitions by from, to, and reason.",
	}, []string{"from", "to", "reason"})

	// VersionConflictsTotal counts optimistic-lock retries in the dispatcher.
	VersionConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "members",
		Name:      "version_conflicts_total",
		Help:      "Member writes retried after a concurrent update.",
	})

	// NotificationsTotal counts member notifications by kind and result.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Member notifications by kind and result (sent/failed).",
	}, []string{"kind", "result"})

	// ReconcileRunsTotal counts reconciliation runs by outcome (complete, partial, failed).
	ReconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "runs_total",
		Help:      "Reconciliation runs by outcome.",
	}, []string{"outcome"})

	// ReconcileMembersTotal counts members processed by result (verified, fixed, error).
	ReconcileMembersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "members_total",
		Help:      "Members processed by reconciliation, by result.",
	}, []string{"result"})

	// DiscrepanciesTotal counts status mismatches found by reconciliation.
	DiscrepanciesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "discrepancies_total",
		Help:      "Status mismatches detected between the member store and Stripe.",
	})

	// ReconcileDuration tracks reconciliation run duration.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "duration_seconds",
		Help:      "Reconciliation run duration in seconds.",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800},
	})

	// LastReconcileTimestamp is the unix time of the last finished run.
	LastReconcileTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time the last reconciliation run finished.",
	})
)
