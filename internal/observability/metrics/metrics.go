// Package metrics registers the gateway's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

type Metrics struct {
	Registry *prometheus.Registry

	JobRuns          *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	InvoicesIssued   *prometheus.CounterVec
	Settlements      *prometheus.CounterVec
	SettlementRetries prometheus.Counter
	Notifications    *prometheus.CounterVec
	FailedJobCaptures prometheus.Counter
	FailedJobReplays *prometheus.CounterVec
	IntegrityFailures prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbg_scheduler_job_runs_total",
			Help: "Scheduler job runs by job name and outcome.",
		}, []string{"job", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cbg_scheduler_job_duration_seconds",
			Help:    "Scheduler job wall time by job name.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"job"}),
		InvoicesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbg_invoices_issued_total",
			Help: "Issued invoices by type.",
		}, []string{"type"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbg_settlements_total",
			Help: "Credit invoice settlements by outcome.",
		}, []string{"outcome"}),
		SettlementRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbg_settlement_retries_total",
			Help: "Optimistic settlement transaction retries.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbg_trunk_notifications_total",
			Help: "Trunk notification batches by kind and outcome.",
		}, []string{"kind", "outcome"}),
		FailedJobCaptures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbg_failed_job_captures_total",
			Help: "Side effects captured into the failed job queue.",
		}),
		FailedJobReplays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbg_failed_job_replays_total",
			Help: "Failed job replay attempts by outcome.",
		}, []string{"outcome"}),
		IntegrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbg_integrity_failures_total",
			Help: "Rows whose stored checksum did not match the recomputation.",
		}),
	}

	registry.MustRegister(
		m.JobRuns, m.JobDuration, m.InvoicesIssued, m.Settlements,
		m.SettlementRetries, m.Notifications, m.FailedJobCaptures,
		m.FailedJobReplays, m.IntegrityFailures,
	)
	return m
}

var Module = fx.Module("metrics",
	fx.Provide(New),
)
