// Package metrics exposes Prometheus instrumentation for the try-on pipeline.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	jobsSubmitted     *prometheus.CounterVec
	jobsTerminal      *prometheus.CounterVec
	jobDuration       prometheus.Histogram
	uploadAttempts    *prometheus.CounterVec
	ledgerCommits     *prometheus.CounterVec
	reconcileFailures prometheus.Counter
	pollErrors        prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitly",
			Name:      "tryon_jobs_submitted_total",
			Help:      "Try-on jobs submitted, by submission mode.",
		}, []string{"mode"}),
		jobsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitly",
			Name:      "tryon_jobs_terminal_total",
			Help:      "Try-on jobs that reached a terminal state.",
		}, []string{"status", "error_kind"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fitly",
			Name:      "tryon_job_duration_seconds",
			Help:      "Time from job creation to terminal state.",
			Buckets:   []float64{1, 3, 5, 10, 20, 30, 60, 120, 300},
		}),
		uploadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitly",
			Name:      "media_upload_attempts_total",
			Help:      "Object storage upload attempts, by outcome.",
		}, []string{"outcome"}),
		ledgerCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitly",
			Name:      "ledger_commits_total",
			Help:      "Credit ledger settlements, by charge type.",
		}, []string{"charge"}),
		reconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fitly",
			Name:      "ledger_reconcile_failures_total",
			Help:      "Remote ledger reconciliations that failed.",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fitly",
			Name:      "tryon_poll_transport_errors_total",
			Help:      "Transport errors observed while polling job status.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.jobsSubmitted,
			m.jobsTerminal,
			m.jobDuration,
			m.uploadAttempts,
			m.ledgerCommits,
			m.reconcileFailures,
			m.pollErrors,
		)
	}
	return m
}

func (m *Metrics) JobSubmitted(mode string) {
	if m == nil {
		return
	}
	m.jobsSubmitted.WithLabelValues(mode).Inc()
}

func (m *Metrics) JobTerminal(status, errorKind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobsTerminal.WithLabelValues(status, errorKind).Inc()
	m.jobDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) UploadAttempt(outcome string) {
	if m == nil {
		return
	}
	m.uploadAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LedgerCommit(charge string) {
	if m == nil {
		return
	}
	m.ledgerCommits.WithLabelValues(charge).Inc()
}

func (m *Metrics) ReconcileFailed() {
	if m == nil {
		return
	}
	m.reconcileFailures.Inc()
}

func (m *Metrics) PollError() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}
