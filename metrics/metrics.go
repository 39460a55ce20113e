// Package metrics exposes Prometheus collectors for completions,
// leaderboard queries and score reconciliation. All methods are safe to
// call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ecoboard"

type Metrics struct {
	registry *prometheus.Registry

	completions      *prometheus.CounterVec
	leaderboardTotal *prometheus.CounterVec
	leaderboardDur   *prometheus.HistogramVec
	divergences      prometheus.Counter
	reconcileRuns    *prometheus.CounterVec
}

// New builds collectors on a private registry, so several instances can
// coexist in one process (tests, embedded servers).
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Completion submissions by outcome (new, existing, error).",
		}, []string{"outcome"}),
		leaderboardTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaderboard_queries_total",
			Help:      "Leaderboard queries by window.",
		}, []string{"window"}),
		leaderboardDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "leaderboard_query_duration_seconds",
			Help:      "Leaderboard aggregation latency by window.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"window"}),
		divergences: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_divergences_total",
			Help:      "Cached scores found out of line with the ledger and repaired.",
		}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Background reconciliation passes by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.completions,
		m.leaderboardTotal,
		m.leaderboardDur,
		m.divergences,
		m.reconcileRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// CompletionRecorded counts a successful submission.
func (m *Metrics) CompletionRecorded(isNew bool) {
	if m == nil {
		return
	}
	outcome := "existing"
	if isNew {
		outcome = "new"
	}
	m.completions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CompletionFailed() {
	if m == nil {
		return
	}
	m.completions.WithLabelValues("error").Inc()
}

func (m *Metrics) LeaderboardQuery(window string, d time.Duration) {
	if m == nil {
		return
	}
	m.leaderboardTotal.WithLabelValues(window).Inc()
	m.leaderboardDur.WithLabelValues(window).Observe(d.Seconds())
}

func (m *Metrics) Divergence() {
	if m == nil {
		return
	}
	m.divergences.Inc()
}

func (m *Metrics) ReconcileRun(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reconcileRuns.WithLabelValues(result).Inc()
}
