// Package metrics exposes the scorekeeper's prometheus collectors on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scorekeeper"

// Job outcomes.
const (
	OutcomeRun     = "run"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	jobRuns      *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	verdicts     *prometheus.CounterVec
	transactions *prometheus.CounterVec
	pendingTxs   prometheus.Gauge
	validCount   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Job firings by outcome",
		}, []string{"job", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "How long a job body ran",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"job"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validity",
			Name:      "verdicts_total",
			Help:      "Rule evaluations by outcome",
		}, []string{"rule", "outcome"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "transactions_total",
			Help:      "Submitted extrinsics by kind and result",
		}, []string{"kind", "result"}),
		pendingTxs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "pending_announcements",
			Help:      "Delayed announcements waiting in the ledger",
		}),
		validCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "validity",
			Name:      "valid_candidates",
			Help:      "Candidates passing every rule after the last sweep",
		}),
	}
	m.registry.MustRegister(
		m.jobRuns, m.jobDuration, m.verdicts, m.transactions, m.pendingTxs, m.validCount,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) JobOutcome(job, outcome string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
}

func (m *Metrics) JobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) Verdict(rule, outcome string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(rule, outcome).Inc()
}

// Transaction counts one submitted extrinsic, e.g. ("execute", "finalized").
func (m *Metrics) Transaction(kind, result string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) PendingAnnouncements(n int) {
	if m == nil {
		return
	}
	m.pendingTxs.Set(float64(n))
}

func (m *Metrics) ValidCandidates(n int) {
	if m == nil {
		return
	}
	m.validCount.Set(float64(n))
}
