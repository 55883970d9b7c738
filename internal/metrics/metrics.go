// Package metrics holds the prometheus collectors for consolidation runs and
// the privacy gate.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lazypower/mnemo/internal/model"
)

const namespace = "mnemo"

// Metrics is a set of collectors registered on one registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	records      *prometheus.CounterVec
	patterns     prometheus.Counter
	edges        prometheus.Counter
	decisions    *prometheus.CounterVec
	epsilonSpent prometheus.Counter
	tierRecords  *prometheus.GaugeVec
}

// New registers the collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_runs_total",
			Help:      "Consolidation runs by result.",
		}, []string{"result"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consolidation_duration_seconds",
			Help:      "Wall time of a consolidation pass.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_records_total",
			Help:      "Records changed by consolidation, by step.",
		}, []string{"step"}),
		patterns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patterns_discovered_total",
			Help:      "Patterns created or reinforced.",
		}),
		edges: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "association_edges_updated_total",
			Help:      "Association edge writes.",
		}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "privacy_decisions_total",
			Help:      "Privacy gate decisions by outcome and reason.",
		}, []string{"decision", "reason"}),
		epsilonSpent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "privacy_epsilon_spent_total",
			Help:      "Cumulative epsilon charged across sessions.",
		}),
		tierRecords: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records",
			Help:      "Live records per tier.",
		}, []string{"tier"}),
	}
}

// ObserveRun records a finished or rejected consolidation run.
func (m *Metrics) ObserveRun(r model.ConsolidationReport, err error, took time.Duration) {
	if m == nil {
		return
	}
	switch {
	case err == nil:
		m.runs.WithLabelValues("completed").Inc()
	case model.ReasonFor(err) == model.ReasonConflict:
		m.runs.WithLabelValues("conflict").Inc()
		return
	default:
		m.runs.WithLabelValues("failed").Inc()
	}
	m.runDuration.Observe(took.Seconds())
	if err != nil {
		return
	}
	m.records.WithLabelValues("decayed").Add(float64(r.Decayed.Total()))
	m.records.WithLabelValues("strengthened").Add(float64(r.Strengthened.Total()))
	m.records.WithLabelValues("promoted").Add(float64(r.Promoted))
	m.records.WithLabelValues("to_episodic").Add(float64(r.PromotedToEpisodic))
	m.records.WithLabelValues("archived").Add(float64(r.Archived))
	m.patterns.Add(float64(r.PatternsDiscovered))
	m.edges.Add(float64(r.EdgesUpdated))
}

// ObserveDiscovery counts patterns from an on-demand discovery pass.
func (m *Metrics) ObserveDiscovery(r model.DiscoveryResult) {
	if m == nil {
		return
	}
	m.patterns.Add(float64(r.Discovered()))
}

// ObserveShare records the decisions of one share request.
func (m *Metrics) ObserveShare(r model.ShareResult) {
	if m == nil {
		return
	}
	for range r.Released {
		m.decisions.WithLabelValues(model.DecisionReleased, "").Inc()
	}
	for _, rj := range r.Rejected {
		m.decisions.WithLabelValues(model.DecisionRejected, string(rj.Reason)).Inc()
	}
	m.epsilonSpent.Add(r.EpsilonSpent)
}

// SetTierCounts publishes live record counts.
func (m *Metrics) SetTierCounts(c model.TierCounts) {
	if m == nil {
		return
	}
	for _, t := range model.Tiers {
		m.tierRecords.WithLabelValues(string(t)).Set(float64(c[t]))
	}
}
