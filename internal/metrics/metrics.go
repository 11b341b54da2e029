// Package metrics exposes Prometheus instruments for the research worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/lead-research/internal/model"
)

const namespace = "lead_research"

// Cycle outcomes.
const (
	CycleCompleted = "completed"
	CycleEmpty     = "empty"
	CycleNoAgents  = "no_agents"
	CycleError     = "error"
	CycleSkipped   = "skipped"
)

// Run outcomes.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Metrics holds the worker's instruments on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	runs           *prometheus.CounterVec
	loopOutcomes   *prometheus.CounterVec
	loopIterations prometheus.Histogram
	searchCalls    prometheus.Counter
	costUSD        prometheus.Counter
	leads          *prometheus.GaugeVec
}

// New creates and registers all instruments.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Dispatch cycles by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of dispatch cycles.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Lead research attempts by outcome.",
		}, []string{"outcome"}),
		loopOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_outcomes_total",
			Help:      "Agent loop terminal states.",
		}, []string{"state"}),
		loopIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "loop_iterations",
			Help:      "Reasoning calls per research attempt.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 20},
		}),
		searchCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_calls_total",
			Help:      "Search tool executions.",
		}),
		costUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "estimated_cost_usd_total",
			Help:      "Estimated provider spend of completed attempts.",
		}),
		leads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leads",
			Help:      "Leads by research status at last collection.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.runs,
		m.loopOutcomes,
		m.loopIterations,
		m.searchCalls,
		m.costUSD,
		m.leads,
	)
	return m
}

// Registry returns the registry holding the instruments.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycle records one dispatch cycle.
func (m *Metrics) ObserveCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	if outcome != CycleSkipped {
		m.cycleDuration.Observe(d.Seconds())
	}
}

// ObserveRun records the outcome of one lead attempt.
func (m *Metrics) ObserveRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

// ObserveLoop records the shape and cost of a finished agent loop.
func (m *Metrics) ObserveLoop(state string, iterations, searchCalls int, costUSD float64) {
	if m == nil {
		return
	}
	m.loopOutcomes.WithLabelValues(state).Inc()
	m.loopIterations.Observe(float64(iterations))
	m.searchCalls.Add(float64(searchCalls))
	if costUSD > 0 {
		m.costUSD.Add(costUSD)
	}
}

// SetLeadCounts replaces the per-status lead gauge.
func (m *Metrics) SetLeadCounts(counts map[model.ResearchStatus]int) {
	if m == nil {
		return
	}
	for _, s := range []model.ResearchStatus{
		model.ResearchStatusPending,
		model.ResearchStatusInProgress,
		model.ResearchStatusCompleted,
		model.ResearchStatusFailed,
		model.ResearchStatusInsufficientData,
	} {
		m.leads.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
