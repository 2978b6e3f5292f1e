// Package metrics defines the Prometheus collectors of the pipeline service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pipeline"

// Rule outcomes recorded on RuleRuns.
const (
	OutcomeRan     = "ran"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Metrics bundles every collector the service exports.
type Metrics struct {
	RuleRuns            *prometheus.CounterVec
	StageTransitions    *prometheus.CounterVec
	IntegrityViolations prometheus.Counter
	SchedulerRun        prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RuleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_runs_total",
			Help:      "Automation rule evaluations by outcome.",
		}, []string{"rule", "outcome"}),
		StageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Committed stage transitions.",
		}, []string{"from", "to"}),
		IntegrityViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_violations_total",
			Help:      "Applications found with zero or several open stage intervals.",
		}),
		SchedulerRun: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_run_duration_seconds",
			Help:      "Wall time of one RunScheduledChecks invocation.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.RuleRuns, m.StageTransitions, m.IntegrityViolations, m.SchedulerRun)
	return m
}

// NewRegistry creates a registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
