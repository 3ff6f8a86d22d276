// Package metrics exposes run telemetry as Prometheus collectors. All
// recording methods are safe on a nil *Registry so instrumentation can be
// omitted in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kkcode"

// Registry owns a dedicated Prometheus registry plus every collector the
// orchestrator records into.
type Registry struct {
	reg *prometheus.Registry

	sessionsByStatus *prometheus.GaugeVec
	activeRuns       prometheus.Gauge
	stageDuration    prometheus.Histogram
	taskDispatches   prometheus.Counter
	taskRetries      prometheus.Counter
	gateVerdicts     *prometheus.CounterVec
	lockWait         prometheus.Histogram
	budgetBreakers   prometheus.Counter
	runCost          prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		sessionsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of known sessions by status.",
		}, []string{"status"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of driver loops currently running in this process.",
		}),
		stageDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of stage executions.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		taskDispatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_dispatches_total",
			Help:      "Total task attempts handed to the worker pool.",
		}),
		taskRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Total task redispatches after a failed attempt.",
		}),
		gateVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_verdicts_total",
			Help:      "Quality gate verdicts by gate and status.",
		}, []string{"gate", "status"}),
		lockWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_lock_wait_seconds",
			Help:      "Time spent waiting for the session state file lock.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		budgetBreakers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_breakers_total",
			Help:      "Stages aborted by the budget breaker.",
		}),
		runCost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_cost_usd_total",
			Help:      "Cumulative agent cost across all runs.",
		}),
	}
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// SetSessionsByStatus replaces the per-status session gauges.
func (r *Registry) SetSessionsByStatus(counts map[string]int) {
	if r == nil {
		return
	}
	r.sessionsByStatus.Reset()
	for status, n := range counts {
		r.sessionsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// SetActiveRuns records the number of in-process driver loops.
func (r *Registry) SetActiveRuns(n int) {
	if r == nil {
		return
	}
	r.activeRuns.Set(float64(n))
}

// ObserveStageDuration records one finished stage execution.
func (r *Registry) ObserveStageDuration(d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.Observe(d.Seconds())
}

// IncTaskDispatch counts one worker launch.
func (r *Registry) IncTaskDispatch() {
	if r == nil {
		return
	}
	r.taskDispatches.Inc()
}

// IncTaskRetry counts one redispatch of a previously failed attempt.
func (r *Registry) IncTaskRetry() {
	if r == nil {
		return
	}
	r.taskRetries.Inc()
}

// ObserveGate counts one gate verdict.
func (r *Registry) ObserveGate(gate, status string) {
	if r == nil {
		return
	}
	r.gateVerdicts.WithLabelValues(gate, status).Inc()
}

// ObserveLockWait records how long one state mutation waited for the lock.
func (r *Registry) ObserveLockWait(d time.Duration) {
	if r == nil {
		return
	}
	r.lockWait.Observe(d.Seconds())
}

// IncBudgetBreaker counts one budget-breaker abort.
func (r *Registry) IncBudgetBreaker() {
	if r == nil {
		return
	}
	r.budgetBreakers.Inc()
}

// AddRunCost accumulates agent spend.
func (r *Registry) AddRunCost(usd float64) {
	if r == nil || usd <= 0 {
		return
	}
	r.runCost.Add(usd)
}
