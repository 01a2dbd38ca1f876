// Package metrics exposes Prometheus collectors for imports and scheduled jobs.
//
// Every method is safe to call on a nil *Metrics, so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/desertthunder/artistsync/internal/models"
)

const namespace = "artistsync"

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	activeRuns   prometheus.Gauge
	stepDuration *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	jobRuns      *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	queueDepth   prometheus.Gauge
}

// New creates the collectors on a fresh registry that also carries the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_runs_started_total",
			Help:      "Import runs admitted, by trigger.",
		}, []string{"trigger"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_runs_finished_total",
			Help:      "Import runs finished, by outcome.",
		}, []string{"outcome"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "import_runs_active",
			Help:      "Import runs currently executing in this process.",
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "import_step_duration_seconds",
			Help:      "Wall time of each import step, by step and final state.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"step", "state"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Retried provider calls, by operation.",
		}, []string{"op"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_requests_rejected_total",
			Help:      "Import requests not admitted, by reason.",
		}, []string{"reason"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_job_runs_total",
			Help:      "Scheduled job executions, by job and outcome.",
		}, []string{"job", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_job_duration_seconds",
			Help:      "Wall time of scheduled job executions.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"job"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "import_queue_depth",
			Help:      "Imports waiting for a dispatcher worker.",
		}),
	}

	reg.MustRegister(m.runsStarted, m.runsFinished, m.activeRuns, m.stepDuration, m.retries, m.rejected, m.jobRuns, m.jobDuration, m.queueDepth)
	return m
}

// Registry returns the underlying registry, or nil.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RunStarted(trigger models.Trigger) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(string(trigger)).Inc()
	m.activeRuns.Inc()
}

// RunFinished records the outcome of a run: "success", "failed" or "timeout".
func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(outcome).Inc()
	m.activeRuns.Dec()
}

func (m *Metrics) StepFinished(result models.StepResult) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(string(result.Step), string(result.State)).Observe(result.Duration().Seconds())
}

func (m *Metrics) Retried(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

// Rejected records an import request that was not admitted: "already-running" or "queue-full".
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) JobRun(job string, err error, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
	m.jobDuration.WithLabelValues(job).Observe(took.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
