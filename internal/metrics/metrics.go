// Package metrics exposes Prometheus collectors for conversion jobs, agent tool
// calls and sandbox subprocess runs. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels.
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultFailure = "failure"
	ResultError   = "error"
	ResultTimeout = "timeout"
	ResultSkipped = "skipped"
)

// ToolUnknown labels calls to tool names that are not registered, so model
// output never becomes a label value.
const ToolUnknown = "unknown"

type Metrics struct {
	registry     *prometheus.Registry
	jobs         *prometheus.CounterVec
	jobDuration  prometheus.Histogram
	jobSteps     prometheus.Histogram
	toolCalls    *prometheus.CounterVec
	sandboxRuns  *prometheus.HistogramVec
	webhookCalls *prometheus.CounterVec
}

// New builds a Metrics value on its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statementflow",
			Name:      "jobs_total",
			Help:      "Conversion jobs by outcome.",
		}, []string{"result"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "statementflow",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of conversion jobs.",
			Buckets:   []float64{5, 15, 30, 60, 120, 240, 480, 900},
		}),
		jobSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "statementflow",
			Name:      "job_agent_steps",
			Help:      "Agent loop iterations consumed per job.",
			Buckets:   prometheus.LinearBuckets(1, 2, 13),
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statementflow",
			Name:      "tool_calls_total",
			Help:      "Agent tool invocations by tool and result.",
		}, []string{"tool", "result"}),
		sandboxRuns: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "statementflow",
			Name:      "sandbox_run_seconds",
			Help:      "Sandbox subprocess durations by kind and result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "result"}),
		webhookCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statementflow",
			Name:      "webhook_requests_total",
			Help:      "Webhook requests by HTTP status code class.",
		}, []string{"code"}),
	}
	m.registry.MustRegister(m.jobs, m.jobDuration, m.jobSteps, m.toolCalls, m.sandboxRuns, m.webhookCalls)
	m.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveJob(result string, d time.Duration, steps int) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(result).Inc()
	m.jobDuration.Observe(d.Seconds())
	m.jobSteps.Observe(float64(steps))
}

// ObserveSkip counts a delivery that never became a job. The duration and steps
// histograms only see jobs that ran.
func (m *Metrics) ObserveSkip() {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(ResultSkipped).Inc()
}

func (m *Metrics) ObserveToolCall(tool, result string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, result).Inc()
}

func (m *Metrics) ObserveSandboxRun(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.sandboxRuns.WithLabelValues(kind, result).Observe(d.Seconds())
}

func (m *Metrics) ObserveWebhook(code string) {
	if m == nil {
		return
	}
	m.webhookCalls.WithLabelValues(code).Inc()
}
