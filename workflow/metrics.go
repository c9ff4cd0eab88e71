package workflow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics for workflow runs.
//
// Metrics exposed (all namespaced with "stepflow_"):
//
// 1. runs_inflight (gauge): Number of runs currently executing.
//
// 2. runs_total (counter): Finished runs.
// Labels: workflow, status (success/error).
//
// 3. steps_total (counter): Step executions.
// Labels: workflow, step, status (success/skipped/error).
//
// 4. step_duration_ms (histogram): Step execution duration in milliseconds,
// including retries.
// Labels: workflow, step, status.
//
// 5. step_retries_total (counter): Retry attempts.
// Labels: workflow, step, reason (signal/backoff/handler).
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := workflow.NewMetrics(registry)
//	wf, err := workflow.New("checkout").Metrics(metrics)...Build()
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	inflightRuns prometheus.Gauge
	runs         *prometheus.CounterVec
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	retries      *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers the workflow metrics with registry.
// A nil registry uses prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.inflightRuns = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "stepflow",
		Name:      "runs_inflight",
		Help:      "Number of workflow runs currently executing",
	})

	m.runs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepflow",
		Name:      "runs_total",
		Help:      "Finished workflow runs by final status",
	}, []string{"workflow", "status"})

	m.steps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepflow",
		Name:      "steps_total",
		Help:      "Step executions by outcome",
	}, []string{"workflow", "step", "status"})

	m.stepDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stepflow",
		Name:      "step_duration_ms",
		Help:      "Step execution duration in milliseconds, including retries",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
	}, []string{"workflow", "step", "status"})

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepflow",
		Name:      "step_retries_total",
		Help:      "Step retry attempts by reason",
	}, []string{"workflow", "step", "reason"})

	return m
}

func (m *Metrics) on() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// RecordStep records one step execution.
func (m *Metrics) RecordStep(workflow, step string, status StepStatus, d time.Duration) {
	if !m.on() {
		return
	}
	m.steps.WithLabelValues(workflow, step, string(status)).Inc()
	if status != StepSkipped {
		m.stepDuration.WithLabelValues(workflow, step, string(status)).Observe(float64(d.Milliseconds()))
	}
}

// IncrementRetries records one retry attempt.
func (m *Metrics) IncrementRetries(workflow, step, reason string) {
	if !m.on() {
		return
	}
	m.retries.WithLabelValues(workflow, step, reason).Inc()
}

// RunStarted increments the inflight gauge.
func (m *Metrics) RunStarted() {
	if !m.on() {
		return
	}
	m.inflightRuns.Inc()
}

// RunFinished decrements the inflight gauge and counts the run.
func (m *Metrics) RunFinished(workflow string, status Status) {
	if !m.on() {
		return
	}
	m.inflightRuns.Dec()
	m.runs.WithLabelValues(workflow, string(status)).Inc()
}

// Disable stops recording. Useful in tests.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable resumes recording.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

// Reset clears all recorded series.
func (m *Metrics) Reset() {
	m.inflightRuns.Set(0)
	m.runs.Reset()
	m.steps.Reset()
	m.stepDuration.Reset()
	m.retries.Reset()
}
