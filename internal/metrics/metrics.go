// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package metrics records Prometheus metrics for the execution pipeline.
// Every method is safe to call on a nil *Recorder.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sigil-dev/agentexec/pkg/health"
)

const namespace = "agentexec"

// Recorder owns a private registry and the collectors registered on it.
type Recorder struct {
	reg *prometheus.Registry

	admissionInFlight  prometheus.Gauge
	admissionRejected  *prometheus.CounterVec
	admissionQueueWait prometheus.Histogram

	guardVerdicts      *prometheus.CounterVec
	guardStageDuration *prometheus.HistogramVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	fallbackAttempts *prometheus.CounterVec
	retryAttempts    *prometheus.HistogramVec

	approvals *prometheus.CounterVec

	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	toolCalls     *prometheus.CounterVec
	modelCalls    *prometheus.CounterVec
	modelDuration *prometheus.HistogramVec
	tokensTotal   *prometheus.CounterVec
}

// New creates a Recorder with Go runtime and process collectors attached.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		admissionInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_in_flight",
			Help:      "Runs currently holding an admission permit",
		}),
		admissionRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Admission attempts rejected by mode",
		}, []string{"mode"}),
		admissionQueueWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_queue_wait_seconds",
			Help:      "Time spent waiting for an admission permit",
			Buckets:   prometheus.DefBuckets,
		}),
		guardVerdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_verdicts_total",
			Help:      "Guard stage verdicts by stage, result and category",
		}, []string{"stage", "result", "category"}),
		guardStageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "guard_stage_duration_seconds",
			Help:      "Guard stage latency",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"stage"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		}, []string{"name"}),
		breakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"name", "from", "to"}),
		fallbackAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_attempts_total",
			Help:      "Fallback strategy attempts",
		}, []string{"strategy", "model", "success"}),
		retryAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_attempts",
			Help:      "Attempts used per retried call",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}, []string{"target"}),
		approvals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval requests by tool and final status",
		}, []string{"tool", "status"}),
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Executor runs by outcome",
		}, []string{"outcome"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "End-to-end executor run duration",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and outcome",
		}, []string{"tool", "outcome"}),
		modelCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model calls by model and outcome",
		}, []string{"model", "outcome"}),
		modelDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Model call latency including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model"}),
		tokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens consumed by model and direction",
		}, []string{"model", "type"}),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Recorder) SetAdmissionInFlight(n int64) {
	if r == nil {
		return
	}
	r.admissionInFlight.Set(float64(n))
}

func (r *Recorder) AdmissionRejected(mode string) {
	if r == nil {
		return
	}
	r.admissionRejected.WithLabelValues(mode).Inc()
}

func (r *Recorder) ObserveQueueWait(d time.Duration) {
	if r == nil {
		return
	}
	r.admissionQueueWait.Observe(d.Seconds())
}

func (r *Recorder) GuardVerdict(stage, result, category string) {
	if r == nil {
		return
	}
	r.guardVerdicts.WithLabelValues(stage, result, category).Inc()
}

func (r *Recorder) ObserveGuardStage(stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.guardStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// BreakerStateChanged updates the state gauge and transition counter.
func (r *Recorder) BreakerStateChanged(name string, from, to health.BreakerState) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(name).Set(breakerValue(to))
	r.breakerTransitions.WithLabelValues(name, string(from), string(to)).Inc()
}

func breakerValue(s health.BreakerState) float64 {
	switch s {
	case health.BreakerOpen:
		return 2
	case health.BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}

func (r *Recorder) FallbackAttempt(strategy, model string, success bool) {
	if r == nil {
		return
	}
	r.fallbackAttempts.WithLabelValues(strategy, model, strconv.FormatBool(success)).Inc()
}

func (r *Recorder) ObserveRetryAttempts(target string, attempts int) {
	if r == nil || attempts <= 0 {
		return
	}
	r.retryAttempts.WithLabelValues(target).Observe(float64(attempts))
}

func (r *Recorder) ApprovalResolved(tool, status string) {
	if r == nil {
		return
	}
	r.approvals.WithLabelValues(tool, status).Inc()
}

// RunFinished counts a run and records its duration.
func (r *Recorder) RunFinished(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.runsTotal.WithLabelValues(outcome).Inc()
	r.runDuration.Observe(d.Seconds())
}

func (r *Recorder) ToolCall(tool, outcome string) {
	if r == nil {
		return
	}
	r.toolCalls.WithLabelValues(tool, outcome).Inc()
}

func (r *Recorder) ModelCall(model, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.modelCalls.WithLabelValues(model, outcome).Inc()
	r.modelDuration.WithLabelValues(model).Observe(d.Seconds())
}

func (r *Recorder) Tokens(model string, input, output int) {
	if r == nil {
		return
	}
	r.tokensTotal.WithLabelValues(model, "input").Add(float64(input))
	r.tokensTotal.WithLabelValues(model, "output").Add(float64(output))
}
