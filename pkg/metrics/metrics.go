// Package metrics exposes the kernel's optional Prometheus metrics
// surface: counters and histograms for agent invocations, LLM calls, and
// tool dispatch, the three suspension points spec.md §5 names. A nil
// *Metrics (the default when metrics are disabled) makes every method a
// no-op, so call sites never need a feature-flag check of their own.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the kernel's Prometheus collectors, registered against a
// private registry so enabling metrics never pulls in the default global
// registry's unrelated collectors.
type Metrics struct {
	registry *prometheus.Registry

	agentRuns     *prometheus.CounterVec
	agentDuration *prometheus.HistogramVec
	agentFailures *prometheus.CounterVec

	llmCalls    *prometheus.CounterVec
	llmDuration *prometheus.HistogramVec
	llmTokens   *prometheus.CounterVec

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
}

// New constructs a Metrics instance with every collector registered. A
// caller that wants metrics disabled simply keeps a nil *Metrics rather
// than calling New — every method below tolerates that.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.agentRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "redcell", Subsystem: "agent", Name: "runs_total",
		Help: "Total number of agent execution loop invocations.",
	}, []string{"agent", "kind"})

	m.agentDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "redcell", Subsystem: "agent", Name: "duration_seconds",
		Help:    "Agent execution loop duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
	}, []string{"agent", "kind"})

	m.agentFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "redcell", Subsystem: "agent", Name: "failures_total",
		Help: "Total number of agent execution loop failures.",
	}, []string{"agent", "kind"})

	m.llmCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "redcell", Subsystem: "llm", Name: "calls_total",
		Help: "Total number of LLM chat calls.",
	}, []string{"model"})

	m.llmDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "redcell", Subsystem: "llm", Name: "call_duration_seconds",
		Help:    "LLM chat call duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~200s
	}, []string{"model"})

	m.llmTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "redcell", Subsystem: "llm", Name: "tokens_total",
		Help: "Total number of LLM tokens consumed, by direction.",
	}, []string{"model", "direction"})

	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "redcell", Subsystem: "tool", Name: "calls_total",
		Help: "Total number of tool dispatches.",
	}, []string{"tool"})

	m.toolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "redcell", Subsystem: "tool", Name: "call_duration_seconds",
		Help:    "Tool dispatch duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
	}, []string{"tool"})

	m.registry.MustRegister(
		m.agentRuns, m.agentDuration, m.agentFailures,
		m.llmCalls, m.llmDuration, m.llmTokens,
		m.toolCalls, m.toolDuration,
	)
	return m
}

// RecordAgentRun records one completed agent execution loop invocation.
func (m *Metrics) RecordAgentRun(agent, kind string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.agentRuns.WithLabelValues(agent, kind).Inc()
	m.agentDuration.WithLabelValues(agent, kind).Observe(duration.Seconds())
	if !success {
		m.agentFailures.WithLabelValues(agent, kind).Inc()
	}
}

// RecordLLMCall records one LLM chat call and its token usage.
func (m *Metrics) RecordLLMCall(model string, duration time.Duration, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(model).Inc()
	m.llmDuration.WithLabelValues(model).Observe(duration.Seconds())
	m.llmTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	m.llmTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

// RecordToolCall records one tool dispatch.
func (m *Metrics) RecordToolCall(tool string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// Handler returns the HTTP handler serving this registry's metrics in the
// Prometheus exposition format. A nil *Metrics serves 503, so wiring it
// into a mux unconditionally is always safe.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics disabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
