package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentcore"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions        prometheus.Gauge
	sessionsEvictedTotal  prometheus.Counter
	agentConstructTotal   *prometheus.CounterVec
	agentConstructSeconds prometheus.Histogram
	credentialFetchTotal  *prometheus.CounterVec

	relaysActive           prometheus.Gauge
	relayChunksTotal       prometheus.Counter
	relayBackpressureTotal prometheus.Counter

	invocationTotal     *prometheus.CounterVec
	invocationDuration  prometheus.Histogram
	firstChunkLatency   prometheus.Histogram
	rateLimitedTotal    prometheus.Counter
	providerStreamTotal *prometheus.CounterVec
	providerStreamTime  *prometheus.HistogramVec

	toolCallTotal    *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current task queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total task completions by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Task execution duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Current number of live session contexts.",
				},
			),
			sessionsEvictedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "sessions_evicted_total",
					Help:      "Total session contexts evicted for idleness.",
				},
			),
			agentConstructTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_construction_total",
					Help:      "Total agent constructions by status.",
				},
				[]string{"status"},
			),
			agentConstructSeconds: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_construction_duration_seconds",
					Help:      "Agent construction duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			credentialFetchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "credential_fetch_total",
					Help:      "Total credential fetches by status.",
				},
				[]string{"status"},
			),
			relaysActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "relays_active",
					Help:      "Stream relays created and not yet completed.",
				},
			),
			relayChunksTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "relay_chunks_total",
					Help:      "Total chunks enqueued on stream relays.",
				},
			),
			relayBackpressureTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "relay_backpressure_total",
					Help:      "Times a producer blocked on a full relay.",
				},
			),
			invocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "invocation_total",
					Help:      "Total invocations by outcome.",
				},
				[]string{"outcome"},
			),
			invocationDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "invocation_duration_seconds",
					Help:      "Invocation duration from request to join in seconds.",
					Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
				},
			),
			firstChunkLatency: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "first_chunk_latency_seconds",
					Help:      "Latency until the first chunk reached the consumer.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			rateLimitedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "rate_limited_total",
					Help:      "Total invocations rejected by the rate limiter.",
				},
			),
			providerStreamTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "provider_stream_total",
					Help:      "Total model streams by provider and status.",
				},
				[]string{"provider", "status"},
			),
			providerStreamTime: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "provider_stream_duration_seconds",
					Help:      "Model stream duration in seconds by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			toolCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_call_total",
					Help:      "Total gateway tool calls by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_call_duration_seconds",
					Help:      "Gateway tool call duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.sessionsEvictedTotal,
			m.agentConstructTotal,
			m.agentConstructSeconds,
			m.credentialFetchTotal,
			m.relaysActive,
			m.relayChunksTotal,
			m.relayBackpressureTotal,
			m.invocationTotal,
			m.invocationDuration,
			m.firstChunkLatency,
			m.rateLimitedTotal,
			m.providerStreamTotal,
			m.providerStreamTime,
			m.toolCallTotal,
			m.toolCallDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, status(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// ForgetLane drops per-lane series once a lane is released.
func ForgetLane(lane string) {
	m := getMetrics()
	m.queueSize.DeleteLabelValues(lane)
	m.enqueueTotal.DeleteLabelValues(lane)
	m.taskDuration.DeleteLabelValues(lane)
	m.dequeueTotal.DeleteLabelValues(lane, "success")
	m.dequeueTotal.DeleteLabelValues(lane, "error")
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionsEvicted(count int) {
	getMetrics().sessionsEvictedTotal.Add(float64(count))
}

func RecordAgentConstruction(duration time.Duration, success bool) {
	m := getMetrics()
	m.agentConstructTotal.WithLabelValues(status(success)).Inc()
	m.agentConstructSeconds.Observe(duration.Seconds())
}

func RecordCredentialFetch(success bool) {
	getMetrics().credentialFetchTotal.WithLabelValues(status(success)).Inc()
}

func RelayOpened() {
	getMetrics().relaysActive.Inc()
}

func RelayClosed() {
	getMetrics().relaysActive.Dec()
}

func RecordRelayChunk() {
	getMetrics().relayChunksTotal.Inc()
}

func RecordRelayBackpressure() {
	getMetrics().relayBackpressureTotal.Inc()
}

// RecordInvocation records a finished invocation. outcome is one of
// "success", "error", "cancelled" or "rejected".
func RecordInvocation(outcome string, duration time.Duration) {
	m := getMetrics()
	m.invocationTotal.WithLabelValues(outcome).Inc()
	m.invocationDuration.Observe(duration.Seconds())
}

func RecordFirstChunk(latency time.Duration) {
	getMetrics().firstChunkLatency.Observe(latency.Seconds())
}

func RecordRateLimited() {
	getMetrics().rateLimitedTotal.Inc()
}

func RecordProviderStream(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.providerStreamTotal.WithLabelValues(provider, status(success)).Inc()
	m.providerStreamTime.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordToolCall(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolCallTotal.WithLabelValues(tool, status(success)).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}
