package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_relay_active_sessions",
		Help: "Number of active voice relay sessions",
	})

	totalSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_sessions_total",
		Help: "Total number of sessions by endpoint",
	}, []string{"endpoint"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_relay_session_duration_seconds",
		Help:    "Duration of relay sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_barge_ins_total",
		Help: "Total number of assistant responses cancelled by user speech",
	})

	upstreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_upstream_events_total",
		Help: "Upstream realtime events received by type",
	}, []string{"type"})

	// TTS metrics
	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_tts_requests_total",
		Help: "Total number of TTS turns",
	}, []string{"provider", "status"})

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_relay_tts_first_audio_seconds",
		Help:    "Time from turn start to first synthesized frame",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Tool call metrics
	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_tool_calls_total",
		Help: "Total number of execute_flow tool calls",
	}, []string{"status"})

	toolLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_relay_tool_call_latency_seconds",
		Help:    "Flow execution latency for tool calls in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_relay_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_audio_bytes_total",
		Help: "Total audio bytes relayed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single session
type Metrics struct {
	endpoint  string
	startTime time.Time
	once      sync.Once
}

// NewSessionMetrics creates a new metrics tracker for a session on endpoint
func NewSessionMetrics(endpoint string) *Metrics {
	return &Metrics{
		endpoint:  endpoint,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.WithLabelValues(m.endpoint).Inc()
}

// RecordSessionEnd records the end of a session. Safe to call more than once.
func (m *Metrics) RecordSessionEnd() {
	m.once.Do(func() {
		activeSessions.Dec()
		sessionDuration.Observe(time.Since(m.startTime).Seconds())
	})
}

// RecordBargeIn records one cancelled response
func (m *Metrics) RecordBargeIn() {
	bargeIns.Inc()
}

// RecordUpstreamEvent counts one event received from the realtime upstream
func (m *Metrics) RecordUpstreamEvent(eventType string) {
	upstreamEvents.WithLabelValues(eventType).Inc()
}

// RecordTTSTurn records a finished TTS turn. firstAudio is zero when the
// turn produced no audio.
func (m *Metrics) RecordTTSTurn(provider string, firstAudio time.Duration, success bool) {
	if firstAudio > 0 {
		ttsLatency.Observe(firstAudio.Seconds())
	}
	ttsRequests.WithLabelValues(provider, status(success)).Inc()
}

// RecordToolCall records a finished execute_flow invocation
func (m *Metrics) RecordToolCall(elapsed time.Duration, success bool) {
	toolLatency.Observe(elapsed.Seconds())
	toolCalls.WithLabelValues(status(success)).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
