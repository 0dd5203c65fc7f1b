package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicepipe_active_sessions",
		Help: "Number of active voice sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepipe_sessions_total",
		Help: "Total number of voice sessions handled",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicepipe_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Synthesis metrics
	synthesisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepipe_synthesis_requests_total",
		Help: "Total number of synthesis requests",
	}, []string{"status"})

	synthesisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicepipe_synthesis_latency_seconds",
		Help:    "Synthesis call latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Playback metrics
	segmentsPlayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepipe_segments_played_total",
		Help: "Total number of audio segments played to completion",
	})

	playbackQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicepipe_playback_queue_depth",
		Help: "Number of audio segments waiting in the playback queue",
	})

	// Detection metrics
	interruptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepipe_interruptions_total",
		Help: "Total number of confirmed voice interruptions",
	})

	vadThreshold = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicepipe_vad_threshold",
		Help: "Current adaptive voice detection threshold",
	})

	// Recovery metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepipe_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	recoveryEscalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepipe_recovery_escalations_total",
		Help: "Total number of recoveries escalated to their fallback action",
	}, []string{"type"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voicepipe_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// Metrics tracks the lifecycle of a single voice session.
type Metrics struct {
	sessionID string
	startTime time.Time
}

// NewSessionMetrics creates a metrics tracker for a session.
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{sessionID: sessionID, startTime: time.Now()}
}

// RecordSessionStart records session begin.
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records session end and its duration.
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordSynthesis records a completed synthesis call.
func RecordSynthesis(latency time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	synthesisRequests.WithLabelValues(status).Inc()
	if success {
		synthesisLatency.Observe(latency.Seconds())
	}
}

// RecordSegmentPlayed counts a segment played to its natural end.
func RecordSegmentPlayed() {
	segmentsPlayed.Inc()
}

// SetQueueDepth updates the playback queue depth gauge.
func SetQueueDepth(depth int) {
	playbackQueueDepth.Set(float64(depth))
}

// RecordInterruption counts a confirmed interruption.
func RecordInterruption() {
	interruptionsTotal.Inc()
}

// SetVADThreshold publishes the current adaptive threshold.
func SetVADThreshold(threshold float64) {
	vadThreshold.Set(threshold)
}

// RecordError records a classified error.
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordEscalation counts a recovery escalated to its fallback action.
func RecordEscalation(errorType string) {
	recoveryEscalations.WithLabelValues(errorType).Inc()
}

// UpdateCircuitBreakerState updates the circuit breaker state gauge.
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}
