package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the session engine
type Metrics struct {
	// Recording metrics
	RecordingsStarted  prometheus.Counter
	RecordingsStopped  prometheus.Counter
	RecordingDuration  prometheus.Histogram
	RecordingAutoStops *prometheus.CounterVec

	// VAD metrics
	SpeechSegments prometheus.Counter

	// Pipeline metrics
	TurnsStarted prometheus.Counter
	TurnsFailed  prometheus.Counter
	StepDuration *prometheus.HistogramVec
	TurnDuration prometheus.Histogram

	// Conversation cache metrics
	CacheLookups       *prometheus.CounterVec
	CacheRefreshes     prometheus.Counter
	StoreEvictions     prometheus.Counter
	StoreCorruptions   prometheus.Counter
	SwitchesRequested  prometheus.Counter
	SwitchesSuperseded prometheus.Counter
	SwitchRollbacks    prometheus.Counter

	// Playback metrics
	PlaybackItems    prometheus.Counter
	PlaybackDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Recording metrics
		RecordingsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "session_recordings_started_total",
			Help: "Total number of recording sessions started",
		}),
		RecordingsStopped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "session_recordings_stopped_total",
			Help: "Total number of recording sessions stopped",
		}),
		RecordingDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "session_recording_duration_seconds",
			Help:    "Duration of completed recordings in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 9), // 0.5s to ~4 minutes
		}),
		RecordingAutoStops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "session_recording_auto_stops_total",
			Help: "Total number of automatic recording stops by reason",
		}, []string{"reason"}),

		// VAD metrics
		SpeechSegments: promauto.NewCounter(prometheus.CounterOpts{
			Name: "session_speech_segments_total",
			Help: "Total number of detected speech segments",
		}),

		// Pipeline metrics
		TurnsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "session_turns_started_total",
			Help: "Total number of voice turns started",
		}),
		TurnsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "session_turns_failed_total",
			Help: "Total number of voice turns that failed at any step",
		}),
		StepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "session_pipeline_step_duration_seconds",
			Help:    "Duration of individual pipeline steps",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}, []string{"step"}),
		TurnDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "session_turn_duration_seconds",
			Help:    "End to end duration of voice turns",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),

		// Conversation cache metrics
		CacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "session_cache_lookups_total",
			Help: "Total number of conversation cache lookups by serving source",
		}, []string{"source"}),
		CacheRefreshes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "session_cache_refreshes_total",
			Help: "Total number of background cache refreshes",
		}),
		StoreEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "session_store_evictions_total",
			Help: "Total number of conversations evicted from the durable store",
		}),
		StoreCorruptions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "session_store_corruptions_total",
			Help: "Total number of corrupted store entries dropped",
		}),
		SwitchesRequested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "session_switches_requested_total",
			Help: "Total number of conversation switch requests",
		}),
		SwitchesSuperseded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "session_switches_superseded_total",
			Help: "Total number of switch requests discarded by a newer request",
		}),
		SwitchRollbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "session_switch_rollbacks_total",
			Help: "Total number of failed switches rolled back",
		}),

		// Playback metrics
		PlaybackItems: promauto.NewCounter(prometheus.CounterOpts{
			Name: "session_playback_items_total",
			Help: "Total number of audio items enqueued for playback",
		}),
		PlaybackDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "session_playback_item_duration_seconds",
			Help:    "Duration of enqueued playback items",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "session_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "session_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordRecordingStarted increments the recordings started counter
func (m *Metrics) RecordRecordingStarted() {
	m.RecordingsStarted.Inc()
}

// RecordRecordingStopped increments the stopped counter and records duration
func (m *Metrics) RecordRecordingStopped(durationSeconds float64) {
	m.RecordingsStopped.Inc()
	m.RecordingDuration.Observe(durationSeconds)
}

// RecordAutoStop records an automatic stop with its reason
func (m *Metrics) RecordAutoStop(reason string) {
	m.RecordingAutoStops.WithLabelValues(reason).Inc()
}

// RecordSpeechSegment increments the speech segment counter
func (m *Metrics) RecordSpeechSegment() {
	m.SpeechSegments.Inc()
}

// RecordTurnStarted increments the turns started counter
func (m *Metrics) RecordTurnStarted() {
	m.TurnsStarted.Inc()
}

// RecordTurnCompleted records the per-step and total latencies of a turn
func (m *Metrics) RecordTurnCompleted(asrSeconds, genSeconds, ttsSeconds, totalSeconds float64) {
	m.StepDuration.WithLabelValues("asr").Observe(asrSeconds)
	m.StepDuration.WithLabelValues("generation").Observe(genSeconds)
	m.StepDuration.WithLabelValues("synthesis").Observe(ttsSeconds)
	m.TurnDuration.Observe(totalSeconds)
}

// RecordTurnFailed increments the failed turns counter
func (m *Metrics) RecordTurnFailed() {
	m.TurnsFailed.Inc()
}

// RecordCacheLookup records a cache lookup served from the given source
func (m *Metrics) RecordCacheLookup(source string) {
	m.CacheLookups.WithLabelValues(source).Inc()
}

// RecordCacheRefresh increments the background refresh counter
func (m *Metrics) RecordCacheRefresh() {
	m.CacheRefreshes.Inc()
}

// RecordEvictions adds to the store eviction counter
func (m *Metrics) RecordEvictions(count int) {
	m.StoreEvictions.Add(float64(count))
}

// RecordCorruption increments the dropped corrupted entries counter
func (m *Metrics) RecordCorruption() {
	m.StoreCorruptions.Inc()
}

// RecordSwitch records a switch request outcome
func (m *Metrics) RecordSwitch(superseded, rolledBack bool) {
	m.SwitchesRequested.Inc()
	if superseded {
		m.SwitchesSuperseded.Inc()
	}
	if rolledBack {
		m.SwitchRollbacks.Inc()
	}
}

// RecordPlaybackItem records an enqueued playback item
func (m *Metrics) RecordPlaybackItem(durationSeconds float64) {
	m.PlaybackItems.Inc()
	if durationSeconds > 0 {
		m.PlaybackDuration.Observe(durationSeconds)
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
