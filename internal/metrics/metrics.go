// Package metrics exposes Prometheus collectors for the response pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Response cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_cache_hits_total",
			Help: "Total number of audio response cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_cache_misses_total",
			Help: "Total number of audio response cache misses",
		},
	)

	CacheRemovals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_cache_removals_total",
			Help: "Total number of cache entries removed",
		},
		[]string{"reason"}, // reason: capacity/expired
	)

	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_cache_bytes",
			Help: "Current size of cached audio in bytes",
		},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parley_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"dependency"},
	)

	BreakerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_breaker_calls_total",
			Help: "Total number of calls through a circuit breaker",
		},
		[]string{"dependency", "outcome"}, // outcome: success/failure/timeout/reject
	)

	BreakerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_breaker_call_duration_seconds",
			Help:    "Duration of calls through a circuit breaker",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"dependency"},
	)

	// Conversation memory metrics
	ConversationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_conversations_active",
			Help: "Number of conversations held in memory",
		},
	)

	ConversationsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_conversations_expired_total",
			Help: "Total number of conversations purged after idle expiry",
		},
	)

	// Response cycle metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_cycles_total",
			Help: "Total number of response cycles by terminal state",
		},
		[]string{"state", "cached"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_cycle_duration_seconds",
			Help:    "Response cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		},
		[]string{"cached"},
	)

	FirstAudioLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parley_first_audio_seconds",
			Help:    "Latency from cycle start to the first response audio chunk",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	CuesEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_cues_emitted_total",
			Help: "Total number of filler cues played to callers",
		},
		[]string{"kind"}, // kind: acknowledgment/thinking/partial
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_active_sessions",
			Help: "Number of response cycles currently in flight",
		},
	)

	// Transport metrics
	MediaConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_media_connections",
			Help: "Current number of open media stream WebSocket connections",
		},
	)
)
