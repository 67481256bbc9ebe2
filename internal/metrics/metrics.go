package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Message metrics
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "owl_telemetry_messages_total",
			Help: "Total number of inbound telemetry messages",
		},
		[]string{"result"}, // result: processed, decode_error, dropped, panic
	)

	// Alarm metrics
	AlarmTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "owl_telemetry_alarm_transitions_total",
			Help: "Total number of alarm state transitions",
		},
		[]string{"edge"}, // edge: rising, falling
	)

	// Derived metric publishing
	MetricsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "owl_telemetry_metrics_published_total",
			Help: "Total number of derived metric publish attempts",
		},
		[]string{"kind", "result"}, // result: published, failed, not_ready
	)

	// Alarm hook delivery
	HookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "owl_telemetry_hook_events_total",
			Help: "Total number of alarm events handed to outbound hooks",
		},
		[]string{"hook", "result"}, // result: sent, failed, dropped
	)

	// Config refresh metrics
	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "owl_telemetry_refresh_total",
			Help: "Total number of config refresh cycles",
		},
		[]string{"result"}, // result: success, failed
	)

	RefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "owl_telemetry_refresh_duration_seconds",
			Help:    "Time taken to load config and apply topic deltas",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	SubscribedTopics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "owl_telemetry_subscribed_topics",
			Help: "Number of topics currently subscribed",
		},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "owl_telemetry_cache_entries",
			Help: "Number of cached telemetry values",
		},
	)
)
