// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Currently open websocket connections",
		},
	)

	AuthenticatedIdentities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_authenticated_identities",
			Help: "Identities with at least one open connection",
		},
	)

	// Fan-out metrics
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_events_delivered_total",
			Help: "Events queued to a connection",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_events_dropped_total",
			Help: "Events dropped because the connection was closed or its buffer was full",
		},
		[]string{"reason"}, // "buffer_full" or "closed"
	)

	RelayPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_relay_published_total",
			Help: "Events published to the cross-node relay",
		},
	)

	// Streaming metrics
	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_streams_total",
			Help: "Completed stream sessions by outcome",
		},
		[]string{"outcome"}, // "succeeded", "empty", "upstream_failure", "persistence_failure", "rejected"
	)

	StreamFragments = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_stream_fragments_total",
			Help: "AI fragments relayed to clients",
		},
	)

	StreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_stream_duration_seconds",
			Help:    "Time from user message persisted to stream terminal state",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	MessagesSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_saved_total",
			Help: "Messages persisted by role",
		},
		[]string{"role"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_rate_limit_hits_total",
			Help: "Requests rejected by the send rate limiter",
		},
		[]string{"transport"}, // "ws" or "http"
	)
)
