package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hand-off client metrics
var (
	// Connection metrics
	ConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "handoff_websocket_connections_open",
			Help: "Current number of open hand-off WebSocket connections",
		},
	)

	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_websocket_connect_attempts_total",
			Help: "Total number of WebSocket dial attempts",
		},
		[]string{"role", "result"}, // result: success/failure
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_websocket_reconnects_scheduled_total",
			Help: "Total number of reconnects scheduled after a close",
		},
		[]string{"role"},
	)

	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_websocket_frames_total",
			Help: "Total number of WebSocket frames by direction and action",
		},
		[]string{"direction", "action"}, // direction: inbound/outbound
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_websocket_frames_dropped_total",
			Help: "Inbound frames dropped without reaching the reconciler",
		},
		[]string{"reason"}, // malformed/unknown_action/invalid_payload/stale
	)

	SendsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_websocket_sends_skipped_total",
			Help: "Sends ignored because the connection was not open",
		},
		[]string{"action"},
	)

	// Reconciler metrics
	PushesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_reconciler_pushes_total",
			Help: "Server pushes handled by the reconciler",
		},
		[]string{"action", "outcome"}, // outcome: applied/noop/rejected
	)

	RestResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_reconciler_rest_results_total",
			Help: "REST hand-off results offered to the reconciler",
		},
		[]string{"outcome"}, // applied/superseded
	)

	// REST client metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_api_requests_total",
			Help: "Total number of REST requests",
		},
		[]string{"endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handoff_api_request_duration_seconds",
			Help:    "REST request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"endpoint"},
	)

	StreamsAborted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "handoff_chat_streams_aborted_total",
			Help: "Chat streams cancelled by the caller",
		},
	)

	// Transcript store metrics
	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_store_snapshot_writes_total",
			Help: "Snapshots persisted to the local transcript store",
		},
		[]string{"result"}, // success/failure
	)
)
