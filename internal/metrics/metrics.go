// Package metrics defines the Prometheus instruments shared by the
// broadcast server and the relay gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection client metrics
var (
	// ConnectionState tracks the state of each logical connection
	// (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=error)
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connection_state",
			Help: "Logical connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=error)",
		},
		[]string{"identity"},
	)

	// ReconnectAttemptsTotal counts reconnect attempts by identity
	ReconnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconnect_attempts_total",
			Help: "Total reconnect attempts by connection identity",
		},
		[]string{"identity"},
	)

	// QueuedSendsDropped counts outbound sends dropped on queue overflow
	QueuedSendsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queued_sends_dropped_total",
			Help: "Total outbound messages dropped because the pre-connect queue overflowed",
		},
	)
)

// Relay gateway metrics
var (
	// GatewaySessionsActive tracks live relay sessions
	GatewaySessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_sessions_active",
			Help: "Number of active relay sessions (inbound/upstream pairs)",
		},
	)

	// GatewayMessagesForwarded counts forwarded payloads by direction
	GatewayMessagesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_forwarded_total",
			Help: "Total payload messages forwarded by direction (inbound/outbound)",
		},
		[]string{"direction"},
	)

	// GatewayMessagesThrottled counts payloads held back by the rate limiter
	GatewayMessagesThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_throttled_total",
			Help: "Total payload messages queued or dropped by the per-session rate limiter",
		},
		[]string{"direction", "outcome"},
	)

	// GatewayUpstreamFailures counts upstream leg failures
	GatewayUpstreamFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_upstream_failures_total",
			Help: "Total upstream connection failures after retry exhaustion",
		},
	)

	// GatewayProxyRequests counts proxied HTTP requests by target and status
	GatewayProxyRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_proxy_requests_total",
			Help: "Total proxied HTTP requests by upstream target and outcome",
		},
		[]string{"target", "outcome"},
	)

	// GatewayBreakerState tracks circuit breaker state per upstream target
	// (0=closed, 1=half-open, 2=open)
	GatewayBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"target"},
	)

	// GatewayBreakerStateChanges counts breaker transitions per target
	GatewayBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions by target and new state",
		},
		[]string{"target", "state"},
	)

	// GatewayHeartbeatTimeouts counts sessions torn down by the heartbeat monitor
	GatewayHeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_heartbeat_timeouts_total",
			Help: "Total relay sessions closed after the inbound side missed the heartbeat grace ping",
		},
	)
)

// Broadcast server metrics
var (
	// BroadcastSubscribers tracks connected subscribers
	BroadcastSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcast_subscribers",
			Help: "Number of connected broadcast subscribers",
		},
	)

	// BroadcastMessagesSent counts messages pushed to subscribers by kind
	BroadcastMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_messages_sent_total",
			Help: "Total messages pushed to subscribers by message kind",
		},
		[]string{"kind"},
	)

	// BroadcastSlowSubscribersEvicted counts subscribers evicted for full buffers
	BroadcastSlowSubscribersEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_slow_subscribers_evicted_total",
			Help: "Total subscribers evicted because their send buffer stayed full",
		},
	)

	// BroadcastTickDuration observes the subscriber tick loop duration
	BroadcastTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broadcast_tick_duration_seconds",
			Help:    "Duration of one subscriber tick pass",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
	)

	// SimulationLoadsTotal counts successful simulation file loads
	SimulationLoadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simulation_loads_total",
			Help: "Total successful simulation file loads",
		},
	)

	// SimulationLoadFailures counts rejected simulation files
	SimulationLoadFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simulation_load_failures_total",
			Help: "Total simulation files rejected by validation",
		},
	)

	// SimulationRecordsLoaded tracks the record count of the current session
	SimulationRecordsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "simulation_records_loaded",
			Help: "Record count of the currently loaded simulation session",
		},
	)
)
