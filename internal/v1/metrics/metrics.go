package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the ciphertext-relay core.
//
// Naming convention: namespace_subsystem_name
// - namespace: echochat (application-level grouping)
// - subsystem: websocket, relay, voice, auth, governor (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, rosters, spool depth)
// - Counter: Cumulative events (messages relayed, rejections)
// - Histogram: Latency distributions (event processing time)

var (
	// ActiveConnections tracks the current number of live realtime connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "echochat",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks rooms with at least one local connection.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "echochat",
		Subsystem: "relay",
		Name:      "rooms_active",
		Help:      "Current number of rooms with local occupants",
	})

	// RoomOccupants tracks the number of local connections per room.
	RoomOccupants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "echochat",
		Subsystem: "relay",
		Name:      "room_occupants",
		Help:      "Number of local connections joined to each room",
	}, []string{"room"})

	// RelayedMessages counts relayed payloads by scope and outcome.
	RelayedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "echochat",
		Subsystem: "relay",
		Name:      "messages_total",
		Help:      "Total relayed messages",
	}, []string{"scope", "status"})

	// OfflineSpoolOps counts enqueue/drain operations on the offline spool.
	OfflineSpoolOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "echochat",
		Subsystem: "relay",
		Name:      "offline_spool_ops_total",
		Help:      "Offline spool enqueue and drain operations",
	}, []string{"op"})

	// WebsocketEvents tracks the total number of realtime events processed.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "echochat",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// EventProcessingDuration tracks time spent handling realtime events.
	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "echochat",
		Subsystem: "websocket",
		Name:      "event_processing_seconds",
		Help:      "Time spent processing realtime events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// AuthOutcomes counts login/refresh/validate outcomes.
	AuthOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "echochat",
		Subsystem: "auth",
		Name:      "outcomes_total",
		Help:      "Authentication operation outcomes",
	}, []string{"op", "status"})

	// VoiceRosterSize tracks voice roster occupancy per room.
	VoiceRosterSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "echochat",
		Subsystem: "voice",
		Name:      "roster_size",
		Help:      "Current voice roster size per room",
	}, []string{"room"})

	// DmCalls counts DM call transitions by resulting state.
	DmCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "echochat",
		Subsystem: "voice",
		Name:      "dm_calls_total",
		Help:      "DM voice call state transitions",
	}, []string{"state"})

	// RateLimitExceeded counts rejections issued by the governor.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "echochat",
		Subsystem: "governor",
		Name:      "rate_limit_exceeded_total",
		Help:      "Requests and events rejected by rate limiting",
	}, []string{"rule", "key_type"})

	// CircuitBreakerState exposes breaker state per dependency (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "echochat",
		Subsystem: "bridge",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts operations dropped by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "echochat",
		Subsystem: "bridge",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations rejected while a circuit breaker was open",
	}, []string{"dependency"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
