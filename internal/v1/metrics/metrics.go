package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the SFU signaling control plane.
//
// Naming convention: namespace_subsystem_name
// - namespace: sfu_signaling
// - subsystem: channel, room, engine
//
// Metric Types:
// - Gauge: current state (connections, rooms, members, engine resources)
// - Counter: cumulative events (messages processed, errors, broadcasts)
// - Histogram: latency distributions (message handling time)

var (
	// ActiveConnections tracks the current number of open signaling channels.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfu_signaling",
		Subsystem: "channel",
		Name:      "connections_active",
		Help:      "Current number of open signaling channels",
	})

	// ActiveRooms tracks the current number of rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfu_signaling",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the member count per room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sfu_signaling",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room"})

	// SignalingEvents counts processed signaling messages by type and outcome.
	SignalingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu_signaling",
		Subsystem: "channel",
		Name:      "events_total",
		Help:      "Total signaling messages processed",
	}, []string{"message_type", "status"})

	// MessageProcessingDuration tracks handler latency per message type.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sfu_signaling",
		Subsystem: "channel",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing signaling messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"message_type"})

	// EngineResources tracks active engine resources by kind
	// (transport, producer, consumer).
	EngineResources = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sfu_signaling",
		Subsystem: "engine",
		Name:      "resources_active",
		Help:      "Active media engine resources by kind",
	}, []string{"kind"})

	// EngineOperations counts adapter operations by op and outcome.
	EngineOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu_signaling",
		Subsystem: "engine",
		Name:      "operations_total",
		Help:      "Total media engine adapter operations",
	}, []string{"op", "status"})

	// BroadcastsSent counts room fan-out deliveries.
	BroadcastsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sfu_signaling",
		Subsystem: "room",
		Name:      "broadcasts_total",
		Help:      "Total messages fanned out to room members",
	})

	// CircuitBreakerState reports the breaker state per downstream
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sfu_signaling",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per downstream service",
	}, []string{"service"})

	// CircuitBreakerFailures counts calls rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu_signaling",
		Subsystem: "breaker",
		Name:      "failures_total",
		Help:      "Total calls dropped while a circuit breaker was open",
	}, []string{"service"})

	// RateLimitExceeded counts requests rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu_signaling",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected because a rate limit was reached",
	}, []string{"endpoint", "limit_type"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
