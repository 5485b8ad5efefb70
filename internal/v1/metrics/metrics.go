// Package metrics declares the process's Prometheus metrics.
//
// Naming convention: namespace_subsystem_name
//   - namespace: msab (application-level grouping)
//   - subsystem: connection, room, seat, worker, gift, relay, kv (feature-level grouping)
//   - name: specific metric
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks the current number of live socket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "connection",
		Name:      "active",
		Help:      "Current number of active socket connections",
	})

	// ActiveRooms tracks the current number of rooms with a live router.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "room",
		Name:      "active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks current participant count per room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "room",
		Name:      "participants",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// EventsTotal tracks inbound client events processed, by event name and outcome.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "dispatcher",
		Name:      "events_total",
		Help:      "Total inbound events processed",
	}, []string{"event", "status"})

	// EventProcessingDuration tracks per-event handler latency.
	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "msab",
		Subsystem: "dispatcher",
		Name:      "event_duration_seconds",
		Help:      "Time spent handling an inbound event",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	// WorkerLoad tracks the number of routers currently hosted on each worker.
	WorkerLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "worker",
		Name:      "routers",
		Help:      "Number of routers hosted on a worker",
	}, []string{"worker_id"})

	// WorkerRestartsTotal counts worker respawns after a crash.
	WorkerRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "worker",
		Name:      "restarts_total",
		Help:      "Total number of worker subprocess restarts",
	})

	// SeatOpsTotal counts seat-subsystem script invocations by op and outcome.
	SeatOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "seat",
		Name:      "ops_total",
		Help:      "Total seat operations executed against the KV store",
	}, []string{"op", "result"})

	// GiftBufferDepth tracks the current size of the pending gift-transaction buffer.
	GiftBufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "gift",
		Name:      "buffer_depth",
		Help:      "Current number of gift transactions awaiting batch flush",
	})

	// GiftErrorsTotal counts gift transactions that failed batch settlement, by reason.
	GiftErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "gift",
		Name:      "errors_total",
		Help:      "Total gift transactions that failed settlement",
	}, []string{"reason"})

	// RelayMessagesTotal counts backend relay messages by allowlist outcome.
	RelayMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "relay",
		Name:      "messages_total",
		Help:      "Total backend relay messages received",
	}, []string{"status"})

	// CircuitBreakerState reports 0=closed, 1=open, 2=half-open per downstream service.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "msab",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts calls rejected while a breaker is open.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total calls rejected because a circuit breaker was open",
	}, []string{"service"})

	// RateLimitExceededTotal counts rejected chat/gift/API events.
	RateLimitExceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total requests that exceeded a rate limit",
	}, []string{"class"})

	// KVOperationsTotal counts KV-store operations by op and outcome.
	KVOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msab",
		Subsystem: "kv",
		Name:      "operations_total",
		Help:      "Total KV-store operations",
	}, []string{"operation", "status"})

	// KVOperationDuration tracks KV-store operation latency.
	KVOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "msab",
		Subsystem: "kv",
		Name:      "operation_duration_seconds",
		Help:      "Duration of KV-store operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

// IncConnection records a new live connection.
func IncConnection() {
	ActiveConnections.Inc()
}

// DecConnection records a connection's removal.
func DecConnection() {
	ActiveConnections.Dec()
}
