package observability

import "github.com/prometheus/client_golang/prometheus"

// Domain metrics. HTTP metrics live with the HTTP middleware.
var (
	// MatrixRequests counts chat-backend calls by operation and outcome
	// (success, client_error, server_error, network_error, rejected).
	MatrixRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matrix_requests_total",
			Help: "Chat backend API calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// MatrixLatency observes chat-backend call duration in seconds.
	MatrixLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matrix_request_duration_seconds",
			Help:    "Duration of chat backend API calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
		[]string{"name"},
	)

	// BreakerTransitions counts breaker state changes.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		},
		[]string{"name", "from", "to"},
	)

	// StreamSubscribers gauges open event-stream subscriptions.
	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "event_stream_subscribers",
			Help: "Currently open event stream subscriptions.",
		},
	)

	// StreamEvents counts broker deliveries by result (delivered, dropped).
	StreamEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_stream_events_total",
			Help: "Events offered to subscriber queues by result.",
		},
		[]string{"result"},
	)

	// NotificationsRouted counts routed notifications by target kind and status.
	NotificationsRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_routed_total",
			Help: "Notifications routed by target kind and final status.",
		},
		[]string{"target", "status"},
	)

	// Provisioning counts account provisioning attempts by outcome
	// (existing, created, failed).
	Provisioning = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioning_attempts_total",
			Help: "Chat account provisioning attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		MatrixRequests, MatrixLatency,
		BreakerState, BreakerTransitions,
		StreamSubscribers, StreamEvents,
		NotificationsRouted, Provisioning,
	)
}
