package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "campus_share"

var (
	RidesCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Total ride offers created"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions by target status"},
		[]string{"status"},
	)
	SeatOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "seat_operations_total", Help: "Seat reserve/release attempts by outcome"},
		[]string{"op", "outcome"},
	)
	RequestTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "request_transitions_total", Help: "Ride request status transitions by target status"},
		[]string{"status"},
	)
	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "messages_posted_total", Help: "Messages appended to conversations by kind"},
		[]string{"kind"},
	)

	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "invariant_violations_total", Help: "Calls aborted on an invariant violation"})

	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_emitted_total", Help: "Events accepted by the hub"},
		[]string{"entity_type"},
	)
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped because the hub buffer was full or the hub had stopped"})

	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "event_sink_errors_total", Help: "Event sink publish failures"},
		[]string{"sink"},
	)

	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Connected websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "http_rate_limited_total", Help: "Requests rejected by the rate limiter"})
)
