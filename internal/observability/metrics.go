package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "carpool"

var (
	TripsCreated     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_created_total", Help: "Trips created"})
	TripTransitions  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "trip_transitions_total", Help: "Trip status transitions by target status"}, []string{"to"})
	RideRequests     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ride_requests_total", Help: "Ride request outcomes"}, []string{"outcome"})
	CapacityRejected = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "capacity_rejections_total", Help: "Accepts refused for lack of seats"})
	CreditsConsumed  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "credits_consumed_total", Help: "Trip credits consumed"})

	SweepCancelled       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sweep_cancelled_total", Help: "Trips cancelled by the expiration sweep"})
	SweepErrors          = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "sweep_errors_total", Help: "Per-record sweep failures"}, []string{"sweep"})
	SubscriptionsExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "subscriptions_expired_total", Help: "Subscriptions deactivated after their end date"})
	PaymentsExpired      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "payments_expired_total", Help: "Pending payments expired"})

	Notifications    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notification deliveries"}, []string{"channel", "result"})
	RoutingFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "routing_fallbacks_total", Help: "Distance lookups answered by the haversine fallback"})
	SearchLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "search_latency_seconds", Help: "Geo candidate search latency"})
	LocationPings    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "location_pings_total", Help: "Driver location pings applied by the consumer"}, []string{"result"})

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
)
