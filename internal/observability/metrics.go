// README: Prometheus collectors for matching, solver calls and HTTP traffic.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "driveup"

var (
	SuggestionsServed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "suggestions_served_total", Help: "Suggestion batches returned to drivers"},
		[]string{"source"},
	)
	OrdersFrozen   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "orders_frozen_total", Help: "Passenger orders frozen as match candidates"})
	OrdersReleased = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "orders_released_total", Help: "Passenger orders released back to NEW"})
	DrivesAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "drives_accepted_total", Help: "Suggestions accepted by drivers"})
	AcceptDeclined = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_declined_total", Help: "Accepts declined by the solver"})
	DrivesFinished = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "drives_finished_total", Help: "Drives marked finished"})

	SolverLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "solver_request_duration_seconds",
			Help:      "Latency of calls to the knapsack solver",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "outcome"},
	)

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
