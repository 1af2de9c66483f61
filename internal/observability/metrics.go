package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_requested_total", Help: "Rides created through ride:request"})
	OffersSent     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_sent_total", Help: "ride:new offers delivered to drivers"})
	NoDriversTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "no_drivers_nearby_total", Help: "Ride requests with no driver in range"})
	AcceptsTotal   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accepts_total", Help: "Accept attempts by outcome"},
		[]string{"outcome"},
	)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "transitions_total", Help: "Successful ride transitions by target status"},
		[]string{"status"},
	)
	CASRetries = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "cas_retries_total", Help: "Version conflicts retried against the ride store"})
	ETAUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "eta_updates_total", Help: "driver:eta:update events emitted"})
	Settlement = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "settlements_total", Help: "Ride settlements by outcome"},
		[]string{"outcome"},
	)
	TipsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "tips_total", Help: "Tips credited to drivers"})
	PoolJoins     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "pool_joins_total", Help: "Passengers joined to shared rides"})
	Connections   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "connections", Help: "Registered live connections"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Connected drivers"})

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "events_total", Help: "Inbound events handled by type and error category"},
		[]string{"event", "category"},
	)
	EventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "event_duration_seconds",
			Help:      "Inbound event handling latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
