package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersAdmittedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_dispatch", Name: "offers_admitted_total", Help: "Ride requests admitted to the offer slot"})
	OffersDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_dispatch", Name: "offers_dropped_total", Help: "Ride requests dropped before presentation"},
		[]string{"reason"},
	)
	SessionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_dispatch", Name: "sessions_closed_total", Help: "Bid sessions closed, by terminal phase"},
		[]string{"phase"},
	)
	CooldownEndsTotal            = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_dispatch", Name: "cooldown_ends_total", Help: "Cooldown end edges observed"})
	ReconcilerPollsTotal         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_dispatch", Name: "reconciler_polls_total", Help: "Successful authoritative status polls"})
	ReconciledCancellationsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_dispatch", Name: "reconciled_cancellations_total", Help: "Cancellations detected by polling rather than push"})
	DegradedChannels             = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "driver_dispatch", Name: "degraded_channels", Help: "Collaborator channels that failed bootstrap"})
	DispatchEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_dispatch", Name: "dispatch_events_total", Help: "Events consumed from the dispatch channel"},
		[]string{"type"},
	)
	DispatchEventsInvalidTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_dispatch", Name: "dispatch_events_invalid_total", Help: "Undecodable dispatch messages"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "driver_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
