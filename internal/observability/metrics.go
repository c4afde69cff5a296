package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reservation_engine"

var (
	ReservationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "reservations_created_total", Help: "Reservations created, by booking mode"},
		[]string{"mode"},
	)
	AvailabilityRejections = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "availability_rejections_total", Help: "Booking requests rejected as unavailable"})

	HoldTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "hold_transitions_total", Help: "Hold state transitions, by target status"},
		[]string{"status"},
	)
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "hold_sweep_duration_seconds", Help: "Expired hold sweep latency seconds"})

	SettlementsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "settlements_processed_total", Help: "Settlement processing outcomes"},
		[]string{"status"},
	)
	TransfersIssued     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "transfers_issued_total", Help: "Payee transfers issued"})
	PaymentAuthorityErr = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payment_authority_errors_total", Help: "Payment authority failures, by operation"},
		[]string{"op"},
	)

	DispatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_candidates",
		Help:      "Eligible assets returned per nearby search",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})

	PositionsIngested = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "positions_ingested_total", Help: "Trip position reports ingested"})
	ActiveTrips       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_trips", Help: "Trips started and not yet ended in this process"})

	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_emitted_total", Help: "Engine events emitted, by type"},
		[]string{"type"},
	)
	EventDeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "event_delivery_failures_total", Help: "Event sink failures, by type"},
		[]string{"type"},
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
