// Package metrics exposes the settlement counters and histograms to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "settlement"

type Metrics struct {
	bookingTransitions  *prometheus.CounterVec
	reservations        *prometheus.CounterVec
	reconcileResults    *prometheus.CounterVec
	gatewayCharges      *prometheus.CounterVec
	gatewayLatency      prometheus.Histogram
	ledgerPostings      *prometheus.CounterVec
	withdrawalStates    *prometheus.CounterVec
	sweptBookings       prometheus.Counter
	sweptReservations   prometheus.Counter
	notificationsFailed prometheus.Counter
}

// New registers the settlement collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bookingTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_transitions_total",
			Help:      "Booking state transitions by resulting state.",
		}, []string{"state"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capacity_reservations_total",
			Help:      "Capacity reservation attempts by outcome.",
		}, []string{"outcome"}),
		reconcileResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_events_total",
			Help:      "Gateway events processed by the reconciler by result.",
		}, []string{"result"}),
		gatewayCharges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_charges_total",
			Help:      "Outbound charge attempts by outcome.",
		}, []string{"outcome"}),
		gatewayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_charge_duration_seconds",
			Help:      "Latency of outbound charge calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		ledgerPostings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_postings_total",
			Help:      "Ledger entries appended by kind.",
		}, []string{"kind"}),
		withdrawalStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawal_transitions_total",
			Help:      "Withdrawal state transitions by resulting state.",
		}, []string{"state"}),
		sweptBookings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_expired_bookings_total",
			Help:      "Stale pending bookings failed by the sweeper.",
		}),
		sweptReservations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_released_reservations_total",
			Help:      "Orphan reservations released by the sweeper.",
		}),
		notificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Notifications that could not be delivered.",
		}),
	}

	reg.MustRegister(
		m.bookingTransitions,
		m.reservations,
		m.reconcileResults,
		m.gatewayCharges,
		m.gatewayLatency,
		m.ledgerPostings,
		m.withdrawalStates,
		m.sweptBookings,
		m.sweptReservations,
		m.notificationsFailed,
	)
	return m
}

// NewRegistry returns a registry preloaded with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (m *Metrics) BookingTransition(state string) {
	if m == nil {
		return
	}
	m.bookingTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Reservation(outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReconcileResult(result string) {
	if m == nil {
		return
	}
	m.reconcileResults.WithLabelValues(result).Inc()
}

func (m *Metrics) GatewayCharge(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.gatewayCharges.WithLabelValues(outcome).Inc()
	m.gatewayLatency.Observe(took.Seconds())
}

func (m *Metrics) LedgerPosting(kind string) {
	if m == nil {
		return
	}
	m.ledgerPostings.WithLabelValues(kind).Inc()
}

func (m *Metrics) WithdrawalTransition(state string) {
	if m == nil {
		return
	}
	m.withdrawalStates.WithLabelValues(state).Inc()
}

func (m *Metrics) Swept(bookings, reservations int) {
	if m == nil {
		return
	}
	m.sweptBookings.Add(float64(bookings))
	m.sweptReservations.Add(float64(reservations))
}

func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.notificationsFailed.Inc()
}
