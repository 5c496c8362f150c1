// Package metrics holds the Prometheus collectors shared by the HTTP layer,
// the event dispatcher and the background jobs. All recording methods are
// nil-safe so packages can run without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	requests             *prometheus.CounterVec
	chargesPosted        *prometheus.CounterVec
	listenerFailures     *prometheus.CounterVec
	eventsDispatched     *prometheus.CounterVec
	paymentsReconciled   prometheus.Counter
	reservationsReleased prometheus.Counter
	reservationFailures  prometheus.Counter
	gatherer             prometheus.Gatherer
}

// New registers every collector on reg. Passing a fresh prometheus.Registry
// keeps tests isolated from the default registry.
func New(reg *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hms_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"method", "path", "status"}),
		chargesPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hms_billing_charges_posted_total",
			Help: "Charge line items posted to billing accounts, by item type.",
		}, []string{"type"}),
		listenerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hms_event_listener_failures_total",
			Help: "Listener invocations that returned an error or panicked.",
		}, []string{"event", "listener"}),
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hms_events_dispatched_total",
			Help: "Domain events dispatched, by name.",
		}, []string{"event"}),
		paymentsReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hms_billing_invoices_reconciled_total",
			Help: "Invoice recomputations triggered by payment writes.",
		}),
		reservationsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hms_pharmacy_reservations_released_total",
			Help: "Expired prescription stock reservations released by the sweeper.",
		}),
		reservationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hms_pharmacy_reservation_release_failures_total",
			Help: "Expired reservations the sweeper failed to release.",
		}),
		gatherer: reg,
	}

	for _, c := range []prometheus.Collector{
		m.requests, m.chargesPosted, m.listenerFailures, m.eventsDispatched,
		m.paymentsReconciled, m.reservationsReleased, m.reservationFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Request(method, path, status string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, path, status).Inc()
}

func (m *Metrics) ChargePosted(itemType string) {
	if m == nil {
		return
	}
	m.chargesPosted.WithLabelValues(itemType).Inc()
}

func (m *Metrics) ListenerFailed(event, listener string) {
	if m == nil {
		return
	}
	m.listenerFailures.WithLabelValues(event, listener).Inc()
}

func (m *Metrics) EventDispatched(event string) {
	if m == nil {
		return
	}
	m.eventsDispatched.WithLabelValues(event).Inc()
}

func (m *Metrics) InvoiceReconciled() {
	if m == nil {
		return
	}
	m.paymentsReconciled.Inc()
}

func (m *Metrics) ReservationReleased() {
	if m == nil {
		return
	}
	m.reservationsReleased.Inc()
}

func (m *Metrics) ReservationReleaseFailed() {
	if m == nil {
		return
	}
	m.reservationFailures.Inc()
}
