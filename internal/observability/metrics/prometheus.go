// Package metrics provides Prometheus metrics for the medication-order service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schoolcare/medorder/internal/domain/medorder"
)

// Metrics holds all application metrics. It implements the domain and
// outbox observer interfaces.
type Metrics struct {
	OrdersCreated           prometheus.Counter
	LinesCreated            prometheus.Counter
	StatusTransitions       *prometheus.CounterVec
	AdministrationsRecorded prometheus.Counter
	QuantityAdministered    prometheus.Counter
	QuantityRefilled        prometheus.Counter
	DispensesRejected       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	OutboxPublishedTotal    *prometheus.CounterVec
	OutboxFailuresTotal     *prometheus.CounterVec
	OutboxPending           prometheus.Gauge
	MessagesConsumed        prometheus.Counter
	Notifications           *prometheus.CounterVec
	CircuitBreakerState     *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A nil reg uses the
// process-wide default registry.
func New(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medical_orders_created_total",
			Help: "Total medical orders created",
		}),
		LinesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medicine_lines_created_total",
			Help: "Total medicine lines created",
		}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medical_order_status_transitions_total",
			Help: "Medical order status transitions",
		}, []string{"from", "to"}),
		AdministrationsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "administrations_recorded_total",
			Help: "Total administration records appended",
		}),
		QuantityAdministered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medicine_quantity_administered_total",
			Help: "Total units administered",
		}),
		QuantityRefilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medicine_quantity_refilled_total",
			Help: "Total units added by refills",
		}),
		DispensesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispenses_rejected_total",
			Help: "Dispense batches rejected",
		}, []string{"reason"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route", "status"}),
		OutboxPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox entries published",
		}, []string{"event_type"}),
		OutboxFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_failures_total",
			Help: "Outbox publish failures",
		}, []string{"event_type"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		MessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notifications by kind and outcome",
		}, []string{"kind", "outcome"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		gatherer: gatherer,
	}

	reg.MustRegister(
		m.OrdersCreated,
		m.LinesCreated,
		m.StatusTransitions,
		m.AdministrationsRecorded,
		m.QuantityAdministered,
		m.QuantityRefilled,
		m.DispensesRejected,
		m.HTTPRequestDuration,
		m.OutboxPublishedTotal,
		m.OutboxFailuresTotal,
		m.OutboxPending,
		m.MessagesConsumed,
		m.Notifications,
		m.CircuitBreakerState,
	)

	return m
}

// OrderCreated counts a new order and its lines
func (m *Metrics) OrderCreated(lines int) {
	m.OrdersCreated.Inc()
	m.LinesCreated.Add(float64(lines))
}

// StatusChanged counts a status transition
func (m *Metrics) StatusChanged(from, to medorder.Status) {
	m.StatusTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// LineRefilled counts refilled units
func (m *Metrics) LineRefilled(quantity int) {
	m.QuantityRefilled.Add(float64(quantity))
}

// AdministrationRecorded counts one batch and its units
func (m *Metrics) AdministrationRecorded(_, quantity int) {
	m.AdministrationsRecorded.Inc()
	m.QuantityAdministered.Add(float64(quantity))
}

// DispenseRejected counts a rejected batch
func (m *Metrics) DispenseRejected(reason string) {
	m.DispensesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) OutboxPublished(eventType string) {
	m.OutboxPublishedTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) OutboxFailed(eventType string) {
	m.OutboxFailuresTotal.WithLabelValues(eventType).Inc()
}

// OutboxBacklog records the pending outbox size
func (m *Metrics) OutboxBacklog(pending int64) {
	m.OutboxPending.Set(float64(pending))
}

// ObserveHTTP records one request
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// MessageConsumed counts a consumed record
func (m *Metrics) MessageConsumed() {
	m.MessagesConsumed.Inc()
}

// NotificationDelivered counts a notification outcome: sent, failed or duplicate
func (m *Metrics) NotificationDelivered(kind, outcome string) {
	m.Notifications.WithLabelValues(kind, outcome).Inc()
}

// BreakerStateChanged records a circuit breaker state
func (m *Metrics) BreakerStateChanged(name, state string) {
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler for the registry m was built with
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Handler returns the default Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
