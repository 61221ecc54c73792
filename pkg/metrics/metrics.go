// Package metrics provides Prometheus metrics for the object event pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's collectors. All Record methods are safe to call
// on a nil *Metrics, which records nothing.
type Metrics struct {
	// Router
	EventsPublishedTotal *prometheus.CounterVec
	DeliveriesTotal      *prometheus.CounterVec
	EventsFilteredTotal  *prometheus.CounterVec

	// Queues
	QueueOperationsTotal *prometheus.CounterVec
	QueueMessages        *prometheus.GaugeVec

	// Consumers
	HandlerResultsTotal *prometheus.CounterVec
	HandlerDuration     *prometheus.HistogramVec

	// Ingress and notifications
	NormalizeErrorsTotal *prometheus.CounterVec
	NotificationsTotal   *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{}

	m.EventsPublishedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectflow_events_published_total",
			Help: "Events published to a topic",
		},
		[]string{"topic", "kind"},
	)

	m.DeliveriesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectflow_deliveries_total",
			Help: "Deliveries from a topic to a subscription, by status",
		},
		[]string{"topic", "subscription", "status"},
	)

	m.EventsFilteredTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectflow_events_filtered_total",
			Help: "Events a subscription filter did not admit",
		},
		[]string{"topic", "subscription"},
	)

	m.QueueOperationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectflow_queue_operations_total",
			Help: "Queue operations (enqueue, receive, ack, nack, expire, dead_letter, drop)",
		},
		[]string{"queue", "operation"},
	)

	m.QueueMessages = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "objectflow_queue_messages",
			Help: "Messages held by a queue, by state",
		},
		[]string{"queue", "state"},
	)

	m.HandlerResultsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectflow_handler_results_total",
			Help: "Consumer handler invocations by result",
		},
		[]string{"handler", "result"},
	)

	m.HandlerDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objectflow_handler_duration_seconds",
			Help:    "Duration of consumer handler invocations",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 3, 5, 15},
		},
		[]string{"handler"},
	)

	m.NormalizeErrorsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectflow_normalize_errors_total",
			Help: "Records skipped by the normalizer",
		},
		[]string{"source"},
	)

	m.NotificationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectflow_notifications_total",
			Help: "Notifications handed to the sink",
		},
		[]string{"type", "status"},
	)

	return m
}

// RecordPublish records an event published on topic.
func (m *Metrics) RecordPublish(topic, kind string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(topic, kind).Inc()
}

// RecordDelivery records an enqueue attempt from topic to subscription.
func (m *Metrics) RecordDelivery(topic, subscription string, err error) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(topic, subscription, status(err)).Inc()
}

// RecordFiltered records an event a subscription did not admit.
func (m *Metrics) RecordFiltered(topic, subscription string) {
	if m == nil {
		return
	}
	m.EventsFilteredTotal.WithLabelValues(topic, subscription).Inc()
}

// RecordQueueOp records a queue operation.
func (m *Metrics) RecordQueueOp(queue, op string) {
	if m == nil {
		return
	}
	m.QueueOperationsTotal.WithLabelValues(queue, op).Inc()
}

// SetQueueDepth updates the visible and in-flight gauges for queue.
func (m *Metrics) SetQueueDepth(queue string, visible, inFlight int) {
	if m == nil {
		return
	}
	m.QueueMessages.WithLabelValues(queue, "visible").Set(float64(visible))
	m.QueueMessages.WithLabelValues(queue, "in_flight").Set(float64(inFlight))
}

// RecordHandler records one consumer handler invocation.
func (m *Metrics) RecordHandler(handler, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HandlerResultsTotal.WithLabelValues(handler, result).Inc()
	m.HandlerDuration.WithLabelValues(handler).Observe(duration.Seconds())
}

// RecordNormalizeError records a record skipped while normalizing input from source.
func (m *Metrics) RecordNormalizeError(source string) {
	if m == nil {
		return
	}
	m.NormalizeErrorsTotal.WithLabelValues(source).Inc()
}

// RecordNotification records a notification send attempt.
func (m *Metrics) RecordNotification(kind string, err error) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind, status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
