package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors
type Metrics struct {
	registry *prometheus.Registry

	WebhookRequests  *prometheus.CounterVec
	SignalsClaimed   prometheus.Counter
	SignalsFinished  *prometheus.CounterVec
	SignalsReclaimed *prometheus.CounterVec
	OrdersCreated    *prometheus.CounterVec
	OrdersDuplicate  prometheus.Counter
	UsersSkipped     *prometheus.CounterVec
	OrderStatus      *prometheus.CounterVec
	FanoutDuration   prometheus.Histogram
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		WebhookRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fanout_webhook_requests_total", Help: "Inbound webhook pushes by result"},
			[]string{"result"},
		),
		SignalsClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "fanout_signals_claimed_total", Help: "Signals claimed by dispatcher workers"},
		),
		SignalsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fanout_signals_finished_total", Help: "Signals leaving the claimed state by outcome"},
			[]string{"outcome"},
		),
		SignalsReclaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fanout_signals_reclaimed_total", Help: "Abandoned claims swept by the reclaimer"},
			[]string{"result"},
		),
		OrdersCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fanout_orders_created_total", Help: "Order rows created"},
			[]string{"symbol", "side"},
		),
		OrdersDuplicate: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "fanout_orders_duplicate_total", Help: "Order inserts that hit an existing idempotency key"},
		),
		UsersSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fanout_users_skipped_total", Help: "Users excluded from a fan-out"},
			[]string{"reason"},
		),
		OrderStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fanout_order_status_updates_total", Help: "Executor status reports applied"},
			[]string{"status"},
		),
		FanoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fanout_signal_duration_seconds",
			Help:    "Time to fan out one claimed signal",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.WebhookRequests, m.SignalsClaimed, m.SignalsFinished, m.SignalsReclaimed,
		m.OrdersCreated, m.OrdersDuplicate, m.UsersSkipped, m.OrderStatus, m.FanoutDuration,
	)
	return m
}

// Registry exposes the underlying registry for gathering in tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSkip counts a user excluded from a fan-out
func (m *Metrics) RecordSkip(reason string) {
	m.UsersSkipped.WithLabelValues(reason).Inc()
}

// RecordOrderStatus counts an executor status report applied to an order
func (m *Metrics) RecordOrderStatus(status string) {
	m.OrderStatus.WithLabelValues(status).Inc()
}
