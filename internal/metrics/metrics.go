// Package metrics exports ledger and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/budget-ledger/budget"
)

const namespace = "budget"

// Metrics implements budget.Metrics and carries the HTTP collectors.
type Metrics struct {
	reservationsCreated  prometheus.Counter
	reservationsResolved *prometheus.CounterVec
	usageApplied         *prometheus.CounterVec
	rejections           *prometheus.CounterVec
	balanceRetries       *prometheus.CounterVec
	sweepExpired         prometheus.Counter
	sweepDuration        prometheus.Histogram

	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

var _ budget.Metrics = (*Metrics)(nil)

// New registers every collector on a fresh registry, together with the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg, reg)
}

func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		reservationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_created_total",
			Help:      "Reservations placed",
		}),
		reservationsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_resolved_total",
			Help:      "Reservations resolved, by terminal status",
		}, []string{"status"}),
		usageApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_applied_total",
			Help:      "Usage records written, by source (direct or reservation)",
		}, []string{"source"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insufficient_budget_total",
			Help:      "Requests rejected for insufficient budget, by operation",
		}, []string{"op"}),
		balanceRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_cas_retries_total",
			Help:      "Balance compare-and-swap conflicts retried, by operation",
		}, []string{"op"}),
		sweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_expired_total",
			Help:      "Reservations expired by the sweeper",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweeper_run_duration_seconds",
			Help:      "Sweeper run duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "path", "status"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		gatherer: gatherer,
	}
	reg.MustRegister(
		m.reservationsCreated,
		m.reservationsResolved,
		m.usageApplied,
		m.rejections,
		m.balanceRetries,
		m.sweepExpired,
		m.sweepDuration,
		m.httpRequestDuration,
		m.httpRequestsTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ReservationCreated() { m.reservationsCreated.Inc() }

func (m *Metrics) ReservationResolved(status budget.ReservationStatus) {
	m.reservationsResolved.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) UsageApplied(source string) { m.usageApplied.WithLabelValues(source).Inc() }

func (m *Metrics) BudgetRejected(op string) { m.rejections.WithLabelValues(op).Inc() }

func (m *Metrics) BalanceRetry(op string) { m.balanceRetries.WithLabelValues(op).Inc() }

func (m *Metrics) SweepCompleted(expired int, took time.Duration) {
	m.sweepExpired.Add(float64(expired))
	m.sweepDuration.Observe(took.Seconds())
}
