// Package metrics holds the prometheus collectors of the reservation engine.
// A nil *Metrics is valid and records nothing, which keeps tests free of registries.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shop"

type Metrics struct {
	reg *prometheus.Registry

	reservations  *prometheus.CounterVec
	releases      *prometheus.CounterVec
	ordersOK      prometheus.Counter
	confirmErrors *prometheus.CounterVec
	sweepRows     *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	eventsAudited *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	subsExpired   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		reservations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reservations_total",
			Help: "Reservation checks by outcome (normal, preorder, unavailable).",
		}, []string{"type"}),
		releases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reservations_closed_total",
			Help: "Reservations leaving active, by reason (cancelled, expired, purchased).",
		}, []string{"reason"}),
		ordersOK: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_confirmed_total",
			Help: "Orders created by confirm.",
		}),
		confirmErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "confirm_failures_total",
			Help: "Rejected confirms by error kind.",
		}, []string{"kind"}),
		sweepRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_rows_total",
			Help: "Rows seen by the expiry sweeper, by result (expired, skipped, failed).",
		}, []string{"result"}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sweep_duration_seconds",
			Help:    "Wall time of one sweeper pass.",
			Buckets: prometheus.DefBuckets,
		}),
		eventsAudited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_events_total",
			Help: "Events seen by the audit consumer, by result (written, duplicate, ignored, malformed, failed).",
		}, []string{"result"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route pattern and status code.",
		}, []string{"route", "code"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		subsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "subscriptions_expired_total",
			Help: "Subscriptions flipped to expired by the hourly job.",
		}),
	}
}

func (m *Metrics) ReservationChecked(kind string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(kind).Inc()
}

func (m *Metrics) ReservationClosed(reason string) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(reason).Inc()
}

func (m *Metrics) OrderConfirmed() {
	if m == nil {
		return
	}
	m.ordersOK.Inc()
}

func (m *Metrics) ConfirmFailed(kind string) {
	if m == nil {
		return
	}
	m.confirmErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) SweepPass(expired, skipped, failed int, took time.Duration) {
	if m == nil {
		return
	}
	m.sweepRows.WithLabelValues("expired").Add(float64(expired))
	m.sweepRows.WithLabelValues("skipped").Add(float64(skipped))
	m.sweepRows.WithLabelValues("failed").Add(float64(failed))
	m.sweepDuration.Observe(took.Seconds())
}

func (m *Metrics) EventAudited(result string) {
	if m == nil {
		return
	}
	m.eventsAudited.WithLabelValues(result).Inc()
}

func (m *Metrics) SubscriptionsExpired(n int) {
	if m == nil {
		return
	}
	m.subsExpired.Add(float64(n))
}

func (m *Metrics) ObserveHTTP(route string, code int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpLatency.WithLabelValues(route).Observe(took.Seconds())
}

// Handler serves the private registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
