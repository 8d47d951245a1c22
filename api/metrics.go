package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/settlement-engine/ledger"
)

// Metrics holds the service's collectors on a private registry so tests can
// build as many routers as they like.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	applications    *prometheus.CounterVec

	overdueNotes   prometheus.Gauge
	overdueAmounts *prometheus.GaugeVec
	lastSnapshotAt prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		applications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "note_applications_total",
			Help:      "Credit and debit note applications by outcome.",
		}, []string{"kind", "outcome"}),
		overdueNotes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "overdue_promissory_notes",
			Help:      "Overdue, unpaid promissory notes at the last snapshot.",
		}),
		overdueAmounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "overdue_amount",
			Help:      "Overdue portfolio amounts at the last snapshot.",
		}, []string{"component"}),
		lastSnapshotAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "settlement",
			Name:      "collections_snapshot_timestamp_seconds",
			Help:      "As-of instant of the last collections snapshot.",
		}),
	}
	reg.MustRegister(m.requests, m.requestDuration, m.applications, m.overdueNotes, m.overdueAmounts, m.lastSnapshotAt)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveApplication counts one apply attempt. Outcome is "applied" or the
// error kind.
func (m *Metrics) ObserveApplication(kind ledger.NoteKind, err error) {
	outcome := "applied"
	if err != nil {
		outcome = string(ledger.KindOf(err))
	}
	m.applications.WithLabelValues(string(kind), outcome).Inc()
}

// ObserveCollections publishes a collections snapshot.
func (m *Metrics) ObserveCollections(s CollectionsSnapshot) {
	m.overdueNotes.Set(float64(s.OverdueNotes))
	m.overdueAmounts.WithLabelValues("pending_balance").Set(s.PendingBalance.InexactFloat64())
	m.overdueAmounts.WithLabelValues("accrued_interest").Set(s.AccruedInterest.InexactFloat64())
	m.overdueAmounts.WithLabelValues("total_due").Set(s.TotalDue.InexactFloat64())
	m.lastSnapshotAt.Set(float64(s.AsOf.Unix()))
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so ids in the path do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
