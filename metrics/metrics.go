// Package metrics exports ledger and incentive engine events to Prometheus.
// Metrics implements generic.Observer; the API mounts Handler on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/incentive-ledger/generic"
)

const namespace = "ledger"

type Metrics struct {
	registry *prometheus.Registry

	postings        *prometheus.CounterVec
	postedAmount    *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	batchItems      *prometheus.CounterVec
	batchRuns       *prometheus.CounterVec
	feeFallbacks    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var _ generic.Observer = (*Metrics)(nil)

// New registers every collector on a private registry, so tests and
// multiple servers in one process never collide on the default one.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		postings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postings_total",
			Help:      "Wallet postings applied, by type and source.",
		}, []string{"type", "source"}),
		postedAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posted_amount_rupees_total",
			Help:      "Sum of applied posting amounts in rupees, by type and source.",
		}, []string{"type", "source"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postings_rejected_total",
			Help:      "Wallet postings rejected, by source and error kind.",
		}, []string{"source", "kind"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_decisions_total",
			Help:      "Payout and redemption decisions, by request kind, decision and outcome.",
		}, []string{"kind", "decision", "outcome"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Items processed by batch jobs, by job and outcome.",
		}, []string{"job", "outcome"}),
		batchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_runs_total",
			Help:      "Completed batch job runs, by job.",
		}, []string{"job"}),
		feeFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fee_fallbacks_total",
			Help:      "Fee computations that used the configured default percentage, by reason.",
		}, []string{"reason"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		m.postings,
		m.postedAmount,
		m.rejected,
		m.decisions,
		m.batchItems,
		m.batchRuns,
		m.feeFallbacks,
		m.requestDuration,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// =============================================================================
// OBSERVER
// =============================================================================

func (m *Metrics) PostingApplied(tx generic.LedgerTransaction) {
	m.postings.WithLabelValues(string(tx.Type), string(tx.Source)).Inc()
	m.postedAmount.WithLabelValues(string(tx.Type), string(tx.Source)).Add(tx.Amount.Value.InexactFloat64())
}

func (m *Metrics) PostingRejected(source generic.Source, kind generic.ErrorKind) {
	m.rejected.WithLabelValues(labelOr(string(source), "unknown"), labelOr(string(kind), "unknown")).Inc()
}

func (m *Metrics) RequestDecided(kind generic.RequestKind, decision generic.Decision, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(generic.Kind(err))
	}
	m.decisions.WithLabelValues(string(kind), string(decision), outcome).Inc()
}

func (m *Metrics) BatchCompleted(job string, result generic.BatchResult) {
	m.batchRuns.WithLabelValues(job).Inc()
	m.batchItems.WithLabelValues(job, "succeeded").Add(float64(result.Succeeded))
	m.batchItems.WithLabelValues(job, "failed").Add(float64(result.Failed))
	m.batchItems.WithLabelValues(job, "skipped").Add(float64(result.Skipped))
}

func (m *Metrics) FeeFallback(reason string) {
	m.feeFallbacks.WithLabelValues(labelOr(reason, "unknown")).Inc()
}

// =============================================================================
// HTTP
// =============================================================================

// Middleware records request latency labelled with the chi route pattern,
// so path parameters do not explode the label set.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

func labelOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
