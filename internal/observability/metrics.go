// Package observability wires Prometheus metrics for the engine.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	recalculationsTotal prometheus.Counter
	underflowsTotal     *prometheus.CounterVec
	duplicateEvents     *prometheus.CounterVec
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "interntrack_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "interntrack_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	recalcs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "interntrack_recalculations_total",
		Help: "Expected-count recalculations performed.",
	})
	underflows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "interntrack_counter_underflow_total",
		Help: "Decrement attempts absorbed at the zero floor, per counter.",
	}, []string{"counter"})
	duplicates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "interntrack_events_duplicate_total",
		Help: "Lifecycle events rejected by idempotency dedup, per type.",
	}, []string{"event"})
	registry.MustRegister(requests, duration, recalcs, underflows, duplicates)
	return &Metrics{
		registry:            registry,
		handler:             promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:       requests,
		requestDuration:     duration,
		recalculationsTotal: recalcs,
		underflowsTotal:     underflows,
		duplicateEvents:     duplicates,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// RecalculationRan counts one completed expected-count recalculation.
func (m *Metrics) RecalculationRan() {
	if m == nil {
		return
	}
	m.recalculationsTotal.Inc()
}

// UnderflowAbsorbed counts a decrement that hit the zero floor.
func (m *Metrics) UnderflowAbsorbed(counter string) {
	if m == nil {
		return
	}
	m.underflowsTotal.WithLabelValues(counter).Inc()
}

// DuplicateEvent counts a lifecycle event dropped by dedup.
func (m *Metrics) DuplicateEvent(event string) {
	if m == nil {
		return
	}
	m.duplicateEvents.WithLabelValues(event).Inc()
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
