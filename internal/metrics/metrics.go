// Package metrics provides Prometheus instrumentation for Tillwatch.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route pattern, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tillwatch",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route pattern.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tillwatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsTotal counts submitted events by outcome.
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tillwatch",
			Name:      "events_total",
			Help:      "Total POS events by outcome.",
		},
		[]string{"outcome"}, // "evaluated", "rejected", "skipped", "failed"
	)

	// PipelineDuration observes end-to-end processing time of one event.
	PipelineDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tillwatch",
		Name:      "pipeline_duration_seconds",
		Help:      "Time from receipt to evaluation record for one event.",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// RuleEvaluationsTotal counts single-rule evaluations by outcome.
	RuleEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tillwatch",
			Subsystem: "rules",
			Name:      "evaluations_total",
			Help:      "Total rule evaluations by outcome.",
		},
		[]string{"outcome"}, // "match", "no_match", "error", "timeout"
	)

	// RuleDuration observes single-rule evaluation latency.
	RuleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tillwatch",
		Subsystem: "rules",
		Name:      "evaluation_duration_seconds",
		Help:      "Single rule evaluation latency in seconds.",
		Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	})

	// FlagsCreatedTotal counts newly created fraud flags by severity.
	FlagsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tillwatch",
			Subsystem: "flags",
			Name:      "created_total",
			Help:      "Total fraud flags created by severity.",
		},
		[]string{"severity"},
	)

	// FlagsDuplicateTotal counts flag creations collapsed by idempotency.
	FlagsDuplicateTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tillwatch",
		Subsystem: "flags",
		Name:      "duplicate_total",
		Help:      "Total flag creations that matched an existing flag.",
	})

	// FlagTransitionsTotal counts investigation transitions by target status and result.
	FlagTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tillwatch",
			Subsystem: "flags",
			Name:      "transitions_total",
			Help:      "Total investigation transitions by target status and result.",
		},
		[]string{"status", "result"}, // result: "ok", "invalid", "conflict"
	)

	// ActionsTotal counts dispatched actions by type and result.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tillwatch",
			Subsystem: "actions",
			Name:      "total",
			Help:      "Total actions dispatched by type and result.",
		},
		[]string{"type", "result"}, // result: "success", "failed", "permanent"
	)

	// ActionRetriesTotal counts retry attempts after a failed first try.
	ActionRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tillwatch",
			Subsystem: "actions",
			Name:      "retries_total",
			Help:      "Total action retry attempts by type.",
		},
		[]string{"type"},
	)

	// RiskScore observes the distribution of per-event risk scores.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tillwatch",
		Name:      "risk_score",
		Help:      "Distribution of per-event risk scores.",
		Buckets:   []float64{0, 10, 25, 50, 75, 100},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsTotal,
		PipelineDuration,
		RuleEvaluationsTotal,
		RuleDuration,
		FlagsCreatedTotal,
		FlagsDuplicateTotal,
		FlagTransitionsTotal,
		ActionsTotal,
		ActionRetriesTotal,
		RiskScore,
	)
}

// RegisterGaugeFunc exposes fn as a gauge. Registering the same name twice
// keeps the first collector.
func RegisterGaugeFunc(name, help string, fn func() float64) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "tillwatch",
		Name:      name,
		Help:      help,
	}, fn)
	if err := prometheus.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}

// Middleware records request count and latency by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		// Route pattern, not the raw path, to bound label cardinality.
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, statusBucket(status)).Inc()
	})
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
