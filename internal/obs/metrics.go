package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	pipelineRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ontour_pipeline_rejections_total",
			Help: "Requests stopped by the tenancy pipeline, by stage and rejection code.",
		},
		[]string{"stage", "code"},
	)

	rateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ontour_ratelimit_decisions_total",
			Help: "Per-organization rate limit decisions.",
		},
		[]string{"tier", "result"},
	)

	superAdminBypass = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ontour_superadmin_bypass_total",
			Help: "Checks skipped because the caller holds a superadmin context.",
		},
		[]string{"stage"},
	)
)

// Init registers the service metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight,
			httpRequestsTotal,
			httpRequestDuration,
			pipelineRejections,
			rateDecisions,
			superAdminBypass,
		)
	})
}

// Handler serves the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRejection counts a pipeline rejection.
func ObserveRejection(stage, code string) {
	pipelineRejections.WithLabelValues(stage, code).Inc()
}

// ObserveRateDecision counts an allow or throttle decision for a tier.
func ObserveRateDecision(tier string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "throttled"
	}
	rateDecisions.WithLabelValues(tier, result).Inc()
}

// ObserveSuperAdminBypass counts a skipped check.
func ObserveSuperAdminBypass(stage string) {
	superAdminBypass.WithLabelValues(stage).Inc()
}

// Instrument records in-flight, totals and latency per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers in known routes so metric cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && (parts[1] == "shows" || parts[1] == "members"):
		return "/v1/" + parts[1] + "/:id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "public" && parts[2] == "tours":
		return "/v1/public/tours/:slug"
	case len(parts) == 4 && parts[0] == "internal" && parts[1] == "ratelimit" && parts[3] == "reset":
		return "/internal/ratelimit/:org/reset"
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
