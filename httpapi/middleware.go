package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CORSConfig narrows cross-origin access. An empty origin list allows all.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// CORS returns a middleware applying the configured cross-origin headers and
// short-circuiting preflight requests.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "OPTIONS"}
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Content-Type"}
	}
	origin := origins[0]
	methodList := strings.Join(methods, ", ")
	headerList := strings.Join(headers, ", ")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", methodList)
			w.Header().Set("Access-Control-Allow-Headers", headerList)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var (
	httpMetricsOnce sync.Once
	httpRequests    *prometheus.CounterVec
	httpDurations   *prometheus.HistogramVec
)

func httpMetrics() (*prometheus.CounterVec, *prometheus.HistogramVec) {
	httpMetricsOnce.Do(func() {
		httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "domalend",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served.",
		}, []string{"route", "method", "status"})
		httpDurations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "domalend",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"})
		prometheus.MustRegister(httpRequests, httpDurations)
	})
	return httpRequests, httpDurations
}

// Observe traces and measures each request under a fixed route label.
func Observe(route string) func(http.Handler) http.Handler {
	requests, durations := httpMetrics()
	tracer := otel.Tracer("domalend/httpapi")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			span.End()
			requests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
			durations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
