package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetricsCollector implements NamedCollector and records request counts
// and latencies for the API server. Requests are labeled with the matched chi
// route pattern rather than the raw path to keep cardinality bounded.
type HTTPMetricsCollector struct {
	requestsCounter *prometheus.CounterVec
	latencyHist     *prometheus.HistogramVec
}

func NewHTTPMetricsCollector(service string) *HTTPMetricsCollector {
	return &HTTPMetricsCollector{
		requestsCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "fleetyard_http_requests_total",
			Help:        "Total number of HTTP requests by method, route and status code",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"method", "route", "status"}),
		latencyHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "fleetyard_http_request_duration_seconds",
			Help:        "Histogram of HTTP request handling time by method and route",
			ConstLabels: prometheus.Labels{"service": service},
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~8s
		}, []string{"method", "route"}),
	}
}

func (c *HTTPMetricsCollector) MetricsName() string {
	return "http"
}

func (c *HTTPMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.requestsCounter.Describe(ch)
	c.latencyHist.Describe(ch)
}

func (c *HTTPMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.requestsCounter.Collect(ch)
	c.latencyHist.Collect(ch)
}

// Middleware records one observation per request. It must run inside the chi
// router so the route pattern has been resolved by the time it fires.
func (c *HTTPMetricsCollector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			route := "unrouted"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			c.requestsCounter.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			c.latencyHist.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}()

		next.ServeHTTP(ww, r)
	})
}
