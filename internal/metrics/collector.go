package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPCollector records request-level metrics for the HTTP API surface.
// Path labels must be normalized by the caller before recording to keep
// cardinality bounded.
type HTTPCollector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestSize     *prometheus.HistogramVec
	responseSize    *prometheus.HistogramVec
}

// NewHTTP registers the HTTP collectors on reg.
func NewHTTP(reg prometheus.Registerer) *HTTPCollector {
	factory := promauto.With(reg)
	return &HTTPCollector{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mofafm",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, path and status class.",
		}, []string{"method", "path", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mofafm",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		requestSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mofafm",
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		}, []string{"method", "path"}),
		responseSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mofafm",
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		}, []string{"method", "path"}),
	}
}

// RecordRequest 记录一次 HTTP 请求。
func (c *HTTPCollector) RecordRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.requestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.requestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.responseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// statusClass 将 HTTP 状态码折叠为 2xx/3xx/4xx/5xx。
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
