package server

import "github.com/prometheus/client_golang/prometheus"

// serverMetrics are the Prometheus collectors backing the /XyPriss/metrics
// admin endpoint.
type serverMetrics struct {
	registry   *prometheus.Registry
	requests   prometheus.Counter
	errors     prometheus.Counter
	rejections prometheus.Counter
	duration   prometheus.Histogram
}

func newServerMetrics() *serverMetrics {
	reg := prometheus.NewRegistry()
	m := &serverMetrics{
		registry: reg,
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xypriss_requests_total",
			Help: "Total HTTP requests handled.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xypriss_errors_total",
			Help: "Total HTTP requests that completed with an error.",
		}),
		rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xypriss_admission_rejections_total",
			Help: "Total requests rejected by the Request Manager before routing.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "xypriss_request_duration_seconds",
			Help:    "End-to-end request handling latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.requests, m.errors, m.rejections, m.duration)
	return m
}
