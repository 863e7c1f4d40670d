package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supplierlog_http_requests_total",
		Help: "HTTP requests served by the log API",
	}, []string{"method", "route", "status"})
	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "supplierlog_http_request_duration_seconds",
		Help:    "Time spent serving log API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supplierlog_ratelimited_total",
		Help: "Ingestion requests rejected by the rate limiter",
	}, []string{"backend"})
)
