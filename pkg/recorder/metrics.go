package recorder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestedCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supplierlog_ingested_calls_total",
		Help: "Supplier calls recorded, by supplier and outcome",
	}, []string{"supplier", "outcome"})
	ingestRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supplierlog_ingest_rejected_total",
		Help: "Drafts rejected by validation",
	})
	ingestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supplierlog_ingest_failures_total",
		Help: "Drafts that could not be persisted",
	}, []string{"supplier"})
	supplierLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "supplierlog_supplier_call_duration_seconds",
		Help:    "Duration of recorded supplier calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"supplier"})
)
