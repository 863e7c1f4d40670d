package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsDesc = prometheus.NewDesc(
		"supplierlog_supplier_requests",
		"Stored supplier calls by outcome",
		[]string{"supplier", "outcome"}, nil,
	)
	avgDurationDesc = prometheus.NewDesc(
		"supplierlog_supplier_avg_duration_ms",
		"Mean duration of stored supplier calls",
		[]string{"supplier"}, nil,
	)
	errorRateDesc = prometheus.NewDesc(
		"supplierlog_supplier_error_rate",
		"Share of stored supplier calls that failed",
		[]string{"supplier"}, nil,
	)
)

// Collector exports the aggregator's counters at scrape time.
type Collector struct {
	agg *Aggregator
}

func NewCollector(agg *Aggregator) *Collector {
	return &Collector{agg: agg}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- requestsDesc
	ch <- avgDurationDesc
	ch <- errorRateDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.agg.All() {
		ch <- prometheus.MustNewConstMetric(requestsDesc, prometheus.GaugeValue, float64(s.SuccessfulRequests), s.SupplierName, "success")
		ch <- prometheus.MustNewConstMetric(requestsDesc, prometheus.GaugeValue, float64(s.ErrorRequests), s.SupplierName, "error")
		ch <- prometheus.MustNewConstMetric(avgDurationDesc, prometheus.GaugeValue, s.AvgDurationMs, s.SupplierName)
		ch <- prometheus.MustNewConstMetric(errorRateDesc, prometheus.GaugeValue, s.ErrorRate, s.SupplierName)
	}
}
