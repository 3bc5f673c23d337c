// Package metrics provides Prometheus instrumentation for the sync API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncapi_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syncapi_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Sync engine metrics.
var (
	PushOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncapi_push_operations_total",
		Help: "Push operations processed, by verb and outcome.",
	}, []string{"op_type", "status"})

	PullRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncapi_pull_records_total",
		Help: "Records handed to devices on pull, by record class.",
	}, []string{"class"})

	PurgedRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncapi_purged_records_total",
		Help: "Rows hard-deleted after their recycle-bin window lapsed.",
	}, []string{"class"})
)
