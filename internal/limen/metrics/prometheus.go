package metrics

import "github.com/prometheus/client_golang/prometheus"

var ScansTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "limen_scans_total",
		Help: "Total number of token scans by result",
	},
	[]string{"result"},
)

var ScanDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "limen_scan_duration_seconds",
		Help:    "Time taken to reach a scan decision",
		Buckets: prometheus.DefBuckets,
	},
)

var ScanStoreFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "limen_scan_store_failures_total",
		Help: "Total number of scans that failed on a transient store error",
	},
)

var OccupancyEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "limen_occupancy_events_total",
		Help: "Total number of occupancy entry/exit events applied",
	},
	[]string{"action"},
)

var AuditFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "limen_audit_failures_total",
		Help: "Total number of scan log appends that failed",
	},
)

var TokensIssuedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "limen_tokens_issued_total",
		Help: "Total number of access tokens issued",
	},
)

var TokensExpiredBySweepTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "limen_tokens_expired_by_sweep_total",
		Help: "Total number of tokens moved to expired by the background sweep",
	},
)

var KafkaPublishFailureTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "limen_kafka_publish_failure_total",
		Help: "Total number of failed Kafka publishes",
	},
	[]string{"topic"},
)

var HttpRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "limen_http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"endpoint", "status", "method"},
)

var HttpRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "limen_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

var HttpRateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "limen_http_rate_limit_rejections_total",
		Help: "Total number of HTTP requests rejected due to device rate limiting",
	},
)

var HttpAuthFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "limen_http_auth_failures_total",
		Help: "Total number of device requests rejected by signature checks",
	},
	[]string{"reason"},
)

// Register adds every limen collector to reg. Call once per process.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		ScansTotal,
		ScanDuration,
		ScanStoreFailuresTotal,
		OccupancyEventsTotal,
		AuditFailuresTotal,
		TokensIssuedTotal,
		TokensExpiredBySweepTotal,
		KafkaPublishFailureTotal,
		HttpRequestsTotal,
		HttpRequestDuration,
		HttpRateLimitRejectionsTotal,
		HttpAuthFailuresTotal,
	)
}
