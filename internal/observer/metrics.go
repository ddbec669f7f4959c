package observer

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsEnabled = true // Flag to control metric collection

	enrichmentLabels  = []string{"provider", "outcome"}
	upstreamLabels    = []string{"operation", "status"}
	dbOperationLabels = []string{"operation", "entity", "tenant", "status"}
	ingestLabels      = []string{"source", "tenant", "outcome"}

	EnrichmentRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "click_attribution_enrichment_rows_total",
			Help: "Rows processed by the enrichment worker, labeled by terminal outcome.",
		},
		enrichmentLabels,
	)
	EnrichmentBatchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "click_attribution_enrichment_batch_duration_seconds",
			Help:    "Wall clock duration of one enrichment batch.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27m
		},
		[]string{"provider"},
	)
	EnrichmentAuthAbortsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "click_attribution_enrichment_auth_aborts_total",
			Help: "Batches aborted because the upstream rejected the access token.",
		},
		[]string{"provider"},
	)
)

var (
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "click_attribution_upstream_requests_total",
			Help: "HTTP requests sent to the Graph and Conversions APIs.",
		},
		upstreamLabels,
	)
	UpstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "click_attribution_upstream_retries_total",
			Help: "Retries of transient upstream failures.",
		},
		[]string{"operation"},
	)
	UpstreamRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "click_attribution_upstream_request_duration_seconds",
			Help:    "Latency of single upstream HTTP round-trips.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 13), // 10ms to ~41s
		},
		[]string{"operation"},
	)
	RateLimiterWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "click_attribution_rate_limiter_wait_seconds",
			Help:    "Time spent waiting for the per-token rate limiter.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)
)

var (
	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "click_attribution_db_operation_duration_seconds",
			Help:    "Histogram of database operation durations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		dbOperationLabels,
	)
	IngestRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "click_attribution_ingest_records_total",
			Help: "Raw click records received by the ingestion adapters.",
		},
		ingestLabels,
	)
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "click_attribution_http_request_duration_seconds",
			Help:    "Latency of read API requests by route and status code.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// InitMetrics toggles metric collection. Collectors are registered by promauto.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
}

// IncEnrichmentRow counts one row reaching an outcome (resolved, not_found, error).
func IncEnrichmentRow(provider, outcome string) {
	if !metricsEnabled {
		return
	}
	EnrichmentRowsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveEnrichmentBatch records the duration of a batch.
func ObserveEnrichmentBatch(provider string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	EnrichmentBatchDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// IncEnrichmentAuthAbort counts a batch aborted on an auth failure.
func IncEnrichmentAuthAbort(provider string) {
	if !metricsEnabled {
		return
	}
	EnrichmentAuthAbortsTotal.WithLabelValues(provider).Inc()
}

// ObserveUpstreamRequest records one HTTP round-trip. status is the HTTP code
// as text, or "network" when no response was received.
func ObserveUpstreamRequest(operation, status string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	UpstreamRequestsTotal.WithLabelValues(operation, status).Inc()
	UpstreamRequestDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncUpstreamRetry counts a retry of a transient upstream failure.
func IncUpstreamRetry(operation string) {
	if !metricsEnabled {
		return
	}
	UpstreamRetriesTotal.WithLabelValues(operation).Inc()
}

// ObserveRateLimiterWait records time spent in the rate limiter.
func ObserveRateLimiterWait(duration time.Duration) {
	if !metricsEnabled {
		return
	}
	RateLimiterWaitSeconds.Observe(duration.Seconds())
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity, tenant string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, sanitizeTenant(tenant), status).Observe(duration.Seconds())
}

// IncIngestRecord counts a raw click record by source (nats, csv, xlsx) and outcome.
func IncIngestRecord(source, tenant, outcome string) {
	if !metricsEnabled {
		return
	}
	IngestRecordsTotal.WithLabelValues(source, sanitizeTenant(tenant), outcome).Inc()
}

// ObserveHTTPRequest records one API request. route is the registered pattern, never the raw path.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	HTTPRequestDurationSeconds.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}

// sanitizeTenant ensures the tenant label is valid or returns a default value.
func sanitizeTenant(tenant string) string {
	if tenant == "" {
		return "unknown"
	}
	return tenant
}

// SanitizeErrorType maps an error message to a low-cardinality category.
func SanitizeErrorType(errStr string) string {
	if errStr == "" || errStr == "none" {
		return "none"
	}

	errStr = strings.ToLower(errStr)
	switch {
	case strings.Contains(errStr, "corrupt"), strings.Contains(errStr, "malformed"):
		return "store_corrupted"
	case strings.Contains(errStr, "auth"), strings.Contains(errStr, "token"):
		return "auth"
	case strings.Contains(errStr, "database"), strings.Contains(errStr, "sql"), strings.Contains(errStr, "constraint"):
		return "database"
	case strings.Contains(errStr, "validation failed"), strings.Contains(errStr, "invalid"):
		return "validation"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "transient"), strings.Contains(errStr, "rate limit"):
		return "transient"
	case strings.Contains(errStr, "unmarshal"), strings.Contains(errStr, "json"):
		return "unmarshal"
	default:
		return "unknown"
	}
}
