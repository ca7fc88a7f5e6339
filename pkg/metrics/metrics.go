// Package metrics provides the centralized Prometheus registry reference
// for the queryfleet engine. All metrics are defined in their respective
// packages (auth, query, export, jobs, runner) to maintain modularity and
// avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by queryfleet.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Token Cache Metrics (pkg/auth):
//   - queryfleet_token_cache_hits_total{scope} (Counter): Cached tokens served without a broker call
//   - queryfleet_token_cache_refreshes_total{scope} (Counter): Broker calls for fresh tokens
//   - queryfleet_token_cache_failures_total{scope} (Counter): Failed broker calls
//
// Request Metrics (pkg/query):
//   - queryfleet_requests_total{operation, status} (Counter): Remote requests by operation and HTTP status
//   - queryfleet_request_duration_seconds{operation} (Histogram): Request duration by operation
//   - queryfleet_errors_total{kind} (Counter): Classified query failures by kind
//
// Retry Metrics (pkg/runner):
//   - queryfleet_retry_attempts_total{kind} (Counter): Attempts beyond the first, by triggering error kind
//   - queryfleet_job_duration_seconds{status} (Histogram): Wall-clock job duration by final status
//
// Export Metrics (pkg/export):
//   - queryfleet_export_rows_total{format} (Counter): Rows written by output format
//   - queryfleet_export_files_total{format} (Counter): Files finalized by output format
//   - queryfleet_export_cleanups_total{format} (Counter): Temp files removed after aborted exports
//
// Job Metrics (pkg/jobs):
//   - queryfleet_jobs_total{status} (Counter): Jobs reaching each terminal status
//   - queryfleet_permits_in_use (Gauge): Jobs currently holding a concurrency permit
//
// Example Prometheus Queries:
//
//   # Token Cache Hit Rate
//   sum(rate(queryfleet_token_cache_hits_total[5m])) /
//   (sum(rate(queryfleet_token_cache_hits_total[5m])) + sum(rate(queryfleet_token_cache_refreshes_total[5m])))
//
//   # Job Failure Rate
//   rate(queryfleet_jobs_total{status="FAILED"}[5m]) / rate(queryfleet_jobs_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(queryfleet_request_duration_seconds_bucket[5m]))
//
//   # Permit Saturation
//   queryfleet_permits_in_use
