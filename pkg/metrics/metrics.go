// Package metrics exposes the Prometheus registry shared by all packages.
// Metrics are defined next to the code that updates them (upstream,
// ratelimit, cache, store, fetch, broadcast, imagery) and registered via
// promauto, which keeps this package free of import cycles.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every package's promauto metrics land in.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Upstream Metrics (pkg/upstream):
//   - setlist_upstream_requests_total{endpoint, status} (Counter): Request attempts
//   - setlist_upstream_request_duration_seconds{endpoint} (Histogram): Attempt duration
//   - setlist_upstream_retries_total{reason} (Counter): Retried attempts by error class
//   - setlist_upstream_retry_exhausted_total{endpoint} (Counter): Calls that used every attempt
//
// Rate Gate Metrics (pkg/ratelimit):
//   - setlist_rate_gate_wait_seconds (Histogram): Time spent blocked in the gate
//   - setlist_rate_gate_acquisitions_total (Counter): Request slots handed out
//
// Cache Metrics (pkg/cache):
//   - setlist_cache_hits_total{namespace} (Counter)
//   - setlist_cache_misses_total{namespace} (Counter)
//   - setlist_cache_stored_bytes_total{namespace} (Counter): Bytes written
//   - setlist_cache_errors_total{operation} (Counter)
//
// Store Metrics (pkg/store):
//   - setlist_store_errors_total{backend, op} (Counter)
//
// Fetch Metrics (pkg/fetch):
//   - setlist_fetch_started_total{mode} (Counter): Start requests by join, fresh or append
//   - setlist_fetch_active (Gauge): Running coordinators
//   - setlist_fetch_stale_reclaimed_total (Counter)
//   - setlist_fetch_pages_total (Counter)
//   - setlist_fetch_records_total (Counter)
//   - setlist_fetch_completed_total{result} (Counter): ok or error
//   - setlist_fetch_duration_seconds (Histogram)
//
// Broadcast Metrics (pkg/broadcast):
//   - setlist_broadcast_channels_active (Gauge)
//   - setlist_broadcast_subscribers (Gauge)
//   - setlist_broadcast_messages_total{type} (Counter): hello, update, goodbye
//   - setlist_broadcast_joins_rejected_total (Counter)
//   - setlist_broadcast_subscribers_dropped_total (Counter): Slow subscribers
//   - setlist_broadcast_unheard_goodbyes_total (Counter): Goodbyes nobody received
//
// Imagery Metrics (pkg/imagery):
//   - setlist_imagery_lookups_total{result} (Counter)
//
// Example Prometheus Queries:
//
//   # Fetch error ratio
//   sum(rate(setlist_fetch_completed_total{result="error"}[5m])) /
//   sum(rate(setlist_fetch_completed_total[5m]))
//
//   # Upstream throttling
//   rate(setlist_upstream_retries_total{reason="rate_limit"}[5m])
//
//   # P95 gate wait
//   histogram_quantile(0.95, rate(setlist_rate_gate_wait_seconds_bucket[5m]))
