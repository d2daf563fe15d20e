// Package metrics provides the Prometheus registry reference for the drawing exporter.
// All metrics are defined in their respective packages (apiclient, ratelimit,
// translation, exporter) to maintain modularity and avoid circular dependencies.
//
// This package provides documentation, the registry and the HTTP handler the
// CLI mounts on --metrics-addr.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the exporter.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler exposing all registered metrics. Scrapes
// are counted in Registry.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		Registry,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}),
	)
}

// Metrics Documentation
//
// Request Metrics (pkg/apiclient):
//   - drawing_export_api_requests_total{method, status} (Counter): Requests by method and HTTP status
//   - drawing_export_api_request_duration_seconds{method} (Histogram): Request duration by method
//   - drawing_export_api_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - drawing_export_api_retries_total{error_class} (Counter): Retry attempts by error class
//   - drawing_export_api_retry_exhausted_total{error_class} (Counter): Requests that exhausted retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - drawing_export_rate_limit_remaining (Gauge): Last reported X-Rate-Limit-Remaining
//   - drawing_export_rate_limit_waits_total (Counter): Requests delayed by a Retry-After window
//   - drawing_export_rate_limit_throttles_total (Counter): Requests throttled on a low remaining budget
//
// Translation Metrics (pkg/translation):
//   - drawing_export_translations_total{state} (Counter): Translation jobs by terminal state
//   - drawing_export_translation_duration_seconds (Histogram): Submission to terminal state
//
// Export Metrics (pkg/exporter):
//   - drawing_export_revisions_total{outcome} (Counter): Revisions by outcome
//     (exported, already_exported, not_drawing, previously_bad, marked_bad)
//   - drawing_export_pages_total (Counter): Feed pages processed
//   - drawing_export_watermark_timestamp_seconds (Gauge): Persisted cursor watermark
//
// Example Prometheus Queries:
//
//   # Failure ratio of translations
//   sum(rate(drawing_export_translations_total{state!="DONE"}[1h])) /
//   sum(rate(drawing_export_translations_total[1h]))
//
//   # Export lag
//   time() - drawing_export_watermark_timestamp_seconds
//
//   # P95 translation time
//   histogram_quantile(0.95, rate(drawing_export_translation_duration_seconds_bucket[1h]))
