// Package metrics - Prometheus instrumentation for the resolver and the
// feed ingestion pipeline. Every label set is closed: source kind, status,
// reason code, match path, and pipeline all come from bounded enums, and no
// id or free-form string is ever emitted as a label value.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ingestion/resolver pipeline.
type Metrics struct {
	// Resolver metrics
	ResolverRequests      *prometheus.CounterVec
	ResolverDecisions     *prometheus.CounterVec
	ResolverFailures      *prometheus.CounterVec
	ResolverLatency       *prometheus.HistogramVec
	ResolverMatchPath     *prometheus.CounterVec
	ResolverMissingFields *prometheus.CounterVec

	// Ingestion metrics
	IngestRuns            *prometheus.CounterVec
	IngestListingsCreated *prometheus.CounterVec
	IngestListingsUpdated *prometheus.CounterVec
	IngestPricesWritten   *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "feedcore"
	}

	m := &Metrics{
		ResolverRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolver_requests_total",
				Help:      "Total number of resolve invocations",
			},
			[]string{"source_kind"},
		),

		ResolverDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolver_decisions_total",
				Help:      "Resolver decisions by terminal link status",
			},
			[]string{"source_kind", "status"},
		),

		ResolverFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolver_failure_total",
				Help:      "Resolver ERROR outcomes by reason code",
			},
			[]string{"source_kind", "reason_code"},
		),

		ResolverLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolver_latency_ms",
				Help:      "Resolve duration in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			[]string{"source_kind", "status"},
		),

		ResolverMatchPath: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolver_match_path_total",
				Help:      "Which decision path produced the outcome",
			},
			[]string{"path", "outcome"},
		),

		ResolverMissingFields: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolver_missing_fields_total",
				Help:      "Normalized fields absent at decision time",
			},
			[]string{"field"},
		),

		IngestRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_runs_total",
				Help:      "Feed runs by pipeline and terminal status",
			},
			[]string{"pipeline", "status"},
		),

		IngestListingsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_listings_created_total",
				Help:      "Source products created during ingestion",
			},
			[]string{"pipeline"},
		),

		IngestListingsUpdated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_listings_updated_total",
				Help:      "Source products updated during ingestion",
			},
			[]string{"pipeline"},
		),

		IngestPricesWritten: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_prices_written_total",
				Help:      "Price facts written during ingestion",
			},
			[]string{"pipeline"},
		),
	}

	return m
}

// Match paths for ResolverMatchPath. Closed set.
const (
	PathUPC         = "upc"
	PathIdentityKey = "identity_key"
	PathFuzzy       = "fuzzy"
	PathSkipped     = "skipped"
	PathNone        = "none"
)

// Pipelines for the ingest counters. Closed set.
const (
	PipelineAffiliate = "affiliate"
	PipelineRetailer  = "retailer"
)

// ObserveResolve records one completed resolve: the request counter, the
// decision counter, and the latency histogram, all tagged by the bounded
// sourceKind/status pair.
func (m *Metrics) ObserveResolve(sourceKind, status string, elapsed time.Duration) {
	m.ResolverRequests.WithLabelValues(sourceKind).Inc()
	m.ResolverDecisions.WithLabelValues(sourceKind, status).Inc()
	m.ResolverLatency.WithLabelValues(sourceKind, status).Observe(float64(elapsed.Milliseconds()))
}
