package metrics

import (
	"time"

	"github.com/sirupsen/logrus"
)

// IngestRunSummary is the single structured event emitted when a feed run
// reaches a terminal state. It is logged as one logrus entry with every
// field attached, so run history can be reconstructed from logs alone even
// if the feed_runs row is later pruned.
type IngestRunSummary struct {
	Pipeline   string `json:"pipeline"`
	RunID      uint   `json:"runId"`
	FeedID     uint   `json:"feedId"`
	SourceID   string `json:"sourceId"`
	RetailerID string `json:"retailerId,omitempty"`
	Status     string `json:"status"`
	Trigger    string `json:"trigger"`

	DurationMs    int64 `json:"durationMs"`
	StatMs        int64 `json:"statMs,omitempty"`
	DownloadMs    int64 `json:"downloadMs,omitempty"`
	ParseMs       int64 `json:"parseMs,omitempty"`
	RowPipelineMs int64 `json:"rowPipelineMs,omitempty"`

	BytesDownloaded int64 `json:"bytesDownloaded,omitempty"`
	RowsRead        int   `json:"rowsRead"`
	RowsParsed      int   `json:"rowsParsed"`
	ProductsUpserted int  `json:"productsUpserted"`
	ProductsPromoted int  `json:"productsPromoted"`
	ProductsRejected int  `json:"productsRejected"`
	DuplicateKeyCount int `json:"duplicateKeyCount"`
	URLHashFallbackCount int `json:"urlHashFallbackCount"`

	ErrorCount       int            `json:"errorCount"`
	PrimaryErrorCode string         `json:"primaryErrorCode,omitempty"`
	ErrorCodeCounts  map[string]int `json:"errorCodeCounts,omitempty"`

	ExpiryBlocked bool   `json:"expiryBlocked,omitempty"`
	FailureKind   string `json:"failureKind,omitempty"`
	FailureCode   string `json:"failureCode,omitempty"`

	CorrelationID string `json:"correlationId"`
}

// Emit logs the summary as one structured entry and bumps the run counter.
func (m *Metrics) Emit(log *logrus.Logger, s IngestRunSummary) {
	m.IngestRuns.WithLabelValues(s.Pipeline, s.Status).Inc()

	log.WithFields(logrus.Fields{
		"event":              "ingest_run_summary",
		"pipeline":           s.Pipeline,
		"run_id":             s.RunID,
		"feed_id":            s.FeedID,
		"source_id":          s.SourceID,
		"status":             s.Status,
		"trigger":            s.Trigger,
		"duration_ms":        s.DurationMs,
		"bytes_downloaded":   s.BytesDownloaded,
		"rows_read":          s.RowsRead,
		"rows_parsed":        s.RowsParsed,
		"products_upserted":  s.ProductsUpserted,
		"products_promoted":  s.ProductsPromoted,
		"duplicate_keys":     s.DuplicateKeyCount,
		"error_count":        s.ErrorCount,
		"primary_error_code": s.PrimaryErrorCode,
		"expiry_blocked":     s.ExpiryBlocked,
		"failure_kind":       s.FailureKind,
		"failure_code":       s.FailureCode,
		"correlation_id":     s.CorrelationID,

		"retailer_id":             s.RetailerID,
		"stat_ms":                 s.StatMs,
		"download_ms":             s.DownloadMs,
		"parse_ms":                s.ParseMs,
		"row_pipeline_ms":         s.RowPipelineMs,
		"products_rejected":       s.ProductsRejected,
		"url_hash_fallback_count": s.URLHashFallbackCount,
		"error_code_counts":       s.ErrorCodeCounts,
	}).Info("feed run finished")
}

// Timing is a tiny stopwatch helper for the per-phase breakdown fields.
type Timing struct {
	start time.Time
}

// StartTiming begins a phase measurement.
func StartTiming() Timing {
	return Timing{start: time.Now()}
}

// Ms returns the elapsed milliseconds since StartTiming.
func (t Timing) Ms() int64 {
	return time.Since(t.start).Milliseconds()
}
