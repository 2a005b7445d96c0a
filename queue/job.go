// Package queue defines the job payloads exchanged between the ingestion
// engine, resolver worker, and scheduler, and the Redis-backed queue client
// that carries them.
package queue

import "fmt"

// Resolve trigger mirrors db.ResolveTrigger without importing db, so this
// package stays a leaf dependency.
type ResolveTrigger string

const (
	TriggerIngest    ResolveTrigger = "INGEST"
	TriggerReconcile ResolveTrigger = "RECONCILE"
	TriggerManual    ResolveTrigger = "MANUAL"
)

// Logical queue names.
const (
	QueueProductResolve    = "product-resolve"
	QueueRetailerFeedIngest = "retailer-feed-ingest"
	QueueAffiliateFeedIngest = "affiliate-feed-ingest"
	QueueEmbeddingGenerate  = "embedding-generate"
)

// ResolveJob is the payload enqueued onto QueueProductResolve.
type ResolveJob struct {
	SourceProductID   uint           `json:"sourceProductId"`
	Trigger           ResolveTrigger `json:"trigger"`
	ResolverVersion   string         `json:"resolverVersion"`
	AffiliateFeedRunID *uint         `json:"affiliateFeedRunId,omitempty"`
}

// JobID is the dedup key: concurrent enqueues for the same source product
// collapse onto one queue entry.
func (j ResolveJob) JobID() string {
	return fmt.Sprintf("RESOLVE_SOURCE_PRODUCT_%d", j.SourceProductID)
}

// FeedIngestJob is the payload enqueued by the scheduler and by the admin
// surface's manual-run trigger.
type FeedIngestJob struct {
	FeedID  uint   `json:"feedId"`
	Trigger string `json:"trigger"`
}

// JobID collapses concurrent ingest enqueues for the same feed; the
// scheduler's in-flight check is the primary guard, this is a second line
// of defense at the queue layer.
func (j FeedIngestJob) JobID() string {
	return fmt.Sprintf("INGEST_FEED_%d", j.FeedID)
}

// EmbeddingJob is the fire-and-forget job enqueued after a MATCHED/CREATED
// resolver decision, when auto-embedding is enabled.
type EmbeddingJob struct {
	ProductID uint `json:"productId"`
}

func (j EmbeddingJob) JobID() string {
	return fmt.Sprintf("EMBED_PRODUCT_%d", j.ProductID)
}
