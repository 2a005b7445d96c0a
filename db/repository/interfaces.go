// Package repository provides the persistence interfaces the ingestion
// engine, resolver worker, scheduler, sweeper, and admin surface depend on.
// Each interface covers one aggregate (Feed, SourceProduct, Product, ...);
// PostgresRepository implements all of them against a single *gorm.DB so
// callers can depend on narrow interfaces while wiring a single concrete
// instance in cli/root.go.
package repository

import (
	"context"
	"time"

	"ironscout.dev/feedcore/cache"
	"ironscout.dev/feedcore/db"
)

// FeedRepository manages Feed configuration and scheduling state.
type FeedRepository interface {
	GetFeed(ctx context.Context, id uint) (*db.Feed, error)
	GetFeedBySourceID(ctx context.Context, sourceID string) (*db.Feed, error)
	ListFeeds(ctx context.Context) ([]db.Feed, error)
	ListDueFeeds(ctx context.Context, asOf time.Time) ([]db.Feed, error)
	CreateFeed(ctx context.Context, feed *db.Feed) error
	UpdateFeed(ctx context.Context, feed *db.Feed) error
	SetNextRunAt(ctx context.Context, feedID uint, next time.Time) error
	SetManualRunPending(ctx context.Context, feedID uint, pending bool) error
	IncrementConsecutiveFailures(ctx context.Context, feedID uint) (int, error)
	ResetConsecutiveFailures(ctx context.Context, feedID uint) error
}

// FeedRunRepository manages FeedRun execution history.
type FeedRunRepository interface {
	CreateFeedRun(ctx context.Context, run *db.FeedRun) error
	UpdateFeedRun(ctx context.Context, run *db.FeedRun) error
	GetFeedRun(ctx context.Context, id uint) (*db.FeedRun, error)
	ListRunsForFeed(ctx context.Context, feedID uint, limit int) ([]db.FeedRun, error)
	AppendRunError(ctx context.Context, runErr *db.FeedRunError) error
	ListStuckRuns(ctx context.Context, olderThan time.Time) ([]db.FeedRun, error)
	GetInFlightRun(ctx context.Context, feedID uint) (*db.FeedRun, error)
	GetLatestSucceededRun(ctx context.Context, feedID uint) (*db.FeedRun, error)
	RecordSeen(ctx context.Context, runID uint, sourceProductIDs []uint) error
	ListSeen(ctx context.Context, runID uint) ([]uint, error)
}

// SourceProductRepository manages ingested source-product rows and their
// identifiers.
type SourceProductRepository interface {
	UpsertSourceProduct(ctx context.Context, sp *db.SourceProduct) (created bool, err error)
	GetSourceProduct(ctx context.Context, id uint) (*db.SourceProduct, error)
	ReplaceIdentifiers(ctx context.Context, sourceProductID uint, identifiers []db.SourceProductIdentifier) error
	TouchLastSeenSuccess(ctx context.Context, id uint, at time.Time) error
	UpdateNormalizedHash(ctx context.Context, id uint, hash string) error
	ListUnresolved(ctx context.Context, limit int) ([]db.SourceProduct, error)
	CountActive(ctx context.Context, sourceID string) (int64, error)
	CountActiveMissingFromRun(ctx context.Context, sourceID string, runID uint) (int64, error)
	PromoteSeen(ctx context.Context, runID uint, at time.Time) (int64, error)
}

// ProductRepository manages canonical Product identities and aliases.
type ProductRepository interface {
	GetProductByCanonicalKey(ctx context.Context, canonicalKey string) (*db.Product, error)
	GetProduct(ctx context.Context, id uint) (*db.Product, error)
	CreateProduct(ctx context.Context, product *db.Product) (created bool, err error)
	ListCandidates(ctx context.Context, brandNorm, caliberNorm string, limit int) ([]db.Product, error)
	ResolveAlias(ctx context.Context, productID uint, maxDepth int) (finalID uint, hops int, err error)
}

// ProductLinkRepository manages the resolver's one-per-source-product
// decision record.
type ProductLinkRepository interface {
	GetLinkBySourceProduct(ctx context.Context, sourceProductID uint) (*db.ProductLink, error)
	UpsertLink(ctx context.Context, link *db.ProductLink) error
}

// ResolveRequestRepository manages the queued resolver work items.
type ResolveRequestRepository interface {
	EnqueueIfAbsent(ctx context.Context, req *db.ProductResolveRequest) (enqueued bool, err error)
	ClaimForSourceProduct(ctx context.Context, sourceProductID uint) ([]db.ProductResolveRequest, error)
	MarkCompleted(ctx context.Context, id uint, resultProductID *uint) error
	MarkFailed(ctx context.Context, id uint, errMsg string) error
	ListStuckRequests(ctx context.Context, olderThan time.Time, limit int) ([]db.ProductResolveRequest, error)
	ResetToPending(ctx context.Context, id uint) error
}

// SourceTrustRepository manages per-source UPC trust configuration and
// satisfies cache.TrustLookup.
type SourceTrustRepository interface {
	cache.TrustLookup
	SetTrustConfig(ctx context.Context, sourceID string, upcTrusted bool) (version int, err error)
}

// BrandAliasRepository manages the brand-alias table and satisfies
// cache.AliasSource.
type BrandAliasRepository interface {
	cache.AliasSource
	UpsertBrandAlias(ctx context.Context, fromNorm, toNorm string) error
	RecordHit(ctx context.Context, fromNorm string) error
}

// SettingRepository manages the global settings table.
type SettingRepository interface {
	GetSetting(ctx context.Context, key string) (value bool, found bool, err error)
	SetSetting(ctx context.Context, key string, value bool) error
}
