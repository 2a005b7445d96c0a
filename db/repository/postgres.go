package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ironscout.dev/feedcore/cache"
	"ironscout.dev/feedcore/db"
)

// PostgresRepository implements every repository interface in this package
// against a single *gorm.DB connection.
type PostgresRepository struct {
	gdb *gorm.DB
}

// NewPostgresRepository wraps an already-migrated *gorm.DB.
func NewPostgresRepository(gdb *gorm.DB) *PostgresRepository {
	return &PostgresRepository{gdb: gdb}
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the signal the resolver's create-then-retry race
// handling depends on.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// --- FeedRepository ---

func (r *PostgresRepository) GetFeed(ctx context.Context, id uint) (*db.Feed, error) {
	var feed db.Feed
	if err := r.gdb.WithContext(ctx).First(&feed, id).Error; err != nil {
		return nil, err
	}
	return &feed, nil
}

func (r *PostgresRepository) GetFeedBySourceID(ctx context.Context, sourceID string) (*db.Feed, error) {
	var feed db.Feed
	if err := r.gdb.WithContext(ctx).Where("source_id = ?", sourceID).First(&feed).Error; err != nil {
		return nil, err
	}
	return &feed, nil
}

func (r *PostgresRepository) ListFeeds(ctx context.Context) ([]db.Feed, error) {
	var feeds []db.Feed
	err := r.gdb.WithContext(ctx).Order("id").Find(&feeds).Error
	return feeds, err
}

// ListDueFeeds returns enabled feeds whose NextRunAt has arrived or whose
// ManualRunPending flag is set; this is the scheduler's selection query.
func (r *PostgresRepository) ListDueFeeds(ctx context.Context, asOf time.Time) ([]db.Feed, error) {
	var feeds []db.Feed
	err := r.gdb.WithContext(ctx).
		Where("status = ?", db.FeedStatusEnabled).
		Where("manual_run_pending = ? OR next_run_at <= ?", true, asOf).
		Find(&feeds).Error
	return feeds, err
}

func (r *PostgresRepository) CreateFeed(ctx context.Context, feed *db.Feed) error {
	return r.gdb.WithContext(ctx).Create(feed).Error
}

func (r *PostgresRepository) UpdateFeed(ctx context.Context, feed *db.Feed) error {
	return r.gdb.WithContext(ctx).Save(feed).Error
}

func (r *PostgresRepository) SetNextRunAt(ctx context.Context, feedID uint, next time.Time) error {
	return r.gdb.WithContext(ctx).Model(&db.Feed{}).Where("id = ?", feedID).
		Updates(map[string]interface{}{"next_run_at": next, "manual_run_pending": false}).Error
}

func (r *PostgresRepository) SetManualRunPending(ctx context.Context, feedID uint, pending bool) error {
	return r.gdb.WithContext(ctx).Model(&db.Feed{}).Where("id = ?", feedID).
		Update("manual_run_pending", pending).Error
}

func (r *PostgresRepository) IncrementConsecutiveFailures(ctx context.Context, feedID uint) (int, error) {
	var feed db.Feed
	err := r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&feed, feedID).Error; err != nil {
			return err
		}
		feed.ConsecutiveFailures++
		return tx.Model(&feed).Update("consecutive_failures", feed.ConsecutiveFailures).Error
	})
	return feed.ConsecutiveFailures, err
}

func (r *PostgresRepository) ResetConsecutiveFailures(ctx context.Context, feedID uint) error {
	return r.gdb.WithContext(ctx).Model(&db.Feed{}).Where("id = ?", feedID).
		Update("consecutive_failures", 0).Error
}

// --- FeedRunRepository ---

func (r *PostgresRepository) CreateFeedRun(ctx context.Context, run *db.FeedRun) error {
	return r.gdb.WithContext(ctx).Create(run).Error
}

func (r *PostgresRepository) UpdateFeedRun(ctx context.Context, run *db.FeedRun) error {
	return r.gdb.WithContext(ctx).Save(run).Error
}

func (r *PostgresRepository) GetFeedRun(ctx context.Context, id uint) (*db.FeedRun, error) {
	var run db.FeedRun
	if err := r.gdb.WithContext(ctx).Preload("Errors").First(&run, id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *PostgresRepository) ListRunsForFeed(ctx context.Context, feedID uint, limit int) ([]db.FeedRun, error) {
	var runs []db.FeedRun
	err := r.gdb.WithContext(ctx).Where("feed_id = ?", feedID).
		Order("started_at DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

func (r *PostgresRepository) AppendRunError(ctx context.Context, runErr *db.FeedRunError) error {
	return r.gdb.WithContext(ctx).Create(runErr).Error
}

// ListStuckRuns returns RUNNING FeedRuns whose StartedAt precedes the given
// cutoff. It changes nothing; the sweeper reclaims only resolve requests,
// not feed runs.
func (r *PostgresRepository) ListStuckRuns(ctx context.Context, olderThan time.Time) ([]db.FeedRun, error) {
	var runs []db.FeedRun
	err := r.gdb.WithContext(ctx).
		Where("status = ? AND started_at < ?", db.FeedRunRunning, olderThan).
		Find(&runs).Error
	return runs, err
}

// GetInFlightRun returns the feed's RUNNING run, or nil when none is.
func (r *PostgresRepository) GetInFlightRun(ctx context.Context, feedID uint) (*db.FeedRun, error) {
	var run db.FeedRun
	err := r.gdb.WithContext(ctx).
		Where("feed_id = ? AND status = ?", feedID, db.FeedRunRunning).
		Order("id DESC").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetLatestSucceededRun returns the feed's most recent SUCCEEDED run, or
// nil when the feed has never succeeded.
func (r *PostgresRepository) GetLatestSucceededRun(ctx context.Context, feedID uint) (*db.FeedRun, error) {
	var run db.FeedRun
	err := r.gdb.WithContext(ctx).
		Where("feed_id = ? AND status = ?", feedID, db.FeedRunSucceeded).
		Order("id DESC").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// RecordSeen persists one run's seen set in batches; duplicate rows from a
// retried finalization are absorbed by the unique index.
func (r *PostgresRepository) RecordSeen(ctx context.Context, runID uint, sourceProductIDs []uint) error {
	if len(sourceProductIDs) == 0 {
		return nil
	}
	rows := make([]db.SourceProductSeen, 0, len(sourceProductIDs))
	for _, id := range sourceProductIDs {
		rows = append(rows, db.SourceProductSeen{FeedRunID: runID, SourceProductID: id})
	}
	err := r.gdb.WithContext(ctx).CreateInBatches(&rows, 500).Error
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// ListSeen returns the seen set recorded for one run.
func (r *PostgresRepository) ListSeen(ctx context.Context, runID uint) ([]uint, error) {
	var ids []uint
	err := r.gdb.WithContext(ctx).Model(&db.SourceProductSeen{}).
		Where("feed_run_id = ?", runID).Pluck("source_product_id", &ids).Error
	return ids, err
}

// --- SourceProductRepository ---

func (r *PostgresRepository) UpsertSourceProduct(ctx context.Context, sp *db.SourceProduct) (created bool, err error) {
	var existing db.SourceProduct
	err = r.gdb.WithContext(ctx).
		Where("source_id = ? AND stable_key = ?", sp.SourceID, sp.StableKey).
		First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := r.gdb.WithContext(ctx).Create(sp).Error; err != nil {
			return false, err
		}
		return true, nil
	case err != nil:
		return false, err
	default:
		sp.Model = existing.Model
		return false, r.gdb.WithContext(ctx).Save(sp).Error
	}
}

func (r *PostgresRepository) GetSourceProduct(ctx context.Context, id uint) (*db.SourceProduct, error) {
	var sp db.SourceProduct
	if err := r.gdb.WithContext(ctx).Preload("Identifiers").Preload("Link").First(&sp, id).Error; err != nil {
		return nil, err
	}
	return &sp, nil
}

func (r *PostgresRepository) ReplaceIdentifiers(ctx context.Context, sourceProductID uint, identifiers []db.SourceProductIdentifier) error {
	return r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("source_product_id = ?", sourceProductID).Delete(&db.SourceProductIdentifier{}).Error; err != nil {
			return err
		}
		for i := range identifiers {
			identifiers[i].SourceProductID = sourceProductID
		}
		if len(identifiers) == 0 {
			return nil
		}
		return tx.Create(&identifiers).Error
	})
}

func (r *PostgresRepository) TouchLastSeenSuccess(ctx context.Context, id uint, at time.Time) error {
	return r.gdb.WithContext(ctx).Model(&db.SourceProduct{}).Where("id = ?", id).
		Update("last_seen_success_at", at).Error
}

// UpdateNormalizedHash records the input hash of the resolver's last
// decision on the source product, so idempotent reruns can be detected
// without unpacking the link's evidence blob.
func (r *PostgresRepository) UpdateNormalizedHash(ctx context.Context, id uint, hash string) error {
	return r.gdb.WithContext(ctx).Model(&db.SourceProduct{}).Where("id = ?", id).
		Update("normalized_hash", hash).Error
}

// CountActiveMissingFromRun counts a source's active products absent from
// one run's seen set: the products that run would let expire if promoted.
func (r *PostgresRepository) CountActiveMissingFromRun(ctx context.Context, sourceID string, runID uint) (int64, error) {
	var n int64
	err := r.gdb.WithContext(ctx).Model(&db.SourceProduct{}).
		Where("source_id = ? AND last_seen_success_at IS NOT NULL", sourceID).
		Where("id NOT IN (?)", r.gdb.Model(&db.SourceProductSeen{}).Select("source_product_id").Where("feed_run_id = ?", runID)).
		Count(&n).Error
	return n, err
}

// PromoteSeen stamps every product in one run's seen set as successfully
// sighted at `at`. Idempotent; re-running only moves the timestamp forward.
func (r *PostgresRepository) PromoteSeen(ctx context.Context, runID uint, at time.Time) (int64, error) {
	res := r.gdb.WithContext(ctx).Model(&db.SourceProduct{}).
		Where("id IN (?)", r.gdb.Model(&db.SourceProductSeen{}).Select("source_product_id").Where("feed_run_id = ?", runID)).
		Update("last_seen_success_at", at)
	return res.RowsAffected, res.Error
}

// CountActive counts a source's products with any recorded successful
// sighting, the denominator of the expiry circuit breaker's fraction.
func (r *PostgresRepository) CountActive(ctx context.Context, sourceID string) (int64, error) {
	var n int64
	err := r.gdb.WithContext(ctx).Model(&db.SourceProduct{}).
		Where("source_id = ? AND last_seen_success_at IS NOT NULL", sourceID).
		Count(&n).Error
	return n, err
}

func (r *PostgresRepository) ListUnresolved(ctx context.Context, limit int) ([]db.SourceProduct, error) {
	var rows []db.SourceProduct
	err := r.gdb.WithContext(ctx).
		Joins("LEFT JOIN product_links ON product_links.source_product_id = source_products.id").
		Where("product_links.id IS NULL").
		Limit(limit).Find(&rows).Error
	return rows, err
}

// --- ProductRepository ---

func (r *PostgresRepository) GetProductByCanonicalKey(ctx context.Context, canonicalKey string) (*db.Product, error) {
	var product db.Product
	if err := r.gdb.WithContext(ctx).Where("canonical_key = ?", canonicalKey).First(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func (r *PostgresRepository) GetProduct(ctx context.Context, id uint) (*db.Product, error) {
	var product db.Product
	if err := r.gdb.WithContext(ctx).First(&product, id).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

// CreateProduct inserts product, reporting created=false without error on a
// concurrent unique_violation on canonicalKey so the caller can re-fetch
// the winner of the race.
func (r *PostgresRepository) CreateProduct(ctx context.Context, product *db.Product) (created bool, err error) {
	err = r.gdb.WithContext(ctx).Create(product).Error
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, err
}

func (r *PostgresRepository) ListCandidates(ctx context.Context, brandNorm, caliberNorm string, limit int) ([]db.Product, error) {
	var products []db.Product
	err := r.gdb.WithContext(ctx).
		Where("brand_norm = ? AND caliber_norm = ?", brandNorm, caliberNorm).
		Limit(limit).Find(&products).Error
	return products, err
}

// ResolveAlias walks the product_aliases chain starting at productID up to
// maxDepth hops, detecting cycles via a visited set as well as the
// alias-chain-walk step.
func (r *PostgresRepository) ResolveAlias(ctx context.Context, productID uint, maxDepth int) (finalID uint, hops int, err error) {
	current := productID
	visited := map[uint]bool{current: true}

	for hops < maxDepth {
		var alias db.ProductAlias
		err := r.gdb.WithContext(ctx).Where("from_product_id = ?", current).First(&alias).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return current, hops, nil
		}
		if err != nil {
			return current, hops, err
		}
		if visited[alias.ToProductID] {
			return current, hops, fmt.Errorf("alias cycle detected at product %d", alias.ToProductID)
		}
		visited[alias.ToProductID] = true
		current = alias.ToProductID
		hops++
	}
	return current, hops, fmt.Errorf("alias chain exceeds max depth %d", maxDepth)
}

// --- ProductLinkRepository ---

func (r *PostgresRepository) GetLinkBySourceProduct(ctx context.Context, sourceProductID uint) (*db.ProductLink, error) {
	var link db.ProductLink
	err := r.gdb.WithContext(ctx).Where("source_product_id = ?", sourceProductID).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (r *PostgresRepository) UpsertLink(ctx context.Context, link *db.ProductLink) error {
	return r.gdb.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_product_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"product_id", "match_type", "status", "reason_code", "confidence", "resolver_version", "evidence", "resolved_at"}),
	}).Create(link).Error
}

// --- ResolveRequestRepository ---

func (r *PostgresRepository) EnqueueIfAbsent(ctx context.Context, req *db.ProductResolveRequest) (enqueued bool, err error) {
	err = r.gdb.WithContext(ctx).Create(req).Error
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, err
}

// ClaimForSourceProduct transitions every PENDING request for one source
// product to PROCESSING and returns the claimed rows, the first step of the
// worker's per-job protocol.
func (r *PostgresRepository) ClaimForSourceProduct(ctx context.Context, sourceProductID uint) ([]db.ProductResolveRequest, error) {
	var batch []db.ProductResolveRequest
	err := r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("source_product_id = ? AND status = ?", sourceProductID, db.ResolveRequestPending).
			Order("id").Find(&batch).Error; err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		ids := make([]uint, len(batch))
		for i, b := range batch {
			ids[i] = b.ID
		}
		now := time.Now()
		if err := tx.Model(&db.ProductResolveRequest{}).Where("id IN ?", ids).
			Updates(map[string]interface{}{"status": db.ResolveRequestProcessing, "last_attempt_at": now}).Error; err != nil {
			return err
		}
		for i := range batch {
			batch[i].Status = db.ResolveRequestProcessing
			batch[i].LastAttemptAt = &now
		}
		return nil
	})
	return batch, err
}

func (r *PostgresRepository) MarkCompleted(ctx context.Context, id uint, resultProductID *uint) error {
	return r.gdb.WithContext(ctx).Model(&db.ProductResolveRequest{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": db.ResolveRequestCompleted, "result_product_id": resultProductID}).Error
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id uint, errMsg string) error {
	return r.gdb.WithContext(ctx).Model(&db.ProductResolveRequest{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": db.ResolveRequestFailed, "error_message": errMsg}).
		Update("attempts", gorm.Expr("attempts + 1")).Error
}

// ListStuckRequests returns PROCESSING requests whose updated_at
// predates the cutoff; the sweeper decides per row whether to retry or
// fail them.
func (r *PostgresRepository) ListStuckRequests(ctx context.Context, olderThan time.Time, limit int) ([]db.ProductResolveRequest, error) {
	var stuck []db.ProductResolveRequest
	err := r.gdb.WithContext(ctx).
		Where("status = ? AND updated_at < ?", db.ResolveRequestProcessing, olderThan).
		Order("id").Limit(limit).Find(&stuck).Error
	return stuck, err
}

// ResetToPending moves one request back to PENDING with attempts bumped,
// so the re-enqueued job counts against the max-attempt budget.
func (r *PostgresRepository) ResetToPending(ctx context.Context, id uint) error {
	return r.gdb.WithContext(ctx).Model(&db.ProductResolveRequest{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": db.ResolveRequestPending}).
		Update("attempts", gorm.Expr("attempts + 1")).Error
}

// --- SourceTrustRepository ---

func (r *PostgresRepository) GetTrustConfig(sourceID string) (upcTrusted bool, version int, found bool, err error) {
	var cfg db.SourceTrustConfig
	err = r.gdb.Where("source_id = ?", sourceID).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, 0, false, nil
	}
	if err != nil {
		return false, 0, false, err
	}
	return cfg.UPCTrusted, cfg.Version, true, nil
}

func (r *PostgresRepository) SetTrustConfig(ctx context.Context, sourceID string, upcTrusted bool) (version int, err error) {
	err = r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cfg db.SourceTrustConfig
		err := tx.Where("source_id = ?", sourceID).First(&cfg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cfg = db.SourceTrustConfig{SourceID: sourceID, UPCTrusted: upcTrusted, Version: 1}
			version = cfg.Version
			return tx.Create(&cfg).Error
		}
		if err != nil {
			return err
		}
		cfg.UPCTrusted = upcTrusted
		cfg.Version++
		version = cfg.Version
		return tx.Save(&cfg).Error
	})
	return version, err
}

// --- BrandAliasRepository ---

func (r *PostgresRepository) ListBrandAliases() (map[string]cache.AliasTarget, error) {
	var rows []db.BrandAlias
	if err := r.gdb.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]cache.AliasTarget, len(rows))
	for _, row := range rows {
		out[row.FromNorm] = cache.AliasTarget{ToNorm: row.ToNorm, ID: fmt.Sprintf("%d", row.ID)}
	}
	return out, nil
}

func (r *PostgresRepository) UpsertBrandAlias(ctx context.Context, fromNorm, toNorm string) error {
	alias := db.BrandAlias{FromNorm: fromNorm, ToNorm: toNorm}
	return r.gdb.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "from_norm"}},
		DoUpdates: clause.AssignmentColumns([]string{"to_norm"}),
	}).Create(&alias).Error
}

func (r *PostgresRepository) RecordHit(ctx context.Context, fromNorm string) error {
	return r.gdb.WithContext(ctx).Model(&db.BrandAlias{}).Where("from_norm = ?", fromNorm).
		Update("hits", gorm.Expr("hits + 1")).Error
}

// --- SettingRepository ---

func (r *PostgresRepository) GetSetting(ctx context.Context, key string) (value bool, found bool, err error) {
	var setting db.Setting
	err = r.gdb.WithContext(ctx).Where("key = ?", key).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return setting.Value, true, nil
}

func (r *PostgresRepository) SetSetting(ctx context.Context, key string, value bool) error {
	setting := db.Setting{Key: key, Value: value}
	return r.gdb.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&setting).Error
}
