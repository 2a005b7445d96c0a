// Package admin implements the mutation contract the operations UI calls:
// feed lifecycle transitions, manual runs, stuck-state resets, expiry
// approval, run ignore/unignore, and trust-config updates. Authorization
// is presumed handled by the HTTP layer in front of it.
package admin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ironscout.dev/feedcore/cache"
	"ironscout.dev/feedcore/db"
	"ironscout.dev/feedcore/db/repository"
	"ironscout.dev/feedcore/queue"
	"ironscout.dev/feedcore/transport"
)

// Result is the uniform outcome every action returns: a short
// human-readable message either way.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(format string, args ...interface{}) Result {
	return Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...interface{}) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Locker acquires the per-feed advisory lock; db.PostgresDB satisfies it.
type Locker interface {
	TryAdvisoryLock(ctx context.Context, lockID int64) (acquired bool, unlock func(context.Context) error, err error)
}

// Notifier publishes cache-invalidation events; db.PostgresDB satisfies it.
type Notifier interface {
	NotifyJSON(ctx context.Context, channel string, payload interface{}) error
}

// JobEnqueuer publishes ingest jobs; queue/redis.Queue satisfies it.
type JobEnqueuer interface {
	Enqueue(queueName, jobID string, payload interface{}, dedupWindow time.Duration) (bool, error)
}

// manualRunCooldown rate-limits manual refreshes per feed.
const manualRunCooldown = 5 * time.Minute

// Actions is the admin surface implementation.
type Actions struct {
	Feeds    repository.FeedRepository
	Runs     repository.FeedRunRepository
	Sources  repository.SourceProductRepository
	Trust    repository.SourceTrustRepository
	Settings repository.SettingRepository

	Locker     Locker
	Notifier   Notifier
	Queue      JobEnqueuer
	TrustCache *cache.TrustCache
	Log        *logrus.Logger

	// Transports and SecretEncKey serve TestFeedConnection; both optional
	// for callers that never expose it.
	Transports     func(ctx context.Context, kind transport.Kind, cfg transport.Config) (transport.Transport, error)
	SecretEncKey   string
	ControlTimeout time.Duration

	mu            sync.Mutex
	lastManualRun map[uint]time.Time
}

func (a *Actions) recomputeNextRun(feed *db.Feed) {
	if feed.ScheduleFrequencyHours > 0 {
		next := time.Now().Add(time.Duration(feed.ScheduleFrequencyHours) * time.Hour)
		feed.NextRunAt = &next
	}
}

// Enable moves a DRAFT/PAUSED/DISABLED feed to ENABLED, provided its
// credentials are complete.
func (a *Actions) Enable(ctx context.Context, feedID uint) Result {
	feed, err := a.Feeds.GetFeed(ctx, feedID)
	if err != nil {
		return fail("feed %d not found", feedID)
	}
	switch feed.Status {
	case db.FeedStatusDraft, db.FeedStatusPaused, db.FeedStatusDisabled:
	default:
		return fail("feed is %s, not enableable", feed.Status)
	}
	if feed.Host == "" || feed.Path == "" || feed.Username == "" || len(feed.SecretCiphertext) == 0 {
		return fail("feed credentials are incomplete")
	}

	feed.Status = db.FeedStatusEnabled
	feed.ConsecutiveFailures = 0
	a.recomputeNextRun(feed)
	if err := a.Feeds.UpdateFeed(ctx, feed); err != nil {
		return fail("enable failed: %v", err)
	}
	return ok("feed enabled")
}

// Pause stops scheduling for an ENABLED feed.
func (a *Actions) Pause(ctx context.Context, feedID uint) Result {
	feed, err := a.Feeds.GetFeed(ctx, feedID)
	if err != nil {
		return fail("feed %d not found", feedID)
	}
	if feed.Status != db.FeedStatusEnabled {
		return fail("feed is %s, only ENABLED feeds can be paused", feed.Status)
	}
	feed.Status = db.FeedStatusPaused
	feed.NextRunAt = nil
	if err := a.Feeds.UpdateFeed(ctx, feed); err != nil {
		return fail("pause failed: %v", err)
	}
	return ok("feed paused")
}

// Reenable moves a PAUSED/DISABLED feed back to ENABLED.
func (a *Actions) Reenable(ctx context.Context, feedID uint) Result {
	feed, err := a.Feeds.GetFeed(ctx, feedID)
	if err != nil {
		return fail("feed %d not found", feedID)
	}
	if feed.Status != db.FeedStatusPaused && feed.Status != db.FeedStatusDisabled {
		return fail("feed is %s, not re-enableable", feed.Status)
	}
	feed.Status = db.FeedStatusEnabled
	feed.ConsecutiveFailures = 0
	a.recomputeNextRun(feed)
	if err := a.Feeds.UpdateFeed(ctx, feed); err != nil {
		return fail("re-enable failed: %v", err)
	}
	return ok("feed re-enabled")
}

// TriggerManualRun requests an immediate run: enqueued now when nothing is
// in flight, or flagged for follow-up when a run is already executing.
func (a *Actions) TriggerManualRun(ctx context.Context, feedID uint) Result {
	feed, err := a.Feeds.GetFeed(ctx, feedID)
	if err != nil {
		return fail("feed %d not found", feedID)
	}
	switch feed.Status {
	case db.FeedStatusEnabled, db.FeedStatusPaused, db.FeedStatusDisabled:
	default:
		return fail("feed is %s, manual runs need a configured feed", feed.Status)
	}

	a.mu.Lock()
	if a.lastManualRun == nil {
		a.lastManualRun = make(map[uint]time.Time)
	}
	if last, seen := a.lastManualRun[feedID]; seen && time.Since(last) < manualRunCooldown {
		a.mu.Unlock()
		return fail("manual refresh rate limit: retry in %s", (manualRunCooldown - time.Since(last)).Round(time.Second))
	}
	a.lastManualRun[feedID] = time.Now()
	a.mu.Unlock()

	inFlight, err := a.Runs.GetInFlightRun(ctx, feedID)
	if err != nil {
		return fail("in-flight check failed: %v", err)
	}
	if inFlight != nil {
		if err := a.Feeds.SetManualRunPending(ctx, feedID, true); err != nil {
			return fail("flag follow-up failed: %v", err)
		}
		return ok("run in flight; manual run queued as follow-up")
	}

	job := queue.FeedIngestJob{FeedID: feedID, Trigger: string(db.TriggerManual)}
	if _, err := a.Queue.Enqueue(queue.QueueAffiliateFeedIngest, job.JobID(), job, time.Minute); err != nil {
		return fail("enqueue failed: %v", err)
	}
	return ok("manual run enqueued")
}

// UpdateNextRunAt moves an ENABLED feed's next scheduled run, bounded to
// (now, now+7d].
func (a *Actions) UpdateNextRunAt(ctx context.Context, feedID uint, t time.Time) Result {
	feed, err := a.Feeds.GetFeed(ctx, feedID)
	if err != nil {
		return fail("feed %d not found", feedID)
	}
	if feed.Status != db.FeedStatusEnabled {
		return fail("feed is %s, only ENABLED feeds have a schedule", feed.Status)
	}
	now := time.Now()
	if !t.After(now) || t.After(now.Add(7*24*time.Hour)) {
		return fail("next run must be in the future and within 7 days")
	}
	if err := a.Feeds.SetNextRunAt(ctx, feedID, t); err != nil {
		return fail("update failed: %v", err)
	}
	return ok("next run set to %s", t.UTC().Format(time.RFC3339))
}

// ResetFeedState force-terminates any RUNNING run and clears the feed's
// transient scheduling state.
func (a *Actions) ResetFeedState(ctx context.Context, feedID uint) Result {
	feed, err := a.Feeds.GetFeed(ctx, feedID)
	if err != nil {
		return fail("feed %d not found", feedID)
	}

	if run, err := a.Runs.GetInFlightRun(ctx, feedID); err == nil && run != nil {
		now := time.Now()
		run.Status = db.FeedRunFailed
		run.FinishedAt = &now
		run.FailureKind = db.FailureKindAdminReset
		run.FailureCode = "ADMIN_RESET"
		run.FailureMessage = "run terminated by admin reset"
		if err := a.Runs.UpdateFeedRun(ctx, run); err != nil {
			return fail("terminate running run failed: %v", err)
		}
	}

	feed.ManualRunPending = false
	feed.ConsecutiveFailures = 0
	a.recomputeNextRun(feed)
	if err := a.Feeds.UpdateFeed(ctx, feed); err != nil {
		return fail("reset failed: %v", err)
	}
	return ok("feed state reset")
}

// ForceReprocess clears change-detection state so the next run downloads
// and parses regardless of the remote file being unchanged.
func (a *Actions) ForceReprocess(ctx context.Context, feedID uint) Result {
	feed, err := a.Feeds.GetFeed(ctx, feedID)
	if err != nil {
		return fail("feed %d not found", feedID)
	}
	feed.LastContentHash = ""
	feed.LastRemoteMtime = nil
	feed.LastRemoteSize = nil
	if err := a.Feeds.UpdateFeed(ctx, feed); err != nil {
		return fail("force reprocess failed: %v", err)
	}
	return ok("change detection cleared; next run will reprocess")
}

// ApproveActivation promotes an expiry-blocked run's seen set under the
// feed's advisory lock, so a concurrent ingest can't promote over it.
func (a *Actions) ApproveActivation(ctx context.Context, runID uint, actor string) Result {
	run, err := a.Runs.GetFeedRun(ctx, runID)
	if err != nil {
		return fail("run %d not found", runID)
	}
	if !run.ExpiryBlocked {
		return fail("run is not expiry-blocked")
	}
	if run.ExpiryApprovedAt != nil {
		return fail("run is already approved")
	}
	feed, err := a.Feeds.GetFeed(ctx, run.FeedID)
	if err != nil {
		return fail("feed %d not found", run.FeedID)
	}
	if newer, err := a.Runs.GetLatestSucceededRun(ctx, run.FeedID); err == nil && newer != nil && newer.ID > run.ID {
		return fail("a newer run already succeeded; approval is moot")
	}

	acquired, unlock, err := a.Locker.TryAdvisoryLock(ctx, feed.FeedLockID)
	if err != nil {
		return fail("lock error: %v", err)
	}
	if !acquired {
		return fail("feed is busy; retry once the current run finishes")
	}
	defer func() { _ = unlock(context.Background()) }()

	now := time.Now()
	promoted, err := a.Sources.PromoteSeen(ctx, runID, now)
	if err != nil {
		return fail("promotion failed: %v", err)
	}
	run.ExpiryApprovedAt = &now
	run.ExpiryApprovedBy = actor
	run.ProductsPromoted = int(promoted)
	if err := a.Runs.UpdateFeedRun(ctx, run); err != nil {
		return fail("record approval failed: %v", err)
	}
	return ok("approved; %d products promoted", promoted)
}

// IgnoreRun hides a run from consumer reads.
func (a *Actions) IgnoreRun(ctx context.Context, runID uint, actor, reason string) Result {
	if len(reason) < 3 {
		return fail("ignore reason must be at least 3 characters")
	}
	run, err := a.Runs.GetFeedRun(ctx, runID)
	if err != nil {
		return fail("run %d not found", runID)
	}
	now := time.Now()
	run.IgnoredAt = &now
	run.IgnoredBy = actor
	run.IgnoredReason = reason
	if err := a.Runs.UpdateFeedRun(ctx, run); err != nil {
		return fail("ignore failed: %v", err)
	}
	return ok("run ignored")
}

// UnignoreRun restores a previously ignored run.
func (a *Actions) UnignoreRun(ctx context.Context, runID uint) Result {
	run, err := a.Runs.GetFeedRun(ctx, runID)
	if err != nil {
		return fail("run %d not found", runID)
	}
	run.IgnoredAt = nil
	run.IgnoredBy = ""
	run.IgnoredReason = ""
	if err := a.Runs.UpdateFeedRun(ctx, run); err != nil {
		return fail("unignore failed: %v", err)
	}
	return ok("run restored")
}

// UpdateSourceTrustConfig upserts a source's UPC trust flag, bumps its
// version, and invalidates cached copies locally and across the fleet.
func (a *Actions) UpdateSourceTrustConfig(ctx context.Context, sourceID string, upcTrusted bool) Result {
	version, err := a.Trust.SetTrustConfig(ctx, sourceID, upcTrusted)
	if err != nil {
		return fail("trust update failed: %v", err)
	}

	if a.TrustCache != nil {
		a.TrustCache.Invalidate(sourceID)
	}
	if a.Notifier != nil {
		event := db.InvalidationEvent{SourceID: sourceID, Version: version}
		if err := a.Notifier.NotifyJSON(ctx, db.ChannelTrustConfigChanged, event); err != nil {
			a.Log.WithError(err).WithField("source_id", sourceID).Warn("trust invalidation notify failed")
		}
	}
	return ok("trust config updated to version %d", version)
}

// TestFeedConnection dials the feed's remote endpoint with its stored
// credentials and verifies the configured path is reachable, without
// downloading anything.
func (a *Actions) TestFeedConnection(ctx context.Context, feedID uint) Result {
	if a.Transports == nil {
		return fail("connection testing is not configured")
	}
	feed, err := a.Feeds.GetFeed(ctx, feedID)
	if err != nil {
		return fail("feed %d not found", feedID)
	}

	password := ""
	if len(feed.SecretCiphertext) > 0 {
		plain, derr := db.DecryptSecret(a.SecretEncKey, feed.SecretCiphertext, feed.SecretNonce)
		if derr != nil {
			return fail("credential decrypt failed: %v", derr)
		}
		password = plain
	}

	allowFTP, found, err := a.Settings.GetSetting(ctx, db.SettingAllowPlainFTP)
	if err != nil || !found {
		allowFTP = false
	}

	tr, err := a.Transports(ctx, transport.Kind(feed.Transport), transport.Config{
		Host:           feed.Host,
		Port:           feed.Port,
		Username:       feed.Username,
		Password:       password,
		Path:           feed.Path,
		ControlTimeout: a.ControlTimeout,
		AllowPlainFTP:  allowFTP,
	})
	if err != nil {
		return fail("connect failed: %v", err)
	}
	defer tr.Close()

	if err := tr.TestConnection(ctx); err != nil {
		return fail("path check failed: %v", err)
	}
	return ok("connection ok")
}

// SetSetting flips one of the global toggles.
func (a *Actions) SetSetting(ctx context.Context, key string, value bool) Result {
	switch key {
	case db.SettingAllowPlainFTP, db.SettingHarvesterSchedulerEnabled,
		db.SettingAffiliateSchedulerEnabled, db.SettingAutoEmbeddingEnabled:
	default:
		return fail("unknown setting %q", key)
	}
	if err := a.Settings.SetSetting(ctx, key, value); err != nil {
		return fail("setting update failed: %v", err)
	}
	return ok("%s set to %v", key, value)
}
