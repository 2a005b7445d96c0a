package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ironscout.dev/feedcore/db"
	"ironscout.dev/feedcore/db/repository"
	"ironscout.dev/feedcore/metrics"
	"ironscout.dev/feedcore/normalize"
	"ironscout.dev/feedcore/queue"
	"ironscout.dev/feedcore/runlog"
	"ironscout.dev/feedcore/transport"
)

// Locker acquires the per-feed advisory lock; db.PostgresDB satisfies it.
type Locker interface {
	TryAdvisoryLock(ctx context.Context, lockID int64) (acquired bool, unlock func(context.Context) error, err error)
}

// ResolveEnqueuer pushes debounced resolve jobs; queue/redis.Queue
// satisfies it.
type ResolveEnqueuer interface {
	EnqueueDelayed(queueName, jobID string, payload interface{}, delay, dedupWindow time.Duration) (bool, error)
}

// TransportFactory builds the wire transport for one feed; transport.New
// satisfies it, and the engine puts the settings-derived AllowPlainFTP flag
// into the config it passes. Tests inject fakes here.
type TransportFactory func(ctx context.Context, kind transport.Kind, cfg transport.Config) (transport.Transport, error)

// Config holds the engine's process-wide tunables.
type Config struct {
	DefaultMaxFileSizeBytes int64
	DefaultMaxRowCount      int
	ControlTimeout          time.Duration
	DataTimeout             time.Duration
	ResolveJobDebounce      time.Duration
	ResolverVersion         string
	LogDir                  string
	SecretEncKey            string
}

// Engine runs one feed ingestion end to end.
type Engine struct {
	Feeds    repository.FeedRepository
	Runs     repository.FeedRunRepository
	Sources  repository.SourceProductRepository
	Requests repository.ResolveRequestRepository
	Settings repository.SettingRepository

	Locker     Locker
	Transports TransportFactory
	Queue      ResolveEnqueuer
	Metrics    *metrics.Metrics
	Log        *logrus.Logger
	Cfg        Config
}

// runState accumulates everything one run produces before finalization.
type runState struct {
	feed    *db.Feed
	run     *db.FeedRun
	rl      *runlog.Writer
	summary metrics.IngestRunSummary

	contentHash string
	stat        transport.Stat
	seenIDs     []uint
}

// Run executes one ingestion attempt for feedID. Every terminal outcome,
// including SKIPPED and FAILED, leaves exactly one finalized FeedRun row.
func (e *Engine) Run(ctx context.Context, feedID uint, trigger db.FeedRunTrigger) error {
	feed, err := e.Feeds.GetFeed(ctx, feedID)
	if err != nil {
		return fmt.Errorf("load feed %d: %w", feedID, err)
	}

	run := &db.FeedRun{
		FeedID:        feed.ID,
		Trigger:       trigger,
		Status:        db.FeedRunRunning,
		StartedAt:     time.Now(),
		CorrelationID: uuid.NewString(),
	}
	if err := e.Runs.CreateFeedRun(ctx, run); err != nil {
		return fmt.Errorf("create run for feed %d: %w", feedID, err)
	}

	rl, lerr := runlog.OpenAffiliateRun(e.Cfg.LogDir, feed.Network, run.StartedAt)
	if lerr != nil {
		e.Log.WithError(lerr).Warn("run log unavailable")
	}
	defer rl.Close()
	rl.Printf("run %d start feed=%d source=%s trigger=%s", run.ID, feed.ID, feed.SourceID, trigger)

	st := &runState{
		feed: feed,
		run:  run,
		rl:   rl,
		summary: metrics.IngestRunSummary{
			Pipeline:      metrics.PipelineAffiliate,
			RunID:         run.ID,
			FeedID:        feed.ID,
			SourceID:      feed.SourceID,
			Trigger:       string(trigger),
			CorrelationID: run.CorrelationID,
		},
	}

	acquired, unlock, err := e.Locker.TryAdvisoryLock(ctx, feed.FeedLockID)
	if err != nil {
		return e.finalize(ctx, st, db.FeedRunFailed, db.FailureKindSystemError, "LOCK_ERROR", err.Error())
	}
	if !acquired {
		return e.finalize(ctx, st, db.FeedRunSkipped, db.FailureKindNone, "LOCK_BUSY", "another run holds the feed lock")
	}
	defer func() {
		if uerr := unlock(context.Background()); uerr != nil {
			e.Log.WithError(uerr).WithField("feed_id", feed.ID).Warn("advisory unlock failed")
		}
	}()

	return e.runLocked(ctx, st)
}

func (e *Engine) runLocked(ctx context.Context, st *runState) error {
	feed := st.feed

	tr, err := e.openTransport(ctx, feed)
	if err != nil {
		kind, code := classifyTransportErr(err)
		return e.finalize(ctx, st, db.FeedRunFailed, kind, code, err.Error())
	}
	defer tr.Close()

	// Stat + change detection.
	statT := metrics.StartTiming()
	remote, err := tr.Stat(ctx)
	st.summary.StatMs = statT.Ms()
	if err != nil {
		kind, code := classifyTransportErr(err)
		return e.finalize(ctx, st, db.FeedRunFailed, kind, code, err.Error())
	}
	st.stat = remote
	st.rl.Printf("stat size=%d mtime=%s", remote.Size, remote.ModTime.Format(time.RFC3339))

	if e.statUnchanged(ctx, feed, remote) {
		return e.finalize(ctx, st, db.FeedRunSkipped, db.FailureKindNone, "UNCHANGED_STAT", "remote mtime and size unchanged")
	}

	// Bounded download.
	maxBytes := e.Cfg.DefaultMaxFileSizeBytes
	if feed.MaxFileSizeBytes != nil {
		maxBytes = *feed.MaxFileSizeBytes
	}
	var buf bytes.Buffer
	dlT := metrics.StartTiming()
	written, err := tr.Download(ctx, &transport.WriteCounter{Dest: &buf, Max: maxBytes}, maxBytes)
	st.summary.DownloadMs = dlT.Ms()
	st.summary.BytesDownloaded = written
	if err != nil {
		kind, code := classifyTransportErr(err)
		return e.finalize(ctx, st, db.FeedRunFailed, kind, code, err.Error())
	}
	sum := sha256.Sum256(buf.Bytes())
	st.contentHash = hex.EncodeToString(sum[:])
	st.rl.Printf("downloaded %d bytes hash=%s", written, st.contentHash[:12])

	if feed.LastContentHash != "" && st.contentHash == feed.LastContentHash {
		return e.finalize(ctx, st, db.FeedRunSkipped, db.FailureKindNone, "UNCHANGED_HASH", "content hash unchanged")
	}

	// Parse.
	maxRows := e.Cfg.DefaultMaxRowCount
	if feed.MaxRowCount != nil {
		maxRows = *feed.MaxRowCount
	}
	parseT := metrics.StartTiming()
	parsed, err := ParseCSV(buf.Bytes(), feed.Compression == db.CompressionGzip, maxRows)
	st.summary.ParseMs = parseT.Ms()
	if err != nil {
		if parsed != nil {
			e.recordRowErrors(ctx, st, parsed.Errors)
		}
		return e.finalize(ctx, st, db.FeedRunFailed, db.FailureKindParse, "PARSE_ERROR", err.Error())
	}
	st.run.RowsRead = parsed.RowsRead
	st.run.RowsParsed = len(parsed.Rows)
	e.recordRowErrors(ctx, st, parsed.Errors)
	if parsed.Truncated {
		return e.finalize(ctx, st, db.FeedRunFailed, db.FailureKindTooManyRows, "TOO_MANY_ROWS",
			fmt.Sprintf("row count exceeds limit %d", maxRows))
	}

	// Row pipeline.
	rowT := metrics.StartTiming()
	if err := e.processRows(ctx, st, parsed.Rows); err != nil {
		return e.finalize(ctx, st, db.FeedRunFailed, db.FailureKindSystemError, "SYSTEM_ERROR", err.Error())
	}
	st.summary.RowPipelineMs = rowT.Ms()

	if err := e.Runs.RecordSeen(ctx, st.run.ID, st.seenIDs); err != nil {
		return e.finalize(ctx, st, db.FeedRunFailed, db.FailureKindSystemError, "SYSTEM_ERROR", err.Error())
	}

	// Expiry circuit breaker.
	blocked, reason, err := e.expiryBlocked(ctx, st)
	if err != nil {
		return e.finalize(ctx, st, db.FeedRunFailed, db.FailureKindSystemError, "SYSTEM_ERROR", err.Error())
	}
	if blocked {
		st.run.ExpiryBlocked = true
		st.run.ExpiryBlockedReason = reason
		st.rl.Printf("expiry circuit open: %s", reason)
		return e.finalize(ctx, st, db.FeedRunFailed, db.FailureKindCircuitOpen, "CIRCUIT_OPEN", reason)
	}

	promoted, err := e.Sources.PromoteSeen(ctx, st.run.ID, time.Now())
	if err != nil {
		return e.finalize(ctx, st, db.FeedRunFailed, db.FailureKindSystemError, "SYSTEM_ERROR", err.Error())
	}
	st.run.ProductsPromoted = int(promoted)

	return e.finalize(ctx, st, db.FeedRunSucceeded, db.FailureKindNone, "", "")
}

func (e *Engine) openTransport(ctx context.Context, feed *db.Feed) (transport.Transport, error) {
	password := ""
	if len(feed.SecretCiphertext) > 0 {
		plain, err := db.DecryptSecret(e.Cfg.SecretEncKey, feed.SecretCiphertext, feed.SecretNonce)
		if err != nil {
			return nil, fmt.Errorf("decrypt feed credentials: %w", err)
		}
		password = plain
	}

	allowFTP, found, err := e.Settings.GetSetting(ctx, db.SettingAllowPlainFTP)
	if err != nil || !found {
		allowFTP = false
	}

	return e.Transports(ctx, transport.Kind(feed.Transport), transport.Config{
		Host:           feed.Host,
		Port:           feed.Port,
		Username:       feed.Username,
		Password:       password,
		Path:           feed.Path,
		ControlTimeout: e.Cfg.ControlTimeout,
		DataTimeout:    e.Cfg.DataTimeout,
		AllowPlainFTP:  allowFTP,
	})
}

// statUnchanged implements the first change-detection gate: identical
// (mtime,size) plus at least one prior successful run.
func (e *Engine) statUnchanged(ctx context.Context, feed *db.Feed, remote transport.Stat) bool {
	if feed.LastRemoteMtime == nil || feed.LastRemoteSize == nil {
		return false
	}
	if !feed.LastRemoteMtime.Equal(remote.ModTime) || *feed.LastRemoteSize != remote.Size {
		return false
	}
	prev, err := e.Runs.GetLatestSucceededRun(ctx, feed.ID)
	return err == nil && prev != nil
}

func (e *Engine) recordRowErrors(ctx context.Context, st *runState, rowErrors []RowError) {
	st.run.ErrorCount += len(rowErrors)
	codeCounts := map[string]int{}
	for _, re := range rowErrors {
		codeCounts[re.Code]++
		if err := e.Runs.AppendRunError(ctx, &db.FeedRunError{
			FeedRunID: st.run.ID,
			RowNumber: re.RowNumber,
			Code:      re.Code,
			Message:   re.Message,
			RawRow:    re.RawRow,
		}); err != nil {
			e.Log.WithError(err).WithField("run_id", st.run.ID).Warn("append run error failed")
		}
	}
	if len(codeCounts) > 0 {
		st.summary.ErrorCodeCounts = codeCounts
		primary, max := "", 0
		for code, n := range codeCounts {
			if n > max {
				primary, max = code, n
			}
		}
		st.summary.PrimaryErrorCode = primary
	}
}

// processRows upserts one SourceProduct per parsed row, opens a pending
// resolve request, and enqueues the debounced resolve job.
func (e *Engine) processRows(ctx context.Context, st *runState, rows []ParsedRow) error {
	feed := st.feed
	seenKeys := make(map[string]bool, len(rows))

	for _, row := range rows {
		stableKey, urlFallback := StableKey(row)
		if urlFallback {
			st.run.URLHashFallbackCount++
		}
		if seenKeys[stableKey] {
			st.run.DuplicateKeyCount++
			continue
		}
		seenKeys[stableKey] = true

		sp := &db.SourceProduct{
			SourceID:      feed.SourceID,
			StableKey:     stableKey,
			Kind:          db.SourceKindAffiliate,
			Title:         row.Title,
			Brand:         row.Brand,
			URL:           row.URL,
			NormalizedURL: NormalizeURL(row.URL),
		}
		if caliber, ok := normalize.ExtractCaliber(row.Title, row.Attributes, row.URL); ok {
			sp.Caliber = caliber
		}
		if grain, ok := normalize.ExtractGrainWeight(row.Title, row.Attributes, row.URL); ok {
			sp.GrainWeight = &grain
		}
		if count, ok := normalize.ExtractRoundCount(row.Title, row.Attributes, row.URL); ok {
			sp.RoundCount = &count
		}

		created, err := e.Sources.UpsertSourceProduct(ctx, sp)
		if err != nil {
			return fmt.Errorf("upsert source product %s: %w", stableKey, err)
		}
		st.run.ProductsUpserted++
		if created {
			e.Metrics.IngestListingsCreated.WithLabelValues(st.summary.Pipeline).Inc()
		} else {
			e.Metrics.IngestListingsUpdated.WithLabelValues(st.summary.Pipeline).Inc()
		}
		st.seenIDs = append(st.seenIDs, sp.ID)

		if err := e.Sources.ReplaceIdentifiers(ctx, sp.ID, rowIdentifiers(row)); err != nil {
			return fmt.Errorf("replace identifiers for %s: %w", stableKey, err)
		}

		if err := e.enqueueResolve(ctx, st, sp.ID); err != nil {
			return err
		}
	}
	return nil
}

func rowIdentifiers(row ParsedRow) []db.SourceProductIdentifier {
	var ids []db.SourceProductIdentifier
	if row.UPC != "" {
		ids = append(ids, db.SourceProductIdentifier{Kind: db.IdentifierUPC, Value: row.UPC})
	}
	if row.SKU != "" {
		ids = append(ids, db.SourceProductIdentifier{Kind: db.IdentifierSKU, Value: row.SKU})
	}
	if row.ASIN != "" {
		ids = append(ids, db.SourceProductIdentifier{Kind: db.IdentifierASIN, Value: row.ASIN})
	}
	if row.MPN != "" {
		ids = append(ids, db.SourceProductIdentifier{Kind: db.IdentifierMPN, Value: row.MPN})
	}
	return ids
}

func (e *Engine) enqueueResolve(ctx context.Context, st *runState, sourceProductID uint) error {
	runID := st.run.ID
	req := &db.ProductResolveRequest{
		IdempotencyKey:  fmt.Sprintf("resolve-%d-%s", sourceProductID, st.run.CorrelationID),
		SourceProductID: sourceProductID,
		Status:          db.ResolveRequestPending,
	}
	if _, err := e.Requests.EnqueueIfAbsent(ctx, req); err != nil {
		return fmt.Errorf("open resolve request for %d: %w", sourceProductID, err)
	}

	job := queue.ResolveJob{
		SourceProductID:    sourceProductID,
		Trigger:            queue.TriggerIngest,
		ResolverVersion:    e.Cfg.ResolverVersion,
		AffiliateFeedRunID: &runID,
	}
	if _, err := e.Queue.EnqueueDelayed(queue.QueueProductResolve, job.JobID(), job, e.Cfg.ResolveJobDebounce, 0); err != nil {
		return fmt.Errorf("enqueue resolve job for %d: %w", sourceProductID, err)
	}
	return nil
}

// expiryBlocked computes the circuit-breaker condition: the share of the
// source's active products this run would let expire.
func (e *Engine) expiryBlocked(ctx context.Context, st *runState) (bool, string, error) {
	feed := st.feed
	active, err := e.Sources.CountActive(ctx, feed.SourceID)
	if err != nil {
		return false, "", err
	}
	if active == 0 {
		return false, "", nil
	}
	missing, err := e.Sources.CountActiveMissingFromRun(ctx, feed.SourceID, st.run.ID)
	if err != nil {
		return false, "", err
	}

	fraction := feed.ExpiryMaxDropFraction
	if fraction <= 0 {
		fraction = 0.5
	}
	dropShare := float64(missing) / float64(active)
	if dropShare > fraction {
		return true, fmt.Sprintf("run would expire %d of %d active products (%.0f%% > %.0f%% limit)",
			missing, active, dropShare*100, fraction*100), nil
	}
	return false, "", nil
}

// finalize writes the terminal FeedRun state, updates the feed's
// change-detection and scheduling fields, emits the run summary, and
// enqueues a pending manual follow-up if one accrued while we ran.
func (e *Engine) finalize(ctx context.Context, st *runState, status db.FeedRunStatus, kind db.FailureKind, code, message string) error {
	run, feed := st.run, st.feed

	// Re-read the run: an admin reset may have terminated it already, and
	// terminal runs are write-once.
	if current, err := e.Runs.GetFeedRun(ctx, run.ID); err == nil && current.Status != db.FeedRunRunning {
		st.rl.Printf("run %d already terminal (%s), skipping finalization", run.ID, current.Status)
		return nil
	}

	now := time.Now()
	run.Status = status
	run.FinishedAt = &now
	run.FailureKind = kind
	run.FailureCode = code
	run.FailureMessage = message
	if err := e.Runs.UpdateFeedRun(ctx, run); err != nil {
		e.Log.WithError(err).WithField("run_id", run.ID).Error("finalize run failed")
	}

	switch status {
	case db.FeedRunSucceeded:
		feed.LastRemoteMtime = &st.stat.ModTime
		feed.LastRemoteSize = &st.stat.Size
		feed.LastContentHash = st.contentHash
		feed.ConsecutiveFailures = 0
	case db.FeedRunFailed:
		n, err := e.Feeds.IncrementConsecutiveFailures(ctx, feed.ID)
		if err != nil {
			e.Log.WithError(err).WithField("feed_id", feed.ID).Error("increment failures failed")
		} else {
			feed.ConsecutiveFailures = n
			if n >= 3 && feed.Status == db.FeedStatusEnabled {
				feed.Status = db.FeedStatusDisabled
				st.rl.Printf("feed disabled after %d consecutive failures", n)
			}
		}
	}

	if feed.Status == db.FeedStatusEnabled && feed.ScheduleFrequencyHours > 0 {
		next := now.Add(time.Duration(feed.ScheduleFrequencyHours) * time.Hour)
		feed.NextRunAt = &next
	}
	if err := e.Feeds.UpdateFeed(ctx, feed); err != nil {
		e.Log.WithError(err).WithField("feed_id", feed.ID).Error("finalize feed update failed")
	}

	st.summary.Status = string(status)
	st.summary.DurationMs = now.Sub(run.StartedAt).Milliseconds()
	st.summary.RowsRead = run.RowsRead
	st.summary.RowsParsed = run.RowsParsed
	st.summary.ProductsUpserted = run.ProductsUpserted
	st.summary.ProductsPromoted = run.ProductsPromoted
	st.summary.DuplicateKeyCount = run.DuplicateKeyCount
	st.summary.URLHashFallbackCount = run.URLHashFallbackCount
	st.summary.ErrorCount = run.ErrorCount
	st.summary.ExpiryBlocked = run.ExpiryBlocked
	st.summary.FailureKind = string(kind)
	st.summary.FailureCode = code
	e.Metrics.Emit(e.Log, st.summary)
	st.rl.Printf("run %d finished status=%s code=%s", run.ID, status, code)

	e.enqueueManualFollowUp(ctx, feed)
	return nil
}

// enqueueManualFollowUp starts the run an admin requested while this one
// was in flight.
func (e *Engine) enqueueManualFollowUp(ctx context.Context, feed *db.Feed) {
	fresh, err := e.Feeds.GetFeed(ctx, feed.ID)
	if err != nil || !fresh.ManualRunPending {
		return
	}
	if err := e.Feeds.SetManualRunPending(ctx, feed.ID, false); err != nil {
		e.Log.WithError(err).WithField("feed_id", feed.ID).Warn("clear manual-run-pending failed")
		return
	}
	job := queue.FeedIngestJob{FeedID: feed.ID, Trigger: string(db.TriggerManualPending)}
	if _, err := e.Queue.EnqueueDelayed(queue.QueueAffiliateFeedIngest, job.JobID(), job, 0, time.Minute); err != nil {
		e.Log.WithError(err).WithField("feed_id", feed.ID).Error("manual follow-up enqueue failed")
	}
}

// classifyTransportErr maps a transport failure onto the run failure
// taxonomy.
func classifyTransportErr(err error) (db.FailureKind, string) {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, transport.ErrFileTooLarge):
		return db.FailureKindFileTooLarge, "FILE_TOO_LARGE"
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return db.FailureKindTimeout, "TIMEOUT"
	case strings.Contains(msg, "530") || strings.Contains(msg, "auth") || strings.Contains(msg, "permission denied") || strings.Contains(msg, "unable to authenticate"):
		return db.FailureKindAuth, "AUTH"
	case strings.Contains(msg, "550") || strings.Contains(msg, "no such file") || strings.Contains(msg, "not exist"):
		return db.FailureKindFileNotFound, "FILE_NOT_FOUND"
	case strings.Contains(msg, "allow_plain_ftp") || strings.Contains(msg, "plain ftp transport disabled"):
		return db.FailureKindTransport, "TRANSPORT_NOT_ALLOWED"
	default:
		return db.FailureKindTransport, "TRANSPORT"
	}
}
