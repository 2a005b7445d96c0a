package ingest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ironscout.dev/feedcore/db"
	"ironscout.dev/feedcore/metrics"
	"ironscout.dev/feedcore/transport"
)

// --- fakes ---

type fakeFeeds struct {
	feeds map[uint]*db.Feed
}

func (f *fakeFeeds) GetFeed(ctx context.Context, id uint) (*db.Feed, error) {
	feed, ok := f.feeds[id]
	if !ok {
		return nil, fmt.Errorf("feed %d not found", id)
	}
	clone := *feed
	return &clone, nil
}
func (f *fakeFeeds) GetFeedBySourceID(ctx context.Context, sourceID string) (*db.Feed, error) {
	return nil, fmt.Errorf("unused")
}
func (f *fakeFeeds) ListFeeds(ctx context.Context) ([]db.Feed, error)                 { return nil, nil }
func (f *fakeFeeds) ListDueFeeds(ctx context.Context, asOf time.Time) ([]db.Feed, error) { return nil, nil }
func (f *fakeFeeds) CreateFeed(ctx context.Context, feed *db.Feed) error              { return nil }
func (f *fakeFeeds) UpdateFeed(ctx context.Context, feed *db.Feed) error {
	clone := *feed
	f.feeds[feed.ID] = &clone
	return nil
}
func (f *fakeFeeds) SetNextRunAt(ctx context.Context, feedID uint, next time.Time) error {
	f.feeds[feedID].NextRunAt = &next
	return nil
}
func (f *fakeFeeds) SetManualRunPending(ctx context.Context, feedID uint, pending bool) error {
	f.feeds[feedID].ManualRunPending = pending
	return nil
}
func (f *fakeFeeds) IncrementConsecutiveFailures(ctx context.Context, feedID uint) (int, error) {
	f.feeds[feedID].ConsecutiveFailures++
	return f.feeds[feedID].ConsecutiveFailures, nil
}
func (f *fakeFeeds) ResetConsecutiveFailures(ctx context.Context, feedID uint) error {
	f.feeds[feedID].ConsecutiveFailures = 0
	return nil
}

type fakeRuns struct {
	nextID uint
	runs   map[uint]*db.FeedRun
	errors []db.FeedRunError
	seen   map[uint][]uint
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: map[uint]*db.FeedRun{}, seen: map[uint][]uint{}}
}

func (f *fakeRuns) CreateFeedRun(ctx context.Context, run *db.FeedRun) error {
	f.nextID++
	run.ID = f.nextID
	clone := *run
	f.runs[run.ID] = &clone
	return nil
}
func (f *fakeRuns) UpdateFeedRun(ctx context.Context, run *db.FeedRun) error {
	clone := *run
	f.runs[run.ID] = &clone
	return nil
}
func (f *fakeRuns) GetFeedRun(ctx context.Context, id uint) (*db.FeedRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %d not found", id)
	}
	clone := *run
	return &clone, nil
}
func (f *fakeRuns) ListRunsForFeed(ctx context.Context, feedID uint, limit int) ([]db.FeedRun, error) {
	return nil, nil
}
func (f *fakeRuns) AppendRunError(ctx context.Context, runErr *db.FeedRunError) error {
	f.errors = append(f.errors, *runErr)
	return nil
}
func (f *fakeRuns) ListStuckRuns(ctx context.Context, olderThan time.Time) ([]db.FeedRun, error) {
	return nil, nil
}
func (f *fakeRuns) GetInFlightRun(ctx context.Context, feedID uint) (*db.FeedRun, error) {
	for _, run := range f.runs {
		if run.FeedID == feedID && run.Status == db.FeedRunRunning {
			clone := *run
			return &clone, nil
		}
	}
	return nil, nil
}
func (f *fakeRuns) GetLatestSucceededRun(ctx context.Context, feedID uint) (*db.FeedRun, error) {
	var latest *db.FeedRun
	for _, run := range f.runs {
		if run.FeedID == feedID && run.Status == db.FeedRunSucceeded {
			if latest == nil || run.ID > latest.ID {
				latest = run
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	clone := *latest
	return &clone, nil
}
func (f *fakeRuns) RecordSeen(ctx context.Context, runID uint, ids []uint) error {
	f.seen[runID] = append(f.seen[runID], ids...)
	return nil
}
func (f *fakeRuns) ListSeen(ctx context.Context, runID uint) ([]uint, error) {
	return f.seen[runID], nil
}

type fakeSourceStore struct {
	nextID  uint
	byKey   map[string]*db.SourceProduct
	active  int64
	missing int64
	promoted int64
}

func newFakeSourceStore() *fakeSourceStore {
	return &fakeSourceStore{byKey: map[string]*db.SourceProduct{}}
}

func (f *fakeSourceStore) UpsertSourceProduct(ctx context.Context, sp *db.SourceProduct) (bool, error) {
	key := sp.SourceID + "|" + sp.StableKey
	if existing, ok := f.byKey[key]; ok {
		sp.ID = existing.ID
		f.byKey[key] = sp
		return false, nil
	}
	f.nextID++
	sp.ID = f.nextID
	f.byKey[key] = sp
	return true, nil
}
func (f *fakeSourceStore) GetSourceProduct(ctx context.Context, id uint) (*db.SourceProduct, error) {
	return nil, fmt.Errorf("unused")
}
func (f *fakeSourceStore) ReplaceIdentifiers(ctx context.Context, id uint, ids []db.SourceProductIdentifier) error {
	return nil
}
func (f *fakeSourceStore) TouchLastSeenSuccess(ctx context.Context, id uint, at time.Time) error {
	return nil
}
func (f *fakeSourceStore) UpdateNormalizedHash(ctx context.Context, id uint, hash string) error {
	return nil
}
func (f *fakeSourceStore) ListUnresolved(ctx context.Context, limit int) ([]db.SourceProduct, error) {
	return nil, nil
}
func (f *fakeSourceStore) CountActive(ctx context.Context, sourceID string) (int64, error) {
	return f.active, nil
}
func (f *fakeSourceStore) CountActiveMissingFromRun(ctx context.Context, sourceID string, runID uint) (int64, error) {
	return f.missing, nil
}
func (f *fakeSourceStore) PromoteSeen(ctx context.Context, runID uint, at time.Time) (int64, error) {
	return f.promoted, nil
}

type fakeRequests struct {
	enqueued []db.ProductResolveRequest
}

func (f *fakeRequests) EnqueueIfAbsent(ctx context.Context, req *db.ProductResolveRequest) (bool, error) {
	f.enqueued = append(f.enqueued, *req)
	return true, nil
}
func (f *fakeRequests) ClaimForSourceProduct(ctx context.Context, id uint) ([]db.ProductResolveRequest, error) {
	return nil, nil
}
func (f *fakeRequests) MarkCompleted(ctx context.Context, id uint, pid *uint) error { return nil }
func (f *fakeRequests) MarkFailed(ctx context.Context, id uint, msg string) error   { return nil }
func (f *fakeRequests) ListStuckRequests(ctx context.Context, olderThan time.Time, limit int) ([]db.ProductResolveRequest, error) {
	return nil, nil
}
func (f *fakeRequests) ResetToPending(ctx context.Context, id uint) error { return nil }

type fakeSettings struct {
	values map[string]bool
}

func (f *fakeSettings) GetSetting(ctx context.Context, key string) (bool, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}
func (f *fakeSettings) SetSetting(ctx context.Context, key string, value bool) error {
	f.values[key] = value
	return nil
}

type fakeLocker struct {
	busy bool
}

func (f *fakeLocker) TryAdvisoryLock(ctx context.Context, lockID int64) (bool, func(context.Context) error, error) {
	if f.busy {
		return false, nil, nil
	}
	return true, func(context.Context) error { return nil }, nil
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []string
}

func (f *fakeEnqueuer) EnqueueDelayed(queueName, jobID string, payload interface{}, delay, dedup time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, queueName+"/"+jobID)
	return true, nil
}

type fakeTransport struct {
	stat    transport.Stat
	statErr error
	body    []byte
	dlErr   error
}

func (f *fakeTransport) Stat(ctx context.Context) (transport.Stat, error) {
	return f.stat, f.statErr
}
func (f *fakeTransport) Download(ctx context.Context, w io.Writer, maxBytes int64) (int64, error) {
	if f.dlErr != nil {
		return 0, f.dlErr
	}
	n, err := w.Write(f.body)
	return int64(n), err
}
func (f *fakeTransport) TestConnection(ctx context.Context) error { return nil }
func (f *fakeTransport) Close() error                             { return nil }

type engineHarness struct {
	feeds    *fakeFeeds
	runs     *fakeRuns
	sources  *fakeSourceStore
	requests *fakeRequests
	locker   *fakeLocker
	enqueuer *fakeEnqueuer
	remote   *fakeTransport
	engine   *Engine
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	h := &engineHarness{
		feeds:    &fakeFeeds{feeds: map[uint]*db.Feed{}},
		runs:     newFakeRuns(),
		sources:  newFakeSourceStore(),
		requests: &fakeRequests{},
		locker:   &fakeLocker{},
		enqueuer: &fakeEnqueuer{},
		remote:   &fakeTransport{stat: transport.Stat{Size: 100, ModTime: time.Now().Truncate(time.Second)}},
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	h.engine = &Engine{
		Feeds:    h.feeds,
		Runs:     h.runs,
		Sources:  h.sources,
		Requests: h.requests,
		Settings: &fakeSettings{values: map[string]bool{}},
		Locker:   h.locker,
		Transports: func(ctx context.Context, kind transport.Kind, cfg transport.Config) (transport.Transport, error) {
			return h.remote, nil
		},
		Queue:   h.enqueuer,
		Metrics: metrics.NewMetrics(fmt.Sprintf("enginetest_%d", time.Now().UnixNano())),
		Log:     log,
		Cfg: ingestTestConfig(t),
	}

	feed := &db.Feed{
		SourceID:               "avantlink-1",
		Network:                "AvantLink",
		Status:                 db.FeedStatusEnabled,
		Transport:              db.TransportSFTP,
		Host:                   "sftp.example",
		Port:                   22,
		Path:                   "/feeds/products.csv",
		Username:               "ingest",
		ScheduleFrequencyHours: 6,
		ExpiryHours:            72,
		ExpiryMaxDropFraction:  0.5,
		FeedLockID:             4242,
	}
	feed.ID = 1
	h.feeds.feeds[1] = feed
	return h
}

func ingestTestConfig(t *testing.T) Config {
	return Config{
		DefaultMaxFileSizeBytes: 10 * 1024 * 1024,
		DefaultMaxRowCount:      1000,
		ResolveJobDebounce:      0,
		ResolverVersion:         "v1-test",
		LogDir:                  t.TempDir(),
		SecretEncKey:            "test-key",
	}
}

func (h *engineHarness) lastRun(t *testing.T) *db.FeedRun {
	t.Helper()
	require.NotEmpty(t, h.runs.runs)
	return h.runs.runs[h.runs.nextID]
}

// --- tests ---

func TestEngineRunSuccess(t *testing.T) {
	h := newEngineHarness(t)
	h.remote.body = []byte(sampleCSV)
	h.sources.promoted = 2

	require.NoError(t, h.engine.Run(context.Background(), 1, db.TriggerScheduled))

	run := h.lastRun(t)
	assert.Equal(t, db.FeedRunSucceeded, run.Status)
	assert.Equal(t, 2, run.RowsRead)
	assert.Equal(t, 2, run.RowsParsed)
	assert.Equal(t, 2, run.ProductsUpserted)
	assert.Equal(t, 2, run.ProductsPromoted)
	assert.Zero(t, run.ErrorCount)

	// One resolve request and one debounced job per row.
	assert.Len(t, h.requests.enqueued, 2)
	assert.Len(t, h.enqueuer.jobs, 2)

	// Change-detection state advanced and the next run got scheduled.
	feed := h.feeds.feeds[1]
	assert.Equal(t, h.remote.stat.Size, *feed.LastRemoteSize)
	assert.NotEmpty(t, feed.LastContentHash)
	require.NotNil(t, feed.NextRunAt)
	assert.True(t, feed.NextRunAt.After(*run.FinishedAt))
	assert.Zero(t, feed.ConsecutiveFailures)
}

func TestEngineSkipsWhenLockBusy(t *testing.T) {
	h := newEngineHarness(t)
	h.locker.busy = true

	require.NoError(t, h.engine.Run(context.Background(), 1, db.TriggerScheduled))

	run := h.lastRun(t)
	assert.Equal(t, db.FeedRunSkipped, run.Status)
	assert.Equal(t, "LOCK_BUSY", run.FailureCode)
	assert.Empty(t, h.requests.enqueued)
}

func TestEngineSkipsOnUnchangedStat(t *testing.T) {
	h := newEngineHarness(t)
	h.remote.body = []byte(sampleCSV)

	// First run succeeds and records the stat.
	require.NoError(t, h.engine.Run(context.Background(), 1, db.TriggerScheduled))
	require.Equal(t, db.FeedRunSucceeded, h.lastRun(t).Status)

	// Second run sees identical (mtime, size).
	require.NoError(t, h.engine.Run(context.Background(), 1, db.TriggerScheduled))
	run := h.lastRun(t)
	assert.Equal(t, db.FeedRunSkipped, run.Status)
	assert.Equal(t, "UNCHANGED_STAT", run.FailureCode)
}

func TestEngineSkipsOnUnchangedHash(t *testing.T) {
	h := newEngineHarness(t)
	h.remote.body = []byte(sampleCSV)

	require.NoError(t, h.engine.Run(context.Background(), 1, db.TriggerScheduled))
	require.Equal(t, db.FeedRunSucceeded, h.lastRun(t).Status)

	// Stat changes but content does not.
	h.remote.stat.ModTime = h.remote.stat.ModTime.Add(time.Hour)
	require.NoError(t, h.engine.Run(context.Background(), 1, db.TriggerScheduled))
	run := h.lastRun(t)
	assert.Equal(t, db.FeedRunSkipped, run.Status)
	assert.Equal(t, "UNCHANGED_HASH", run.FailureCode)
}

func TestEngineFileTooLarge(t *testing.T) {
	h := newEngineHarness(t)
	h.remote.dlErr = transport.ErrFileTooLarge

	require.NoError(t, h.engine.Run(context.Background(), 1, db.TriggerScheduled))

	run := h.lastRun(t)
	assert.Equal(t, db.FeedRunFailed, run.Status)
	assert.Equal(t, db.FailureKindFileTooLarge, run.FailureKind)
	assert.Equal(t, "FILE_TOO_LARGE", run.FailureCode)
	assert.Equal(t, 1, h.feeds.feeds[1].ConsecutiveFailures)
}

func TestEngineDisablesFeedAfterThreeFailures(t *testing.T) {
	h := newEngineHarness(t)
	h.remote.statErr = fmt.Errorf("dial tcp: connection refused")

	for i := 0; i < 3; i++ {
		require.NoError(t, h.engine.Run(context.Background(), 1, db.TriggerScheduled))
	}

	feed := h.feeds.feeds[1]
	assert.Equal(t, 3, feed.ConsecutiveFailures)
	assert.Equal(t, db.FeedStatusDisabled, feed.Status)
}

func TestEngineExpiryCircuitBreaker(t *testing.T) {
	h := newEngineHarness(t)
	h.remote.body = []byte(sampleCSV)
	// 10 active products, 8 of them absent from this run: 80% > the 50%
	// limit.
	h.sources.active = 10
	h.sources.missing = 8

	require.NoError(t, h.engine.Run(context.Background(), 1, db.TriggerScheduled))

	run := h.lastRun(t)
	assert.Equal(t, db.FeedRunFailed, run.Status)
	assert.Equal(t, db.FailureKindCircuitOpen, run.FailureKind)
	assert.True(t, run.ExpiryBlocked)
	assert.NotEmpty(t, run.ExpiryBlockedReason)
	assert.Zero(t, run.ProductsPromoted)
}

func TestEngineExpiryWithinLimitPromotes(t *testing.T) {
	h := newEngineHarness(t)
	h.remote.body = []byte(sampleCSV)
	h.sources.active = 10
	h.sources.missing = 2
	h.sources.promoted = 10

	require.NoError(t, h.engine.Run(context.Background(), 1, db.TriggerScheduled))

	run := h.lastRun(t)
	assert.Equal(t, db.FeedRunSucceeded, run.Status)
	assert.False(t, run.ExpiryBlocked)
	assert.Equal(t, 10, run.ProductsPromoted)
}

func TestEngineParseFailure(t *testing.T) {
	h := newEngineHarness(t)
	h.remote.body = []byte("Manufacturer,SKU\nFederal,F1\n")

	require.NoError(t, h.engine.Run(context.Background(), 1, db.TriggerScheduled))

	run := h.lastRun(t)
	assert.Equal(t, db.FeedRunFailed, run.Status)
	assert.Equal(t, db.FailureKindParse, run.FailureKind)
}

func TestEngineDuplicateRowsCollapse(t *testing.T) {
	h := newEngineHarness(t)
	h.remote.body = []byte("Name,Url,SKU\nA,https://x.example/a,S1\nA again,https://x.example/a2,S1\n")

	require.NoError(t, h.engine.Run(context.Background(), 1, db.TriggerScheduled))

	run := h.lastRun(t)
	assert.Equal(t, db.FeedRunSucceeded, run.Status)
	assert.Equal(t, 1, run.ProductsUpserted)
	assert.Equal(t, 1, run.DuplicateKeyCount)
}

func TestEngineManualFollowUpEnqueued(t *testing.T) {
	h := newEngineHarness(t)
	h.remote.body = []byte(sampleCSV)
	h.feeds.feeds[1].ManualRunPending = true

	require.NoError(t, h.engine.Run(context.Background(), 1, db.TriggerScheduled))

	assert.False(t, h.feeds.feeds[1].ManualRunPending)
	followUps := 0
	for _, j := range h.enqueuer.jobs {
		if j == "affiliate-feed-ingest/INGEST_FEED_1" {
			followUps++
		}
	}
	assert.Equal(t, 1, followUps)
}
