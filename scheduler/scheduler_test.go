package scheduler

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"ironscout.dev/feedcore/db"
)

type fakeFeeds struct {
	due []db.Feed
}

func (f *fakeFeeds) GetFeed(ctx context.Context, id uint) (*db.Feed, error) { return nil, fmt.Errorf("unused") }
func (f *fakeFeeds) GetFeedBySourceID(ctx context.Context, sourceID string) (*db.Feed, error) {
	return nil, fmt.Errorf("unused")
}
func (f *fakeFeeds) ListFeeds(ctx context.Context) ([]db.Feed, error) { return nil, nil }
func (f *fakeFeeds) ListDueFeeds(ctx context.Context, asOf time.Time) ([]db.Feed, error) {
	return f.due, nil
}
func (f *fakeFeeds) CreateFeed(ctx context.Context, feed *db.Feed) error { return nil }
func (f *fakeFeeds) UpdateFeed(ctx context.Context, feed *db.Feed) error { return nil }
func (f *fakeFeeds) SetNextRunAt(ctx context.Context, feedID uint, next time.Time) error { return nil }
func (f *fakeFeeds) SetManualRunPending(ctx context.Context, feedID uint, pending bool) error {
	return nil
}
func (f *fakeFeeds) IncrementConsecutiveFailures(ctx context.Context, feedID uint) (int, error) {
	return 0, nil
}
func (f *fakeFeeds) ResetConsecutiveFailures(ctx context.Context, feedID uint) error { return nil }

type fakeRuns struct {
	inFlight map[uint]bool
}

func (f *fakeRuns) CreateFeedRun(ctx context.Context, run *db.FeedRun) error { return nil }
func (f *fakeRuns) UpdateFeedRun(ctx context.Context, run *db.FeedRun) error { return nil }
func (f *fakeRuns) GetFeedRun(ctx context.Context, id uint) (*db.FeedRun, error) {
	return nil, fmt.Errorf("unused")
}
func (f *fakeRuns) ListRunsForFeed(ctx context.Context, feedID uint, limit int) ([]db.FeedRun, error) {
	return nil, nil
}
func (f *fakeRuns) AppendRunError(ctx context.Context, runErr *db.FeedRunError) error { return nil }
func (f *fakeRuns) ListStuckRuns(ctx context.Context, olderThan time.Time) ([]db.FeedRun, error) {
	return nil, nil
}
func (f *fakeRuns) GetInFlightRun(ctx context.Context, feedID uint) (*db.FeedRun, error) {
	if f.inFlight[feedID] {
		return &db.FeedRun{FeedID: feedID, Status: db.FeedRunRunning}, nil
	}
	return nil, nil
}
func (f *fakeRuns) GetLatestSucceededRun(ctx context.Context, feedID uint) (*db.FeedRun, error) {
	return nil, nil
}
func (f *fakeRuns) RecordSeen(ctx context.Context, runID uint, ids []uint) error { return nil }
func (f *fakeRuns) ListSeen(ctx context.Context, runID uint) ([]uint, error)     { return nil, nil }

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

type fakeEnqueuer struct {
	jobs []string
}

func (f *fakeEnqueuer) Enqueue(queueName, jobID string, payload interface{}, dedup time.Duration) (bool, error) {
	f.jobs = append(f.jobs, jobID)
	return true, nil
}

func newScheduler(due []db.Feed, inFlight map[uint]bool, settings map[string]bool) (*Scheduler, *fakeEnqueuer) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	q := &fakeEnqueuer{}
	return &Scheduler{
		Feeds:    &fakeFeeds{due: due},
		Runs:     &fakeRuns{inFlight: inFlight},
		Settings: &fakeSettings{values: settings},
		Queue:    q,
		Log:      log,
	}, q
}

func dueFeed(id uint) db.Feed {
	f := db.Feed{SourceID: fmt.Sprintf("src-%d", id), Status: db.FeedStatusEnabled}
	f.ID = id
	return f
}

func TestTickEnqueuesDueFeeds(t *testing.T) {
	s, q := newScheduler([]db.Feed{dueFeed(1), dueFeed(2)}, map[uint]bool{}, map[string]bool{})
	s.Tick(context.Background())
	assert.Equal(t, []string{"INGEST_FEED_1", "INGEST_FEED_2"}, q.jobs)
}

func TestTickSkipsInFlightFeeds(t *testing.T) {
	s, q := newScheduler([]db.Feed{dueFeed(1), dueFeed(2)}, map[uint]bool{1: true}, map[string]bool{})
	s.Tick(context.Background())
	assert.Equal(t, []string{"INGEST_FEED_2"}, q.jobs)
}

func TestTickRespectsGlobalDisableFlag(t *testing.T) {
	s, q := newScheduler([]db.Feed{dueFeed(1)}, map[uint]bool{},
		map[string]bool{db.SettingAffiliateSchedulerEnabled: false})
	s.Tick(context.Background())
	assert.Empty(t, q.jobs)
}

func TestTickRunsWhenFlagUnset(t *testing.T) {
	// An absent flag means enabled; only an explicit false pauses the
	// scheduler.
	s, q := newScheduler([]db.Feed{dueFeed(1)}, map[uint]bool{}, map[string]bool{})
	s.Tick(context.Background())
	assert.Len(t, q.jobs, 1)
}
