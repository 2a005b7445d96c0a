package sweeper

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"ironscout.dev/feedcore/db"
)

type fakeRequests struct {
	stuck []db.ProductResolveRequest

	failed  []uint
	reset   []uint
	failMsg map[uint]string
}

func (f *fakeRequests) EnqueueIfAbsent(ctx context.Context, req *db.ProductResolveRequest) (bool, error) {
	return true, nil
}
func (f *fakeRequests) ClaimForSourceProduct(ctx context.Context, id uint) ([]db.ProductResolveRequest, error) {
	return nil, nil
}
func (f *fakeRequests) MarkCompleted(ctx context.Context, id uint, pid *uint) error { return nil }
func (f *fakeRequests) MarkFailed(ctx context.Context, id uint, msg string) error {
	if f.failMsg == nil {
		f.failMsg = map[uint]string{}
	}
	f.failed = append(f.failed, id)
	f.failMsg[id] = msg
	return nil
}
func (f *fakeRequests) ListStuckRequests(ctx context.Context, olderThan time.Time, limit int) ([]db.ProductResolveRequest, error) {
	if len(f.stuck) > limit {
		return f.stuck[:limit], nil
	}
	return f.stuck, nil
}
func (f *fakeRequests) ResetToPending(ctx context.Context, id uint) error {
	f.reset = append(f.reset, id)
	return nil
}

type fakeEnqueuer struct {
	jobs   []string
	delays []time.Duration
}

func (f *fakeEnqueuer) EnqueueDelayed(queueName, jobID string, payload interface{}, delay, dedup time.Duration) (bool, error) {
	f.jobs = append(f.jobs, jobID)
	f.delays = append(f.delays, delay)
	return true, nil
}

func stuckRequest(id, sourceProductID uint, attempts int) db.ProductResolveRequest {
	req := db.ProductResolveRequest{
		SourceProductID: sourceProductID,
		Status:          db.ResolveRequestProcessing,
		Attempts:        attempts,
	}
	req.ID = id
	return req
}

func newSweeper(requests *fakeRequests, q *fakeEnqueuer) *Sweeper {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Sweeper{
		Requests:        requests,
		Queue:           q,
		Log:             log,
		StuckAfter:      5 * time.Minute,
		BatchLimit:      100,
		ResolverVersion: "v1-test",
	}
}

func TestTickRequeuesWithAttemptsLeft(t *testing.T) {
	requests := &fakeRequests{stuck: []db.ProductResolveRequest{stuckRequest(1, 10, 0)}}
	q := &fakeEnqueuer{}
	newSweeper(requests, q).Tick(context.Background())

	assert.Equal(t, []uint{1}, requests.reset)
	assert.Empty(t, requests.failed)
	assert.Equal(t, []string{"RESOLVE_SOURCE_PRODUCT_10"}, q.jobs)
	assert.Equal(t, []time.Duration{5 * time.Second}, q.delays)
}

func TestTickFailsExhaustedRequests(t *testing.T) {
	requests := &fakeRequests{stuck: []db.ProductResolveRequest{stuckRequest(2, 11, 2)}}
	q := &fakeEnqueuer{}
	newSweeper(requests, q).Tick(context.Background())

	assert.Empty(t, requests.reset)
	assert.Equal(t, []uint{2}, requests.failed)
	assert.Equal(t, "Exceeded max attempts", requests.failMsg[2])
	assert.Empty(t, q.jobs)
}

func TestTickMixedBatch(t *testing.T) {
	requests := &fakeRequests{stuck: []db.ProductResolveRequest{
		stuckRequest(1, 10, 0),
		stuckRequest(2, 11, 2),
		stuckRequest(3, 12, 1),
	}}
	q := &fakeEnqueuer{}
	newSweeper(requests, q).Tick(context.Background())

	assert.Equal(t, []uint{1, 3}, requests.reset)
	assert.Equal(t, []uint{2}, requests.failed)
	assert.Len(t, q.jobs, 2)
}

func TestStartStopSingleFlight(t *testing.T) {
	requests := &fakeRequests{}
	q := &fakeEnqueuer{}
	s := newSweeper(requests, q)
	s.Interval = 10 * time.Millisecond
	s.Start()
	time.Sleep(35 * time.Millisecond)
	s.Stop()
	// No assertion beyond clean start/stop without panic or deadlock.
}
