package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	SourceProductID uint   `json:"sourceProductId"`
	Trigger         string `json:"trigger"`
}

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewQueue(context.Background(), Config{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q, mr
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)

	enqueued, err := q.Enqueue("product-resolve", "RESOLVE_SOURCE_PRODUCT_1",
		testPayload{SourceProductID: 1, Trigger: "INGEST"}, time.Minute)
	require.NoError(t, err)
	assert.True(t, enqueued)

	job, err := q.Dequeue("product-resolve", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "RESOLVE_SOURCE_PRODUCT_1", job.JobID)
	assert.Zero(t, job.RetryCount)

	var payload testPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, uint(1), payload.SourceProductID)
	assert.Equal(t, "INGEST", payload.Trigger)
}

func TestEnqueueDeduplicatesByJobID(t *testing.T) {
	q, _ := newTestQueue(t)

	first, err := q.Enqueue("product-resolve", "RESOLVE_SOURCE_PRODUCT_1", testPayload{SourceProductID: 1}, time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := q.Enqueue("product-resolve", "RESOLVE_SOURCE_PRODUCT_1", testPayload{SourceProductID: 1}, time.Minute)
	require.NoError(t, err)
	assert.False(t, second, "same jobID within the dedup window collapses")

	other, err := q.Enqueue("product-resolve", "RESOLVE_SOURCE_PRODUCT_2", testPayload{SourceProductID: 2}, time.Minute)
	require.NoError(t, err)
	assert.True(t, other)

	depth, err := q.GetQueueDepth("product-resolve")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestCompleteJobReopensDedupWindow(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Enqueue("product-resolve", "RESOLVE_SOURCE_PRODUCT_1", testPayload{SourceProductID: 1}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.CompleteJob("RESOLVE_SOURCE_PRODUCT_1"))

	again, err := q.Enqueue("product-resolve", "RESOLVE_SOURCE_PRODUCT_1", testPayload{SourceProductID: 1}, time.Minute)
	require.NoError(t, err)
	assert.True(t, again, "a completed job's id can be enqueued again")
}

func TestDequeueTimeoutReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)
	job, err := q.Dequeue("product-resolve", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestMarkProcessingTracksJob(t *testing.T) {
	q, _ := newTestQueue(t)

	require.NoError(t, q.MarkProcessing("job-1", time.Now().Add(time.Minute)))
	processing, err := q.IsProcessing("job-1")
	require.NoError(t, err)
	assert.True(t, processing)

	require.NoError(t, q.CompleteJob("job-1"))
	processing, err = q.IsProcessing("job-1")
	require.NoError(t, err)
	assert.False(t, processing)
}

func TestEnqueueDelayedDeliversAfterDelay(t *testing.T) {
	q, _ := newTestQueue(t)

	enqueued, err := q.EnqueueDelayed("product-resolve", "RESOLVE_SOURCE_PRODUCT_1",
		testPayload{SourceProductID: 1}, 50*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.True(t, enqueued)

	// The dedup reservation is immediate even though delivery is delayed.
	dup, err := q.EnqueueDelayed("product-resolve", "RESOLVE_SOURCE_PRODUCT_1",
		testPayload{SourceProductID: 1}, 50*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.False(t, dup)

	depth, err := q.GetQueueDepth("product-resolve")
	require.NoError(t, err)
	assert.Zero(t, depth, "nothing on the queue before the delay elapses")

	job, err := q.Dequeue("product-resolve", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "RESOLVE_SOURCE_PRODUCT_1", job.JobID)
}

func TestFailJobWithoutRequeueClearsState(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Enqueue("product-resolve", "RESOLVE_SOURCE_PRODUCT_1", testPayload{SourceProductID: 1}, time.Minute)
	require.NoError(t, err)
	job, err := q.Dequeue("product-resolve", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.FailJob(job.JobID, false, "product-resolve", job.Payload, job.RetryCount))

	depth, err := q.GetQueueDepth("product-resolve")
	require.NoError(t, err)
	assert.Zero(t, depth)

	processing, err := q.IsProcessing(job.JobID)
	require.NoError(t, err)
	assert.False(t, processing)
}
