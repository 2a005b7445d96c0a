// Package redis provides a Redis-based job queue implementation.
// This package offers distributed queue operations with blocking dequeue,
// processing tracking, and jobId-keyed deduplication so concurrent
// enqueues for the same logical unit of work (the same sourceProductId or
// feedId) collapse onto a single queue entry.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue handles job queue operations using Redis
type Queue struct {
	client *redis.Client
	ctx    context.Context
	prefix string // Key prefix for queue keys (e.g., "feedcore:")
}

// Job represents one unit of queued work. Payload carries the caller's
// domain job (queue.ResolveJob, queue.FeedIngestJob, queue.EmbeddingJob)
// marshaled to JSON; the queue itself is payload-agnostic.
type Job struct {
	JobID      string          `json:"jobId"`
	QueueName  string          `json:"queueName"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
}

// Config configures the Redis queue
type Config struct {
	RedisURL  string // Redis URL (defaults to FEEDCORE_REDIS_URL or redis://localhost:6379/0)
	KeyPrefix string // Key prefix for queue keys (defaults to "feedcore:")
	// DedupWindow is not read by the queue: each Enqueue/EnqueueDelayed call
	// passes its own window (0 means 10 minutes), and Complete/Fail clear a
	// jobId early on terminal outcomes.
	DedupWindow time.Duration
}

// NewQueue creates a new Redis queue client
func NewQueue(ctx context.Context, config Config) (*Queue, error) {
	redisURL := config.RedisURL
	if redisURL == "" {
		redisURL = os.Getenv("FEEDCORE_REDIS_URL")
	}
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "feedcore:"
	}

	return &Queue{
		client: client,
		ctx:    ctx,
		prefix: prefix,
	}, nil
}

// Close closes the Redis connection
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) dedupKey(jobID string) string {
	return fmt.Sprintf("%sdedup:%s", q.prefix, jobID)
}

// Enqueue publishes payload to queueName under jobID, marshaling payload to
// JSON. If jobID is already pending or in flight (within dedupWindow),
// Enqueue is a no-op and returns enqueued=false, collapsing concurrent
// enqueues for the same unit of work onto one queue entry.
func (q *Queue) Enqueue(queueName, jobID string, payload interface{}, dedupWindow time.Duration) (enqueued bool, err error) {
	return q.enqueue(queueName, jobID, payload, dedupWindow, 0)
}

// EnqueueDelayed reserves jobID immediately (so further enqueues within
// dedupWindow collapse) but pushes the job onto the queue only after
// delay. This is the debounce used for per-row resolve jobs and for the
// sweeper's spaced re-enqueues.
func (q *Queue) EnqueueDelayed(queueName, jobID string, payload interface{}, delay, dedupWindow time.Duration) (enqueued bool, err error) {
	if delay <= 0 {
		return q.enqueue(queueName, jobID, payload, dedupWindow, 0)
	}
	if dedupWindow <= 0 {
		dedupWindow = 10 * time.Minute
	}

	ok, err := q.client.SetNX(q.ctx, q.dedupKey(jobID), "1", dedupWindow).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check for job %s: %w", jobID, err)
	}
	if !ok {
		return false, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		q.client.Del(q.ctx, q.dedupKey(jobID))
		return false, fmt.Errorf("marshal payload for job %s: %w", jobID, err)
	}

	time.AfterFunc(delay, func() {
		job := Job{
			JobID:      jobID,
			QueueName:  queueName,
			Payload:    body,
			EnqueuedAt: time.Now(),
		}
		jobJSON, merr := json.Marshal(job)
		if merr != nil {
			return
		}
		queueKey := fmt.Sprintf("%s%s", q.prefix, queueName)
		q.client.RPush(q.ctx, queueKey, string(jobJSON))
	})
	return true, nil
}

func (q *Queue) enqueue(queueName, jobID string, payload interface{}, dedupWindow time.Duration, retryCount int) (enqueued bool, err error) {
	if dedupWindow <= 0 {
		dedupWindow = 10 * time.Minute
	}

	ok, err := q.client.SetNX(q.ctx, q.dedupKey(jobID), "1", dedupWindow).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check for job %s: %w", jobID, err)
	}
	if !ok {
		return false, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload for job %s: %w", jobID, err)
	}

	job := Job{
		JobID:      jobID,
		QueueName:  queueName,
		Payload:    body,
		EnqueuedAt: time.Now(),
		RetryCount: retryCount,
	}
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal envelope for job %s: %w", jobID, err)
	}

	queueKey := fmt.Sprintf("%s%s", q.prefix, queueName)
	if err := q.client.RPush(q.ctx, queueKey, string(jobJSON)).Err(); err != nil {
		q.client.Del(q.ctx, q.dedupKey(jobID))
		return false, fmt.Errorf("push job %s: %w", jobID, err)
	}
	return true, nil
}

// Dequeue removes and returns the next job from a queue (blocking)
func (q *Queue) Dequeue(queueName string, timeout time.Duration) (*Job, error) {
	queueKey := fmt.Sprintf("%s%s", q.prefix, queueName)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := q.client.BLPop(ctx, timeout, queueKey).Result()
	if err == redis.Nil {
		return nil, nil // Timeout, no job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) < 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// MarkProcessing adds a job to the processing set with a deadline
func (q *Queue) MarkProcessing(jobID string, deadline time.Time) error {
	processingKey := fmt.Sprintf("%sprocessing", q.prefix)
	return q.client.ZAdd(q.ctx, processingKey, redis.Z{
		Score:  float64(deadline.Unix()),
		Member: jobID,
	}).Err()
}

// CompleteJob removes a job from the processing set and clears its dedup
// key, allowing a later enqueue for the same jobID.
func (q *Queue) CompleteJob(jobID string) error {
	processingKey := fmt.Sprintf("%sprocessing", q.prefix)
	q.client.Del(q.ctx, q.dedupKey(jobID))
	return q.client.ZRem(q.ctx, processingKey, jobID).Err()
}

// FailJob marks a job as failed and, if requeue is true, re-enqueues it
// with an incremented retry count under a fresh dedup window.
func (q *Queue) FailJob(jobID string, requeue bool, queueName string, payload interface{}, retryCount int) error {
	if err := q.CompleteJob(jobID); err != nil {
		return err
	}

	if requeue {
		backoff := time.Duration(1<<retryCount) * 5 * time.Second
		time.AfterFunc(backoff, func() {
			q.enqueue(queueName, jobID, payload, 0, retryCount+1)
		})
	}

	return nil
}

// GetQueueDepth returns the number of jobs in a queue
func (q *Queue) GetQueueDepth(queueName string) (int, error) {
	queueKey := fmt.Sprintf("%s%s", q.prefix, queueName)
	depth, err := q.client.LLen(q.ctx, queueKey).Result()
	if err != nil {
		return 0, err
	}
	return int(depth), nil
}

// IsProcessing checks if a job is currently being processed
func (q *Queue) IsProcessing(jobID string) (bool, error) {
	processingKey := fmt.Sprintf("%sprocessing", q.prefix)
	score, err := q.client.ZScore(q.ctx, processingKey, jobID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return score > 0, nil
}
