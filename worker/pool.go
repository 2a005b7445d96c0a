// Package worker runs the queue-bound execution harness around the
// resolver: a pool of goroutines consuming resolve jobs from Redis, with
// jobId deduplication serializing work per source product and a bounded
// retry budget for system errors.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	redisq "ironscout.dev/feedcore/queue/redis"
)

// maxAttempts bounds queue-level retries for system errors. Business
// outcomes never retry; they are results, not errors.
const maxAttempts = 3

// Queue is the subset of the Redis queue the pool drives;
// queue/redis.Queue satisfies it.
type Queue interface {
	Dequeue(queueName string, timeout time.Duration) (*redisq.Job, error)
	Enqueue(queueName, jobID string, payload interface{}, dedupWindow time.Duration) (bool, error)
	MarkProcessing(jobID string, deadline time.Time) error
	CompleteJob(jobID string) error
	FailJob(jobID string, requeue bool, queueName string, payload interface{}, retryCount int) error
}

// JobProcessor handles one dequeued job. Returning a retryableError tells
// the pool to requeue with backoff (until maxAttempts); any other error is
// terminal for the job.
type JobProcessor interface {
	Process(ctx context.Context, job *redisq.Job) error
	Timeout() time.Duration
}

// retryableError wraps an error the queue should retry.
type retryableError struct {
	err error
}

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

// Retryable marks err as safe to retry at the queue layer.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

func isRetryable(err error) bool {
	_, ok := err.(retryableError)
	return ok
}

// Pool manages a set of workers consuming one queue.
type Pool struct {
	workers []*poolWorker
	log     *logrus.Logger
}

type poolWorker struct {
	id        int
	queueName string
	queue     Queue
	processor JobProcessor
	log       *logrus.Logger
	stop      chan struct{}
	done      chan struct{}
}

// NewPool creates workerCount workers consuming queueName through
// processor.
func NewPool(q Queue, processor JobProcessor, queueName string, workerCount int, log *logrus.Logger) *Pool {
	if workerCount <= 0 {
		workerCount = 5
	}
	p := &Pool{log: log}
	for i := 0; i < workerCount; i++ {
		p.workers = append(p.workers, &poolWorker{
			id:        i,
			queueName: queueName,
			queue:     q,
			processor: processor,
			log:       log,
			stop:      make(chan struct{}),
			done:      make(chan struct{}),
		})
	}
	return p
}

// Start launches all workers.
func (p *Pool) Start() {
	p.log.WithField("workers", len(p.workers)).Info("starting worker pool")
	for _, w := range p.workers {
		go w.run()
	}
}

// Stop signals all workers and waits for each to finish its current job.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		close(w.stop)
	}
	for _, w := range p.workers {
		<-w.done
	}
	p.log.Info("worker pool stopped")
}

func (w *poolWorker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		default:
			if err := w.processNext(); err != nil {
				w.log.WithError(err).WithFields(logrus.Fields{
					"worker": w.id,
					"queue":  w.queueName,
				}).Error("worker iteration failed")
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *poolWorker) processNext() error {
	job, err := w.queue.Dequeue(w.queueName, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return nil
	}

	timeout := w.processor.Timeout()
	if err := w.queue.MarkProcessing(job.JobID, time.Now().Add(timeout)); err != nil {
		w.log.WithError(err).WithField("job_id", job.JobID).Warn("mark processing failed, requeueing")
		_, _ = w.queue.Enqueue(w.queueName, job.JobID, job.Payload, 0)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err = w.processor.Process(ctx, job)
	cancel()

	if err != nil {
		requeue := isRetryable(err) && job.RetryCount+1 < maxAttempts
		w.log.WithError(err).WithFields(logrus.Fields{
			"job_id":  job.JobID,
			"attempt": job.RetryCount + 1,
			"requeue": requeue,
		}).Error("job failed")
		if ferr := w.queue.FailJob(job.JobID, requeue, w.queueName, job.Payload, job.RetryCount); ferr != nil {
			w.log.WithError(ferr).WithField("job_id", job.JobID).Error("fail-job bookkeeping failed")
		}
		return nil
	}

	if err := w.queue.CompleteJob(job.JobID); err != nil {
		w.log.WithError(err).WithField("job_id", job.JobID).Warn("complete-job bookkeeping failed")
	}
	return nil
}
