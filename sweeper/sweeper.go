// Package sweeper recovers resolver requests stuck in PROCESSING: rows
// whose worker died between claiming and completing. Each tick either
// sends a request around again (attempts bumped, trigger RECONCILE) or
// fails it once its attempt budget is spent.
package sweeper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"ironscout.dev/feedcore/db/repository"
	"ironscout.dev/feedcore/queue"
	"ironscout.dev/feedcore/runlog"
)

const (
	maxAttempts    = 3
	requeueDelay   = 5 * time.Second
	exceededReason = "Exceeded max attempts"
)

// JobEnqueuer is the queue surface the sweeper re-enqueues through;
// queue/redis.Queue satisfies it.
type JobEnqueuer interface {
	EnqueueDelayed(queueName, jobID string, payload interface{}, delay, dedupWindow time.Duration) (bool, error)
}

// Sweeper periodically reclaims stuck resolve requests and prunes expired
// run logs.
type Sweeper struct {
	Requests repository.ResolveRequestRepository
	Queue    JobEnqueuer
	Log      *logrus.Logger

	Interval   time.Duration
	StuckAfter time.Duration
	BatchLimit int

	ResolverVersion string
	LogDir          string
	LogRetention    time.Duration

	running bool
	stop    chan struct{}
	done    chan struct{}
}

// Start launches the ticker loop. Ticks are single-flight: a tick that
// finds the previous one still running is skipped.
func (s *Sweeper) Start() {
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	if s.StuckAfter <= 0 {
		s.StuckAfter = 5 * time.Minute
	}
	if s.BatchLimit <= 0 {
		s.BatchLimit = 100
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if s.running {
					s.Log.Debug("sweeper tick skipped, previous still running")
					continue
				}
				s.running = true
				s.Tick(context.Background())
				s.running = false
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop ends the ticker loop and waits for a running tick to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// Tick performs one sweep pass.
func (s *Sweeper) Tick(ctx context.Context) {
	cutoff := time.Now().Add(-s.StuckAfter)
	stuck, err := s.Requests.ListStuckRequests(ctx, cutoff, s.BatchLimit)
	if err != nil {
		s.Log.WithError(err).Error("sweeper: list stuck requests failed")
		return
	}

	failed, requeued := 0, 0
	for _, req := range stuck {
		if req.Attempts+1 >= maxAttempts {
			if err := s.Requests.MarkFailed(ctx, req.ID, exceededReason); err != nil {
				s.Log.WithError(err).WithField("request_id", req.ID).Error("sweeper: mark failed failed")
				continue
			}
			failed++
			continue
		}

		if err := s.Requests.ResetToPending(ctx, req.ID); err != nil {
			s.Log.WithError(err).WithField("request_id", req.ID).Error("sweeper: reset to pending failed")
			continue
		}
		job := queue.ResolveJob{
			SourceProductID: req.SourceProductID,
			Trigger:         queue.TriggerReconcile,
			ResolverVersion: s.ResolverVersion,
		}
		if _, err := s.Queue.EnqueueDelayed(queue.QueueProductResolve, job.JobID(), job, requeueDelay, 0); err != nil {
			s.Log.WithError(err).WithField("source_product_id", req.SourceProductID).Error("sweeper: re-enqueue failed")
			continue
		}
		requeued++
	}

	if len(stuck) > 0 {
		s.Log.WithFields(logrus.Fields{
			"stuck":    len(stuck),
			"requeued": requeued,
			"failed":   failed,
		}).Info("sweeper reclaimed stuck resolve requests")
	}

	if s.LogDir != "" {
		retention := s.LogRetention
		if retention <= 0 {
			retention = runlog.DefaultRetention
		}
		runlog.Sweep(s.LogDir, retention, s.Log)
	}
}
