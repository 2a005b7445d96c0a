// Package scheduler decides when feeds run: a ticker that finds enabled
// feeds past their nextRunAt, skips any with a run already in flight, and
// enqueues one ingest job per due feed.
package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"ironscout.dev/feedcore/db"
	"ironscout.dev/feedcore/db/repository"
	"ironscout.dev/feedcore/queue"
)

// JobEnqueuer is the queue surface the scheduler publishes through;
// queue/redis.Queue satisfies it.
type JobEnqueuer interface {
	Enqueue(queueName, jobID string, payload interface{}, dedupWindow time.Duration) (bool, error)
}

// Scheduler ticks every Interval and enqueues ingest jobs for due feeds.
type Scheduler struct {
	Feeds    repository.FeedRepository
	Runs     repository.FeedRunRepository
	Settings repository.SettingRepository
	Queue    JobEnqueuer
	Log      *logrus.Logger

	Interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// Start launches the ticker loop.
func (s *Scheduler) Start() {
	if s.Interval <= 0 {
		s.Interval = 30 * time.Second
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
				s.Tick(context.Background())
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop ends the ticker loop.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// Tick performs one scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled, found, err := s.Settings.GetSetting(ctx, db.SettingAffiliateSchedulerEnabled)
	if err != nil {
		s.Log.WithError(err).Error("scheduler: read enable flag failed")
		return
	}
	if found && !enabled {
		return
	}

	due, err := s.Feeds.ListDueFeeds(ctx, time.Now())
	if err != nil {
		s.Log.WithError(err).Error("scheduler: list due feeds failed")
		return
	}

	for _, feed := range due {
		inFlight, err := s.Runs.GetInFlightRun(ctx, feed.ID)
		if err != nil {
			s.Log.WithError(err).WithField("feed_id", feed.ID).Error("scheduler: in-flight check failed")
			continue
		}
		if inFlight != nil {
			continue
		}

		job := queue.FeedIngestJob{FeedID: feed.ID, Trigger: string(db.TriggerScheduled)}
		enqueued, err := s.Queue.Enqueue(queue.QueueAffiliateFeedIngest, job.JobID(), job, time.Minute)
		if err != nil {
			s.Log.WithError(err).WithField("feed_id", feed.ID).Error("scheduler: enqueue failed")
			continue
		}
		if enqueued {
			s.Log.WithFields(logrus.Fields{
				"feed_id":   feed.ID,
				"source_id": feed.SourceID,
			}).Info("scheduled feed ingest")
		}
	}
}
