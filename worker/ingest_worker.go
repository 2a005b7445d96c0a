package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ironscout.dev/feedcore/db"
	"ironscout.dev/feedcore/ingest"
	"ironscout.dev/feedcore/queue"
	redisq "ironscout.dev/feedcore/queue/redis"
)

// IngestProcessor drives the ingestion engine from the feed-ingest queue.
// One job equals one full feed run; the engine's own advisory lock is the
// guard against overlapping runs, so a duplicate delivery degrades to a
// SKIPPED run rather than a double ingest.
type IngestProcessor struct {
	Engine *ingest.Engine
	Log    *logrus.Logger

	JobTimeout time.Duration
}

// Timeout implements JobProcessor.
func (p *IngestProcessor) Timeout() time.Duration {
	if p.JobTimeout > 0 {
		return p.JobTimeout
	}
	return 30 * time.Minute
}

// Process implements JobProcessor for FeedIngestJob payloads.
func (p *IngestProcessor) Process(ctx context.Context, job *redisq.Job) error {
	var ij queue.FeedIngestJob
	if err := json.Unmarshal(job.Payload, &ij); err != nil {
		return fmt.Errorf("decode ingest job %s: %w", job.JobID, err)
	}

	trigger := db.FeedRunTrigger(ij.Trigger)
	if trigger == "" {
		trigger = db.TriggerScheduled
	}

	if err := p.Engine.Run(ctx, ij.FeedID, trigger); err != nil {
		return Retryable(fmt.Errorf("ingest feed %d: %w", ij.FeedID, err))
	}
	return nil
}
