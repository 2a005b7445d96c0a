package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ironscout.dev/feedcore/db"
	"ironscout.dev/feedcore/db/repository"
	"ironscout.dev/feedcore/metrics"
	"ironscout.dev/feedcore/queue"
	redisq "ironscout.dev/feedcore/queue/redis"
	"ironscout.dev/feedcore/resolver"
	"ironscout.dev/feedcore/runlog"
)

// Resolving is the resolver surface the worker drives; *resolver.Resolver
// satisfies it.
type Resolving interface {
	Resolve(ctx context.Context, sourceProductID uint, trigger db.ResolveTrigger) (resolver.Result, error)
}

// ResolverProcessor executes one resolve job end to end: claim the pending
// request rows, invoke the resolver, persist the decision, complete the
// request, and optionally emit an embedding job.
type ResolverProcessor struct {
	Resolver Resolving

	Links    repository.ProductLinkRepository
	Sources  repository.SourceProductRepository
	Requests repository.ResolveRequestRepository
	Settings repository.SettingRepository

	Embeddings queue.EmbeddingPublisher
	Metrics    *metrics.Metrics
	Log        *logrus.Logger

	LogDir     string
	JobTimeout time.Duration
}

// Timeout implements JobProcessor.
func (p *ResolverProcessor) Timeout() time.Duration {
	if p.JobTimeout > 0 {
		return p.JobTimeout
	}
	return 2 * time.Minute
}

// Process implements JobProcessor for ResolveJob payloads.
func (p *ResolverProcessor) Process(ctx context.Context, job *redisq.Job) error {
	var rj queue.ResolveJob
	if err := json.Unmarshal(job.Payload, &rj); err != nil {
		// A payload that cannot decode will never decode; don't retry.
		return fmt.Errorf("decode resolve job %s: %w", job.JobID, err)
	}

	rl, lerr := runlog.OpenResolverRun(p.LogDir, rj.AffiliateFeedRunID, time.Now())
	if lerr != nil {
		p.Log.WithError(lerr).Warn("resolver run log unavailable")
	}
	defer rl.Close()
	rl.Printf("resolve start source_product=%d trigger=%s attempt=%d", rj.SourceProductID, rj.Trigger, job.RetryCount+1)

	claimed, err := p.Requests.ClaimForSourceProduct(ctx, rj.SourceProductID)
	if err != nil {
		return Retryable(fmt.Errorf("claim resolve requests for %d: %w", rj.SourceProductID, err))
	}

	started := time.Now()
	result, err := p.Resolver.Resolve(ctx, rj.SourceProductID, db.ResolveTrigger(rj.Trigger))
	if err != nil {
		p.Metrics.ResolverFailures.WithLabelValues(string(db.SourceKindUnknown), string(db.ReasonSystemError)).Inc()
		rl.Printf("resolve error source_product=%d: %v", rj.SourceProductID, err)
		p.failRequestsOnFinalAttempt(ctx, claimed, job.RetryCount, err)
		return Retryable(err)
	}

	p.Metrics.ObserveResolve(result.SourceKind, string(result.Status), time.Since(started))
	p.observeOutcome(result)
	rl.Printf("resolve done source_product=%d status=%s match=%s reason=%s skipped=%v",
		rj.SourceProductID, result.Status, result.MatchType, result.ReasonCode, result.Skipped)

	if !result.Skipped && result.ReasonCode != db.ReasonSourceNotFound {
		link := &db.ProductLink{
			SourceProductID: rj.SourceProductID,
			ProductID:       result.ProductID,
			MatchType:       result.MatchType,
			Status:          result.Status,
			ReasonCode:      result.ReasonCode,
			Confidence:      result.Confidence,
			ResolverVersion: result.ResolverVersion,
			Evidence:        resolver.MarshalEvidence(&result.Evidence),
			ResolvedAt:      time.Now(),
		}
		if link.MatchType == "" {
			link.MatchType = db.MatchTypeNone
		}
		if err := p.Links.UpsertLink(ctx, link); err != nil {
			p.failRequestsOnFinalAttempt(ctx, claimed, job.RetryCount, err)
			return Retryable(fmt.Errorf("persist link for %d: %w", rj.SourceProductID, err))
		}
		if err := p.Sources.UpdateNormalizedHash(ctx, rj.SourceProductID, result.Evidence.InputHash); err != nil {
			p.Log.WithError(err).WithField("source_product_id", rj.SourceProductID).Warn("normalized hash update failed")
		}
	}

	for _, req := range claimed {
		if err := p.Requests.MarkCompleted(ctx, req.ID, result.ProductID); err != nil {
			p.Log.WithError(err).WithField("request_id", req.ID).Warn("mark completed failed")
		}
	}

	p.maybeEnqueueEmbedding(ctx, result)
	return nil
}

// failRequestsOnFinalAttempt marks the claimed requests FAILED when the
// queue will not retry again; otherwise they stay PROCESSING for the
// sweeper to recover if the retry also dies.
func (p *ResolverProcessor) failRequestsOnFinalAttempt(ctx context.Context, claimed []db.ProductResolveRequest, retryCount int, cause error) {
	if retryCount+1 < maxAttempts {
		return
	}
	for _, req := range claimed {
		if err := p.Requests.MarkFailed(ctx, req.ID, cause.Error()); err != nil {
			p.Log.WithError(err).WithField("request_id", req.ID).Warn("mark failed failed")
		}
	}
}

func (p *ResolverProcessor) observeOutcome(result resolver.Result) {
	path := metrics.PathNone
	outcome := string(result.Status)
	switch {
	case result.Skipped:
		path = metrics.PathSkipped
	case result.MatchType == db.MatchTypeUPC:
		path = metrics.PathUPC
	case result.MatchType == db.MatchTypeFingerprint && result.Evidence.InputNormalized.IdentityKey != "":
		path = metrics.PathIdentityKey
	case result.MatchType == db.MatchTypeFingerprint:
		path = metrics.PathFuzzy
	}
	p.Metrics.ResolverMatchPath.WithLabelValues(path, outcome).Inc()

	if result.Status == db.LinkError {
		p.Metrics.ResolverFailures.WithLabelValues(result.SourceKind, string(result.ReasonCode)).Inc()
	}
	if result.ReasonCode == db.ReasonInsufficientData {
		in := result.Evidence.InputNormalized
		if in.BrandNorm == "" {
			p.Metrics.ResolverMissingFields.WithLabelValues("brand").Inc()
		}
		if in.CaliberNorm == "" {
			p.Metrics.ResolverMissingFields.WithLabelValues("caliber").Inc()
		}
	}
}

// maybeEnqueueEmbedding emits one embedding job after a MATCHED/CREATED
// decision when auto-embedding is on. Failures are logged and swallowed;
// embedding generation is downstream of resolution, never a reason to
// fail it.
func (p *ResolverProcessor) maybeEnqueueEmbedding(ctx context.Context, result resolver.Result) {
	if result.Skipped || (result.Status != db.LinkMatched && result.Status != db.LinkCreated) {
		return
	}
	if result.ProductID == nil || p.Embeddings == nil {
		return
	}
	enabled, found, err := p.Settings.GetSetting(ctx, db.SettingAutoEmbeddingEnabled)
	if err != nil || (found && !enabled) {
		return
	}
	if err := p.Embeddings.PublishEmbeddingJob(queue.EmbeddingJob{ProductID: *result.ProductID}); err != nil {
		p.Log.WithError(err).WithField("product_id", *result.ProductID).Warn("embedding enqueue failed")
	}
}
