package tiers

import (
	"context"
	"fmt"

	"github.com/samber/mo"

	"bulk-job-orchestrator/internal/models"
	"bulk-job-orchestrator/internal/poller"
)

const TierQueue = "job_queue"

// Submitter is the job submission service plus artifact fetch.
type Submitter interface {
	Submit(ctx context.Context, req models.SubmitRequest) (models.Job, error)
	FetchArtifact(ctx context.Context, ref string) ([]byte, error)
}

// Watcher follows a server job to a terminal state.
type Watcher interface {
	Poll(ctx context.Context, w poller.Watch) (models.Job, error)
}

// QueueTier submits the batch to the server job queue with deduplication and waits for it.
type QueueTier struct {
	submitter Submitter
	watcher   Watcher
}

func NewQueueTier(s Submitter, w Watcher) *QueueTier {
	return &QueueTier{submitter: s, watcher: w}
}

func (t *QueueTier) Name() string { return TierQueue }

func (t *QueueTier) Attempt(ctx context.Context, b *Batch) (mo.Option[Artifact], error) {
	none := mo.None[Artifact]()
	job, err := t.submitter.Submit(ctx, models.SubmitRequest{
		Type:      b.Type,
		Label:     b.Label,
		Scope:     b.Scope,
		Items:     b.Items,
		DedupeKey: b.DedupeKey,
		Dedupe:    !b.Force,
		Options:   b.Options,
	})
	if err != nil {
		return none, fmt.Errorf("submit batch: %w", err)
	}
	if b.OnSubmitted != nil {
		b.OnSubmitted(job)
	}

	if !job.Status.Terminal() {
		job, err = t.watcher.Poll(ctx, poller.Watch{
			JobID:      job.ID,
			Type:       b.Type,
			Scope:      b.Scope,
			DedupeKey:  b.DedupeKey,
			ExtendOnce: true,
		})
		if err != nil {
			return none, err
		}
	}
	if job.Status != models.StatusCompleted {
		return none, fmt.Errorf("job %s ended %s: %s", job.ID, job.Status, job.Error)
	}

	art := Artifact{JobID: job.ID, URL: job.ArtifactURL, Path: job.ArtifactPath}
	if job.Result != nil {
		art.Result = *job.Result
	}
	if !b.Type.ProducesArtifact() {
		return mo.Some(art), nil
	}
	if !job.HasArtifact() {
		return none, fmt.Errorf("job %s: %w", job.ID, models.ErrMissingArtifact)
	}
	data, err := t.submitter.FetchArtifact(ctx, job.ArtifactRef())
	if err != nil {
		return none, fmt.Errorf("fetch artifact %s: %w", job.ArtifactRef(), err)
	}
	art.Data = data
	art.ContentType, art.Filename = Describe(b.Type, b.Label)
	return mo.Some(art), nil
}
