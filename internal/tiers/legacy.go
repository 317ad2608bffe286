package tiers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/mo"

	"bulk-job-orchestrator/internal/faults"
	"bulk-job-orchestrator/internal/models"
)

const (
	TierLegacyBulk = "legacy_bulk"

	DefaultLargeBatch  = 25
	DefaultBulkBackoff = 750 * time.Millisecond
	DefaultBulkTimeout = 2 * time.Minute
)

// BulkGenerator is the synchronous bulk endpoint.
type BulkGenerator interface {
	BulkGenerate(ctx context.Context, jobType models.JobType, req models.BulkRequest) (models.BulkResponse, error)
	FetchArtifact(ctx context.Context, ref string) ([]byte, error)
}

type LegacyOptions struct {
	// LargeBatch is the item count the batch must exceed for this tier to run.
	LargeBatch int
	Backoff    time.Duration
	Timeout    time.Duration
	Logger     *slog.Logger
}

// LegacyBulkTier calls the bulk endpoint for large batches with one bounded retry. The call
// is not tied to the caller's cancellation: when the caller gives up, the request finishes
// in the background and its result is dropped.
type LegacyBulkTier struct {
	gen  BulkGenerator
	opts LegacyOptions
}

func NewLegacyBulkTier(gen BulkGenerator, opts LegacyOptions) *LegacyBulkTier {
	if opts.LargeBatch <= 0 {
		opts.LargeBatch = DefaultLargeBatch
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBulkBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBulkTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LegacyBulkTier{gen: gen, opts: opts}
}

func (t *LegacyBulkTier) Name() string { return TierLegacyBulk }

type bulkResult struct {
	art Artifact
	err error
}

func (t *LegacyBulkTier) Attempt(ctx context.Context, b *Batch) (mo.Option[Artifact], error) {
	none := mo.None[Artifact]()
	if len(b.Items) <= t.opts.LargeBatch {
		return none, nil
	}

	done := make(chan bulkResult, 1)
	go func() {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.opts.Timeout)
		defer cancel()
		art, err := t.call(bctx, b)
		done <- bulkResult{art: art, err: err}
	}()

	select {
	case <-ctx.Done():
		t.opts.Logger.Info("bulk call abandoned, result will be discarded", slog.String("dedupe_key", b.DedupeKey))
		return none, faults.New(faults.Aborted, "bulk generate", ctx.Err())
	case r := <-done:
		if ctx.Err() != nil {
			return none, faults.New(faults.Aborted, "bulk generate", ctx.Err())
		}
		if r.err != nil {
			return none, r.err
		}
		return mo.Some(r.art), nil
	}
}

func (t *LegacyBulkTier) call(ctx context.Context, b *Batch) (Artifact, error) {
	req := models.BulkRequest{Scope: b.Scope, Items: b.Items, Options: b.Options}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(t.opts.Backoff), 1), ctx)
	resp, err := backoff.RetryWithData(func() (models.BulkResponse, error) {
		resp, err := t.gen.BulkGenerate(ctx, b.Type, req)
		if err != nil && !faults.Transient(err) {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	}, policy)
	if err != nil {
		return Artifact{}, fmt.Errorf("bulk generate: %w", err)
	}

	art := Artifact{URL: resp.ArtifactURL, Path: resp.ArtifactPath, Result: resp.Result}
	if !b.Type.ProducesArtifact() {
		return art, nil
	}
	if resp.Ref() == "" {
		return Artifact{}, fmt.Errorf("bulk generate: %w", models.ErrMissingArtifact)
	}
	data, err := t.gen.FetchArtifact(ctx, resp.Ref())
	if err != nil {
		return Artifact{}, fmt.Errorf("fetch bulk artifact %s: %w", resp.Ref(), err)
	}
	art.Data = data
	art.ContentType, art.Filename = Describe(b.Type, b.Label)
	return art, nil
}
