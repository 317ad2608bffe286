package tiers

import (
	"context"
	"log/slog"

	"github.com/samber/mo"

	"bulk-job-orchestrator/internal/artifactcache"
	"bulk-job-orchestrator/internal/faults"
	"bulk-job-orchestrator/internal/hasher"
	"bulk-job-orchestrator/internal/models"
)

const TierLocalMerge = "local_merge"

// ItemGenerator produces the artifact for one work item.
type ItemGenerator interface {
	Render(ctx context.Context, jobType models.JobType, item models.WorkItem) ([]byte, error)
}

// LocalMergeTier generates every item on its own, consulting the artifact cache first, and
// merges the outputs. A failed item is logged and left out.
type LocalMergeTier struct {
	gen    ItemGenerator
	cache  *artifactcache.Cache
	hasher *hasher.Hasher
	logger *slog.Logger
}

func NewLocalMergeTier(gen ItemGenerator, cache *artifactcache.Cache, h *hasher.Hasher, logger *slog.Logger) *LocalMergeTier {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = artifactcache.New(artifactcache.DefaultEntries)
	}
	if h == nil {
		h = hasher.New(logger)
	}
	return &LocalMergeTier{gen: gen, cache: cache, hasher: h, logger: logger}
}

func (t *LocalMergeTier) Name() string { return TierLocalMerge }

func (t *LocalMergeTier) Attempt(ctx context.Context, b *Batch) (mo.Option[Artifact], error) {
	none := mo.None[Artifact]()
	m := NewMerger(b.Type)
	var result models.Result

	for i, item := range b.Items {
		if err := ctx.Err(); err != nil {
			return none, faults.New(faults.Aborted, "local merge", err)
		}
		key, err := t.hasher.ItemKey(b.Type, item)
		if err != nil {
			key = string(b.Type) + ":" + item.Key()
		}
		data, _, err := t.cache.GetOrGenerate(ctx, key, func(ctx context.Context) ([]byte, error) {
			return t.gen.Render(ctx, b.Type, item)
		})
		if err == nil {
			err = m.Add(i, item, data)
		}
		switch {
		case err != nil && ctx.Err() != nil:
			return none, faults.New(faults.Aborted, "local merge", ctx.Err())
		case err != nil:
			result.Failed++
			t.logger.Error("item generation failed, skipping",
				slog.Int("index", i),
				slog.String("subject", item.Subject),
				slog.String("target", item.Target),
				slog.String("category", string(faults.Classify(err))),
				slog.Any("error", err))
		default:
			result.Succeeded++
		}
		b.progress(t.Name(), i+1)
	}

	if result.Succeeded == 0 {
		return none, nil
	}
	data, err := m.Close()
	if err != nil {
		return none, err
	}
	b.progress(t.Name(), len(b.Items))
	ct, name := Describe(b.Type, b.Label)
	return mo.Some(Artifact{Data: data, ContentType: ct, Filename: name, Result: result}), nil
}
