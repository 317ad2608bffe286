// Package tiers turns a batch of work items into one merged artifact by trying an ordered
// list of execution strategies: the server job queue, the legacy bulk endpoint and a local
// per-item merge. A tier that yields nothing hands over to the next one.
package tiers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/mo"

	"bulk-job-orchestrator/internal/faults"
	"bulk-job-orchestrator/internal/hasher"
	"bulk-job-orchestrator/internal/models"
	"bulk-job-orchestrator/internal/telemetry"
)

// ErrExhausted is returned when no tier produced an artifact.
var ErrExhausted = errors.New("no execution tier produced an artifact")

// Artifact is the merged output of a batch. Message batches carry a delivery report as Data
// and may have no stored reference.
type Artifact struct {
	Data        []byte
	ContentType string
	Filename    string
	URL         string
	Path        string
	JobID       string
	Tier        string
	Result      models.Result
}

// Progress is reported by tiers that can observe per-item completion.
type Progress struct {
	Tier    string
	Done    int
	Total   int
	Percent int
}

// Batch is the unit handed to every tier. Hooks are optional.
type Batch struct {
	Type      models.JobType
	Label     string
	Scope     string
	Items     []models.WorkItem
	DedupeKey string
	Force     bool
	Options   map[string]string

	// OnProgress receives per-item progress.
	OnProgress func(Progress)
	// OnSubmitted receives the server record once the queue accepted the batch.
	OnSubmitted func(models.Job)
	// OnFallthrough runs when a tier yielded nothing and the next one is about to start.
	OnFallthrough func(from, to string)
}

func (b *Batch) progress(tier string, done int) {
	if b.OnProgress == nil {
		return
	}
	total := len(b.Items)
	pct := 100
	if total > 0 {
		pct = done * 100 / total
	}
	b.OnProgress(Progress{Tier: tier, Done: done, Total: total, Percent: pct})
}

// Strategy is one execution tier. Attempt returns None when the tier does not apply or
// produced nothing usable; an error explains why.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, b *Batch) (mo.Option[Artifact], error)
}

type Selector struct {
	tiers  []Strategy
	hasher *hasher.Hasher
	logger *slog.Logger
}

func NewSelector(h *hasher.Hasher, logger *slog.Logger, tiers ...Strategy) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	if h == nil {
		h = hasher.New(logger)
	}
	return &Selector{tiers: tiers, hasher: h, logger: logger.With(slog.String("component", "tiers"))}
}

// Prepare deduplicates the items and fills in the content hash when the caller has none.
func (s *Selector) Prepare(b *Batch) error {
	b.Items = models.UniqueItems(b.Items)
	if b.DedupeKey != "" {
		return nil
	}
	key, err := s.hasher.Hash(b.Items)
	if err != nil {
		return fmt.Errorf("hash batch: %w", err)
	}
	b.DedupeKey = key
	return nil
}

// Run tries each tier in order and returns the first artifact. Failures are classified
// for logging only; cancellation stops the walk.
func (s *Selector) Run(ctx context.Context, b *Batch) (Artifact, error) {
	if err := s.Prepare(b); err != nil {
		return Artifact{}, err
	}
	var lastErr error
	for i, tier := range s.tiers {
		if err := ctx.Err(); err != nil {
			return Artifact{}, faults.New(faults.Aborted, "run batch", err)
		}
		if i > 0 && b.OnFallthrough != nil {
			b.OnFallthrough(s.tiers[i-1].Name(), tier.Name())
		}
		log := s.logger.With(slog.String("tier", tier.Name()), slog.String("dedupe_key", b.DedupeKey))

		out, err := tier.Attempt(ctx, b)
		if cerr := ctx.Err(); cerr != nil {
			// A result that lands after cancellation is discarded.
			telemetry.TierAttempts.WithLabelValues(tier.Name(), string(faults.Aborted)).Inc()
			return Artifact{}, faults.New(faults.Aborted, "run batch", cerr)
		}
		if art, ok := out.Get(); ok && err == nil {
			art.Tier = tier.Name()
			telemetry.TierAttempts.WithLabelValues(tier.Name(), "artifact").Inc()
			log.Info("tier produced artifact", slog.Int("items", len(b.Items)))
			return art, nil
		}
		if err != nil {
			cat := faults.Classify(err)
			telemetry.TierAttempts.WithLabelValues(tier.Name(), string(cat)).Inc()
			if cat == faults.Aborted {
				return Artifact{}, err
			}
			log.Warn("tier failed, falling through", slog.String("category", string(cat)), slog.Any("error", err))
			lastErr = err
			continue
		}
		telemetry.TierAttempts.WithLabelValues(tier.Name(), "skipped").Inc()
		log.Debug("tier yielded nothing")
	}
	if lastErr != nil {
		return Artifact{}, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
	}
	return Artifact{}, ErrExhausted
}
