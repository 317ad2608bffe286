// Package poller watches one server job at a fixed interval until it reaches a terminal
// state or a hard deadline passes. Watch state is persisted so a restarted process can pick
// the same job up again instead of resubmitting the batch.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bulk-job-orchestrator/internal/clientstate"
	"bulk-job-orchestrator/internal/faults"
	"bulk-job-orchestrator/internal/models"
	"bulk-job-orchestrator/internal/telemetry"
)

const (
	DefaultInterval   = 1500 * time.Millisecond
	DefaultDeadline   = 60 * time.Second
	DefaultRetryDelay = time.Second
	DefaultNudgeAfter = 10 * time.Second
)

var (
	ErrDeadlineExceeded = errors.New("job did not finish before the poll deadline")
	ErrStale            = errors.New("job no longer exists on the server")
	ErrJobFailed        = errors.New("job failed")
	ErrJobCancelled     = errors.New("job was cancelled")
	ErrNothingToResume  = errors.New("no saved poll state")
)

// Fetcher reads the authoritative job record.
type Fetcher interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
}

// Nudger asks the backend to pick a job up. Calling it twice is harmless.
type Nudger interface {
	Nudge(ctx context.Context, id string) error
}

// Store is the part of the job store the poller keeps current.
type Store interface {
	ApplyRemote(change models.Change) bool
	Get(id string) (models.Job, bool)
}

// ResumeStore persists watch state outside the process.
type ResumeStore interface {
	Save(ctx context.Context, st clientstate.ResumeState) error
	Load(ctx context.Context, scope string) (clientstate.ResumeState, bool, error)
	Clear(ctx context.Context, scope string) error
}

type Options struct {
	Interval   time.Duration
	Deadline   time.Duration
	RetryDelay time.Duration
	NudgeAfter time.Duration
	Nudger     Nudger
	Resume     ResumeStore
	// Warn receives a user-facing message when the very first fetch fails.
	Warn   func(jobID, message string)
	Logger *slog.Logger
	Now    func() time.Time
}

type Poller struct {
	fetcher Fetcher
	store   Store
	opts    Options
	logger  *slog.Logger
}

// Watch names the job to follow.
type Watch struct {
	JobID     string
	Type      models.JobType
	Scope     string
	DedupeKey string
	StartedAt time.Time
	// Deadline is measured from StartedAt. Zero means the poller default.
	Deadline time.Duration
	// ExtendOnce grants a second deadline window when the job made progress in the first.
	ExtendOnce bool
	// ExpireOnTimeout marks the stored job failed with code "expired" when the watch gives up.
	ExpireOnTimeout bool
}

func New(fetcher Fetcher, store Store, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	} else if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.NudgeAfter <= 0 {
		opts.NudgeAfter = DefaultNudgeAfter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Poller{fetcher: fetcher, store: store, opts: opts, logger: opts.Logger.With(slog.String("component", "poller"))}
}

// Poll blocks until the job is terminal, the deadline passes or ctx ends. A completed job is
// returned with a nil error; failed and cancelled jobs are returned with ErrJobFailed or
// ErrJobCancelled. Cancelling ctx keeps the saved watch so Resume can continue it.
func (p *Poller) Poll(ctx context.Context, w Watch) (models.Job, error) {
	if w.StartedAt.IsZero() {
		w.StartedAt = p.opts.Now()
	}
	if w.Deadline <= 0 {
		w.Deadline = p.opts.Deadline
	}
	p.save(ctx, w)

	log := p.logger.With(slog.String("job_id", w.JobID))
	deadline := w.StartedAt.Add(w.Deadline)
	extended := false
	nudged := false
	lastCompleted, lastPhase := 0, ""
	lastProgress := w.StartedAt
	progressed := false

	for attempt := 0; ; attempt++ {
		delay := p.opts.Interval
		job, err := p.fetcher.GetJob(ctx, w.JobID)
		switch {
		case err != nil && ctx.Err() != nil:
			telemetry.PollOutcomes.WithLabelValues("aborted").Inc()
			return models.Job{}, faults.New(faults.Aborted, "poll", ctx.Err())
		case err != nil:
			cat := faults.Classify(err)
			if cat == faults.NotFound {
				p.expire(w, "job no longer exists on the server")
				telemetry.PollOutcomes.WithLabelValues("stale").Inc()
				return p.snapshot(w.JobID, models.Job{}), fmt.Errorf("poll %s: %w", w.JobID, ErrStale)
			}
			if attempt == 0 && p.opts.Warn != nil {
				p.opts.Warn(w.JobID, faults.Message(cat))
			}
			if !faults.Transient(err) {
				p.clear(w)
				telemetry.PollOutcomes.WithLabelValues("error").Inc()
				return models.Job{}, fmt.Errorf("poll %s: %w", w.JobID, err)
			}
			log.Warn("poll fetch failed, retrying", slog.String("category", string(cat)), slog.Any("error", err))
			delay += p.opts.RetryDelay
		default:
			if job.Type == "" {
				job.Type = w.Type
			}
			if job.Scope == "" {
				job.Scope = w.Scope
			}
			if job.DedupeKey == "" {
				job.DedupeKey = w.DedupeKey
			}
			p.store.ApplyRemote(models.Change{Op: models.ChangeUpdate, Record: job})
			if job.Status.Terminal() {
				p.clear(w)
				return p.finish(w.JobID, job)
			}
			now := p.opts.Now()
			if job.Completed > lastCompleted || job.Phase != lastPhase {
				progressed = true
				lastProgress = now
				lastCompleted, lastPhase = job.Completed, job.Phase
			}
			if !nudged && p.opts.Nudger != nil && job.Completed == 0 && now.Sub(lastProgress) >= p.opts.NudgeAfter {
				nudged = true
				if err := p.opts.Nudger.Nudge(ctx, w.JobID); err != nil {
					log.Warn("nudge failed", slog.Any("error", err))
				} else {
					log.Info("nudged idle job")
				}
			}
		}

		if !p.opts.Now().Before(deadline) {
			if w.ExtendOnce && !extended && progressed {
				extended = true
				deadline = deadline.Add(w.Deadline)
				log.Info("extending poll deadline", slog.Time("deadline", deadline))
			} else {
				p.expire(w, "job did not finish in time")
				telemetry.PollOutcomes.WithLabelValues("expired").Inc()
				return p.snapshot(w.JobID, job), fmt.Errorf("poll %s: %w", w.JobID, ErrDeadlineExceeded)
			}
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			telemetry.PollOutcomes.WithLabelValues("aborted").Inc()
			return models.Job{}, faults.New(faults.Aborted, "poll", ctx.Err())
		case <-t.C:
		}
	}
}

// Resume continues a watch saved for scope by an earlier process.
func (p *Poller) Resume(ctx context.Context, scope string) (models.Job, error) {
	if p.opts.Resume == nil {
		return models.Job{}, ErrNothingToResume
	}
	st, ok, err := p.opts.Resume.Load(ctx, scope)
	if err != nil {
		return models.Job{}, fmt.Errorf("load poll state %s: %w", scope, err)
	}
	if !ok {
		return models.Job{}, fmt.Errorf("resume %s: %w", scope, ErrNothingToResume)
	}
	p.logger.Info("resuming poll", slog.String("scope", scope), slog.String("job_id", st.JobID))
	return p.Poll(ctx, Watch{
		JobID:           st.JobID,
		Type:            st.Type,
		Scope:           st.Scope,
		DedupeKey:       st.DedupeKey,
		StartedAt:       st.StartedAt,
		Deadline:        st.Deadline,
		ExpireOnTimeout: true,
	})
}

func (p *Poller) finish(id string, fetched models.Job) (models.Job, error) {
	job := p.snapshot(id, fetched)
	switch job.Status {
	case models.StatusCompleted:
		telemetry.PollOutcomes.WithLabelValues("completed").Inc()
		return job, nil
	case models.StatusCancelled:
		telemetry.PollOutcomes.WithLabelValues("cancelled").Inc()
		return job, fmt.Errorf("poll %s: %w", id, ErrJobCancelled)
	default:
		telemetry.PollOutcomes.WithLabelValues("failed").Inc()
		if job.ErrorCode == models.ErrorCodeMissingArtifact {
			return job, fmt.Errorf("poll %s: %w", id, models.ErrMissingArtifact)
		}
		return job, fmt.Errorf("poll %s: %s: %w", id, job.Error, ErrJobFailed)
	}
}

// snapshot prefers the store's merged view over the raw fetch.
func (p *Poller) snapshot(id string, fetched models.Job) models.Job {
	if j, ok := p.store.Get(id); ok {
		return j
	}
	return fetched
}

func (p *Poller) expire(w Watch, reason string) {
	p.clear(w)
	if !w.ExpireOnTimeout {
		return
	}
	p.store.ApplyRemote(models.Change{Op: models.ChangeUpdate, Record: models.Job{
		ID:        w.JobID,
		Type:      w.Type,
		Scope:     w.Scope,
		DedupeKey: w.DedupeKey,
		Status:    models.StatusFailed,
		Error:     reason,
		ErrorCode: models.ErrorCodeExpired,
		UpdatedAt: p.opts.Now(),
	}})
}

func (p *Poller) save(ctx context.Context, w Watch) {
	if p.opts.Resume == nil || w.Scope == "" {
		return
	}
	err := p.opts.Resume.Save(ctx, clientstate.ResumeState{
		Scope:     w.Scope,
		JobID:     w.JobID,
		Type:      w.Type,
		DedupeKey: w.DedupeKey,
		StartedAt: w.StartedAt,
		Deadline:  w.Deadline,
	})
	if err != nil {
		p.logger.Warn("saving poll state failed", slog.String("scope", w.Scope), slog.Any("error", err))
	}
}

func (p *Poller) clear(w Watch) {
	if p.opts.Resume == nil || w.Scope == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.opts.Resume.Clear(ctx, w.Scope); err != nil {
		p.logger.Warn("clearing poll state failed", slog.String("scope", w.Scope), slog.Any("error", err))
	}
}
