// Package worker leases job ids from the dispatch queue and runs the handler registered for
// each job type, writing every state change to Postgres and the push channel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bulk-job-orchestrator/internal/config"
	"bulk-job-orchestrator/internal/faults"
	"bulk-job-orchestrator/internal/models"
	"bulk-job-orchestrator/internal/store"
	"bulk-job-orchestrator/internal/telemetry"
)

// Progress records completed items and the current phase. A non-nil error means the job is
// no longer active and the handler should stop.
type Progress func(completed int, phase string, phaseProgress int) error

// Outcome is what a handler produced for a finished job.
type Outcome struct {
	ArtifactURL  string
	ArtifactPath string
	Result       models.Result
}

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job models.Job, report Progress) (Outcome, error)

// Registry maps job types to handlers.
type Registry map[models.JobType]Handler

// Generate runs the registered handler outside the queue, for synchronous bulk calls.
func (r Registry) Generate(ctx context.Context, jobType models.JobType, label string, req models.BulkRequest) (models.BulkResponse, error) {
	h, ok := r[jobType]
	if !ok {
		return models.BulkResponse{}, faults.New(faults.BadRequest, "bulk generate", fmt.Errorf("no handler registered for type %q", jobType))
	}
	job := models.Job{
		ID:     "bulk-" + uuid.NewString(),
		Type:   jobType,
		Label:  label,
		Scope:  req.Scope,
		Status: models.StatusProcessing,
		Total:  len(req.Items),
		Meta:   models.Meta{Items: req.Items, Options: req.Options},
	}
	out, err := h(ctx, job, nil)
	if err != nil {
		return models.BulkResponse{}, err
	}
	return models.BulkResponse{ArtifactURL: out.ArtifactURL, ArtifactPath: out.ArtifactPath, Result: out.Result}, nil
}

// JobRepository is the slice of the Postgres store the processor writes through.
type JobRepository interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkProcessing(ctx context.Context, id string) (models.Job, error)
	MarkRetrying(ctx context.Context, id string) (models.Job, error)
	UpdateProgress(ctx context.Context, id string, completed int, phase string, phaseProgress int) (models.Job, error)
	MarkCompleted(ctx context.Context, id, artifactURL, artifactPath string, result models.Result) (models.Job, error)
	MarkFailed(ctx context.Context, id, message, code string) (models.Job, error)
}

// Queue is the dispatch side of queue.RedisQueue.
type Queue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	RecordAttempt(ctx context.Context, jobID string) (int, error)
	RetryAfter(ctx context.Context, jobID string, delay time.Duration) error
	Ack(ctx context.Context, jobID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	InFlight(ctx context.Context) (int64, error)
}

// ChangePublisher emits row changes on the push channel.
type ChangePublisher interface {
	Publish(ctx context.Context, principal string, change models.Change) error
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    Queue
	store    JobRepository
	changes  ChangePublisher
	handlers Registry
	logger   *slog.Logger
}

func NewProcessor(cfg config.Config, q Queue, st JobRepository, changes ChangePublisher, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 2 * time.Minute
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		changes:  changes,
		handlers: make(Registry),
		logger:   logger,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType models.JobType, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Handlers returns the registered handlers.
func (p *Processor) Handlers() Registry {
	return p.handlers
}

// Run starts the reaper and WorkerConcurrency processing loops until ctx ends.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.reap(ctx) })
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		g.Go(func() error { return p.loop(ctx) })
	}
	return g.Wait()
}

func (p *Processor) loop(ctx context.Context) error {
	for {
		worked, err := p.ProcessOne(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			p.logger.Warn("process job", slog.Any("error", err))
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// reap returns expired leases to their lanes and refreshes the queue gauges.
func (p *Processor) reap(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err != nil {
			p.logger.Warn("requeue expired leases", slog.Any("error", err))
		} else if len(reclaimed) > 0 {
			p.logger.Info("requeued expired leases", slog.Int("count", len(reclaimed)))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		if n, err := p.queue.InFlight(ctx); err == nil {
			telemetry.InFlightGauge.Set(float64(n))
		}
	}
}

// ProcessOne leases and runs at most one job. It reports whether a job id was leased.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if jobID == "" {
		return false, nil
	}

	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return true, p.queue.Ack(ctx, jobID)
	}
	if err != nil {
		return true, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return true, p.queue.Ack(ctx, jobID)
	}

	attempt, err := p.queue.RecordAttempt(ctx, jobID)
	if err != nil {
		return true, fmt.Errorf("record attempt %s: %w", jobID, err)
	}
	job, err = p.store.MarkProcessing(ctx, jobID)
	if errors.Is(err, store.ErrNotActive) {
		return true, p.queue.Ack(ctx, jobID)
	}
	if err != nil {
		return true, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	p.publish(ctx, job)
	logger := p.logger.With(slog.String("job_id", job.ID), slog.String("type", string(job.Type)), slog.Int("attempt", attempt))

	out, err := p.runJob(ctx, job)
	switch {
	case err == nil:
		done, markErr := p.store.MarkCompleted(ctx, job.ID, out.ArtifactURL, out.ArtifactPath, out.Result)
		if markErr != nil && !errors.Is(markErr, store.ErrNotActive) {
			return true, fmt.Errorf("complete job %s: %w", job.ID, markErr)
		}
		_ = p.queue.Ack(ctx, job.ID)
		if markErr == nil {
			p.publish(ctx, done)
			telemetry.WorkerSuccess.Inc()
			logger.Info("job completed", slog.Int("succeeded", out.Result.Succeeded), slog.Int("failed", out.Result.Failed))
		}
		return true, nil

	case errors.Is(err, store.ErrNotActive):
		logger.Info("job left active state while running")
		return true, p.queue.Ack(ctx, job.ID)

	case ctx.Err() != nil:
		// The lease expires and the job is picked up again.
		return true, ctx.Err()

	case faults.Transient(err) && attempt < p.cfg.MaxAttempts:
		delay := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempt)
		retrying, markErr := p.store.MarkRetrying(ctx, job.ID)
		if markErr == nil {
			p.publish(ctx, retrying)
		}
		if err := p.queue.RetryAfter(ctx, job.ID, delay); err != nil {
			return true, fmt.Errorf("schedule retry %s: %w", job.ID, err)
		}
		telemetry.WorkerFailures.Inc()
		logger.Warn("job attempt failed, retrying", slog.Duration("delay", delay), slog.String("category", string(faults.Classify(err))), slog.Any("error", err))
		return true, nil
	}

	failed, markErr := p.store.MarkFailed(ctx, job.ID, err.Error(), string(faults.Classify(err)))
	_ = p.queue.Ack(ctx, job.ID)
	if markErr == nil {
		p.publish(ctx, failed)
	}
	telemetry.WorkerFailures.Inc()
	logger.Error("job failed", slog.String("category", string(faults.Classify(err))), slog.Any("error", err))
	return true, nil
}

// runJob executes the handler for job.Type and writes back progress as it reports it.
func (p *Processor) runJob(ctx context.Context, job models.Job) (Outcome, error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return Outcome{}, faults.New(faults.BadRequest, "run job", fmt.Errorf("no handler registered for type %q", job.Type))
	}
	report := func(completed int, phase string, phaseProgress int) error {
		updated, err := p.store.UpdateProgress(ctx, job.ID, completed, phase, phaseProgress)
		if err != nil {
			if errors.Is(err, store.ErrNotActive) {
				return err
			}
			p.logger.Warn("record progress", slog.String("job_id", job.ID), slog.Any("error", err))
			return nil
		}
		p.publish(ctx, updated)
		_ = p.queue.ExtendLease(ctx, job.ID, p.cfg.VisibilityTimeout)
		return nil
	}
	return handler(ctx, job, report)
}

func (p *Processor) publish(ctx context.Context, job models.Job) {
	if p.changes == nil {
		return
	}
	if err := p.changes.Publish(ctx, job.Principal, models.Change{Op: models.ChangeUpdate, Record: job}); err != nil {
		p.logger.Warn("publish change", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
