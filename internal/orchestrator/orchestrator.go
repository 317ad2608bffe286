// Package orchestrator is the caller-facing entry point: it accepts batches, tracks them in
// the job store while a tier runs them in the background, and replays jobs on retry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"bulk-job-orchestrator/internal/artifacts"
	"bulk-job-orchestrator/internal/faults"
	"bulk-job-orchestrator/internal/jobstore"
	"bulk-job-orchestrator/internal/models"
	"bulk-job-orchestrator/internal/notifier"
	"bulk-job-orchestrator/internal/telemetry"
	"bulk-job-orchestrator/internal/tiers"
)

// LocalPrefix marks artifact paths held by the local keeper rather than the server.
const LocalPrefix = "local:"

const DefaultBatchTimeout = 10 * time.Minute

var (
	ErrScopeBusy = errors.New("another job for this scope is still running")
	ErrClosed    = errors.New("orchestrator is closed")
	ErrNoItems   = errors.New("batch has no items")
)

// Runner executes a prepared batch. *tiers.Selector satisfies it.
type Runner interface {
	Prepare(b *tiers.Batch) error
	Run(ctx context.Context, b *tiers.Batch) (tiers.Artifact, error)
}

// Replayer re-runs a job from its preserved payload. The batch is already rebuilt from the
// job's meta; a replayer may adjust it before running.
type Replayer func(ctx context.Context, job models.Job, b *tiers.Batch) (tiers.Artifact, error)

// Remote is the server surface used for artifacts of server-run jobs and remote cancel.
type Remote interface {
	FetchArtifact(ctx context.Context, ref string) ([]byte, error)
	CancelJob(ctx context.Context, id string) (models.Job, error)
}

type Options struct {
	Store    *jobstore.Store
	Runner   Runner
	Keeper   artifacts.Storage
	Remote   Remote
	Notifier *notifier.Notifier
	// BatchTimeout bounds one background run, all tiers included.
	BatchTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// EnqueueOptions shape one batch. Force skips deduplication and the one-active-per-scope
// rule; the job gets a distinct dedupe key.
type EnqueueOptions struct {
	Scope      string
	Label      string
	Force      bool
	Options    map[string]string
	OnProgress func(tiers.Progress)
}

// Handle identifies an accepted batch. JobID may be a placeholder; GetJob resolves it to
// the server id once known.
type Handle struct {
	JobID     string
	DedupeKey string
}

type run struct {
	origin string
	cancel context.CancelFunc
}

type Orchestrator struct {
	store    *jobstore.Store
	runner   Runner
	keeper   artifacts.Storage
	remote   Remote
	notes    *notifier.Notifier
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	ctx      context.Context
	stop     context.CancelFunc
	unsub    func()
	wg       sync.WaitGroup
	mu       sync.Mutex
	runs     map[string]*run
	replay   map[models.JobType]Replayer
	isClosed bool
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Runner == nil {
		return nil, errors.New("orchestrator needs a store and a runner")
	}
	if opts.Keeper == nil {
		opts.Keeper = artifacts.NewLocal("", "")
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:   opts.Store,
		runner:  opts.Runner,
		keeper:  opts.Keeper,
		remote:  opts.Remote,
		notes:   opts.Notifier,
		timeout: opts.BatchTimeout,
		logger:  opts.Logger.With(slog.String("component", "orchestrator")),
		now:     opts.Now,
		ctx:     ctx,
		stop:    stop,
		runs:    make(map[string]*run),
		replay:  make(map[models.JobType]Replayer),
	}
	o.unsub = o.store.Subscribe(o.onStoreEvent)
	return o, nil
}

// EnqueueBatch records the batch and starts it in the background. It never waits for the
// batch to finish.
func (o *Orchestrator) EnqueueBatch(ctx context.Context, jobType models.JobType, items []models.WorkItem, opts EnqueueOptions) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, faults.New(faults.Aborted, "enqueue batch", err)
	}
	if len(items) == 0 {
		return Handle{}, faults.New(faults.BadRequest, "enqueue batch", ErrNoItems)
	}
	b := &tiers.Batch{
		Type:       jobType,
		Label:      opts.Label,
		Scope:      opts.Scope,
		Items:      items,
		Force:      opts.Force,
		Options:    opts.Options,
		OnProgress: opts.OnProgress,
	}
	if err := o.runner.Prepare(b); err != nil {
		return Handle{}, err
	}

	if opts.Force {
		b.DedupeKey += ":force-" + strconv.FormatInt(o.now().UnixMilli(), 36)
	} else {
		if existing, ok := o.store.FindByDedupe(jobType, opts.Scope, b.DedupeKey); ok {
			telemetry.BatchesEnqueued.WithLabelValues(string(jobType), "deduplicated").Inc()
			return Handle{JobID: existing.ID, DedupeKey: b.DedupeKey}, nil
		}
		if opts.Scope != "" {
			if active, ok := o.store.FindActive(jobType, opts.Scope); ok {
				telemetry.BatchesEnqueued.WithLabelValues(string(jobType), "scope_busy").Inc()
				return Handle{JobID: active.ID, DedupeKey: b.DedupeKey}, fmt.Errorf("%w: %s (%s)", ErrScopeBusy, opts.Scope, active.ID)
			}
		}
	}

	label := opts.Label
	if label == "" {
		label = string(jobType)
	}
	job, _ := o.store.OptimisticAdd(models.Job{
		ID:        jobstore.NewPlaceholderID(o.now()),
		Type:      jobType,
		Label:     label,
		Scope:     opts.Scope,
		Status:    models.StatusPending,
		Total:     len(b.Items),
		DedupeKey: b.DedupeKey,
		Meta:      models.Meta{Items: b.Items, Force: opts.Force, Options: opts.Options},
	})
	if err := o.launch(job.ID, job, b, o.runner.Run); err != nil {
		o.store.Remove(job.ID)
		return Handle{}, err
	}
	telemetry.BatchesEnqueued.WithLabelValues(string(jobType), "accepted").Inc()
	return Handle{JobID: job.ID, DedupeKey: b.DedupeKey}, nil
}

// GetJob returns the current snapshot, following placeholder and detached ids.
func (o *Orchestrator) GetJob(id string) (models.Job, bool) {
	return o.store.Get(id)
}

// Retry resets a failed or cancelled job and replays it from its preserved payload.
func (o *Orchestrator) Retry(id string) (models.Job, error) {
	return o.store.RequestRetry(id)
}

// Cancel stops a running batch. Server-side jobs are cancelled remotely as well.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	job, ok := o.store.Get(id)
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, jobstore.ErrNotFound)
	}
	if !job.Status.Active() {
		return nil
	}
	if r := o.runFor(job.ID); r != nil {
		r.cancel()
	} else if _, err := o.store.ApplyLocal(job.ID, func(j *models.Job) { j.Status = models.StatusCancelled }); err != nil {
		return err
	}
	if o.remote != nil && !jobstore.IsPlaceholder(job.ID) {
		if _, err := o.remote.CancelJob(ctx, job.ID); err != nil && faults.Classify(err) != faults.NotFound {
			o.logger.Warn("remote cancel failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	return nil
}

// Remove stops the job if it is running and removes it.
func (o *Orchestrator) Remove(id string) bool {
	if job, ok := o.store.Get(id); ok {
		if r := o.runFor(job.ID); r != nil {
			r.cancel()
		}
	}
	return o.store.Remove(id)
}

// Running reports whether a background run currently owns the job.
func (o *Orchestrator) Running(id string) bool {
	return o.runFor(id) != nil
}

func (o *Orchestrator) ClearCompleted() int {
	return o.store.ClearCompleted()
}

// OnNotification subscribes to lifecycle notifications.
func (o *Orchestrator) OnNotification(fn func(notifier.Notification)) (unsubscribe func()) {
	if o.notes == nil {
		return func() {}
	}
	return o.notes.Subscribe(fn)
}

// RegisterReplayer overrides how jobs of one type are replayed on retry.
func (o *Orchestrator) RegisterReplayer(jobType models.JobType, fn Replayer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if fn == nil {
		delete(o.replay, jobType)
		return
	}
	o.replay[jobType] = fn
}

// Wait blocks until the job reaches a terminal status or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (models.Job, error) {
	changed := make(chan struct{}, 1)
	unsub := o.store.Subscribe(func(jobstore.Event) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsub()
	for {
		job, ok := o.store.Get(id)
		if !ok {
			return models.Job{}, fmt.Errorf("wait %s: %w", id, jobstore.ErrNotFound)
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, faults.New(faults.Aborted, "wait", ctx.Err())
		case <-changed:
		}
	}
}

// Artifact returns the bytes of a completed job's artifact.
func (o *Orchestrator) Artifact(ctx context.Context, id string) ([]byte, error) {
	job, ok := o.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", id, jobstore.ErrNotFound)
	}
	if job.Status != models.StatusCompleted || !job.HasArtifact() {
		return nil, fmt.Errorf("artifact %s (%s): %w", id, job.Status, models.ErrMissingArtifact)
	}
	if path, ok := strings.CutPrefix(job.ArtifactPath, LocalPrefix); ok {
		return o.keeper.Get(ctx, path)
	}
	if o.remote == nil {
		return nil, errors.New("no remote configured for server artifacts")
	}
	return o.remote.FetchArtifact(ctx, job.ArtifactRef())
}

// Close cancels running batches and waits for them to settle.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.isClosed {
		o.mu.Unlock()
		return
	}
	o.isClosed = true
	o.mu.Unlock()
	o.unsub()
	o.stop()
	o.wg.Wait()
}

func (o *Orchestrator) onStoreEvent(ev jobstore.Event) {
	if ev.Kind != jobstore.EventRetryRequested {
		return
	}
	job := ev.Job.Clone()
	o.mu.Lock()
	fn, ok := o.replay[job.Type]
	o.mu.Unlock()
	if !ok {
		fn = func(ctx context.Context, _ models.Job, b *tiers.Batch) (tiers.Artifact, error) {
			return o.runner.Run(ctx, b)
		}
	}
	b := &tiers.Batch{
		Type:      job.Type,
		Label:     job.Label,
		Scope:     job.Scope,
		Items:     job.Meta.Items,
		DedupeKey: job.DedupeKey,
		Force:     job.Meta.Force,
		Options:   job.Meta.Options,
	}
	// Store listeners must not mutate the store inline.
	go func() {
		if err := o.launch(job.ID, job, b, func(ctx context.Context, b *tiers.Batch) (tiers.Artifact, error) {
			return fn(ctx, job, b)
		}); err != nil {
			o.logger.Warn("replay not started", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}()
}

func (o *Orchestrator) launch(origin string, job models.Job, b *tiers.Batch, exec func(context.Context, *tiers.Batch) (tiers.Artifact, error)) error {
	o.mu.Lock()
	if o.isClosed {
		o.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(o.ctx, o.timeout)
	r := &run{origin: origin, cancel: cancel}
	o.runs[origin] = r
	o.wg.Add(1)
	o.mu.Unlock()

	o.wire(origin, b)
	go func() {
		defer o.wg.Done()
		defer func() {
			cancel()
			o.mu.Lock()
			if o.runs[origin] == r {
				delete(o.runs, origin)
			}
			o.mu.Unlock()
		}()
		log := o.logger.With(slog.String("job_id", job.ID), slog.String("type", string(job.Type)))
		art, err := exec(ctx, b)
		o.settle(ctx, origin, art, err, log)
	}()
	return nil
}

// wire connects the batch hooks to the store so the record follows the tier that runs it.
func (o *Orchestrator) wire(origin string, b *tiers.Batch) {
	userProgress := b.OnProgress
	b.OnSubmitted = func(server models.Job) {
		cur, ok := o.store.Get(origin)
		if !ok {
			return
		}
		if _, err := o.store.Reconcile(cur.ID, server); err != nil {
			o.logger.Warn("reconcile failed", slog.String("job_id", cur.ID), slog.String("server_id", server.ID), slog.Any("error", err))
		}
	}
	b.OnFallthrough = func(from, to string) {
		cur, ok := o.store.Get(origin)
		if !ok || from != tiers.TierQueue || jobstore.IsPlaceholder(cur.ID) {
			return
		}
		if _, err := o.store.Detach(cur.ID); err != nil {
			o.logger.Warn("detach failed", slog.String("job_id", cur.ID), slog.Any("error", err))
		}
	}
	b.OnProgress = func(p tiers.Progress) {
		if userProgress != nil {
			userProgress(p)
		}
		if p.Tier == tiers.TierQueue {
			return
		}
		_, _ = o.store.ApplyLocal(origin, func(j *models.Job) {
			j.Status = models.StatusProcessing
			j.Completed = p.Done
			j.Phase = p.Tier
			j.PhaseProgress = p.Percent
		})
	}
}

func (o *Orchestrator) settle(ctx context.Context, origin string, art tiers.Artifact, runErr error, log *slog.Logger) {
	if runErr == nil && ctx.Err() != nil {
		runErr = faults.New(faults.Aborted, "settle batch", ctx.Err())
	}
	if runErr == nil {
		runErr = o.complete(ctx, origin, art)
		if runErr == nil {
			log.Info("batch completed", slog.String("tier", art.Tier))
			return
		}
	}
	if o.ctx.Err() != nil {
		// Shutdown: leave the record as is so a later run can pick it up from the server.
		log.Info("batch interrupted by shutdown")
		return
	}
	cat := faults.Classify(runErr)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cat = faults.Network
	} else if cat == faults.Aborted {
		_, _ = o.store.ApplyLocal(origin, func(j *models.Job) { j.Status = models.StatusCancelled })
		log.Info("batch cancelled")
		return
	}
	msg := faults.Message(cat)
	if cat == faults.Unknown && errors.Is(runErr, tiers.ErrExhausted) {
		msg = "No item in the batch produced output."
	}
	_, _ = o.store.ApplyLocal(origin, func(j *models.Job) {
		j.Status = models.StatusFailed
		j.Error = msg
		j.ErrorCode = string(cat)
	})
	log.Error("batch failed", slog.String("category", string(cat)), slog.Any("error", runErr))
}

// complete marks the job completed. Artifacts that exist only in memory are written to the
// local keeper first.
func (o *Orchestrator) complete(ctx context.Context, origin string, art tiers.Artifact) error {
	cur, ok := o.store.Get(origin)
	if !ok {
		return nil
	}
	path := art.Path
	if art.URL == "" && art.Path == "" && len(art.Data) > 0 {
		key, err := o.keeper.Put(context.WithoutCancel(ctx), artifacts.Key(cur.ID, art.Filename), art.Data, art.ContentType)
		if err != nil {
			return faults.New(faults.Server, "keep artifact", err)
		}
		path = LocalPrefix + key
	}
	result := art.Result
	_, err := o.store.ApplyLocal(origin, func(j *models.Job) {
		j.Status = models.StatusCompleted
		j.Completed = j.Total
		j.Phase = ""
		j.PhaseProgress = 0
		j.ArtifactURL = art.URL
		j.ArtifactPath = path
		j.Result = &result
	})
	if errors.Is(err, jobstore.ErrIllegalTransition) {
		// Cancelled or removed while the last tier finished.
		return nil
	}
	return err
}

func (o *Orchestrator) runFor(id string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.runs {
		if cur, ok := o.store.Get(r.origin); ok && cur.ID == id {
			return r
		}
	}
	return nil
}
