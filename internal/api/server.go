package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"bulk-job-orchestrator/internal/artifacts"
	"bulk-job-orchestrator/internal/config"
	"bulk-job-orchestrator/internal/faults"
	"bulk-job-orchestrator/internal/models"
	"bulk-job-orchestrator/internal/ratelimit"
	"bulk-job-orchestrator/internal/render"
	"bulk-job-orchestrator/internal/store"
	"bulk-job-orchestrator/internal/telemetry"
)

// JobStore is the Postgres surface the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, principal string, limit int) ([]models.Job, error)
	MarkCancelled(ctx context.Context, id string) (models.Job, error)
	MarkFailed(ctx context.Context, id, message, code string) (models.Job, error)
	DeleteJob(ctx context.Context, principal, id string) error
}

// Dispatcher is the producer side of the Redis queue.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID, lane string) error
	Nudge(ctx context.Context, jobID, lane string) (bool, error)
	Cancel(ctx context.Context, jobID string) error
}

type Limiter interface {
	Allow(ctx context.Context, principal string) (ratelimit.Decision, error)
}

type ChangePublisher interface {
	Publish(ctx context.Context, principal string, change models.Change) error
}

type ItemRenderer interface {
	Render(ctx context.Context, jobType models.JobType, item models.WorkItem) ([]byte, error)
}

// BulkGenerator runs a whole batch synchronously.
type BulkGenerator interface {
	Generate(ctx context.Context, jobType models.JobType, label string, req models.BulkRequest) (models.BulkResponse, error)
}

// Deps collects the collaborators behind the routes. Limiter and Changes are optional.
type Deps struct {
	Store     JobStore
	Queue     Dispatcher
	Limiter   Limiter
	Changes   ChangePublisher
	Renderer  ItemRenderer
	Bulk      BulkGenerator
	Artifacts artifacts.Storage
	Logger    *slog.Logger
}

// Server wires HTTP handlers for the job API.
type Server struct {
	deps      Deps
	ttl       time.Duration
	dedupeTTL time.Duration
	now       func() time.Time
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ttl := cfg.SignedURLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Server{deps: deps, ttl: ttl, dedupeTTL: cfg.DedupeTTL, now: time.Now}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGetJob)
		r.Delete("/{id}", s.handleDelete)
		r.Post("/{id}/process", s.handleNudge)
		r.Post("/{id}/cancel", s.handleCancel)
	})
	r.Post("/bulk/{type}", s.handleBulk)
	r.Post("/render/{type}", s.handleRender)
	r.Get("/artifacts", s.handleArtifact)
	r.Post("/artifacts/sign", s.handleSign)
	return r
}

type submitResponse struct {
	Job    models.Job `json:"job"`
	Reused bool       `json:"reused"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !knownType(req.Type) {
		http.Error(w, "unknown job type", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, "items are required", http.StatusBadRequest)
		return
	}
	principal := principalFromRequest(r)
	if !s.allow(w, r, principal) {
		return
	}

	job, reused, err := s.deps.Store.CreateJob(r.Context(), store.CreateJobParams{
		Principal: principal,
		Type:      req.Type,
		Label:     req.Label,
		Scope:     req.Scope,
		Items:     req.Items,
		Options:   req.Options,
		DedupeKey: req.DedupeKey,
		Dedupe:    req.Dedupe,
		DedupeTTL: s.dedupeTTL,
	})
	if err != nil {
		s.deps.Logger.Error("create job", slog.String("principal", principal), slog.Any("error", err))
		http.Error(w, "create job failed", http.StatusInternalServerError)
		return
	}
	if reused {
		telemetry.DedupeHits.Inc()
		writeJSON(w, http.StatusOK, submitResponse{Job: job, Reused: true})
		return
	}

	if err := s.deps.Queue.Enqueue(r.Context(), job.ID, string(job.Type)); err != nil {
		if failed, markErr := s.deps.Store.MarkFailed(r.Context(), job.ID, "enqueue failed", string(faults.Server)); markErr == nil {
			s.publish(r.Context(), models.ChangeUpdate, failed)
		}
		s.deps.Logger.Error("enqueue job", slog.String("job_id", job.ID), slog.Any("error", err))
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.Inc()
	s.publish(r.Context(), models.ChangeInsert, job)
	writeJSON(w, http.StatusAccepted, submitResponse{Job: job})
}

type listResponse struct {
	Jobs []models.Job `json:"jobs"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.deps.Store.ListJobs(r.Context(), principalFromRequest(r), limit)
	if err != nil {
		http.Error(w, "list jobs failed", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, listResponse{Jobs: jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	principal := principalFromRequest(r)
	if err := s.deps.Queue.Cancel(r.Context(), id); err != nil {
		http.Error(w, "failed to cancel queue item", http.StatusInternalServerError)
		return
	}
	if err := s.deps.Store.DeleteJob(r.Context(), principal, id); err != nil {
		s.writeError(w, err)
		return
	}
	s.publish(r.Context(), models.ChangeDelete, models.Job{ID: id, Principal: principal})
	w.WriteHeader(http.StatusNoContent)
}

type nudgeResponse struct {
	Pushed bool `json:"pushed"`
}

func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if !job.Status.Active() {
		http.Error(w, "job is not active", http.StatusConflict)
		return
	}
	pushed, err := s.deps.Queue.Nudge(r.Context(), job.ID, string(job.Type))
	if err != nil {
		http.Error(w, "nudge failed", http.StatusInternalServerError)
		return
	}
	if pushed {
		s.deps.Logger.Info("job nudged back onto its lane", slog.String("job_id", job.ID))
	}
	writeJSON(w, http.StatusOK, nudgeResponse{Pushed: pushed})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if err := s.deps.Queue.Cancel(r.Context(), job.ID); err != nil {
		http.Error(w, "failed to cancel queue item", http.StatusInternalServerError)
		return
	}
	cancelled, err := s.deps.Store.MarkCancelled(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.publish(r.Context(), models.ChangeUpdate, cancelled)
	writeJSON(w, http.StatusOK, cancelled)
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	jobType := models.JobType(chi.URLParam(r, "type"))
	if !knownType(jobType) {
		http.Error(w, "unknown job type", http.StatusNotFound)
		return
	}
	var req models.BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, "items are required", http.StatusBadRequest)
		return
	}
	if !s.allow(w, r, principalFromRequest(r)) {
		return
	}
	resp, err := s.deps.Bulk.Generate(r.Context(), jobType, r.URL.Query().Get("label"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var item models.WorkItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	out, err := s.deps.Renderer.Render(r.Context(), models.JobType(chi.URLParam(r, "type")), item)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := q.Get("ref")
	if ref == "" {
		http.Error(w, "ref is required", http.StatusBadRequest)
		return
	}
	if artifacts.Expired(q.Get("expires"), s.now()) {
		http.Error(w, "link expired", http.StatusGone)
		return
	}
	data, err := s.deps.Artifacts.Get(r.Context(), ref)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentTypeFor(ref))
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(ref)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req models.SignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	url, err := s.deps.Artifacts.SignedURL(r.Context(), req.Path, s.ttl)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.SignResponse{URL: url})
}

// ownedJob loads the job named in the path. Jobs of other principals are reported missing.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	job, err := s.deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return models.Job{}, false
	}
	if job.Principal != principalFromRequest(r) {
		http.Error(w, store.ErrNotFound.Error(), http.StatusNotFound)
		return models.Job{}, false
	}
	return job, true
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, principal string) bool {
	if s.deps.Limiter == nil {
		return true
	}
	d, err := s.deps.Limiter.Allow(r.Context(), principal)
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		if d.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		}
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) publish(ctx context.Context, op models.ChangeOp, job models.Job) {
	if s.deps.Changes == nil {
		return
	}
	if err := s.deps.Changes.Publish(ctx, job.Principal, models.Change{Op: op, Record: job}); err != nil {
		s.deps.Logger.Warn("publish change", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.deps.Logger.Error("request failed", slog.Any("error", err))
	}
	http.Error(w, err.Error(), code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, artifacts.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, artifacts.ErrInvalidPath), errors.Is(err, render.ErrInvalidItem), errors.Is(err, render.ErrUnknownType):
		return http.StatusBadRequest
	}
	switch faults.Classify(err) {
	case faults.BadRequest:
		return http.StatusBadRequest
	case faults.NotFound:
		return http.StatusNotFound
	case faults.Forbidden:
		return http.StatusForbidden
	case faults.Aborted:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func knownType(t models.JobType) bool {
	return t == models.TypeBulkDocument || t == models.TypeBulkMessage
}

func contentTypeFor(ref string) string {
	switch path.Ext(ref) {
	case ".zip":
		return "application/zip"
	case ".ndjson":
		return "application/x-ndjson"
	case ".txt":
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}

func principalFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Principal"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
