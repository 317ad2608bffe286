package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bulk-job-orchestrator/internal/models"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrNotActive = errors.New("job is no longer active")
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, principal, type, label, scope, status, total, completed, phase, phase_progress,
	artifact_url, artifact_path, error, error_code, dedupe_key, result, meta, created_at, updated_at`

const activeStatuses = `('pending', 'processing', 'retrying')`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Principal string
	Type      models.JobType
	Label     string
	Scope     string
	Items     []models.WorkItem
	Options   map[string]string
	DedupeKey string
	// Dedupe returns a matching active job, or one completed within DedupeTTL, instead of
	// inserting a new row.
	Dedupe    bool
	DedupeTTL time.Duration
}

// CreateJob inserts a job row. The boolean reports whether an existing job was reused.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.Dedupe && p.DedupeKey != "" {
		existing, found, err := s.FindByDedupe(ctx, p.Principal, p.Type, p.Scope, p.DedupeKey, p.DedupeTTL)
		if err != nil {
			return models.Job{}, false, err
		}
		if found {
			return existing, true, nil
		}
	}
	return s.insertJob(ctx, p, false)
}

// newJob builds the row for p. Meta.Force records that the caller opted out of dedupe.
func newJob(p CreateJobParams, now time.Time) models.Job {
	job := models.Job{
		ID:        uuid.New().String(),
		Principal: p.Principal,
		Type:      p.Type,
		Label:     p.Label,
		Scope:     p.Scope,
		Status:    models.StatusPending,
		Total:     len(p.Items),
		DedupeKey: p.DedupeKey,
		Meta:      models.Meta{Items: p.Items, Options: p.Options, Force: !p.Dedupe},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if job.Label == "" {
		job.Label = string(p.Type)
	}
	return job
}

// insertJob writes the row and claims the dedupe key. With takeover set, a key held by a
// job that is no longer reusable is repointed at the new row.
func (s *Store) insertJob(ctx context.Context, p CreateJobParams, takeover bool) (models.Job, bool, error) {
	now := time.Now().UTC()
	job := newJob(p, now)
	metaJSON, err := json.Marshal(job.Meta)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal meta: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, principal, type, label, scope, status, total, dedupe_key, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, job.ID, job.Principal, job.Type, job.Label, job.Scope, job.Status, job.Total, job.DedupeKey, metaJSON, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.DedupeKey != "" {
		expires := now.Add(p.DedupeTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO dedupe_keys (principal, type, scope, dedupe_key, job_id, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (principal, type, scope, dedupe_key) DO NOTHING
		`, p.Principal, p.Type, p.Scope, p.DedupeKey, job.ID, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert dedupe key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if p.Dedupe && !takeover {
				// Someone else claimed the key after our initial check; return their job if
				// it is still reusable.
				if err := tx.Rollback(ctx); err != nil {
					return models.Job{}, false, fmt.Errorf("rollback after dedupe conflict: %w", err)
				}
				existing, found, err := s.FindByDedupe(ctx, p.Principal, p.Type, p.Scope, p.DedupeKey, p.DedupeTTL)
				if err != nil {
					return models.Job{}, false, err
				}
				if found {
					return existing, true, nil
				}
				return s.insertJob(ctx, p, true)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE dedupe_keys SET job_id = $5, expires_at = $6
				WHERE principal = $1 AND type = $2 AND scope = $3 AND dedupe_key = $4
			`, p.Principal, p.Type, p.Scope, p.DedupeKey, job.ID, expires); err != nil {
				return models.Job{}, false, fmt.Errorf("repoint dedupe key: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}
	return job, false, nil
}

// FindByDedupe returns the job mapped to the key when it is active or completed within ttl.
func (s *Store) FindByDedupe(ctx context.Context, principal string, jobType models.JobType, scope, key string, ttl time.Duration) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM dedupe_keys
		WHERE principal = $1 AND type = $2 AND scope = $3 AND dedupe_key = $4 AND expires_at > NOW()
	`, principal, jobType, scope, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query dedupe key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, Reusable(job, ttl, time.Now()), nil
}

// Reusable reports whether a dedupe hit may be handed back instead of running a new job.
func Reusable(j models.Job, ttl time.Duration, now time.Time) bool {
	switch {
	case j.Status.Active():
		return true
	case j.Status == models.StatusCompleted:
		return j.CheckTerminal() == nil && now.Sub(j.UpdatedAt) <= ttl
	default:
		return false
	}
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListJobs returns the principal's most recent jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, principal string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE principal = $1 ORDER BY created_at DESC LIMIT $2
	`, principal, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// MarkProcessing claims a pending or retrying job for a worker.
func (s *Store) MarkProcessing(ctx context.Context, id string) (models.Job, error) {
	return s.updateActive(ctx, id, `status = 'processing'`)
}

// MarkRetrying parks a job between server-side attempts.
func (s *Store) MarkRetrying(ctx context.Context, id string) (models.Job, error) {
	return s.updateActive(ctx, id, `status = 'retrying', phase = '', phase_progress = 0`)
}

// UpdateProgress records item and phase progress. Completed never moves backwards.
func (s *Store) UpdateProgress(ctx context.Context, id string, completed int, phase string, phaseProgress int) (models.Job, error) {
	return s.updateActive(ctx, id,
		`completed = LEAST(GREATEST(completed, $2), GREATEST(total, $2)), phase = $3, phase_progress = LEAST(GREATEST($4, 0), 100)`,
		completed, phase, phaseProgress)
}

// MarkCompleted stores the artifact reference and result counts.
func (s *Store) MarkCompleted(ctx context.Context, id, artifactURL, artifactPath string, result models.Result) (models.Job, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal result: %w", err)
	}
	return s.updateActive(ctx, id,
		`status = 'completed', completed = total, phase = '', phase_progress = 100, artifact_url = $2, artifact_path = $3, result = $4, error = '', error_code = ''`,
		artifactURL, artifactPath, resultJSON)
}

func (s *Store) MarkFailed(ctx context.Context, id, message, code string) (models.Job, error) {
	if message == "" {
		message = "job failed"
	}
	return s.updateActive(ctx, id, `status = 'failed', error = $2, error_code = $3`, message, code)
}

func (s *Store) MarkCancelled(ctx context.Context, id string) (models.Job, error) {
	return s.updateActive(ctx, id, `status = 'cancelled'`)
}

// DeleteJob removes a job owned by principal.
func (s *Store) DeleteJob(ctx context.Context, principal, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1 AND principal = $2`, id, principal)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete job %s: %w", id, ErrNotFound)
	}
	return nil
}

// PurgeExpiredDedupeKeys drops mappings past their expiry.
func (s *Store) PurgeExpiredDedupeKeys(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dedupe_keys WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge dedupe keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// updateActive applies set to a job that has not reached a terminal status and returns the
// updated row. Terminal rows are left alone and reported as ErrNotActive.
func (s *Store) updateActive(ctx context.Context, id, set string, args ...any) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET `+set+`, updated_at = NOW()
		WHERE id = $1 AND status IN `+activeStatuses+`
		RETURNING `+jobColumns, append([]any{id}, args...)...)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return models.Job{}, getErr
		}
		return models.Job{}, fmt.Errorf("update job %s: %w", id, ErrNotActive)
	}
	return job, err
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job        models.Job
		resultJSON []byte
		metaJSON   []byte
	)
	err := row.Scan(&job.ID, &job.Principal, &job.Type, &job.Label, &job.Scope, &job.Status,
		&job.Total, &job.Completed, &job.Phase, &job.PhaseProgress,
		&job.ArtifactURL, &job.ArtifactPath, &job.Error, &job.ErrorCode, &job.DedupeKey,
		&resultJSON, &metaJSON, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if len(resultJSON) > 0 {
		var r models.Result
		if err := json.Unmarshal(resultJSON, &r); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &r
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &job.Meta); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal meta: %w", err)
		}
	}
	return job, nil
}
