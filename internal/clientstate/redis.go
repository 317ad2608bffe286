// Package clientstate persists the client's bounded job cache and poll-resume state in Redis
// under versioned, principal-namespaced keys. Values written by an incompatible version are
// deleted on read and treated as absent.
package clientstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"bulk-job-orchestrator/internal/models"
)

// Version is bumped whenever the persisted shapes change incompatibly.
const Version = 1

const namespace = "bulkjobs"

type envelope struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

type base struct {
	client    *redis.Client
	principal string
	logger    *slog.Logger
}

func (b base) key(parts ...string) string {
	k := fmt.Sprintf("%s:v%d:%s", namespace, Version, b.principal)
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (b base) write(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	raw, err := json.Marshal(envelope{Version: Version, Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", key, err)
	}
	return b.client.Set(ctx, key, raw, ttl).Err()
}

// read decodes key into v. It returns false when the key is missing or was discarded.
func (b base) read(ctx context.Context, key string, v any) (bool, error) {
	raw, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Version != Version {
		b.logger.Warn("discarding incompatible client state",
			slog.String("key", key),
			slog.Int("version", env.Version))
		return false, b.client.Del(ctx, key).Err()
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		b.logger.Warn("discarding undecodable client state", slog.String("key", key), slog.Any("error", err))
		return false, b.client.Del(ctx, key).Err()
	}
	return true, nil
}

// JobCache stores the job store snapshot.
type JobCache struct {
	base
	ttl time.Duration
}

func NewJobCache(client *redis.Client, principal string, ttl time.Duration, logger *slog.Logger) *JobCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobCache{base: base{client: client, principal: principal, logger: logger}, ttl: ttl}
}

func (c *JobCache) LoadJobs(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	if _, err := c.read(ctx, c.key("jobs"), &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *JobCache) SaveJobs(ctx context.Context, jobs []models.Job) error {
	return c.write(ctx, c.key("jobs"), jobs, c.ttl)
}

// ResumeState is what a poll loop needs to pick up the same job after a restart.
type ResumeState struct {
	Scope     string         `json:"scope"`
	JobID     string         `json:"job_id"`
	Type      models.JobType `json:"type"`
	DedupeKey string         `json:"dedupe_key"`
	StartedAt time.Time      `json:"started_at"`
	Deadline  time.Duration  `json:"deadline"`
}

// ResumeStore keeps one ResumeState per scope.
type ResumeStore struct {
	base
}

func NewResumeStore(client *redis.Client, principal string, logger *slog.Logger) *ResumeStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResumeStore{base: base{client: client, principal: principal, logger: logger}}
}

func (r *ResumeStore) Save(ctx context.Context, st ResumeState) error {
	ttl := 2 * st.Deadline
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return r.write(ctx, r.key("poll", st.Scope), st, ttl)
}

func (r *ResumeStore) Load(ctx context.Context, scope string) (ResumeState, bool, error) {
	var st ResumeState
	ok, err := r.read(ctx, r.key("poll", scope), &st)
	return st, ok, err
}

func (r *ResumeStore) Clear(ctx context.Context, scope string) error {
	return r.client.Del(ctx, r.key("poll", scope)).Err()
}
