package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulk-job-orchestrator/internal/clientstate"
	"bulk-job-orchestrator/internal/config"
	"bulk-job-orchestrator/internal/models"
)

// jobServer answers the listing with listed and single-job reads with the job as completed.
func jobServer(t *testing.T, listed ...models.Job) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/jobs":
			_ = json.NewEncoder(w).Encode(map[string]any{"jobs": listed})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/jobs/"):
			id := strings.TrimPrefix(r.URL.Path, "/jobs/")
			_ = json.NewEncoder(w).Encode(models.Job{ID: id, Type: models.TypeBulkDocument, Status: models.StatusCompleted, Total: 2, Completed: 2, ArtifactPath: "jobs/" + id + "/out.zip"})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, mr *miniredis.Miniredis, apiURL string) config.Config {
	t.Helper()
	cfg := config.FromEnv()
	cfg.RedisAddr = mr.Addr()
	cfg.APIBaseURL = apiURL
	cfg.Principal = "tester"
	cfg.ArtifactDir = t.TempDir()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollDeadline = 5 * time.Second
	return cfg
}

func eventuallyCompleted(t *testing.T, a *App, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, ok := a.Store.Get(id)
		return ok && job.Status == models.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSweepResyncsFromServerListing(t *testing.T) {
	mr := miniredis.RunT(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/jobs" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "tester", r.Header.Get("X-Principal"))
		_ = json.NewEncoder(w).Encode(map[string]any{"jobs": []models.Job{{
			ID:     "srv-9",
			Type:   models.TypeBulkDocument,
			Scope:  "round-1",
			Status: models.StatusProcessing,
			Total:  3,
		}}})
	}))
	t.Cleanup(srv.Close)

	cfg := config.FromEnv()
	cfg.RedisAddr = mr.Addr()
	cfg.APIBaseURL = srv.URL
	cfg.Principal = "tester"
	cfg.ArtifactDir = t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)

	a.Sweep(ctx)
	job, ok := a.Store.Get("srv-9")
	require.True(t, ok)
	assert.Equal(t, "round-1", job.Scope)

	a.Close()
	assert.True(t, mr.Exists("bulkjobs:v1:tester:jobs"))
}

func TestNewRejectsBadSweepSchedule(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.FromEnv()
	cfg.RedisAddr = mr.Addr()
	cfg.SweepSchedule = "every now and then"
	cfg.ArtifactDir = t.TempDir()

	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestRestoredActiveJobIsPolled(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clientstate.NewJobCache(rdb, "tester", time.Hour, nil).SaveJobs(ctx, []models.Job{{
		ID:        "srv-5",
		Type:      models.TypeBulkDocument,
		Scope:     "round-2",
		Status:    models.StatusProcessing,
		Total:     2,
		CreatedAt: time.Now(),
	}}))

	a, err := New(ctx, testConfig(t, mr, jobServer(t).URL), nil)
	require.NoError(t, err)
	defer a.Close()

	eventuallyCompleted(t, a, "srv-5")
}

func TestSweepPollsWhenPushIsStale(t *testing.T) {
	mr := miniredis.RunT(t)
	srv := jobServer(t, models.Job{ID: "srv-6", Type: models.TypeBulkDocument, Scope: "round-4", Status: models.StatusProcessing, Total: 2})
	cfg := testConfig(t, mr, srv.URL)
	cfg.PushStaleAfter = time.Nanosecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	time.Sleep(5 * time.Millisecond)
	a.Sweep(ctx)
	eventuallyCompleted(t, a, "srv-6")
}
