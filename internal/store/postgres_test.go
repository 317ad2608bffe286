package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulk-job-orchestrator/internal/models"
)

func TestReusable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ttl := time.Hour
	cases := []struct {
		name string
		job  models.Job
		want bool
	}{
		{"pending", models.Job{Status: models.StatusPending}, true},
		{"processing", models.Job{Status: models.StatusProcessing}, true},
		{"recent completed", models.Job{Type: models.TypeBulkDocument, Status: models.StatusCompleted, ArtifactPath: "a.zip", UpdatedAt: now.Add(-time.Minute)}, true},
		{"old completed", models.Job{Type: models.TypeBulkDocument, Status: models.StatusCompleted, ArtifactPath: "a.zip", UpdatedAt: now.Add(-2 * time.Hour)}, false},
		{"completed without artifact", models.Job{Type: models.TypeBulkDocument, Status: models.StatusCompleted, UpdatedAt: now}, false},
		{"failed", models.Job{Status: models.StatusFailed, Error: "x", UpdatedAt: now}, false},
		{"cancelled", models.Job{Status: models.StatusCancelled, UpdatedAt: now}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Reusable(tc.job, ttl, now))
		})
	}
}

func TestMigrationsAreEmbeddedInOrder(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_jobs.sql", "002_dedupe_keys.sql"}, names)
}

func TestNewJobRecordsForceOnlyWhenDedupeIsOff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := CreateJobParams{
		Principal: "p1",
		Type:      models.TypeBulkDocument,
		Scope:     "round-1",
		Items:     []models.WorkItem{{Subject: "a", Target: "b"}},
		DedupeKey: "k1",
		Dedupe:    true,
	}
	deduped := newJob(p, now)
	assert.False(t, deduped.Meta.Force)
	assert.Equal(t, string(models.TypeBulkDocument), deduped.Label)
	assert.Equal(t, 1, deduped.Total)
	assert.Equal(t, models.StatusPending, deduped.Status)

	p.Dedupe = false
	assert.True(t, newJob(p, now).Meta.Force)
}
