package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusRetrying, true},
		{StatusRetrying, StatusPending, true},
		{StatusPending, StatusFailed, true},
		{StatusCompleted, StatusProcessing, false},
		{StatusFailed, StatusPending, false},
		{StatusCancelled, StatusCompleted, false},
		{StatusCompleted, StatusCompleted, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestUniqueItemsDropsDuplicatesAndSorts(t *testing.T) {
	items := []WorkItem{
		{Subject: "B", Target: "x"},
		{Subject: "A", Target: "y"},
		{Subject: "A", Target: "y", Attributes: map[string]any{"copy": 2}},
		{Subject: "A", Target: "x"},
	}
	got := UniqueItems(items)
	assert.Len(t, got, 3)
	assert.Equal(t, "A", got[0].Subject)
	assert.Equal(t, "x", got[0].Target)
	assert.Equal(t, "y", got[1].Target)
	assert.Nil(t, got[1].Attributes)
	assert.Equal(t, "B", got[2].Subject)
}

func TestCheckTerminal(t *testing.T) {
	job := Job{Type: TypeBulkDocument, Status: StatusCompleted}
	assert.ErrorIs(t, job.CheckTerminal(), ErrMissingArtifact)

	job.ArtifactPath = "bulk/a.zip"
	assert.NoError(t, job.CheckTerminal())

	msg := Job{Type: TypeBulkMessage, Status: StatusCompleted}
	assert.NoError(t, msg.CheckTerminal())

	failed := Job{Type: TypeBulkDocument, Status: StatusFailed}
	assert.Error(t, failed.CheckTerminal())
}
