package hasher

import (
	"math/rand"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulk-job-orchestrator/internal/models"
)

func TestHashIsPermutationInvariant(t *testing.T) {
	h := New(nil)
	items := []models.WorkItem{
		{Subject: "A", Target: "x"},
		{Subject: "A", Target: "y"},
		{Subject: "B", Target: "x"},
		{Subject: "C", Target: "z", Attributes: map[string]any{"copies": 2}},
	}
	want, err := h.Hash(items)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), want)

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]models.WorkItem(nil), items...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got, err := h.Hash(shuffled)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestHashIgnoresTransientAttributes(t *testing.T) {
	h := New(nil)
	a, _ := h.Hash([]models.WorkItem{{Subject: "A", Target: "x", Attributes: map[string]any{"ts": 1}}})
	b, _ := h.Hash([]models.WorkItem{{Subject: "A", Target: "x"}})
	assert.Equal(t, a, b)
}

func TestHashDiffersWhenItemsDiffer(t *testing.T) {
	h := New(nil)
	a, _ := h.Hash([]models.WorkItem{{Subject: "A", Target: "x"}, {Subject: "A", Target: "y"}})
	b, _ := h.Hash([]models.WorkItem{{Subject: "A", Target: "x"}, {Subject: "A", Target: "z"}})
	c, _ := h.Hash([]models.WorkItem{{Subject: "A", Target: "x"}})
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestFNVFallbackIsPrefixed(t *testing.T) {
	h := &Hasher{algo: FNV1a}
	got, err := h.Hash([]models.WorkItem{{Subject: "A", Target: "x"}})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^fnv1a:[0-9a-f]{8}$`), got)
	assert.Equal(t, FNV1a, h.Algorithm())

	again, _ := h.Hash([]models.WorkItem{{Subject: "A", Target: "x"}})
	assert.Equal(t, got, again)
}

func TestCanonicalSortsNestedKeys(t *testing.T) {
	out, err := Canonical(map[string]any{
		"b": 1,
		"a": map[string]any{"z": true, "m": []any{3, "<x>"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"m":[3,"<x>"],"z":true},"b":1}`, string(out))
}

func TestItemKeyIncludesAttributes(t *testing.T) {
	h := New(nil)
	a, _ := h.ItemKey(models.TypeBulkDocument, models.WorkItem{Subject: "A", Target: "x"})
	b, _ := h.ItemKey(models.TypeBulkDocument, models.WorkItem{Subject: "A", Target: "x", Attributes: map[string]any{"lang": "fr"}})
	c, _ := h.ItemKey(models.TypeBulkMessage, models.WorkItem{Subject: "A", Target: "x"})
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}
