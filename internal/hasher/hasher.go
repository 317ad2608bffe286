// Package hasher derives stable content digests for batches of work items.
package hasher

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"

	"bulk-job-orchestrator/internal/models"
)

// Algorithm names the digest in use.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	// FNV1a is a 32-bit non-cryptographic fallback. Its digests carry an "fnv1a:" prefix
	// so they are never mistaken for SHA-256 keys.
	FNV1a Algorithm = "fnv1a32"
)

// Hasher canonicalizes work items and digests them.
type Hasher struct {
	algo Algorithm
}

// New picks SHA-256 when the primitive is linked in and falls back to FNV-1a otherwise.
func New(logger *slog.Logger) *Hasher {
	if logger == nil {
		logger = slog.Default()
	}
	if !crypto.SHA256.Available() {
		logger.Warn("sha256 unavailable, dedupe keys fall back to fnv1a32; keys are not collision resistant",
			slog.String("algorithm", string(FNV1a)))
		return &Hasher{algo: FNV1a}
	}
	return &Hasher{algo: SHA256}
}

// Algorithm reports the digest this hasher produces.
func (h *Hasher) Algorithm() Algorithm {
	return h.algo
}

type identity struct {
	Subject string `json:"subject"`
	Target  string `json:"target"`
}

// Hash digests the multiset of item identities. Order of items never affects the result.
func (h *Hasher) Hash(items []models.WorkItem) (string, error) {
	norm := make([]identity, 0, len(items))
	for _, it := range items {
		norm = append(norm, identity{Subject: it.Subject, Target: it.Target})
	}
	sort.Slice(norm, func(i, j int) bool {
		if norm[i].Subject != norm[j].Subject {
			return norm[i].Subject < norm[j].Subject
		}
		return norm[i].Target < norm[j].Target
	})
	canon, err := Canonical(norm)
	if err != nil {
		return "", err
	}
	return h.digest(canon), nil
}

// ItemKey is the artifact cache key of a single item, attributes included since they
// change the rendered output.
func (h *Hasher) ItemKey(jobType models.JobType, item models.WorkItem) (string, error) {
	canon, err := Canonical(map[string]any{
		"type":       string(jobType),
		"subject":    item.Subject,
		"target":     item.Target,
		"attributes": item.Attributes,
	})
	if err != nil {
		return "", err
	}
	return h.digest(canon), nil
}

func (h *Hasher) digest(b []byte) string {
	if h.algo == FNV1a {
		f := fnv.New32a()
		_, _ = f.Write(b)
		return fmt.Sprintf("fnv1a:%08x", f.Sum32())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Canonical serializes v with object keys sorted at every depth and no insignificant whitespace.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for canonical form: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode for canonical form: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order.
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encode canonical form: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
