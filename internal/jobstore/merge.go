package jobstore

import (
	"time"

	"bulk-job-orchestrator/internal/models"
)

// Conflict resolution shared by ApplyLocal and ApplyRemote:
//   - createdAt: the earliest known value wins.
//   - status: only legal forward transitions are accepted; a terminal record rejects any
//     other status. Leaving a terminal status requires RequestRetry.
//   - progress: while active, completed never decreases and never exceeds total.
//   - everything else: last write wins for fields the incoming record sets.

// resolve folds next into cur and reports whether next was accepted.
func resolve(cur, next models.Job) (models.Job, bool) {
	if !next.Status.Valid() {
		next.Status = cur.Status
	}
	if !models.CanTransition(cur.Status, next.Status) {
		return cur, false
	}

	out := cur.Clone()
	out.Status = next.Status
	if next.Type != "" {
		out.Type = next.Type
	}
	if next.Label != "" {
		out.Label = next.Label
	}
	if next.Scope != "" {
		out.Scope = next.Scope
	}
	if next.Principal != "" {
		out.Principal = next.Principal
	}
	if next.DedupeKey != "" {
		out.DedupeKey = next.DedupeKey
	}

	if next.Total > 0 {
		out.Total = next.Total
	}
	if next.Completed > out.Completed {
		out.Completed = next.Completed
	}
	if next.Phase != "" {
		out.Phase = next.Phase
		out.PhaseProgress = next.PhaseProgress
	}
	if next.ArtifactURL != "" {
		out.ArtifactURL = next.ArtifactURL
	}
	if next.ArtifactPath != "" {
		out.ArtifactPath = next.ArtifactPath
	}
	if next.Error != "" {
		out.Error = next.Error
	}
	if next.ErrorCode != "" {
		out.ErrorCode = next.ErrorCode
	}
	if next.Result != nil {
		r := *next.Result
		out.Result = &r
	}

	if len(next.Meta.Items) > 0 {
		out.Meta.Items = next.Clone().Meta.Items
	}
	if next.Meta.RetryCount > out.Meta.RetryCount {
		out.Meta.RetryCount = next.Meta.RetryCount
	}
	if next.Meta.Force {
		out.Meta.Force = true
	}
	for k, v := range next.Meta.Options {
		if out.Meta.Options == nil {
			out.Meta.Options = make(map[string]string)
		}
		out.Meta.Options[k] = v
	}

	out.CreatedAt = earliest(cur.CreatedAt, next.CreatedAt)
	if next.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = next.UpdatedAt
	}
	return normalize(out), true
}

// normalize enforces the per-status field rules on a single record.
func normalize(j models.Job) models.Job {
	if !j.Status.Valid() {
		j.Status = models.StatusPending
	}
	if j.Label == "" {
		j.Label = string(j.Type)
	}
	if j.PhaseProgress < 0 {
		j.PhaseProgress = 0
	}
	if j.PhaseProgress > 100 {
		j.PhaseProgress = 100
	}
	if j.Completed < 0 {
		j.Completed = 0
	}

	if j.Status == models.StatusCompleted {
		if j.Type.ProducesArtifact() && !j.HasArtifact() {
			j.Status = models.StatusFailed
			j.Error = models.ErrMissingArtifact.Error()
			j.ErrorCode = models.ErrorCodeMissingArtifact
		} else if j.Total > 0 {
			j.Completed = j.Total
		}
	}
	if j.Total > 0 && j.Completed > j.Total {
		j.Completed = j.Total
	}
	if j.Status != models.StatusCompleted {
		j.ArtifactURL = ""
		j.ArtifactPath = ""
	}
	if j.Status == models.StatusFailed {
		if j.Error == "" {
			j.Error = "job failed"
		}
	} else {
		j.Error = ""
		j.ErrorCode = ""
	}
	return j
}

// adopt carries client-known fields of a placeholder onto its authoritative replacement.
func adopt(placeholder, target models.Job) models.Job {
	target.CreatedAt = earliest(placeholder.CreatedAt, target.CreatedAt)
	if len(target.Meta.Items) == 0 {
		target.Meta.Items = placeholder.Clone().Meta.Items
	}
	if placeholder.Meta.RetryCount > target.Meta.RetryCount {
		target.Meta.RetryCount = placeholder.Meta.RetryCount
	}
	if target.Meta.Options == nil && placeholder.Meta.Options != nil {
		target.Meta.Options = placeholder.Clone().Meta.Options
	}
	if placeholder.Meta.Force {
		target.Meta.Force = true
	}
	if target.Label == "" || target.Label == string(target.Type) {
		if placeholder.Label != "" {
			target.Label = placeholder.Label
		}
	}
	if target.Scope == "" {
		target.Scope = placeholder.Scope
	}
	if target.DedupeKey == "" {
		target.DedupeKey = placeholder.DedupeKey
	}
	if target.Total == 0 {
		target.Total = placeholder.Total
	}
	return target
}

// resetForRetry returns j re-entered at pending with progress and outcome cleared.
// The dedupe key and items are kept.
func resetForRetry(j models.Job, now time.Time) models.Job {
	out := j.Clone()
	out.Status = models.StatusPending
	out.Completed = 0
	out.Phase = ""
	out.PhaseProgress = 0
	out.Error = ""
	out.ErrorCode = ""
	out.ArtifactURL = ""
	out.ArtifactPath = ""
	out.Result = nil
	out.UpdatedAt = now
	return out
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}
