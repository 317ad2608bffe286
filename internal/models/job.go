package models

import (
	"errors"
	"time"
)

// Status enumerates the job lifecycle states shared by server rows and the client store.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Active reports whether work is expected to continue without an explicit retry.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusRetrying
}

// Terminal reports whether no further progress updates are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Active() || s.Terminal()
}

// JobType selects the handler, notifier templates and replay logic for a job.
type JobType string

const (
	TypeBulkDocument JobType = "bulk_document_generation"
	TypeBulkMessage  JobType = "bulk_message_send"
)

// ProducesArtifact reports whether a completed job of this type must carry an artifact reference.
func (t JobType) ProducesArtifact() bool {
	return t != TypeBulkMessage
}

// Error codes stored alongside a failed job. Fault categories are stored verbatim as well.
const (
	ErrorCodeMissingArtifact = "missing_artifact"
	ErrorCodeExpired         = "expired"
)

// ErrMissingArtifact marks a job reported completed without an artifact reference.
var ErrMissingArtifact = errors.New("job completed without an artifact")

// Meta carries everything needed to replay a job without the caller rebuilding it.
type Meta struct {
	Items      []WorkItem        `json:"items,omitempty"`
	RetryCount int               `json:"retry_count,omitempty"`
	Force      bool              `json:"force,omitempty"`
	Options    map[string]string `json:"options,omitempty"`
}

// Result holds per-item outcome counts reported when a batch finishes.
type Result struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Job is a trackable unit of asynchronous work.
type Job struct {
	ID            string    `json:"id"`
	Type          JobType   `json:"type"`
	Label         string    `json:"label,omitempty"`
	Scope         string    `json:"scope,omitempty"`
	Principal     string    `json:"principal,omitempty"`
	Status        Status    `json:"status"`
	Total         int       `json:"total,omitempty"`
	Completed     int       `json:"completed,omitempty"`
	Phase         string    `json:"phase,omitempty"`
	PhaseProgress int       `json:"phase_progress,omitempty"`
	ArtifactURL   string    `json:"artifact_url,omitempty"`
	ArtifactPath  string    `json:"artifact_path,omitempty"`
	Error         string    `json:"error,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	DedupeKey     string    `json:"dedupe_key,omitempty"`
	Result        *Result   `json:"result,omitempty"`
	Meta          Meta      `json:"meta"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasArtifact reports whether either artifact reference is set.
func (j Job) HasArtifact() bool {
	return j.ArtifactURL != "" || j.ArtifactPath != ""
}

// ArtifactRef returns the preferred artifact reference: the URL when known, else the storage path.
func (j Job) ArtifactRef() string {
	if j.ArtifactURL != "" {
		return j.ArtifactURL
	}
	return j.ArtifactPath
}

// CheckTerminal validates the fields a terminal status requires.
func (j Job) CheckTerminal() error {
	switch j.Status {
	case StatusCompleted:
		if j.Type.ProducesArtifact() && !j.HasArtifact() {
			return ErrMissingArtifact
		}
	case StatusFailed:
		if j.Error == "" {
			return errors.New("failed job without an error message")
		}
	}
	return nil
}

// Clone returns a deep copy so snapshots handed out never alias store state.
func (j Job) Clone() Job {
	out := j
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	if j.Meta.Items != nil {
		out.Meta.Items = make([]WorkItem, len(j.Meta.Items))
		for i, it := range j.Meta.Items {
			out.Meta.Items[i] = it.Clone()
		}
	}
	if j.Meta.Options != nil {
		out.Meta.Options = make(map[string]string, len(j.Meta.Options))
		for k, v := range j.Meta.Options {
			out.Meta.Options[k] = v
		}
	}
	return out
}
