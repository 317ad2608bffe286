package models

// SubmitRequest asks the job queue to run a batch asynchronously. With Dedupe set, an
// identical active or recently completed job is returned instead of a new one.
type SubmitRequest struct {
	Type      JobType           `json:"type"`
	Label     string            `json:"label,omitempty"`
	Scope     string            `json:"scope,omitempty"`
	Items     []WorkItem        `json:"items"`
	DedupeKey string            `json:"dedupe_key,omitempty"`
	Dedupe    bool              `json:"dedupe"`
	Options   map[string]string `json:"options,omitempty"`
}

// BulkRequest is the synchronous bulk-generation call.
type BulkRequest struct {
	Scope   string            `json:"scope,omitempty"`
	Items   []WorkItem        `json:"items"`
	Options map[string]string `json:"options,omitempty"`
}

// BulkResponse references the artifact a bulk call produced.
type BulkResponse struct {
	ArtifactURL  string `json:"artifact_url,omitempty"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	Result       Result `json:"result"`
}

// Ref returns the URL when known, else the storage path.
func (r BulkResponse) Ref() string {
	if r.ArtifactURL != "" {
		return r.ArtifactURL
	}
	return r.ArtifactPath
}

// SignRequest asks for a time-limited URL for a stored artifact.
type SignRequest struct {
	Path string `json:"path"`
}

type SignResponse struct {
	URL string `json:"url"`
}
