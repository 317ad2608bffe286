package artifacts

import (
	"context"
	"fmt"

	"bulk-job-orchestrator/internal/config"
)

// Open builds the backend named by cfg.ArtifactBackend. The local backend signs URLs
// against the API base URL.
func Open(ctx context.Context, cfg config.Config) (Storage, error) {
	switch cfg.ArtifactBackend {
	case "", "local":
		return NewLocal(cfg.ArtifactDir, cfg.APIBaseURL), nil
	case "s3":
		client, err := NewS3Client(ctx, S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return NewS3(client, cfg.S3Bucket), nil
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.ArtifactBackend)
	}
}
