package worker

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"bulk-job-orchestrator/internal/artifacts"
	"bulk-job-orchestrator/internal/config"
	"bulk-job-orchestrator/internal/models"
)

// NewRegistry builds the handlers for every job type. Messages go through SES when
// cfg.SESFrom is set and are only logged otherwise.
func NewRegistry(ctx context.Context, cfg config.Config, renderer ItemRenderer, storage artifacts.Storage, logger *slog.Logger) (Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var sender Sender = LogSender{Logger: logger}
	if cfg.SESFrom != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		ses, err := NewSESSender(awsCfg, cfg.SESFrom)
		if err != nil {
			return nil, err
		}
		sender = ses
	}
	return Registry{
		models.TypeBulkDocument: NewDocumentHandler(renderer, storage, logger).Handle,
		models.TypeBulkMessage:  NewMessageHandler(renderer, sender, storage, logger).Handle,
	}, nil
}
