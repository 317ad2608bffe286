package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"bulk-job-orchestrator/internal/artifacts"
	"bulk-job-orchestrator/internal/faults"
	"bulk-job-orchestrator/internal/models"
	"bulk-job-orchestrator/internal/tiers"
)

// Phases reported while a batch runs.
const (
	PhaseFetch  = "fetch data"
	PhaseRender = "render"
	PhaseSend   = "send"
	PhaseMerge  = "merge"
	PhaseUpload = "upload"
)

var ErrNoOutput = errors.New("no item in the batch produced output")

// ItemRenderer produces the text for one work item.
type ItemRenderer interface {
	Render(ctx context.Context, jobType models.JobType, item models.WorkItem) ([]byte, error)
}

// BatchHandler renders every item of a job, optionally delivers it, merges the outputs and
// stores the merged artifact. A failing item is logged and counted, never fatal on its own.
type BatchHandler struct {
	renderer ItemRenderer
	sender   Sender
	storage  artifacts.Storage
	logger   *slog.Logger
}

// NewDocumentHandler builds the bulk document generation handler: a zip of rendered sheets.
func NewDocumentHandler(renderer ItemRenderer, storage artifacts.Storage, logger *slog.Logger) *BatchHandler {
	return newBatchHandler(renderer, nil, storage, logger)
}

// NewMessageHandler builds the bulk message handler: each rendered message is sent and a
// delivery report is stored.
func NewMessageHandler(renderer ItemRenderer, sender Sender, storage artifacts.Storage, logger *slog.Logger) *BatchHandler {
	if sender == nil {
		sender = LogSender{Logger: logger}
	}
	return newBatchHandler(renderer, sender, storage, logger)
}

func newBatchHandler(renderer ItemRenderer, sender Sender, storage artifacts.Storage, logger *slog.Logger) *BatchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchHandler{renderer: renderer, sender: sender, storage: storage, logger: logger}
}

// Handle satisfies Handler.
func (h *BatchHandler) Handle(ctx context.Context, job models.Job, report Progress) (Outcome, error) {
	if report == nil {
		report = func(int, string, int) error { return nil }
	}
	if err := report(0, PhaseFetch, 0); err != nil {
		return Outcome{}, err
	}
	items := job.Meta.Items
	if len(items) == 0 {
		return Outcome{}, faults.New(faults.BadRequest, "load items", fmt.Errorf("job %s has no items", job.ID))
	}
	if err := report(0, PhaseFetch, 100); err != nil {
		return Outcome{}, err
	}

	phase := PhaseRender
	if h.sender != nil {
		phase = PhaseSend
	}
	merger := tiers.NewMerger(job.Type)
	var result models.Result
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return Outcome{}, faults.New(faults.Aborted, "render batch", err)
		}
		if err := h.one(ctx, job, i, item, merger); err != nil {
			result.Failed++
			h.logger.Error("item failed", slog.String("job_id", job.ID), slog.String("subject", item.Subject), slog.String("target", item.Target), slog.Any("error", err))
		} else {
			result.Succeeded++
		}
		if err := report(i+1, phase, (i+1)*100/len(items)); err != nil {
			return Outcome{}, err
		}
	}
	if result.Succeeded == 0 {
		return Outcome{}, fmt.Errorf("job %s: %w", job.ID, ErrNoOutput)
	}

	if err := report(len(items), PhaseMerge, 0); err != nil {
		return Outcome{}, err
	}
	data, err := merger.Close()
	if err != nil {
		return Outcome{}, err
	}
	if err := report(len(items), PhaseUpload, 0); err != nil {
		return Outcome{}, err
	}
	contentType, filename := tiers.Describe(job.Type, job.Label)
	path, err := h.storage.Put(ctx, artifacts.Key(job.ID, filename), data, contentType)
	if err != nil {
		return Outcome{}, faults.New(faults.Server, "upload artifact", err)
	}
	if err := report(len(items), PhaseUpload, 100); err != nil {
		return Outcome{}, err
	}
	return Outcome{ArtifactPath: path, Result: result}, nil
}

func (h *BatchHandler) one(ctx context.Context, job models.Job, i int, item models.WorkItem, merger tiers.Merger) error {
	data, err := h.renderer.Render(ctx, job.Type, item)
	if err != nil {
		return err
	}
	if h.sender != nil {
		if err := h.sender.Send(ctx, item.Target, item.Subject, string(data)); err != nil {
			return err
		}
	}
	return merger.Add(i, item, data)
}
