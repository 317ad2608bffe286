// Package commands implements the bulkctl subcommands on top of the client composition root.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"bulk-job-orchestrator/internal/app"
	"bulk-job-orchestrator/internal/config"
	"bulk-job-orchestrator/internal/jobstore"
	"bulk-job-orchestrator/internal/logging"
	"bulk-job-orchestrator/internal/models"
	"bulk-job-orchestrator/internal/orchestrator"
	"bulk-job-orchestrator/internal/tiers"
)

var out io.Writer = os.Stdout

const submitWait = 30 * time.Second

func open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)
	return app.New(ctx, cfg, logger)
}

// ParseItems turns subject:target pairs into work items. The first colon separates the two.
func ParseItems(raw []string) ([]models.WorkItem, error) {
	items := make([]models.WorkItem, 0, len(raw))
	for _, r := range raw {
		subject, target, ok := strings.Cut(r, ":")
		subject, target = strings.TrimSpace(subject), strings.TrimSpace(target)
		if !ok || subject == "" || target == "" {
			return nil, fmt.Errorf("item %q: want subject:target", r)
		}
		items = append(items, models.WorkItem{Subject: subject, Target: target})
	}
	return items, nil
}

func EnqueueAction(ctx context.Context, cmd *cli.Command) error {
	items, err := ParseItems(cmd.StringSlice("item"))
	if err != nil {
		return err
	}
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := orchestrator.EnqueueOptions{
		Scope: cmd.String("scope"),
		Label: cmd.String("label"),
		Force: cmd.Bool("force"),
	}
	if cmd.Bool("wait") {
		opts.OnProgress = func(p tiers.Progress) {
			fmt.Fprintf(out, "  %s %d/%d (%d%%)\n", p.Tier, p.Done, p.Total, p.Percent)
		}
	}
	h, err := a.Orchestrator.EnqueueBatch(ctx, models.JobType(cmd.String("type")), items, opts)
	if errors.Is(err, orchestrator.ErrScopeBusy) {
		return fmt.Errorf("%w; pass --force to run anyway", err)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "queued %s (dedupe %s)\n", h.JobID, h.DedupeKey)
	if !cmd.Bool("wait") {
		job := awaitSubmitted(ctx, a, h.JobID)
		printJob(out, job)
		if jobstore.IsPlaceholder(job.ID) && !job.Status.Terminal() {
			fmt.Fprintln(out, "batch runs locally; pass --wait to keep it running")
		}
		return nil
	}
	job, err := a.Orchestrator.Wait(ctx, h.JobID)
	if err != nil {
		return err
	}
	printJob(out, job)
	if path := cmd.String("out"); path != "" && job.Status == models.StatusCompleted {
		data, err := a.Orchestrator.Artifact(ctx, job.ID)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write artifact: %w", err)
		}
		fmt.Fprintf(out, "artifact written to %s (%d bytes)\n", path, len(data))
	}
	return exitFor(job)
}

func StatusAction(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return errors.New("status needs a job id")
	}
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job, ok := a.Orchestrator.GetJob(id)
	if !ok {
		job, err = a.Client.GetJob(ctx, id)
		if err != nil {
			return err
		}
	}
	printJob(out, job)
	return nil
}

func ListAction(ctx context.Context, cmd *cli.Command) error {
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	a.Sweep(ctx)
	jobs := a.Store.List()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	printTable(out, jobs)
	return nil
}

func RetryAction(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return errors.New("retry needs a job id")
	}
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	reset, err := a.Orchestrator.Retry(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "retrying %s (attempt %d)\n", reset.ID, reset.Meta.RetryCount+1)
	job, err := a.Orchestrator.Wait(ctx, reset.ID)
	if err != nil {
		return err
	}
	printJob(out, job)
	return exitFor(job)
}

func ResumeAction(ctx context.Context, cmd *cli.Command) error {
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.Resume(ctx, cmd.String("scope"))
	if job.ID != "" {
		printJob(out, job)
	}
	return err
}

func ClearAction(ctx context.Context, cmd *cli.Command) error {
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintf(out, "cleared %d jobs\n", a.Orchestrator.ClearCompleted())
	return nil
}

// awaitSubmitted returns once the server has accepted the batch or it finished locally.
func awaitSubmitted(ctx context.Context, a *app.App, id string) models.Job {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(submitWait)
	for {
		job, _ := a.Orchestrator.GetJob(id)
		if !jobstore.IsPlaceholder(job.ID) || job.Status.Terminal() {
			return job
		}
		select {
		case <-ctx.Done():
			return job
		case <-deadline:
			return job
		case <-ticker.C:
		}
	}
}

func exitFor(job models.Job) error {
	switch job.Status {
	case models.StatusFailed:
		return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
	case models.StatusCancelled:
		return fmt.Errorf("job %s was cancelled", job.ID)
	}
	return nil
}

func printJob(w io.Writer, j models.Job) {
	fmt.Fprintf(w, "%s  %s  %s  %d/%d", j.ID, j.Type, j.Status, j.Completed, j.Total)
	if j.Phase != "" {
		fmt.Fprintf(w, "  %s %d%%", j.Phase, j.PhaseProgress)
	}
	if j.Error != "" {
		fmt.Fprintf(w, "  error=%q", j.Error)
	}
	if ref := j.ArtifactRef(); ref != "" {
		fmt.Fprintf(w, "  artifact=%s", ref)
	}
	fmt.Fprintln(w)
}

func printTable(w io.Writer, jobs []models.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSCOPE\tSTATUS\tPROGRESS\tLABEL")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n", j.ID, j.Type, j.Scope, j.Status, j.Completed, j.Total, j.Label)
	}
	_ = tw.Flush()
}
