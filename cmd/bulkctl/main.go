package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"bulk-job-orchestrator/cmd/bulkctl/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "bulkctl",
		Usage: "enqueue and track bulk document and message jobs",
		Commands: []*cli.Command{
			{
				Name:  "enqueue",
				Usage: "submit a batch of work items",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Usage: "job type", Value: "bulk_document_generation"},
					&cli.StringFlag{Name: "scope", Usage: "logical owner of the batch, e.g. a round id"},
					&cli.StringFlag{Name: "label", Usage: "human readable label"},
					&cli.StringSliceFlag{Name: "item", Usage: "work item as subject:target (repeatable)", Required: true},
					&cli.BoolFlag{Name: "force", Usage: "skip deduplication"},
					&cli.BoolFlag{Name: "wait", Usage: "block until the job finishes"},
					&cli.StringFlag{Name: "out", Usage: "write the artifact to this file when waiting"},
				},
				Action: commands.EnqueueAction,
			},
			{
				Name:      "status",
				Usage:     "show one job",
				ArgsUsage: "<id>",
				Action:    commands.StatusAction,
			},
			{
				Name:   "list",
				Usage:  "list tracked jobs after syncing with the server",
				Action: commands.ListAction,
			},
			{
				Name:      "retry",
				Usage:     "replay a failed or cancelled job and wait for it",
				ArgsUsage: "<id>",
				Action:    commands.RetryAction,
			},
			{
				Name:  "resume",
				Usage: "continue watching the job saved for a scope",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "scope", Required: true},
				},
				Action: commands.ResumeAction,
			},
			{
				Name:   "clear",
				Usage:  "remove completed and cancelled jobs",
				Action: commands.ClearAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
