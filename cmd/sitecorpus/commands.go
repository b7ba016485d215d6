package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and in-process indexing workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run server: %w", err)
			}
			return nil
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume indexing tasks from Pub/Sub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := app.RunWorker(cmd.Context()); err != nil {
				return fmt.Errorf("run worker: %w", err)
			}
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return app.Migrate(cmd.Context())
		},
	}
}

func newCaptureCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "capture <seed-url>",
		Short: "Capture a website, or reconcile it when already known",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, func(ctx context.Context, app App) (any, error) {
				return app.Capture(ctx, args[0], name)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name of the website")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <website-id>",
		Short: "Reconcile a captured website against the live site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, func(ctx context.Context, app App) (any, error) {
				return app.Reconcile(ctx, args[0])
			})
		},
	}
}

func newIndexCmd() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "index <website-id>",
		Short: "Push pending page changes to the indexing service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, func(ctx context.Context, app App) (any, error) {
				return app.Index(ctx, args[0], corpus.IndexOptions{JobID: jobID})
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "only index pages produced by this capture job")
	return cmd
}

// runStage runs one stage to completion, waits for the indexing work it
// scheduled, and prints the result.
func runStage(cmd *cobra.Command, stage func(ctx context.Context, app App) (any, error)) error {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	app.StartDispatcher(ctx)
	res, stageErr := stage(ctx, app)
	if err := app.Drain(ctx); err != nil {
		app.Logger().Warn("scheduled indexing did not finish", zap.Error(err))
	}
	if stageErr != nil {
		return stageErr
	}
	return printJSON(cmd, res)
}
