package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/config"
	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/server"
)

// App defines the application surface that commands use, so tests can
// inject a fake.
type App interface {
	Logger() *zap.Logger
	Capture(ctx context.Context, seed, name string) (corpus.CaptureResult, error)
	Reconcile(ctx context.Context, websiteID string) (corpus.ReconcileResult, error)
	Index(ctx context.Context, websiteID string, opts corpus.IndexOptions) (corpus.IndexResult, error)
	Migrate(ctx context.Context) error
	StartDispatcher(ctx context.Context)
	Drain(ctx context.Context) error
	Run(ctx context.Context) error
	RunWorker(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, path string) (App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return server.Build(ctx, &cfg)
}

type appKey struct{}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "sitecorpus",
		Short: "Capture websites into a searchable page corpus.",
		Long: `sitecorpus registers a website by its seed URL, captures its pages,
reconciles the stored corpus against the live site, and keeps a
semantic-indexing service in step with page lifecycle changes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, app))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if app, ok := cmd.Context().Value(appKey{}).(App); ok && app != nil {
				_ = app.Close(context.WithoutCancel(cmd.Context()))
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.SetContext(context.Background())

	cmd.AddCommand(
		newServeCmd(),
		newCaptureCmd(),
		newReconcileCmd(),
		newIndexCmd(),
		newMigrateCmd(),
		newWorkerCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	app, ok := ctx.Value(appKey{}).(App)
	if !ok || app == nil {
		return nil, errors.New("application not initialized")
	}
	return app, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
