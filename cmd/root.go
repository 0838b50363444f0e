// Package cmd defines the CLI commands for the catalog-archiver executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-archiver/internal/config"
	"github.com/JakeFAU/catalog-archiver/internal/scheduler"
	"github.com/JakeFAU/catalog-archiver/internal/server"
	"github.com/JakeFAU/catalog-archiver/internal/synchronizer"
)

var cfgFile string

type appKeyType string

const appKey appKeyType = "app"

// needsSharedQueue marks commands that hand work to, or take work from,
// another process.
const needsSharedQueue = "needs-shared-queue"

// App is the application surface the commands use. Tests inject a fake.
type App interface {
	Run(ctx context.Context) error
	RunSync(ctx context.Context) (synchronizer.Result, error)
	RunSchedule(ctx context.Context) (scheduler.Result, error)
	RunWorker(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog-archiver",
		Short: "Mirrors a remote catalog and archives each entity's detail document.",
		Long: `catalog-archiver keeps a durable copy of a remote catalog. A sync cycle
merges newly listed identifiers into the catalog store, a fan-out cycle
enqueues every identifier, and workers fetch and archive each detail
document to date-partitioned object storage.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Annotations[needsSharedQueue] == "true" && !cfg.SharedQueue() {
				return fmt.Errorf("%s: queue.backend %q only lives inside one process; use serve or a pubsub/rabbitmq queue",
					cmd.Name(), cfg.Queue.Backend)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars use the ARCHIVER_ prefix)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newScheduleCmd())
	cmd.AddCommand(newWorkCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// closeApp releases resources for the one-shot commands. Serve closes the
// app itself on shutdown.
func closeApp(appInstance App) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = appInstance.Close(ctx)
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
