package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, fire periodic triggers and process the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Run(cmd.Context())
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one catalog sync cycle and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(appInstance)

			res, err := appInstance.RunSync(cmd.Context())
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fetched=%d inserted=%d\n", res.Fetched, res.Inserted)
			return nil
		},
	}
}

func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "schedule",
		Annotations: map[string]string{needsSharedQueue: "true"},
		Short:       "Enqueue every catalog entity once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(appInstance)

			res, err := appInstance.RunSchedule(cmd.Context())
			if err != nil {
				return fmt.Errorf("schedule: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "listed=%d enqueued=%d\n", res.Listed, res.Enqueued)
			return nil
		},
	}
}

func newWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "work",
		Annotations: map[string]string{needsSharedQueue: "true"},
		Short:       "Process queued items until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(appInstance)
			return appInstance.RunWorker(cmd.Context())
		},
	}
}
