package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print frontier, dedup and emission counts of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.Coordinator.Status(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("job status: %w", err)
			}
			return printJSON(cmd, stats)
		},
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <job-id>",
		Short: "Delete all shared state of a job",
		Long: `Removes the frontier, dedup set and bookkeeping of a job. Workers still
attached to the job elsewhere stop on their next idle check.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Coordinator.ClearJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", args[0])
			return err
		},
	}
}
