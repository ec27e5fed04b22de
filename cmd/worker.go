package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker <job-id>",
		Short: "Join workers to a crawl started elsewhere",
		Long: `Attaches --workers workers to an existing job in the shared store. The
job must already have been started by "crawl" or the HTTP API; joining never
seeds a frontier.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			run, err := a.Coordinator.Join(cmd.Context(), args[0], a.Config.Job.WorkerCount)
			if err != nil {
				return fmt.Errorf("join job: %w", err)
			}
			a.Logger.Info("joined job",
				zap.String("job_id", run.JobID),
				zap.Strings("workers", run.WorkerIDs),
			)
			return waitAndReport(cmd, run)
		},
	}
}
