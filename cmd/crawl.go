package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/coordinator"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

func newCrawlCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [seed-url]",
		Short: "Start or resume a crawl and wait for it to finish",
		Long: `Starts a crawl of the site behind the seed URL. Without --fresh an
existing frontier for the same site is resumed. The command returns once the
frontier is exhausted or the process is interrupted; interrupted crawls keep
their state and can be resumed later.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCrawl,
	}
	cmd.Flags().String("seed", "", "seed URL (overrides job.seed_url)")
	cmd.Flags().Int("max-depth", 0, "maximum link depth from the seed")
	cmd.Flags().Bool("fresh", false, "discard prior state for the site before starting")
	bindFlag(v, cmd.Flags().Lookup("seed"), "job.seed_url")
	bindFlag(v, cmd.Flags().Lookup("max-depth"), "job.max_depth")
	bindFlag(v, cmd.Flags().Lookup("fresh"), "job.fresh_start")
	return cmd
}

func runCrawl(cmd *cobra.Command, args []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	seed := a.Config.Job.SeedURL
	if len(args) == 1 {
		seed = args[0]
	}
	if seed == "" {
		return fmt.Errorf("%w: pass a seed URL or set job.seed_url", crawler.ErrInvalidSeed)
	}

	run, err := a.Coordinator.StartJob(cmd.Context(), coordinator.JobParams{
		SeedURL:     seed,
		WorkerCount: a.Config.Job.WorkerCount,
		MaxDepth:    a.Config.Job.MaxDepth,
		FreshStart:  a.Config.Job.FreshStart,
	})
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	a.Logger.Info("crawl started",
		zap.String("job_id", run.JobID),
		zap.Strings("workers", run.WorkerIDs),
	)
	return waitAndReport(cmd, run)
}

func waitAndReport(cmd *cobra.Command, run *coordinator.Run) error {
	summary, err := run.Wait()
	if err != nil {
		return fmt.Errorf("run job %s: %w", run.JobID, err)
	}
	return printJSON(cmd, summary)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
