package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete checkpoints of finished jobs",
	Long: `Delete the checkpoints of completed and failed jobs that finished more
than --retention ago. Jobs that can still resume are never touched.

Examples:
  docpipe gc
  docpipe gc --retention 24h`,
	RunE: runGC,
}

func init() {
	rootCmd.AddCommand(gcCmd)
	gcCmd.Flags().Duration("retention", 0, "Override checkpoints.retention")
}

func runGC(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	sweeper := a.Sweeper()
	if d, _ := cmd.Flags().GetDuration("retention"); d > 0 {
		sweeper.Retention = d
	}

	var jobs, checkpoints int
	for {
		res, err := sweeper.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		jobs += res.Jobs
		checkpoints += res.Checkpoints
		if res.Jobs == 0 {
			break
		}
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d checkpoints of %d jobs older than %s\n",
		checkpoints, jobs, sweeper.Retention.Round(time.Second))
	return nil
}
