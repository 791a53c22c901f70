package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/docpipe/pkg/connect"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run connection detection now, without a job",
	Long: `Run every enabled engine over the selected chunks in this process and
write the merged connections. Use "enqueue detect" to run it as a durable job.

Examples:
  docpipe detect --document report-2024
  docpipe detect --chunks 3f0c...,9a1e... --discard --json`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)
	detectCmd.Flags().String("document", "", "Detect for every chunk of this document")
	detectCmd.Flags().StringSlice("chunks", nil, "Detect for these chunk IDs")
	detectCmd.Flags().Bool("discard", false, "Drop unvalidated connections from the sources first")
	detectCmd.Flags().Bool("json", false, "Output the report as JSON")
}

func runDetect(cmd *cobra.Command, _ []string) error {
	var sel connect.Selection
	sel.DocumentID, _ = cmd.Flags().GetString("document")
	sel.ChunkIDs, _ = cmd.Flags().GetStringSlice("chunks")
	discard, _ := cmd.Flags().GetBool("discard")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if err := sel.Validate(); err != nil {
		return err
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	report, err := a.Orchestrator.Detect(cmd.Context(), sel, connect.Options{Discard: discard}, func(percent int, stage, detail string) {
		logger.Debug("detect progress", "percent", percent, "detail", detail)
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, report)
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ENGINE\tCANDIDATES\tTRUNCATED\tDURATION\tERROR")
	for _, er := range report.Engines {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%t\t%s\t%s\n", er.Engine, er.Candidates, er.Truncated, er.Duration.Round(time.Millisecond), er.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "sources=%d pool=%d discarded=%d written=%d partial=%t\n",
		report.Sources, report.Pool, report.Discarded, report.Written, report.Partial)
	return nil
}
