package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jdziat/docpipe/internal/server"
	"github.com/jdziat/docpipe/pkg/connect"
	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/ingest"
	"github.com/jdziat/docpipe/pkg/queue"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a job",
}

var enqueueIngestCmd = &cobra.Command{
	Use:   "ingest <document-id>",
	Short: "Enqueue an ingest-document job",
	Long: `Enqueue an ingest-document job for one document.

The document comes from --source (http(s)://, s3://bucket/key, file:// or a
local path) or inline from --file, which is read now and stored in the job.

Examples:
  docpipe enqueue ingest report-2024 --source s3://docs/report-2024.md
  docpipe enqueue ingest notes --file notes.md --review`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueueIngest,
}

var enqueueDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Enqueue a detect-connections job",
	RunE:  runEnqueueDetect,
}

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show one job, or list recent jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var pauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Ask a job to stop at its next stage boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(q *queue.Queue) error {
			if err := q.RequestPause(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Pause requested for %s\n", args[0])
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Return a paused job to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd, func(q *queue.Queue) error {
			if err := q.Resume(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Resumed %s\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(enqueueCmd, statusCmd, pauseCmd, resumeCmd)
	enqueueCmd.AddCommand(enqueueIngestCmd, enqueueDetectCmd)

	f := enqueueIngestCmd.Flags()
	f.String("source", "", "Document location")
	f.String("file", "", "Read the document now and store it inline")
	f.String("title", "", "Document title (default: first level-1 heading)")
	f.String("domain", "", "Subject domain, used by the bridge engine")
	f.Bool("review", false, "Pause before chunking for review")
	f.Bool("discard", false, "Drop unvalidated connections from these chunks first")
	f.Int("priority", 0, "Higher runs first")

	f = enqueueDetectCmd.Flags()
	f.String("document", "", "Detect for every chunk of this document")
	f.StringSlice("chunks", nil, "Detect for these chunk IDs")
	f.Bool("discard", false, "Drop unvalidated connections from the sources first")
	f.Int("priority", 0, "Higher runs first")

	statusCmd.Flags().String("type", "", "Filter the list by job type")
	statusCmd.Flags().String("state", "", "Filter the list by status")
	statusCmd.Flags().Int("limit", 20, "Maximum jobs listed")
	statusCmd.Flags().Bool("json", false, "Output as JSON")
}

func withQueue(cmd *cobra.Command, fn func(q *queue.Queue) error) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(a.Queue)
}

func runEnqueueIngest(cmd *cobra.Command, args []string) error {
	source, _ := cmd.Flags().GetString("source")
	file, _ := cmd.Flags().GetString("file")
	in := ingest.Input{DocumentID: strings.TrimSpace(args[0]), Source: source}
	in.Title, _ = cmd.Flags().GetString("title")
	in.Domain, _ = cmd.Flags().GetString("domain")
	in.Discard, _ = cmd.Flags().GetBool("discard")
	review, _ := cmd.Flags().GetBool("review")
	in.ReviewBeforeChunking = review || cfg.Ingest.ReviewByDefault
	priority, _ := cmd.Flags().GetInt("priority")

	switch {
	case source != "" && file != "":
		return fmt.Errorf("--source and --file are mutually exclusive")
	case source == "" && file == "":
		return fmt.Errorf("one of --source or --file is required")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read document: %w", err)
		}
		in.Content = string(data)
	}

	return withQueue(cmd, func(q *queue.Queue) error {
		id, err := q.Enqueue(cmd.Context(), ingest.JobType, in, queue.Priority(priority))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	})
}

func runEnqueueDetect(cmd *cobra.Command, _ []string) error {
	var in connect.Input
	in.DocumentID, _ = cmd.Flags().GetString("document")
	in.ChunkIDs, _ = cmd.Flags().GetStringSlice("chunks")
	in.Discard, _ = cmd.Flags().GetBool("discard")
	priority, _ := cmd.Flags().GetInt("priority")
	if err := in.Selection.Validate(); err != nil {
		return err
	}

	return withQueue(cmd, func(q *queue.Queue) error {
		id, err := q.Enqueue(cmd.Context(), connect.JobType, in, queue.Priority(priority))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	return withQueue(cmd, func(q *queue.Queue) error {
		ctx := cmd.Context()
		if len(args) == 1 {
			job, err := q.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			if job == nil {
				return core.ErrJobNotFound
			}
			if jsonOutput {
				return printJSON(out, server.NewJobView(job))
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(tw, "id\t%s\n", job.ID)
			_, _ = fmt.Fprintf(tw, "type\t%s\n", job.Type)
			_, _ = fmt.Fprintf(tw, "status\t%s\n", job.Status)
			_, _ = fmt.Fprintf(tw, "progress\t%d%% %s\n", job.ProgressPercent, job.ProgressDetail)
			_, _ = fmt.Fprintf(tw, "checkpoint\t%s\n", job.CheckpointStage)
			_, _ = fmt.Fprintf(tw, "retries\t%d\n", job.RetryCount)
			if job.LastError != "" {
				_, _ = fmt.Fprintf(tw, "last error\t%s: %s\n", job.LastErrorKind, job.LastError)
			}
			if job.PauseReason != "" {
				_, _ = fmt.Fprintf(tw, "paused\t%s\n", job.PauseReason)
			}
			return tw.Flush()
		}

		jobType, _ := cmd.Flags().GetString("type")
		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")
		jobs, err := q.ListJobs(ctx, core.JobFilter{Type: jobType, Status: core.JobStatus(state), Limit: limit})
		if err != nil {
			return err
		}
		if jsonOutput {
			type row struct {
				ID       string         `json:"id"`
				Type     string         `json:"type"`
				Status   core.JobStatus `json:"status"`
				Progress int            `json:"progressPercent"`
			}
			rows := make([]row, len(jobs))
			for i, j := range jobs {
				rows[i] = row{j.ID, j.Type, j.Status, j.ProgressPercent}
			}
			return printJSON(out, rows)
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPROGRESS\tSTAGE")
		for _, j := range jobs {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\n", j.ID, j.Type, j.Status, j.ProgressPercent, j.Stage)
		}
		return tw.Flush()
	})
}
