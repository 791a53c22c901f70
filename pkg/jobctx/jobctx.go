// Package jobctx provides public access to job context for stage functions
// and the engines they call.
package jobctx

import (
	"context"
	"log/slog"

	"github.com/jdziat/docpipe/pkg/core"
	intctx "github.com/jdziat/docpipe/pkg/internal/context"
)

// JobFromContext returns the current Job from context, or nil if not in a stage.
func JobFromContext(ctx context.Context) *core.Job {
	jc := intctx.GetJobContext(ctx)
	if jc == nil {
		return nil
	}
	return jc.Job
}

// JobIDFromContext returns the current job ID from context, or empty string if not in a stage.
func JobIDFromContext(ctx context.Context) string {
	job := JobFromContext(ctx)
	if job == nil {
		return ""
	}
	return job.ID
}

// StageFromContext returns the name of the running stage, or empty string.
func StageFromContext(ctx context.Context) string {
	jc := intctx.GetJobContext(ctx)
	if jc == nil {
		return ""
	}
	return jc.Stage
}

// ReportProgress reports in-stage progress as a percentage of the current
// stage. It is a no-op outside a stage.
func ReportProgress(ctx context.Context, percent int, detail string) {
	jc := intctx.GetJobContext(ctx)
	if jc == nil || jc.Progress == nil {
		return
	}
	jc.Progress(percent, detail)
}

// Logger returns a logger tagged with the job and stage, falling back to
// slog.Default outside a stage.
func Logger(ctx context.Context) *slog.Logger {
	jc := intctx.GetJobContext(ctx)
	if jc == nil {
		return slog.Default()
	}
	if jc.Logger != nil {
		return jc.Logger
	}
	logger := slog.Default()
	if jc.Job != nil {
		logger = logger.With("job_id", jc.Job.ID)
	}
	if jc.Stage != "" {
		logger = logger.With("stage", jc.Stage)
	}
	return logger
}
