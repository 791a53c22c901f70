// Package context provides context helpers for the docpipe packages.
package context

import (
	"context"
	"log/slog"

	"github.com/jdziat/docpipe/pkg/core"
)

// JobContextKey is the key for storing job context in context.Context.
type JobContextKey struct{}

// JobContext holds the job being executed and the stage currently running.
type JobContext struct {
	Job      *core.Job
	WorkerID string
	Stage    string
	// Progress reports in-stage progress, 0-100 of the stage's band.
	Progress func(percent int, detail string)
	Logger   *slog.Logger
}

// GetJobContext retrieves the job context from a context.Context.
func GetJobContext(ctx context.Context) *JobContext {
	if jc, ok := ctx.Value(JobContextKey{}).(*JobContext); ok {
		return jc
	}
	return nil
}

// WithJobContext adds job context to a context.Context.
func WithJobContext(ctx context.Context, jc *JobContext) context.Context {
	return context.WithValue(ctx, JobContextKey{}, jc)
}
