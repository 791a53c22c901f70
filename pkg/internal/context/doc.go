// Package context provides internal context helpers for job execution.
//
// This package is internal and should not be imported directly.
// It carries the running job, the worker that owns it, the active stage and
// the stage's progress reporter through context.Context.
package context
