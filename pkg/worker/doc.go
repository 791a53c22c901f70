// Package worker provides the Worker type for job processing.
//
// This package includes:
//   - Worker: claims runnable jobs and runs their pipelines on an ants pool
//   - WorkerOption: configuration options for workers
//   - Heartbeats, the stale-lock reaper and the optional checkpoint sweeper
//   - Retry with jittered backoff around store calls
//
// Most users should import the root package github.com/jdziat/docpipe
// which provides access to worker configuration through docpipe.NewWorker.
package worker
