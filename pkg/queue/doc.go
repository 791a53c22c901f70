// Package queue provides the Queue type for job orchestration.
//
// This package includes:
//   - Queue: pipeline registry, enqueueing with input validation, and the
//     pause/resume/status API
//   - Option: configuration options for job enqueueing
//   - Hook registration for job lifecycle and progress
//   - Event subscription for monitoring
//
// Most users should import the root package github.com/jdziat/docpipe
// which re-exports Queue and all option functions.
package queue
