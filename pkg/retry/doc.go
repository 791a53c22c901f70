// Package retry classifies stage failures and computes retry schedules.
//
// This package includes:
//   - Classifier, mapping an error to transient, permanent, gated or invalid-input
//   - Scheduler, a pure (kind, retryCount) -> (retry, delay) decision with
//     exponential backoff, a delay cap and a maximum attempt count
//
// Neither type performs I/O; both are safe for concurrent use.
package retry
