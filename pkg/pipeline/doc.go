// Package pipeline drives a job through an ordered list of named stages.
//
// After every stage the accumulated State is checkpointed and the job's
// progress advances to the end of the stage's band. A pause request is
// honoured at the next stage boundary. On the next claim the executor reloads
// the job's checkpoint, verifies its SHA-256 and continues with the following
// stage; a checkpoint that fails verification restarts the run from the first
// stage.
//
// Stage failures are classified with pkg/retry. Transient failures return the
// job to pending with a backoff, gated failures pause it, and everything else
// fails it. Stages marked NonBlocking record a Warning and let the run finish
// with "partial": true in the output.
package pipeline
