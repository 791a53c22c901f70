// Package schedule runs maintenance tasks on recurring schedules.
//
// This package includes:
//   - Schedule interface for computing the next run time
//   - Every() for fixed-interval schedules
//   - Cron() for cron expressions, including descriptors such as @daily
//   - Parse() accepting either a Go duration or a cron expression
//   - Loop, which runs a Task on a Schedule until its context ends
//
// The worker uses it for the stale-lock reaper and the checkpoint sweeper.
package schedule
