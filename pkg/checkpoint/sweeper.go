package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/docpipe/pkg/core"
)

// Sweeper garbage-collects checkpoints of jobs that reached a terminal state
// more than Retention ago. Jobs that are still live are never touched.
type Sweeper struct {
	Index     core.CheckpointIndex
	Blobs     core.BlobStore
	Retention time.Duration
	BatchSize int
	Logger    *slog.Logger

	now func() time.Time
}

// SweepResult summarizes one Sweep.
type SweepResult struct {
	Jobs        int
	Checkpoints int
}

// Sweep deletes checkpoints for one batch of eligible jobs.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	batch := s.BatchSize
	if batch <= 0 {
		batch = 100
	}

	jobIDs, err := s.Index.TerminalJobsBefore(ctx, now().Add(-s.Retention), batch)
	if err != nil {
		return res, fmt.Errorf("list sweepable jobs: %w", err)
	}

	for _, id := range jobIDs {
		removed, err := s.Index.DeleteCheckpoints(ctx, id)
		if err != nil {
			return res, fmt.Errorf("delete checkpoints for %s: %w", id, err)
		}
		keys := make([]string, 0, len(removed))
		for _, cp := range removed {
			keys = append(keys, cp.BlobKey)
		}
		if err := s.Blobs.DeleteBlobs(ctx, keys...); err != nil {
			return res, fmt.Errorf("delete checkpoint blobs for %s: %w", id, err)
		}
		res.Jobs++
		res.Checkpoints += len(removed)
		logger.Debug("swept checkpoints", "job_id", id, "count", len(removed))
	}
	if res.Jobs > 0 {
		logger.Info("checkpoint sweep finished", "jobs", res.Jobs, "checkpoints", res.Checkpoints)
	}
	return res, nil
}

// Task adapts Sweep to a schedule.Task.
func (s *Sweeper) Task(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	return err
}
