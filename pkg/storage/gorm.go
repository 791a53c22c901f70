// Package storage provides GORM-backed implementations of the docpipe stores.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/security"
)

// claimBatch is how many candidate rows one Claim pass inspects.
const claimBatch = 8

// GormStorage implements the job, checkpoint, blob, chunk and connection
// stores on a single GORM database.
type GormStorage struct {
	db *gorm.DB
}

var (
	_ core.JobStore        = (*GormStorage)(nil)
	_ core.CheckpointIndex = (*GormStorage)(nil)
	_ core.BlobStore       = (*GormStorage)(nil)
	_ core.ChunkReader     = (*GormStorage)(nil)
	_ core.ConnectionStore = (*GormStorage)(nil)
)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying database handle.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.Job{},
		&core.Checkpoint{},
		&core.CheckpointBlob{},
		&core.Chunk{},
		&core.Connection{},
	)
}

// Enqueue adds a job to the table in the pending state.
func (s *GormStorage) Enqueue(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// Claim atomically takes the next runnable job of one of types.
// A row is claimed only when a conditional update on status and lock expiry
// affects exactly one row, so two workers never hold the same job.
// Returns nil, nil when nothing is runnable.
func (s *GormStorage) Claim(ctx context.Context, types []string, workerID string, lease time.Duration) (*core.Job, error) {
	now := time.Now()
	lockUntil := now.Add(lease)

	var candidates []core.Job
	q := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("id").
		Where("status = ?", core.StatusPending).
		Where("(next_retry_at IS NULL OR next_retry_at <= ?)", now).
		Where("(locked_until IS NULL OR locked_until < ?)", now)
	if len(types) > 0 {
		q = q.Where("type IN ?", types)
	}
	err := q.Order("priority DESC, created_at ASC").
		Limit(claimBatch).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		result := s.db.WithContext(ctx).
			Model(&core.Job{}).
			Where("id = ? AND status = ?", c.ID, core.StatusPending).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Updates(map[string]any{
				"status":            core.StatusProcessing,
				"locked_by":         workerID,
				"locked_until":      lockUntil,
				"last_heartbeat_at": now,
				"started_at":        gorm.Expr("COALESCE(started_at, ?)", now),
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 1 {
			return s.GetJob(ctx, c.ID)
		}
	}
	return nil, nil
}

// owned scopes an update to a processing job locked by workerID.
func (s *GormStorage) owned(ctx context.Context, jobID, workerID string) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.StatusProcessing)
}

// ownershipError explains why an owned update matched no rows.
func (s *GormStorage) ownershipError(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return core.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return core.ErrJobTerminal
	}
	return core.ErrJobNotOwned
}

func (s *GormStorage) updateOwned(ctx context.Context, jobID, workerID string, updates map[string]any) error {
	result := s.owned(ctx, jobID, workerID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.ownershipError(ctx, jobID)
	}
	return nil
}

// SaveProgress records a stage transition. The stored percentage never
// decreases within a run.
func (s *GormStorage) SaveProgress(ctx context.Context, jobID, workerID string, u core.ProgressUpdate) error {
	updates := map[string]any{
		"stage":            u.Stage,
		"progress_detail":  u.Detail,
		"progress_percent": gorm.Expr("CASE WHEN progress_percent > ? THEN progress_percent ELSE ? END", u.Percent, u.Percent),
	}
	if u.Checkpoint != nil {
		updates["checkpoint_stage"] = u.Checkpoint.Stage
		updates["checkpoint_hash"] = u.Checkpoint.Hash
	}
	return s.updateOwned(ctx, jobID, workerID, updates)
}

// ResetRun clears progress and the checkpoint ref so the run restarts from
// the first stage.
func (s *GormStorage) ResetRun(ctx context.Context, jobID, workerID string) error {
	return s.updateOwned(ctx, jobID, workerID, map[string]any{
		"stage":            "",
		"progress_percent": 0,
		"progress_detail":  "",
		"checkpoint_stage": "",
		"checkpoint_hash":  "",
	})
}

// Complete marks a job as successfully completed with its output.
func (s *GormStorage) Complete(ctx context.Context, jobID, workerID string, output []byte) error {
	now := time.Now()
	return s.updateOwned(ctx, jobID, workerID, map[string]any{
		"status":           core.StatusCompleted,
		"output_data":      output,
		"progress_percent": 100,
		"completed_at":     now,
		"next_retry_at":    nil,
		"pause_requested":  false,
		"locked_by":        "",
		"locked_until":     nil,
	})
}

// Fail marks a job as permanently failed.
// Error messages are sanitized before storage.
func (s *GormStorage) Fail(ctx context.Context, jobID, workerID string, kind core.ErrorKind, errMsg string) error {
	now := time.Now()
	return s.updateOwned(ctx, jobID, workerID, map[string]any{
		"status":          core.StatusFailed,
		"last_error_kind": kind,
		"last_error":      security.SanitizeErrorMessage(errMsg),
		"completed_at":    now,
		"next_retry_at":   nil,
		"pause_requested": false,
		"locked_by":       "",
		"locked_until":    nil,
	})
}

// Retry returns a job to pending, bumps its retry count and delays the next
// claim until nextRetryAt. The checkpoint ref is kept.
func (s *GormStorage) Retry(ctx context.Context, jobID, workerID string, kind core.ErrorKind, errMsg string, nextRetryAt time.Time) error {
	return s.updateOwned(ctx, jobID, workerID, map[string]any{
		"status":          core.StatusPending,
		"retry_count":     gorm.Expr("retry_count + 1"),
		"last_error_kind": kind,
		"last_error":      security.SanitizeErrorMessage(errMsg),
		"next_retry_at":   nextRetryAt,
		"locked_by":       "",
		"locked_until":    nil,
	})
}

// Pause parks a job at a stage boundary. ref must name a durable checkpoint.
// kind records why a pause that was not requested happened (gated failures).
func (s *GormStorage) Pause(ctx context.Context, jobID, workerID string, ref core.CheckpointRef, reason string, kind core.ErrorKind) error {
	now := time.Now()
	updates := map[string]any{
		"status":           core.StatusPaused,
		"checkpoint_stage": ref.Stage,
		"checkpoint_hash":  ref.Hash,
		"pause_reason":     reason,
		"paused_at":        now,
		"pause_requested":  false,
		"locked_by":        "",
		"locked_until":     nil,
	}
	if kind != "" {
		updates["last_error_kind"] = kind
		updates["last_error"] = security.SanitizeErrorMessage(reason)
	}
	return s.updateOwned(ctx, jobID, workerID, updates)
}

// RequestPause flags a pending or processing job to stop at its next stage
// boundary. Requesting a pause on an already paused job is a no-op.
func (s *GormStorage) RequestPause(ctx context.Context, jobID string) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status IN ?", jobID, []core.JobStatus{core.StatusPending, core.StatusProcessing}).
		Update("pause_requested", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch {
	case job == nil:
		return core.ErrJobNotFound
	case job.Status.Terminal():
		return core.ErrJobTerminal
	}
	return nil
}

// PauseRequested reports whether a pause has been requested for the job.
func (s *GormStorage) PauseRequested(ctx context.Context, jobID string) (bool, error) {
	var job core.Job
	err := s.db.WithContext(ctx).
		Select("pause_requested").
		First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, core.ErrJobNotFound
	}
	if err != nil {
		return false, err
	}
	return job.PauseRequested, nil
}

// Resume moves a paused job back to pending so a worker picks it up from its
// checkpoint.
func (s *GormStorage) Resume(ctx context.Context, jobID string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status = ?", jobID, core.StatusPaused).
		Updates(map[string]any{
			"status":          core.StatusPending,
			"resumed_at":      now,
			"resume_count":    gorm.Expr("resume_count + 1"),
			"pause_requested": false,
			"pause_reason":    "",
			"next_retry_at":   nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return core.ErrJobNotFound
	}
	return core.ErrJobNotPaused
}

// Heartbeat extends the lease on a processing job.
func (s *GormStorage) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	now := time.Now()
	return s.updateOwned(ctx, jobID, workerID, map[string]any{
		"locked_until":      now.Add(lease),
		"last_heartbeat_at": now,
	})
}

// ReleaseStaleLocks returns processing jobs whose lease expired to pending.
func (s *GormStorage) ReleaseStaleLocks(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("status = ?", core.StatusProcessing).
		Where("locked_until < ?", time.Now()).
		Updates(map[string]any{
			"status":       core.StatusPending,
			"locked_by":    "",
			"locked_until": nil,
		})
	return result.RowsAffected, result.Error
}

// GetJob retrieves a job by ID. Returns nil, nil when no such job exists.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *GormStorage) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	var jobList []*core.Job
	q := s.db.WithContext(ctx).Model(&core.Job{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	err := q.Order("created_at DESC").Find(&jobList).Error
	return jobList, err
}

// CountByStatus returns the number of jobs per (type, status).
func (s *GormStorage) CountByStatus(ctx context.Context) ([]core.StatusCount, error) {
	var counts []core.StatusCount
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("type, status, COUNT(*) AS count").
		Group("type, status").
		Order("type, status").
		Scan(&counts).Error
	return counts, err
}
