package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/docpipe/pkg/core"
)

// SaveCheckpoint appends a checkpoint index row.
func (s *GormStorage) SaveCheckpoint(ctx context.Context, cp *core.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(cp).Error
}

// LatestCheckpoint returns the newest checkpoint for stage, or nil, nil.
func (s *GormStorage) LatestCheckpoint(ctx context.Context, jobID, stage string) (*core.Checkpoint, error) {
	var cp core.Checkpoint
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND stage = ?", jobID, stage).
		Order("created_at DESC").
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// FindCheckpoint returns the newest checkpoint matching ref, or nil, nil.
func (s *GormStorage) FindCheckpoint(ctx context.Context, jobID string, ref core.CheckpointRef) (*core.Checkpoint, error) {
	var cp core.Checkpoint
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND stage = ? AND hash = ?", jobID, ref.Stage, ref.Hash).
		Order("created_at DESC").
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// GetCheckpoints retrieves all checkpoints for a job, oldest first.
func (s *GormStorage) GetCheckpoints(ctx context.Context, jobID string) ([]core.Checkpoint, error) {
	var checkpoints []core.Checkpoint
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&checkpoints).Error
	return checkpoints, err
}

// DeleteCheckpoints removes all checkpoint rows for a job and returns them so
// the caller can drop the referenced blobs.
func (s *GormStorage) DeleteCheckpoints(ctx context.Context, jobID string) ([]core.Checkpoint, error) {
	var removed []core.Checkpoint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", jobID).Find(&removed).Error; err != nil {
			return err
		}
		return tx.Where("job_id = ?", jobID).Delete(&core.Checkpoint{}).Error
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// TerminalJobsBefore lists terminal jobs finished before cutoff that still
// own checkpoint rows.
func (s *GormStorage) TerminalJobsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	q := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("status IN ?", core.TerminalStatuses).
		Where("completed_at < ?", cutoff).
		Where("id IN (?)", s.db.Model(&core.Checkpoint{}).Select("job_id")).
		Order("completed_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Pluck("id", &ids).Error
	return ids, err
}

// PutBlob stores data under key. An existing key is left untouched.
func (s *GormStorage) PutBlob(ctx context.Context, key string, data []byte) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "blob_key"}}, DoNothing: true}).
		Create(&core.CheckpointBlob{BlobKey: key, Data: data}).Error
}

// GetBlob returns the payload stored under key.
func (s *GormStorage) GetBlob(ctx context.Context, key string) ([]byte, error) {
	var blob core.CheckpointBlob
	err := s.db.WithContext(ctx).First(&blob, "blob_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrBlobNotFound
	}
	if err != nil {
		return nil, err
	}
	return blob.Data, nil
}

// DeleteBlobs removes the given keys. Missing keys are ignored.
func (s *GormStorage) DeleteBlobs(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("blob_key IN ?", keys).
		Delete(&core.CheckpointBlob{}).Error
}
