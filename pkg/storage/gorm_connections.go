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

// upsertBatchSize bounds the rows sent in one INSERT ... ON CONFLICT.
const upsertBatchSize = 200

// SaveChunks writes chunk rows, replacing existing rows by ID.
// Chunks are owned by the ingestion side; the connection engines only read them.
func (s *GormStorage) SaveChunks(ctx context.Context, chunks []core.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(chunks, upsertBatchSize).Error
}

// ChunksByDocument returns the chunks of one document in reading order.
func (s *GormStorage) ChunksByDocument(ctx context.Context, documentID string) ([]core.Chunk, error) {
	var chunks []core.Chunk
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("chunk_index ASC").
		Find(&chunks).Error
	return chunks, err
}

// ChunksByIDs returns the named chunks. Unknown IDs are skipped.
func (s *GormStorage) ChunksByIDs(ctx context.Context, ids []string) ([]core.Chunk, error) {
	var chunks []core.Chunk
	if len(ids) == 0 {
		return chunks, nil
	}
	err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("document_id ASC, chunk_index ASC").
		Find(&chunks).Error
	return chunks, err
}

// AllChunks returns every chunk in the library.
func (s *GormStorage) AllChunks(ctx context.Context) ([]core.Chunk, error) {
	var chunks []core.Chunk
	err := s.db.WithContext(ctx).
		Order("document_id ASC, chunk_index ASC").
		Find(&chunks).Error
	return chunks, err
}

// UpsertConnections inserts new connections and merges re-detections into
// existing rows keyed by (source, target, engine). On conflict the previous
// strength is preserved and UserValidated is never written.
func (s *GormStorage) UpsertConnections(ctx context.Context, conns []*core.Connection) error {
	if len(conns) == 0 {
		return nil
	}
	now := time.Now()
	for _, c := range conns {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.DetectedAt.IsZero() {
			c.DetectedAt = now
		}
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "source_chunk_id"},
				{Name: "target_chunk_id"},
				{Name: "engine_type"},
			},
			DoUpdates: clause.Assignments(map[string]any{
				"previous_strength": gorm.Expr("connections.strength"),
				"strength":          gorm.Expr("excluded.strength"),
				"raw_strength":      gorm.Expr("excluded.raw_strength"),
				"weight":            gorm.Expr("excluded.weight"),
				"metadata":          gorm.Expr("excluded.metadata"),
				"auto_detected":     gorm.Expr("excluded.auto_detected"),
				"detected_at":       gorm.Expr("excluded.detected_at"),
				"updated_at":        gorm.Expr("excluded.updated_at"),
			}),
		}).
		CreateInBatches(conns, upsertBatchSize).Error
}

// GetConnection returns the connection with key, or nil, nil.
func (s *GormStorage) GetConnection(ctx context.Context, key core.ConnectionKey) (*core.Connection, error) {
	var conn core.Connection
	err := s.db.WithContext(ctx).
		Where("source_chunk_id = ? AND target_chunk_id = ? AND engine_type = ?",
			key.SourceChunkID, key.TargetChunkID, key.EngineType).
		First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

// ConnectionsForSources returns every connection leaving the given chunks.
func (s *GormStorage) ConnectionsForSources(ctx context.Context, sourceIDs []string) ([]*core.Connection, error) {
	var conns []*core.Connection
	if len(sourceIDs) == 0 {
		return conns, nil
	}
	err := s.db.WithContext(ctx).
		Where("source_chunk_id IN ?", sourceIDs).
		Order("source_chunk_id ASC, engine_type ASC, strength DESC").
		Find(&conns).Error
	return conns, err
}

// DeleteUnvalidated removes auto-detected connections without a user verdict.
func (s *GormStorage) DeleteUnvalidated(ctx context.Context, sourceIDs, engineTypes []string) (int64, error) {
	if len(sourceIDs) == 0 || len(engineTypes) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).
		Where("source_chunk_id IN ?", sourceIDs).
		Where("engine_type IN ?", engineTypes).
		Where("auto_detected = ?", true).
		Where("user_validated IS NULL").
		Delete(&core.Connection{})
	return result.RowsAffected, result.Error
}
