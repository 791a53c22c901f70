package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/docpipe/pkg/core"
)

func seedChunks(t *testing.T, s *GormStorage) {
	t.Helper()
	require.NoError(t, s.SaveChunks(context.Background(), []core.Chunk{
		{ID: "c2", DocumentID: "doc-a", ChunkIndex: 1, Content: "second", Embedding: core.Vector{0, 1}},
		{ID: "c1", DocumentID: "doc-a", ChunkIndex: 0, Content: "first", Embedding: core.Vector{1, 0}, ConceptTags: core.StringList{"x"}},
		{ID: "c3", DocumentID: "doc-b", ChunkIndex: 0, Content: "other"},
	}))
}

func TestChunkReader(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	seedChunks(t, s)

	byDoc, err := s.ChunksByDocument(ctx, "doc-a")
	require.NoError(t, err)
	require.Len(t, byDoc, 2)
	assert.Equal(t, "c1", byDoc[0].ID)
	assert.Equal(t, core.Vector{1, 0}, byDoc[0].Embedding)
	assert.Equal(t, core.StringList{"x"}, byDoc[0].ConceptTags)

	byID, err := s.ChunksByIDs(ctx, []string{"c3", "unknown"})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, "doc-b", byID[0].DocumentID)

	empty, err := s.ChunksByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	all, err := s.AllChunks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSaveChunks_ReplacesByID(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	seedChunks(t, s)

	require.NoError(t, s.SaveChunks(ctx, []core.Chunk{{ID: "c1", DocumentID: "doc-a", Content: "rewritten"}}))

	got, err := s.ChunksByIDs(ctx, []string{"c1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rewritten", got[0].Content)
}

func TestUpsertConnections_InsertsNewRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	conn := &core.Connection{SourceChunkID: "c1", TargetChunkID: "c2", EngineType: "semantic_similarity", Strength: 0.8, RawStrength: 0.8, Weight: 1, AutoDetected: true}
	require.NoError(t, s.UpsertConnections(ctx, []*core.Connection{conn}))

	got, err := s.GetConnection(ctx, conn.Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, 0.8, got.Strength, 1e-9)
	assert.Nil(t, got.PreviousStrength)
	assert.Nil(t, got.UserValidated)
	assert.False(t, got.DetectedAt.IsZero())
}

func TestUpsertConnections_PreservesUserValidationAndPreviousStrength(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	conn := &core.Connection{SourceChunkID: "c1", TargetChunkID: "c2", EngineType: "semantic_similarity", Strength: 0.8, Weight: 1, AutoDetected: true}
	require.NoError(t, s.UpsertConnections(ctx, []*core.Connection{conn}))

	// The reading UI validates the row.
	require.NoError(t, s.DB().Model(&core.Connection{}).
		Where("id = ?", conn.ID).
		Update("user_validated", true).Error)

	again := &core.Connection{SourceChunkID: "c1", TargetChunkID: "c2", EngineType: "semantic_similarity", Strength: 0.9, Weight: 1, AutoDetected: true}
	require.NoError(t, s.UpsertConnections(ctx, []*core.Connection{again}))

	got, err := s.GetConnection(ctx, conn.Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, conn.ID, got.ID, "the original row is updated in place")
	assert.InDelta(t, 0.9, got.Strength, 1e-9)
	require.NotNil(t, got.PreviousStrength)
	assert.InDelta(t, 0.8, *got.PreviousStrength, 1e-9)
	require.NotNil(t, got.UserValidated)
	assert.True(t, *got.UserValidated)

	var count int64
	require.NoError(t, s.DB().Model(&core.Connection{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestUpsertConnections_DistinctEnginesCoexist(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.UpsertConnections(ctx, []*core.Connection{
		{SourceChunkID: "c1", TargetChunkID: "c2", EngineType: "semantic_similarity", Strength: 0.8, AutoDetected: true},
		{SourceChunkID: "c1", TargetChunkID: "c2", EngineType: "contradiction_detection", Strength: 0.6, AutoDetected: true},
	}))

	conns, err := s.ConnectionsForSources(ctx, []string{"c1"})
	require.NoError(t, err)
	assert.Len(t, conns, 2)
}

func TestDeleteUnvalidated_KeepsHumanVerdicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	keep := &core.Connection{SourceChunkID: "c1", TargetChunkID: "c2", EngineType: "semantic_similarity", Strength: 0.8, AutoDetected: true}
	drop := &core.Connection{SourceChunkID: "c1", TargetChunkID: "c3", EngineType: "semantic_similarity", Strength: 0.7, AutoDetected: true}
	other := &core.Connection{SourceChunkID: "c1", TargetChunkID: "c3", EngineType: "thematic_bridge", Strength: 0.7, AutoDetected: true}
	require.NoError(t, s.UpsertConnections(ctx, []*core.Connection{keep, drop, other}))
	require.NoError(t, s.DB().Model(&core.Connection{}).
		Where("id = ?", keep.ID).
		Update("user_validated", false).Error)

	n, err := s.DeleteUnvalidated(ctx, []string{"c1"}, []string{"semantic_similarity"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	conns, err := s.ConnectionsForSources(ctx, []string{"c1"})
	require.NoError(t, err)
	assert.Len(t, conns, 2)

	n, err = s.DeleteUnvalidated(ctx, nil, []string{"semantic_similarity"})
	require.NoError(t, err)
	assert.Zero(t, n)
}
