package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/docpipe/pkg/core"
)

func TestCheckpointIndex_LatestAndFind(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	first := &core.Checkpoint{JobID: "job-1", Stage: "extract", Hash: "h1", BlobKey: "job-1/extract/h1"}
	require.NoError(t, s.SaveCheckpoint(ctx, first))
	time.Sleep(2 * time.Millisecond)
	second := &core.Checkpoint{JobID: "job-1", Stage: "extract", Hash: "h2", BlobKey: "job-1/extract/h2"}
	require.NoError(t, s.SaveCheckpoint(ctx, second))

	latest, err := s.LatestCheckpoint(ctx, "job-1", "extract")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "h2", latest.Hash)

	found, err := s.FindCheckpoint(ctx, "job-1", core.CheckpointRef{Stage: "extract", Hash: "h1"})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)

	missing, err := s.FindCheckpoint(ctx, "job-1", core.CheckpointRef{Stage: "extract", Hash: "zz"})
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := s.GetCheckpoints(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "h1", all[0].Hash)
}

func TestDeleteCheckpoints_ReturnsRemovedRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.SaveCheckpoint(ctx, &core.Checkpoint{JobID: "job-1", Stage: "a", Hash: "h", BlobKey: "k1"}))
	require.NoError(t, s.SaveCheckpoint(ctx, &core.Checkpoint{JobID: "job-2", Stage: "a", Hash: "h", BlobKey: "k2"}))

	removed, err := s.DeleteCheckpoints(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "k1", removed[0].BlobKey)

	left, err := s.GetCheckpoints(ctx, "job-2")
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestTerminalJobsBefore(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	done := claimJob(t, s, "w1")
	require.NoError(t, s.SaveCheckpoint(ctx, &core.Checkpoint{JobID: done.ID, Stage: "a", Hash: "h", BlobKey: "k"}))
	require.NoError(t, s.Complete(ctx, done.ID, "w1", nil))

	running := claimJob(t, s, "w1")
	require.NoError(t, s.SaveCheckpoint(ctx, &core.Checkpoint{JobID: running.ID, Stage: "a", Hash: "h", BlobKey: "k2"}))

	ids, err := s.TerminalJobsBefore(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{done.ID}, ids)

	ids, err = s.TerminalJobsBefore(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = s.DeleteCheckpoints(ctx, done.ID)
	require.NoError(t, err)
	ids, err = s.TerminalJobsBefore(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "jobs without checkpoints are not listed")
}

func TestBlobTable_WriteOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.PutBlob(ctx, "j/a/h", []byte("first")))
	require.NoError(t, s.PutBlob(ctx, "j/a/h", []byte("second")))

	data, err := s.GetBlob(ctx, "j/a/h")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)

	_, err = s.GetBlob(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrBlobNotFound)

	require.NoError(t, s.DeleteBlobs(ctx, "j/a/h", "missing"))
	_, err = s.GetBlob(ctx, "j/a/h")
	assert.ErrorIs(t, err, core.ErrBlobNotFound)
	require.NoError(t, s.DeleteBlobs(ctx))
}
