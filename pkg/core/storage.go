package core

import (
	"context"
	"time"
)

// ProgressUpdate is a stage transition persisted by the executor.
type ProgressUpdate struct {
	Stage   string
	Percent int
	Detail  string
	// Checkpoint, when set, advances the job's checkpoint ref.
	Checkpoint *CheckpointRef
}

// JobStore is the durable job record table. Every mutation after Enqueue is
// owned by the worker holding the lock; none of them touch a terminal job.
type JobStore interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Job lifecycle
	Enqueue(ctx context.Context, job *Job) error
	Claim(ctx context.Context, types []string, workerID string, lease time.Duration) (*Job, error)
	SaveProgress(ctx context.Context, jobID, workerID string, update ProgressUpdate) error
	ResetRun(ctx context.Context, jobID, workerID string) error
	Complete(ctx context.Context, jobID, workerID string, output []byte) error
	Fail(ctx context.Context, jobID, workerID string, kind ErrorKind, errMsg string) error
	Retry(ctx context.Context, jobID, workerID string, kind ErrorKind, errMsg string, nextRetryAt time.Time) error
	Pause(ctx context.Context, jobID, workerID string, ref CheckpointRef, reason string, kind ErrorKind) error

	// Cooperative pause
	RequestPause(ctx context.Context, jobID string) error
	PauseRequested(ctx context.Context, jobID string) (bool, error)
	Resume(ctx context.Context, jobID string) error

	// Locking
	Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error
	ReleaseStaleLocks(ctx context.Context) (int64, error)

	// Queries
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
}

// CheckpointIndex records checkpoint metadata rows. Rows are only ever appended.
type CheckpointIndex interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	LatestCheckpoint(ctx context.Context, jobID, stage string) (*Checkpoint, error)
	FindCheckpoint(ctx context.Context, jobID string, ref CheckpointRef) (*Checkpoint, error)
	GetCheckpoints(ctx context.Context, jobID string) ([]Checkpoint, error)
	DeleteCheckpoints(ctx context.Context, jobID string) ([]Checkpoint, error)
	TerminalJobsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// BlobStore holds checkpoint payloads. Put never overwrites an existing key.
type BlobStore interface {
	PutBlob(ctx context.Context, key string, data []byte) error
	GetBlob(ctx context.Context, key string) ([]byte, error)
	DeleteBlobs(ctx context.Context, keys ...string) error
}

// ChunkReader is the read-only view of externally-owned chunks.
type ChunkReader interface {
	ChunksByDocument(ctx context.Context, documentID string) ([]Chunk, error)
	ChunksByIDs(ctx context.Context, ids []string) ([]Chunk, error)
	AllChunks(ctx context.Context) ([]Chunk, error)
}

// ConnectionStore persists connections with merge-not-replace semantics.
type ConnectionStore interface {
	// UpsertConnections inserts or updates by (source, target, engine) in a
	// single statement and never writes UserValidated on conflict.
	UpsertConnections(ctx context.Context, conns []*Connection) error
	GetConnection(ctx context.Context, key ConnectionKey) (*Connection, error)
	ConnectionsForSources(ctx context.Context, sourceIDs []string) ([]*Connection, error)
	// DeleteUnvalidated removes auto-detected rows without a human verdict.
	DeleteUnvalidated(ctx context.Context, sourceIDs, engineTypes []string) (int64, error)
}

// StatusCount is the number of jobs of one type in one status.
type StatusCount struct {
	Type   string
	Status JobStatus
	Count  int64
}
