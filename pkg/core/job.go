// Package core provides the domain models and interfaces for the docpipe packages.
package core

import (
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusPaused     JobStatus = "paused"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TerminalStatuses lists the statuses guarded against further mutation.
var TerminalStatuses = []JobStatus{StatusCompleted, StatusFailed}

// Well-known job types. The set is open; callers register their own.
const (
	TypeIngestDocument    = "ingest-document"
	TypeDetectConnections = "detect-connections"
)

// Job is the durable record of one pipeline run.
type Job struct {
	ID              string    `gorm:"primaryKey;size:36"`
	Type            string    `gorm:"index;size:255;not null"`
	Status          JobStatus `gorm:"index;size:20;default:'pending'"`
	Priority        int       `gorm:"index;default:0"`
	Stage           string    `gorm:"size:255"`
	ProgressPercent int       `gorm:"default:0"`
	ProgressDetail  string    `gorm:"type:text"`

	InputData  []byte `gorm:"type:bytes"` // Immutable after creation
	OutputData []byte `gorm:"type:bytes"` // Set only when completed

	CheckpointStage string `gorm:"size:255"`
	CheckpointHash  string `gorm:"size:64"`

	RetryCount    int       `gorm:"default:0"`
	LastErrorKind ErrorKind `gorm:"size:20"`
	LastError     string    `gorm:"type:text"`
	NextRetryAt   *time.Time `gorm:"index"`

	PauseRequested bool   `gorm:"default:false"`
	PauseReason    string `gorm:"type:text"`
	PausedAt       *time.Time
	ResumedAt      *time.Time
	ResumeCount    int `gorm:"default:0"`

	LockedBy        string     `gorm:"size:255"`
	LockedUntil     *time.Time `gorm:"index"`
	LastHeartbeatAt *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

// CheckpointRef returns the job's pointer into the checkpoint store, or nil.
func (j *Job) CheckpointRef() *CheckpointRef {
	if j == nil || j.CheckpointStage == "" || j.CheckpointHash == "" {
		return nil
	}
	return &CheckpointRef{Stage: j.CheckpointStage, Hash: j.CheckpointHash}
}

// CheckpointRef identifies a checkpoint by stage and content hash.
type CheckpointRef struct {
	Stage string `json:"stage"`
	Hash  string `json:"hash"`
}

// Checkpoint is the append-only index row describing one stored stage snapshot.
// The payload itself lives in a BlobStore under BlobKey.
type Checkpoint struct {
	ID        string    `gorm:"primaryKey;size:36"`
	JobID     string    `gorm:"index:idx_checkpoint_job_stage;size:36;not null"`
	Stage     string    `gorm:"index:idx_checkpoint_job_stage;size:255;not null"`
	Hash      string    `gorm:"size:64;not null"`
	BlobKey   string    `gorm:"size:512;not null"`
	Size      int       `gorm:"default:0"`
	CreatedAt time.Time `gorm:"autoCreateTime:nano;index"`
}

// CheckpointBlob is a write-once payload stored in the relational blob table.
type CheckpointBlob struct {
	BlobKey   string    `gorm:"primaryKey;size:512"`
	Data      []byte    `gorm:"type:bytes"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Status JobStatus
	Type   string
	Limit  int
}
