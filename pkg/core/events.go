package core

import "time"

// Event is the interface for all pipeline events.
type Event interface {
	eventMarker()
}

// Emitter publishes events. Implementations must not block.
type Emitter interface {
	Emit(e Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) { f(e) }

// JobStarted is emitted when a worker begins (or resumes) running a job.
type JobStarted struct {
	Job       *Job
	FromStage string // Stage the run starts at
	Resumed   bool
	Timestamp time.Time
}

func (*JobStarted) eventMarker() {}

// StageCompleted is emitted after a stage's checkpoint is durably written.
type StageCompleted struct {
	JobID     string
	Stage     string
	Hash      string
	Duration  time.Duration
	Timestamp time.Time
}

func (*StageCompleted) eventMarker() {}

// StageFailed is emitted when a stage returns an error.
type StageFailed struct {
	JobID       string
	Stage       string
	Kind        ErrorKind
	Error       error
	NonBlocking bool
	Timestamp   time.Time
}

func (*StageFailed) eventMarker() {}

// JobCompleted is emitted when a job completes successfully.
type JobCompleted struct {
	Job       *Job
	Partial   bool
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) eventMarker() {}

// JobFailed is emitted when a job fails permanently.
type JobFailed struct {
	Job       *Job
	Kind      ErrorKind
	Error     error
	Timestamp time.Time
}

func (*JobFailed) eventMarker() {}

// JobRetrying is emitted when a job is rescheduled after a transient failure.
type JobRetrying struct {
	Job       *Job
	Attempt   int
	Error     error
	NextRunAt time.Time
	Timestamp time.Time
}

func (*JobRetrying) eventMarker() {}

// JobPaused is emitted when a job stops at a stage boundary.
type JobPaused struct {
	Job       *Job
	Stage     string
	Reason    string
	Timestamp time.Time
}

func (*JobPaused) eventMarker() {}

// CheckpointSaved is emitted when a checkpoint is saved.
type CheckpointSaved struct {
	JobID     string
	Stage     string
	Hash      string
	Size      int
	Timestamp time.Time
}

func (*CheckpointSaved) eventMarker() {}

// CheckpointCorrupted is emitted when resume finds an untrusted checkpoint.
type CheckpointCorrupted struct {
	JobID     string
	Stage     string
	Expected  string
	Actual    string
	Timestamp time.Time
}

func (*CheckpointCorrupted) eventMarker() {}

// EngineCompleted is emitted after an engine finishes inside the orchestrator.
type EngineCompleted struct {
	Engine     string
	Candidates int
	Truncated  bool
	Duration   time.Duration
	Timestamp  time.Time
}

func (*EngineCompleted) eventMarker() {}

// EngineFailed is emitted when an engine errors; siblings keep running.
type EngineFailed struct {
	Engine    string
	Error     error
	Duration  time.Duration
	Timestamp time.Time
}

func (*EngineFailed) eventMarker() {}

// JobEnqueued is emitted when a job record is created.
type JobEnqueued struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobEnqueued) eventMarker() {}

// JobResumed is emitted when a paused job is returned to pending.
type JobResumed struct {
	Job       *Job
	Timestamp time.Time
}

func (*JobResumed) eventMarker() {}

// PauseRequested is emitted when a caller asks a job to stop at its next
// stage boundary.
type PauseRequested struct {
	JobID     string
	Timestamp time.Time
}

func (*PauseRequested) eventMarker() {}
