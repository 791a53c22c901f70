// Package docpipe runs document ingestion as resumable, checkpointed
// pipelines and detects connections between the resulting chunks.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	store, _ := docpipe.Open("docpipe.db")
//	store.Migrate(ctx)
//	queue := docpipe.New(store)
//	checkpoints := docpipe.NewCheckpointStore(store, store, queue)
//
//	orch, _ := docpipe.NewOrchestrator(store, store, docpipe.DefaultRegistry(nil, nil))
//	queue.MustRegister(docpipe.IngestPipeline(docpipe.NewTextProcessor(nil), store, orch))
//	queue.MustRegister(docpipe.DetectPipeline(orch))
//
//	queue.Enqueue(ctx, docpipe.TypeIngestDocument, docpipe.IngestInput{
//	    DocumentID: "doc-1",
//	    Source:     "https://example.com/paper.md",
//	})
//
//	worker := docpipe.NewWorker(queue, checkpoints)
//	worker.Start(ctx)
package docpipe

import (
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/llms"
	"gorm.io/gorm"

	"github.com/jdziat/docpipe/pkg/checkpoint"
	"github.com/jdziat/docpipe/pkg/connect"
	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/engine"
	"github.com/jdziat/docpipe/pkg/ingest"
	"github.com/jdziat/docpipe/pkg/pipeline"
	"github.com/jdziat/docpipe/pkg/queue"
	"github.com/jdziat/docpipe/pkg/security"
	"github.com/jdziat/docpipe/pkg/storage"
	"github.com/jdziat/docpipe/pkg/worker"
)

type (
	// Job is the durable record of one pipeline run.
	Job = core.Job

	// JobStatus is the lifecycle state of a job.
	JobStatus = core.JobStatus

	// JobFilter narrows ListJobs.
	JobFilter = core.JobFilter

	// Checkpoint indexes one saved stage payload.
	Checkpoint = core.Checkpoint

	// Chunk is a persisted piece of a document.
	Chunk = core.Chunk

	// Connection links two chunks found by an engine.
	Connection = core.Connection

	// ErrorKind is the retry taxonomy a failure is classified into.
	ErrorKind = core.ErrorKind

	// ClassifiedError carries an explicit ErrorKind.
	ClassifiedError = core.ClassifiedError

	// RetryAfterError asks for a retry no sooner than its delay.
	RetryAfterError = core.RetryAfterError

	// Event is the interface for all queue events.
	Event = core.Event

	JobEnqueued         = core.JobEnqueued
	JobStarted          = core.JobStarted
	JobCompleted        = core.JobCompleted
	JobFailed           = core.JobFailed
	JobRetrying         = core.JobRetrying
	JobPaused           = core.JobPaused
	JobResumed          = core.JobResumed
	PauseRequested      = core.PauseRequested
	StageCompleted      = core.StageCompleted
	StageFailed         = core.StageFailed
	CheckpointSaved     = core.CheckpointSaved
	CheckpointCorrupted = core.CheckpointCorrupted
	EngineCompleted     = core.EngineCompleted
	EngineFailed        = core.EngineFailed

	Queue  = queue.Queue
	Option = queue.Option

	Pipeline     = pipeline.Pipeline
	Stage        = pipeline.Stage
	StageContext = pipeline.StageContext
	Band         = pipeline.Band
	Output       = pipeline.Output

	Worker       = worker.Worker
	WorkerOption = worker.WorkerOption
	WorkerConfig = worker.WorkerConfig

	GormStorage     = storage.GormStorage
	CheckpointStore = checkpoint.Store
	Sweeper         = checkpoint.Sweeper

	Orchestrator    = connect.Orchestrator
	ConnectConfig   = connect.Config
	Selection       = connect.Selection
	DetectOptions   = connect.Options
	Report          = connect.Report
	EngineRegistry  = engine.Registry
	TextProcessor   = ingest.TextProcessor
	Fetcher         = ingest.Fetcher
	IngestInput     = ingest.Input
	DetectInput     = connect.Input
	IngestProcessor = ingest.Processor
)

const (
	StatusPending    = core.StatusPending
	StatusProcessing = core.StatusProcessing
	StatusPaused     = core.StatusPaused
	StatusCompleted  = core.StatusCompleted
	StatusFailed     = core.StatusFailed
)

const (
	KindTransient    = core.KindTransient
	KindPermanent    = core.KindPermanent
	KindGated        = core.KindGated
	KindInvalidInput = core.KindInvalidInput
)

const (
	TypeIngestDocument    = core.TypeIngestDocument
	TypeDetectConnections = core.TypeDetectConnections
)

const (
	MaxJobTypeLength      = security.MaxJobTypeLength
	MaxInputSize          = security.MaxInputSize
	MaxConcurrency        = security.MaxConcurrency
	MaxErrorMessageLength = security.MaxErrorMessageLength
)

var (
	ErrJobNotFound         = core.ErrJobNotFound
	ErrJobTerminal         = core.ErrJobTerminal
	ErrJobNotPaused        = core.ErrJobNotPaused
	ErrUnknownJobType      = core.ErrUnknownJobType
	ErrInputTooLarge       = core.ErrInputTooLarge
	ErrCheckpointCorrupted = core.ErrCheckpointCorrupted
	ErrAllEnginesFailed    = connect.ErrAllEnginesFailed
)

// New creates a queue over s.
func New(s core.JobStore) *Queue {
	return queue.New(s)
}

// Open connects to a sqlite file or a postgres DSN.
func Open(dsn string, opts ...storage.PoolOption) (*GormStorage, error) {
	return storage.Open(dsn, opts...)
}

// NewGormStorage wraps an existing gorm connection.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// NewCheckpointStore indexes checkpoints in index and keeps payloads in
// blobs. Saves and corruptions are reported to q.
func NewCheckpointStore(index core.CheckpointIndex, blobs core.BlobStore, q *Queue) *CheckpointStore {
	return checkpoint.New(index, blobs, checkpoint.WithEmitter(q))
}

// NewWorker creates a worker for q.
func NewWorker(q *Queue, checkpoints *CheckpointStore, opts ...WorkerOption) *Worker {
	return worker.NewWorker(q, checkpoints, opts...)
}

// DefaultRegistry registers the built-in engines. A nil model leaves the
// thematic bridge unavailable.
func DefaultRegistry(model llms.Model, logger *slog.Logger) *EngineRegistry {
	return connect.DefaultRegistry(model, logger)
}

// NewOrchestrator runs the registry's enabled engines over chunks and
// writes what they find to conns.
func NewOrchestrator(chunks core.ChunkReader, conns core.ConnectionStore, registry *EngineRegistry, opts ...connect.Option) (*Orchestrator, error) {
	return connect.New(chunks, conns, registry, opts...)
}

// NewTextProcessor returns the plain text and Markdown processor.
func NewTextProcessor(f *Fetcher) *TextProcessor {
	return ingest.NewTextProcessor(f)
}

// IngestPipeline builds the ingest-document pipeline. A nil orchestrator
// leaves out the connect stage.
func IngestPipeline(proc IngestProcessor, chunks ingest.ChunkWriter, orch *Orchestrator) *Pipeline {
	return ingest.Pipeline(proc, chunks, orch, ingest.Options{})
}

// DetectPipeline builds the standalone detect-connections pipeline.
func DetectPipeline(orch *Orchestrator) *Pipeline {
	return connect.Pipeline(orch)
}

// Transient marks err as retryable with backoff.
func Transient(err error) error { return core.Transient(err) }

// Permanent marks err as never retryable.
func Permanent(err error) error { return core.Permanent(err) }

// Gated marks err as needing a person; the job pauses.
func Gated(err error) error { return core.Gated(err) }

// InvalidInput marks err as a malformed job input.
func InvalidInput(err error) error { return core.InvalidInput(err) }

// RetryAfter asks for a retry no sooner than d.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// PauseAfter ends the current stage successfully and pauses the job.
func PauseAfter(reason string) error {
	return pipeline.PauseAfter(reason)
}

// Priority sets the job priority. Higher runs first.
func Priority(p int) Option {
	return queue.Priority(p)
}

// Delay defers the first run by d.
func Delay(d time.Duration) Option {
	return queue.Delay(d)
}

// At defers the first run until t.
func At(t time.Time) Option {
	return queue.At(t)
}

// Concurrency sets the number of jobs a worker runs at once.
func Concurrency(n int) WorkerOption {
	return worker.Concurrency(n)
}

// JobTypes restricts a worker to the given job types.
func JobTypes(types ...string) WorkerOption {
	return worker.JobTypes(types...)
}

// PollInterval sets how often a worker looks for runnable jobs.
func PollInterval(d time.Duration) WorkerOption {
	return worker.PollInterval(d)
}

// Lease sets the claim lease duration.
func Lease(d time.Duration) WorkerOption {
	return worker.Lease(d)
}
