package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/pipeline"
	"github.com/jdziat/docpipe/pkg/security"
)

// ProgressHook receives every progress report for a running job.
type ProgressHook func(ctx context.Context, job *core.Job, percent int, stage, detail string)

// Queue manages pipeline registration, enqueueing and the job control API.
type Queue struct {
	store     core.JobStore
	pipelines map[string]*pipeline.Pipeline
	logger    *slog.Logger
	mu        sync.RWMutex

	// Hooks
	onStart    []func(context.Context, *core.Job)
	onComplete []func(context.Context, *core.Job)
	onFail     []func(context.Context, *core.Job, error)
	onRetry    []func(context.Context, *core.Job, int, error)
	onPause    []func(context.Context, *core.Job, string)
	onProgress []ProgressHook

	// Event stream
	eventSubs []chan core.Event
}

// New creates a new Queue over the given job store.
func New(s core.JobStore) *Queue {
	return &Queue{
		store:     s,
		pipelines: make(map[string]*pipeline.Pipeline),
		logger:    slog.Default(),
	}
}

// SetLogger replaces the queue logger.
func (q *Queue) SetLogger(l *slog.Logger) {
	if l != nil {
		q.logger = l
	}
}

// Register validates p and makes its job type enqueueable.
// Registering the same type again replaces the previous pipeline.
func (q *Queue) Register(p *pipeline.Pipeline) error {
	if p == nil {
		return errors.New("docpipe: nil pipeline")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pipelines[p.Type] = p
	return nil
}

// MustRegister is like Register but panics on an invalid pipeline.
func (q *Queue) MustRegister(p *pipeline.Pipeline) {
	if err := q.Register(p); err != nil {
		panic(fmt.Sprintf("docpipe: register pipeline: %v", err))
	}
}

// Pipeline returns the pipeline registered for jobType.
func (q *Queue) Pipeline(jobType string) (*pipeline.Pipeline, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p, ok := q.pipelines[jobType]
	return p, ok
}

// Types returns the registered job types, sorted.
func (q *Queue) Types() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	types := make([]string, 0, len(q.pipelines))
	for t := range q.pipelines {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Store returns the underlying job store.
func (q *Queue) Store() core.JobStore {
	return q.store
}

// Enqueue validates input against the pipeline's input schema and creates a
// pending job. input may be raw JSON ([]byte, json.RawMessage) or any value
// encoding/json can marshal.
func (q *Queue) Enqueue(ctx context.Context, jobType string, input any, opts ...Option) (string, error) {
	p, ok := q.Pipeline(jobType)
	if !ok {
		return "", fmt.Errorf("%w: %q", core.ErrUnknownJobType, jobType)
	}

	options := NewOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}

	data, err := encodeInput(input)
	if err != nil {
		return "", core.InvalidInput(err)
	}

	// Enforce size limit on input
	if len(data) > security.MaxInputSize {
		return "", core.ErrInputTooLarge
	}

	if err := p.InputSchema.Validate(data); err != nil {
		return "", core.InvalidInput(err)
	}

	now := time.Now()
	job := &core.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Status:      core.StatusPending,
		Priority:    options.Priority,
		InputData:   data,
		NextRetryAt: options.notBefore(now),
	}
	if err := q.store.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("docpipe: failed to enqueue: %w", err)
	}

	q.logger.Debug("job enqueued", "job_id", job.ID, "job_type", jobType)
	q.Emit(&core.JobEnqueued{Job: job, Timestamp: now})
	return job.ID, nil
}

func encodeInput(input any) ([]byte, error) {
	var raw []byte
	switch v := input.(type) {
	case nil:
		raw = []byte("null")
	case []byte:
		raw = v
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal input: %w", err)
		}
		return b, nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("input is not valid JSON")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("compact input: %w", err)
	}
	return buf.Bytes(), nil
}

// RequestPause asks a pending or running job to stop at its next stage
// boundary. The job keeps running its current stage.
func (q *Queue) RequestPause(ctx context.Context, jobID string) error {
	if err := q.store.RequestPause(ctx, jobID); err != nil {
		return err
	}
	q.Emit(&core.PauseRequested{JobID: jobID, Timestamp: time.Now()})
	return nil
}

// Resume returns a paused job to pending. The next run continues from the
// job's checkpoint.
func (q *Queue) Resume(ctx context.Context, jobID string) error {
	if err := q.store.Resume(ctx, jobID); err != nil {
		return err
	}

	// Emit event
	job, err := q.store.GetJob(ctx, jobID)
	if err == nil && job != nil {
		q.Emit(&core.JobResumed{Job: job, Timestamp: time.Now()})
	}
	return nil
}

// GetJob returns a job by ID, or nil if it does not exist.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// ListJobs returns jobs matching filter, newest first.
func (q *Queue) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	return q.store.ListJobs(ctx, filter)
}

// Result decodes the output of a completed job.
func (q *Queue) Result(ctx context.Context, jobID string) (*pipeline.Output, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, core.ErrJobNotFound
	}
	if job.Status != core.StatusCompleted {
		return nil, fmt.Errorf("docpipe: job %s is %s", jobID, job.Status)
	}
	var out pipeline.Output
	if err := json.Unmarshal(job.OutputData, &out); err != nil {
		return nil, fmt.Errorf("docpipe: decode output of %s: %w", jobID, err)
	}
	return &out, nil
}

// OnJobStart registers a callback for when a worker starts running a job.
func (q *Queue) OnJobStart(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onStart = append(q.onStart, fn)
	q.mu.Unlock()
}

// OnJobComplete registers a callback for when a job completes successfully.
func (q *Queue) OnJobComplete(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}

// OnJobFail registers a callback for when a job fails permanently.
func (q *Queue) OnJobFail(fn func(context.Context, *core.Job, error)) {
	q.mu.Lock()
	q.onFail = append(q.onFail, fn)
	q.mu.Unlock()
}

// OnRetry registers a callback for when a job is scheduled for retry.
func (q *Queue) OnRetry(fn func(context.Context, *core.Job, int, error)) {
	q.mu.Lock()
	q.onRetry = append(q.onRetry, fn)
	q.mu.Unlock()
}

// OnJobPause registers a callback for when a job pauses at a stage boundary.
func (q *Queue) OnJobPause(fn func(context.Context, *core.Job, string)) {
	q.mu.Lock()
	q.onPause = append(q.onPause, fn)
	q.mu.Unlock()
}

// OnProgress registers a callback for progress reports of running jobs.
// Hooks run on the worker goroutine and must not block.
func (q *Queue) OnProgress(fn ProgressHook) {
	q.mu.Lock()
	q.onProgress = append(q.onProgress, fn)
	q.mu.Unlock()
}

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	q.mu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed; after Unsubscribe returns no further events are
// sent to it.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit emits an event to all subscribers. It never blocks: events for a
// full subscriber are dropped.
func (q *Queue) Emit(e core.Event) {
	q.mu.RLock()
	subs := make([]chan core.Event, len(q.eventSubs))
	copy(subs, q.eventSubs)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// ProgressFunc returns the progress sink a worker hands to the executor for
// job. It fans each report out to the OnProgress hooks.
func (q *Queue) ProgressFunc(ctx context.Context, job *core.Job) core.ProgressFunc {
	q.mu.RLock()
	hooks := make([]ProgressHook, len(q.onProgress))
	copy(hooks, q.onProgress)
	q.mu.RUnlock()

	if len(hooks) == 0 {
		return nil
	}
	return func(percent int, stage, detail string) {
		for _, fn := range hooks {
			fn(ctx, job, percent, stage, detail)
		}
	}
}

// CallStartHooks calls all registered start hooks.
func (q *Queue) CallStartHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onStart))
	copy(hooks, q.onStart)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallCompleteHooks calls all registered complete hooks.
func (q *Queue) CallCompleteHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onComplete))
	copy(hooks, q.onComplete)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallFailHooks calls all registered fail hooks.
func (q *Queue) CallFailHooks(ctx context.Context, job *core.Job, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, error), len(q.onFail))
	copy(hooks, q.onFail)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, err)
	}
}

// CallRetryHooks calls all registered retry hooks.
func (q *Queue) CallRetryHooks(ctx context.Context, job *core.Job, attempt int, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, int, error), len(q.onRetry))
	copy(hooks, q.onRetry)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, attempt, err)
	}
}

// CallPauseHooks calls all registered pause hooks.
func (q *Queue) CallPauseHooks(ctx context.Context, job *core.Job, stage string) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, string), len(q.onPause))
	copy(hooks, q.onPause)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, stage)
	}
}
