package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/docpipe/pkg/checkpoint"
	"github.com/jdziat/docpipe/pkg/core"
	intctx "github.com/jdziat/docpipe/pkg/internal/context"
	"github.com/jdziat/docpipe/pkg/retry"
	"github.com/jdziat/docpipe/pkg/security"
)

// DefaultStageTimeout bounds a stage that does not set its own Timeout.
const DefaultStageTimeout = 10 * time.Minute

// Executor runs pipelines for jobs claimed by a worker.
type Executor struct {
	jobs           core.JobStore
	checkpoints    *checkpoint.Store
	classifier     *retry.Classifier
	scheduler      retry.Scheduler
	emitter        core.Emitter
	logger         *slog.Logger
	defaultTimeout time.Duration
	now            func() time.Time
}

// Option configures an Executor.
type Option interface {
	applyExecutor(*Executor)
}

type executorOptionFunc func(*Executor)

func (f executorOptionFunc) applyExecutor(e *Executor) { f(e) }

// WithClassifier replaces the default error classifier.
func WithClassifier(c *retry.Classifier) Option {
	return executorOptionFunc(func(e *Executor) { e.classifier = c })
}

// WithScheduler replaces the default retry schedule.
func WithScheduler(s retry.Scheduler) Option {
	return executorOptionFunc(func(e *Executor) { e.scheduler = s })
}

// WithEmitter publishes lifecycle events.
func WithEmitter(em core.Emitter) Option {
	return executorOptionFunc(func(e *Executor) { e.emitter = em })
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return executorOptionFunc(func(e *Executor) { e.logger = l })
}

// WithDefaultTimeout sets the timeout for stages without their own.
func WithDefaultTimeout(d time.Duration) Option {
	return executorOptionFunc(func(e *Executor) { e.defaultTimeout = d })
}

// NewExecutor creates an executor over the job store and checkpoint store.
func NewExecutor(jobs core.JobStore, checkpoints *checkpoint.Store, opts ...Option) *Executor {
	e := &Executor{
		jobs:           jobs,
		checkpoints:    checkpoints,
		classifier:     retry.NewClassifier(),
		scheduler:      retry.DefaultScheduler(),
		logger:         slog.Default(),
		defaultTimeout: DefaultStageTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt.applyExecutor(e)
	}
	return e
}

// Outcome describes where a run left the job.
type Outcome struct {
	Status      core.JobStatus
	Stage       string
	Kind        core.ErrorKind
	Err         error
	NextRetryAt time.Time
	Partial     bool
	Resumed     bool

	// Abandoned is set when the run stopped without a final store update,
	// either because the worker is shutting down or lost its lease.
	// The job is recovered by the stale-lock reaper.
	Abandoned bool
}

// run is the per-job execution state.
type run struct {
	p        *Pipeline
	job      *core.Job
	workerID string
	logger   *slog.Logger
	state    *State
	ref      *core.CheckpointRef
	percent  int
	progress core.ProgressFunc
	start    time.Time

	// pending holds warnings from the running stage.
	pending []Warning
}

func (r *run) report(percent int, stage, detail string) {
	if percent < r.percent {
		percent = r.percent
	}
	r.percent = percent
	r.progress.Report(percent, stage, detail)
}

// Run drives job through p until it completes, pauses, fails, or is
// returned to pending for a retry. job must be claimed by workerID.
// progress may be nil.
func (e *Executor) Run(ctx context.Context, p *Pipeline, job *core.Job, workerID string, progress core.ProgressFunc) Outcome {
	r := &run{
		p:        p,
		job:      job,
		workerID: workerID,
		logger:   e.logger.With("job_id", job.ID, "job_type", job.Type),
		progress: progress,
		start:    e.now(),
	}

	if err := p.InputSchema.Validate(job.InputData); err != nil {
		return e.failure(ctx, r, "", core.InvalidInput(err))
	}

	idx, resumed, err := e.restore(ctx, r)
	if err != nil {
		return e.failure(ctx, r, "", err)
	}

	from := ""
	if idx < len(p.Stages) {
		from = p.Stages[idx].Name
	}
	r.logger.Info("job started", "from_stage", from, "resumed", resumed)
	e.emit(&core.JobStarted{Job: job, FromStage: from, Resumed: resumed, Timestamp: e.now()})

	for i := idx; i < len(p.Stages); i++ {
		st := p.Stages[i]

		requested, err := e.jobs.PauseRequested(ctx, job.ID)
		if err != nil {
			return e.failure(ctx, r, st.Name, err)
		}
		if requested {
			return e.pause(ctx, r, st.Name, "pause requested", "")
		}

		if out := e.step(ctx, r, st); out != nil {
			out.Resumed = resumed
			return *out
		}
	}

	return e.complete(ctx, r, resumed)
}

// restore loads and verifies the job's checkpoint and returns the index of
// the stage to run next.
func (e *Executor) restore(ctx context.Context, r *run) (int, bool, error) {
	r.state = newState()
	r.percent = 0

	ref := r.job.CheckpointRef()
	if ref == nil {
		return 0, false, nil
	}

	payload, recorded, ok, err := e.checkpoints.Load(ctx, r.job.ID, *ref)
	if err != nil {
		return 0, false, err
	}

	reason := ""
	corrupt := false
	var state *State
	switch {
	case !ok:
		reason = "checkpoint missing"
	case recorded != ref.Hash:
		reason = "checkpoint index hash differs from job ref"
	default:
		if verr := checkpoint.Verify(payload, ref.Hash); verr != nil {
			reason = verr.Error()
			recorded = checkpoint.Hash(payload)
			corrupt = true
		} else if state, err = decodeState(payload); err != nil {
			reason = err.Error()
		} else if ref.Stage != InitialStage && (r.p.index(ref.Stage) < 0 || state.last() != ref.Stage) {
			reason = "checkpoint stage does not match pipeline"
		}
	}

	if reason != "" {
		r.logger.Warn("checkpoint failed verification, restarting from first stage",
			"stage", ref.Stage, "expected_hash", ref.Hash, "actual_hash", recorded, "reason", reason)
		e.emit(&core.CheckpointCorrupted{
			JobID:     r.job.ID,
			Stage:     ref.Stage,
			Expected:  ref.Hash,
			Actual:    recorded,
			Timestamp: e.now(),
		})
		if corrupt {
			if err := e.checkpoints.Discard(ctx, r.job.ID, *ref); err != nil {
				r.logger.Warn("failed to discard corrupted checkpoint", "stage", ref.Stage, "error", err)
			}
		}
		if err := e.jobs.ResetRun(ctx, r.job.ID, r.workerID); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}

	r.ref = ref
	r.percent = r.job.ProgressPercent
	if ref.Stage == InitialStage {
		return 0, true, nil
	}
	state.Input = nil
	r.state = state
	return r.p.index(ref.Stage) + 1, true, nil
}

// step runs one stage and checkpoints its result. It returns a non-nil
// Outcome when the run must stop.
func (e *Executor) step(ctx context.Context, r *run, st Stage) *Outcome {
	logger := r.logger.With("stage", st.Name)
	if err := e.jobs.SaveProgress(ctx, r.job.ID, r.workerID, core.ProgressUpdate{
		Stage:   st.Name,
		Percent: max(r.percent, st.Band.Start),
		Detail:  "started",
	}); err != nil {
		out := e.failure(ctx, r, st.Name, err)
		return &out
	}
	r.report(st.Band.Start, st.Name, "started")

	started := e.now()
	r.pending = nil
	output, runErr := e.runStage(ctx, r, st, logger)

	if ctx.Err() != nil {
		logger.Info("run interrupted", "error", ctx.Err())
		return &Outcome{Status: core.StatusProcessing, Stage: st.Name, Err: ctx.Err(), Abandoned: true}
	}

	pauseReq, pauseAfter := asPause(runErr)
	if pauseAfter {
		runErr = nil
	}

	if runErr != nil {
		kind := e.classifier.Classify(runErr)
		e.emit(&core.StageFailed{
			JobID:       r.job.ID,
			Stage:       st.Name,
			Kind:        kind,
			Error:       runErr,
			NonBlocking: st.NonBlocking,
			Timestamp:   e.now(),
		})
		if !st.NonBlocking {
			logger.Warn("stage failed", "kind", kind, "error", runErr)
			out := e.failure(ctx, r, st.Name, runErr)
			return &out
		}
		logger.Warn("non-blocking stage failed, continuing", "kind", kind, "error", runErr)
		r.state.Warnings = append(r.state.Warnings, r.pending...)
		r.state.Warnings = append(r.state.Warnings, Warning{
			Stage:   st.Name,
			Kind:    kind,
			Message: security.SanitizeErrorMessage(runErr.Error()),
		})
	} else {
		raw, err := checkpoint.Canonical(output)
		if err != nil {
			out := e.failure(ctx, r, st.Name, core.Permanent(fmt.Errorf("stage %s output: %w", st.Name, err)))
			return &out
		}
		r.state.Outputs[st.Name] = json.RawMessage(raw)
		r.state.Warnings = append(r.state.Warnings, r.pending...)
	}
	r.state.Completed = append(r.state.Completed, st.Name)

	hash, err := e.checkpoints.Put(ctx, r.job.ID, st.Name, r.state)
	if err != nil {
		out := e.failure(ctx, r, st.Name, err)
		return &out
	}
	ref := &core.CheckpointRef{Stage: st.Name, Hash: hash}

	if err := e.jobs.SaveProgress(ctx, r.job.ID, r.workerID, core.ProgressUpdate{
		Stage:      st.Name,
		Percent:    max(r.percent, st.Band.End),
		Detail:     "completed",
		Checkpoint: ref,
	}); err != nil {
		out := e.failure(ctx, r, st.Name, err)
		return &out
	}
	r.ref = ref
	r.report(st.Band.End, st.Name, "completed")

	duration := e.now().Sub(started)
	logger.Debug("stage completed", "hash", hash, "duration", duration)
	e.emit(&core.StageCompleted{JobID: r.job.ID, Stage: st.Name, Hash: hash, Duration: duration, Timestamp: e.now()})

	if pauseAfter {
		out := e.pause(ctx, r, st.Name, pauseReq.Reason, "")
		return &out
	}
	return nil
}

func (e *Executor) runStage(ctx context.Context, r *run, st Stage, logger *slog.Logger) (output any, err error) {
	timeout := st.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inStage := func(percent int, detail string) {
		percent = min(max(percent, 0), 100)
		overall := st.Band.Start + (st.Band.End-st.Band.Start)*percent/100
		if overall > r.percent {
			if err := e.jobs.SaveProgress(ctx, r.job.ID, r.workerID, core.ProgressUpdate{
				Stage: st.Name, Percent: overall, Detail: detail,
			}); err != nil {
				logger.Debug("failed to persist in-stage progress", "error", err)
			}
		}
		r.report(overall, st.Name, detail)
	}

	stageCtx = intctx.WithJobContext(stageCtx, &intctx.JobContext{
		Job:      r.job,
		WorkerID: r.workerID,
		Stage:    st.Name,
		Progress: inStage,
		Logger:   logger,
	})
	sc := &StageContext{
		Job:      r.job,
		Stage:    st.Name,
		Logger:   logger,
		state:    r.state,
		progress: inStage,
		warn: func(w Warning) {
			r.pending = append(r.pending, w)
		},
	}

	defer func() {
		if rec := recover(); rec != nil {
			output = nil
			err = core.Permanent(fmt.Errorf("stage %s panicked: %v", st.Name, rec))
		}
	}()
	return st.Run(stageCtx, sc)
}

// failure classifies err and moves the job to pending, paused or failed.
func (e *Executor) failure(ctx context.Context, r *run, stage string, err error) Outcome {
	if lost(err) {
		r.logger.Warn("lost ownership of job", "error", err)
		return Outcome{Status: core.StatusProcessing, Stage: stage, Err: err, Abandoned: true}
	}
	if ctx.Err() != nil {
		return Outcome{Status: core.StatusProcessing, Stage: stage, Err: ctx.Err(), Abandoned: true}
	}

	kind := e.classifier.Classify(err)
	if kind == core.KindGated {
		return e.pause(ctx, r, stage, "gated: "+err.Error(), core.KindGated)
	}

	d := e.scheduler.DecideError(e.classifier, err, r.job.RetryCount)
	msg := err.Error()

	if d.Retry {
		next := e.now().Add(d.Delay)
		if serr := e.jobs.Retry(ctx, r.job.ID, r.workerID, d.Kind, msg, next); serr != nil {
			return e.storeFailure(r, stage, serr)
		}
		r.logger.Info("job scheduled for retry", "stage", stage, "attempt", r.job.RetryCount+1, "delay", d.Delay, "error", err)
		e.emit(&core.JobRetrying{Job: r.job, Attempt: r.job.RetryCount + 1, Error: err, NextRunAt: next, Timestamp: e.now()})
		return Outcome{Status: core.StatusPending, Stage: stage, Kind: d.Kind, Err: err, NextRetryAt: next}
	}

	if kind == core.KindTransient && d.Kind == core.KindPermanent {
		msg = fmt.Sprintf("retries exhausted after %d attempts: %s", r.job.RetryCount, msg)
	}
	if serr := e.jobs.Fail(ctx, r.job.ID, r.workerID, d.Kind, msg); serr != nil {
		return e.storeFailure(r, stage, serr)
	}
	r.logger.Error("job failed", "stage", stage, "kind", d.Kind, "error", err)
	e.emit(&core.JobFailed{Job: r.job, Kind: d.Kind, Error: err, Timestamp: e.now()})
	return Outcome{Status: core.StatusFailed, Stage: stage, Kind: d.Kind, Err: err}
}

// pause parks the job at its latest checkpoint, writing the initial
// checkpoint first when no stage has completed.
func (e *Executor) pause(ctx context.Context, r *run, stage, reason string, kind core.ErrorKind) Outcome {
	if r.ref == nil {
		initial := newState()
		initial.Input = json.RawMessage(r.job.InputData)
		if len(initial.Input) == 0 {
			initial.Input = json.RawMessage("null")
		}
		hash, err := e.checkpoints.Put(ctx, r.job.ID, InitialStage, initial)
		if err != nil {
			return e.storeFailure(r, stage, err)
		}
		r.ref = &core.CheckpointRef{Stage: InitialStage, Hash: hash}
	}

	if err := e.jobs.Pause(ctx, r.job.ID, r.workerID, *r.ref, reason, kind); err != nil {
		return e.storeFailure(r, stage, err)
	}
	r.logger.Info("job paused", "stage", stage, "checkpoint", r.ref.Stage, "reason", reason)
	e.emit(&core.JobPaused{Job: r.job, Stage: r.ref.Stage, Reason: reason, Timestamp: e.now()})
	return Outcome{Status: core.StatusPaused, Stage: r.ref.Stage, Kind: kind}
}

func (e *Executor) complete(ctx context.Context, r *run, resumed bool) Outcome {
	out := buildOutput(r.job.Type, r.state)
	data, err := json.Marshal(out)
	if err != nil {
		return e.failure(ctx, r, "", core.Permanent(fmt.Errorf("encode output: %w", err)))
	}
	if err := r.p.OutputSchema.Validate(data); err != nil {
		return e.failure(ctx, r, "", core.Permanent(fmt.Errorf("output failed validation: %w", err)))
	}
	if err := e.jobs.Complete(ctx, r.job.ID, r.workerID, data); err != nil {
		return e.storeFailure(r, "", err)
	}
	r.report(100, r.p.Stages[len(r.p.Stages)-1].Name, "completed")

	duration := e.now().Sub(r.start)
	r.logger.Info("job completed", "partial", out.Partial, "duration", duration)
	e.emit(&core.JobCompleted{Job: r.job, Partial: out.Partial, Duration: duration, Timestamp: e.now()})
	return Outcome{Status: core.StatusCompleted, Partial: out.Partial, Resumed: resumed}
}

// storeFailure handles an error from a terminal store update. The job is
// left to the stale-lock reaper.
func (e *Executor) storeFailure(r *run, stage string, err error) Outcome {
	r.logger.Error("failed to persist job transition", "stage", stage, "error", err)
	return Outcome{Status: core.StatusProcessing, Stage: stage, Err: err, Abandoned: true}
}

func (e *Executor) emit(ev core.Event) {
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

func lost(err error) bool {
	return errors.Is(err, core.ErrJobNotOwned) || errors.Is(err, core.ErrJobTerminal) || errors.Is(err, core.ErrJobNotFound)
}
