package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/jdziat/docpipe/pkg/checkpoint"
	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/pipeline"
	"github.com/jdziat/docpipe/pkg/queue"
	"github.com/jdziat/docpipe/pkg/schedule"
)

// Worker claims jobs from the queue's store and runs their pipelines.
type Worker struct {
	queue    *queue.Queue
	store    core.JobStore
	executor *pipeline.Executor
	config   WorkerConfig
	logger   *slog.Logger

	active atomic.Int32
	wg     sync.WaitGroup
}

// NewWorker creates a new worker for the given queue. checkpoints must be
// backed by the same database as the queue's store.
func NewWorker(q *queue.Queue, checkpoints *checkpoint.Store, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		Concurrency:  4,
		PollInterval: 500 * time.Millisecond,
		WorkerID:     uuid.New().String(),
		Lease:        5 * time.Minute,
		ReapInterval: 30 * time.Second,
	}

	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = config.Lease / 3
	}
	// Set default retry configs if not specified
	if config.StorageRetry == nil {
		defaultCfg := DefaultRetryConfig()
		config.StorageRetry = &defaultCfg
	}
	if config.ClaimRetry == nil {
		claimCfg := claimRetryConfig()
		config.ClaimRetry = &claimCfg
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("worker_id", config.WorkerID)

	store := &retryingStore{JobStore: q.Store(), config: *config.StorageRetry}
	execOpts := append([]pipeline.Option{
		pipeline.WithEmitter(q),
		pipeline.WithLogger(logger),
	}, config.ExecutorOptions...)

	return &Worker{
		queue:    q,
		store:    store,
		executor: pipeline.NewExecutor(store, checkpoints, execOpts...),
		config:   config,
		logger:   logger,
	}
}

// ID returns the worker identity used for job locks.
func (w *Worker) ID() string {
	return w.config.WorkerID
}

// Start begins processing jobs. Blocks until context is cancelled, then waits
// for running jobs to stop at their next checkpoint boundary.
func (w *Worker) Start(ctx context.Context) error {
	pool, err := ants.NewPool(w.config.Concurrency, ants.WithPanicHandler(func(p any) {
		w.logger.Error("worker task panicked", "panic", p)
	}))
	if err != nil {
		return fmt.Errorf("docpipe: create worker pool: %w", err)
	}
	defer pool.Release()

	var loops sync.WaitGroup
	for _, l := range w.loops() {
		loops.Add(1)
		go func(l *schedule.Loop) {
			defer loops.Done()
			_ = l.Run(ctx)
		}(l)
	}

	w.logger.Info("worker started", "concurrency", w.config.Concurrency, "types", w.types())

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			loops.Wait()
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.fill(ctx, pool)
		}
	}
}

// fill claims jobs until every pool slot is busy or nothing is runnable.
func (w *Worker) fill(ctx context.Context, pool *ants.Pool) {
	for int(w.active.Load()) < w.config.Concurrency {
		job, err := w.claimWithRetry(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				w.logger.Error("failed to claim after retries", "error", err)
			}
			return
		}
		if job == nil {
			return
		}

		w.active.Add(1)
		w.wg.Add(1)
		if err := pool.Submit(func() {
			defer w.wg.Done()
			defer w.active.Add(-1)
			w.processJob(ctx, job)
		}); err != nil {
			w.active.Add(-1)
			w.wg.Done()
			// The lease runs out and the reaper returns the job to pending.
			w.logger.Error("failed to submit job", "job_id", job.ID, "error", err)
			return
		}
	}
}

func (w *Worker) types() []string {
	if len(w.config.Types) > 0 {
		return w.config.Types
	}
	return w.queue.Types()
}

// claimWithRetry attempts to claim a job with exponential backoff on failure.
func (w *Worker) claimWithRetry(ctx context.Context) (*core.Job, error) {
	types := w.types()
	if len(types) == 0 {
		return nil, nil
	}
	var job *core.Job
	err := retryWithBackoff(ctx, *w.config.ClaimRetry, func() error {
		var claimErr error
		job, claimErr = w.store.Claim(ctx, types, w.config.WorkerID, w.config.Lease)
		return claimErr
	})
	return job, err
}

func (w *Worker) processJob(ctx context.Context, job *core.Job) {
	logger := w.logger.With("job_id", job.ID, "job_type", job.Type)

	p, ok := w.queue.Pipeline(job.Type)
	if !ok {
		logger.Error("no pipeline for job")
		err := fmt.Errorf("%w: %q", core.ErrUnknownJobType, job.Type)
		if ferr := w.store.Fail(ctx, job.ID, w.config.WorkerID, core.KindPermanent, err.Error()); ferr != nil {
			logger.Error("failed to mark job as failed", "error", ferr)
			return
		}
		w.queue.CallFailHooks(ctx, job, err)
		return
	}

	w.queue.CallStartHooks(ctx, job)

	// Create a cancellable context for the heartbeat goroutine
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job)

	out := w.executor.Run(ctx, p, job, w.config.WorkerID, w.queue.ProgressFunc(ctx, job))

	// Stop heartbeat before the hooks run
	cancelHeartbeat()

	if out.Abandoned {
		logger.Warn("run abandoned; lease will expire", "stage", out.Stage, "error", out.Err)
		return
	}

	latest := job
	if j, err := w.queue.GetJob(ctx, job.ID); err == nil && j != nil {
		latest = j
	}

	switch out.Status {
	case core.StatusCompleted:
		w.queue.CallCompleteHooks(ctx, latest)
	case core.StatusFailed:
		w.queue.CallFailHooks(ctx, latest, out.Err)
	case core.StatusPending:
		w.queue.CallRetryHooks(ctx, latest, job.RetryCount+1, out.Err)
	case core.StatusPaused:
		w.queue.CallPauseHooks(ctx, latest, out.Stage)
	}
}

// runHeartbeat periodically extends the job lock during execution.
// This prevents long-running stages from being reclaimed as stale.
func (w *Worker) runHeartbeat(ctx context.Context, job *core.Job) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.store.Heartbeat(ctx, job.ID, w.config.WorkerID, w.config.Lease)
			if err != nil {
				w.logger.Warn("heartbeat failed after retries", "job_id", job.ID, "error", err)
			} else {
				w.logger.Debug("heartbeat sent", "job_id", job.ID)
			}
		}
	}
}

// loops returns the background maintenance loops the worker runs.
func (w *Worker) loops() []*schedule.Loop {
	loops := []*schedule.Loop{{
		Name:     "stale-lock-reaper",
		Schedule: schedule.Every(w.config.ReapInterval),
		Logger:   w.logger,
		Task:     w.reap,
	}}
	if w.config.Sweeper != nil && w.config.SweepSchedule != nil {
		loops = append(loops, &schedule.Loop{
			Name:     "checkpoint-sweeper",
			Schedule: w.config.SweepSchedule,
			Logger:   w.logger,
			Task:     w.config.Sweeper.Task,
		})
	}
	return loops
}

// reap returns jobs whose lease expired to pending so they resume from
// their last checkpoint.
func (w *Worker) reap(ctx context.Context) error {
	n, err := w.store.ReleaseStaleLocks(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.Info("released stale job locks", "count", n)
	}
	return nil
}
