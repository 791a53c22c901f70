package worker

import (
	"log/slog"
	"time"

	"github.com/jdziat/docpipe/pkg/checkpoint"
	"github.com/jdziat/docpipe/pkg/pipeline"
	"github.com/jdziat/docpipe/pkg/schedule"
	"github.com/jdziat/docpipe/pkg/security"
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	// Types restricts the job types claimed. Empty means every type
	// registered on the queue.
	Types []string

	// Concurrency is the ants pool size; no more jobs are claimed than free slots.
	// Default: 4
	Concurrency int

	PollInterval time.Duration
	WorkerID     string

	// Lease is how long a claim stays valid without a heartbeat.
	// Default: 5 minutes
	Lease time.Duration

	// HeartbeatInterval defaults to a third of Lease.
	HeartbeatInterval time.Duration

	// ReapInterval is how often expired leases are returned to pending.
	// Default: 30 seconds
	ReapInterval time.Duration

	// Sweeper, when set, runs on SweepSchedule to garbage-collect
	// checkpoints of terminal jobs.
	Sweeper       *checkpoint.Sweeper
	SweepSchedule schedule.Schedule

	StorageRetry *RetryConfig
	ClaimRetry   *RetryConfig

	ExecutorOptions []pipeline.Option
	Logger          *slog.Logger
}

// Concurrency sets the number of jobs run at once.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Concurrency = security.ClampConcurrency(n)
	})
}

// JobTypes restricts the worker to the given job types.
func JobTypes(types ...string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Types = append([]string(nil), types...)
	})
}

// PollInterval sets how often the worker looks for runnable jobs.
func PollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// WorkerID overrides the generated worker identity.
func WorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if id != "" {
			c.WorkerID = id
		}
	})
}

// Lease sets the claim lease duration.
func Lease(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.Lease = d
		}
	})
}

// HeartbeatInterval sets how often running jobs extend their lease.
func HeartbeatInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.HeartbeatInterval = d
		}
	})
}

// ReapInterval sets how often the stale-lock reaper runs.
func ReapInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if d > 0 {
			c.ReapInterval = d
		}
	})
}

// WithSweeper runs s on sched inside the worker.
func WithSweeper(s *checkpoint.Sweeper, sched schedule.Schedule) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Sweeper = s
		c.SweepSchedule = sched
	})
}

// WithStorageRetry sets the retry policy for store updates made while
// running a job.
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}

// WithClaimRetry sets the retry policy for claims.
func WithClaimRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.ClaimRetry = &cfg
	})
}

// WithExecutorOptions passes options to the pipeline executor.
func WithExecutorOptions(opts ...pipeline.Option) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.ExecutorOptions = append(c.ExecutorOptions, opts...)
	})
}

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}

// WithRetryAttempts sets the store-call attempt count, keeping the other
// defaults.
func WithRetryAttempts(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		cfg := DefaultRetryConfig()
		if n < 1 {
			n = 1
		}
		cfg.MaxAttempts = n
		c.StorageRetry = &cfg
	})
}

// DisableRetry makes every store call and claim a single attempt.
func DisableRetry() WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		storage := DefaultRetryConfig()
		storage.MaxAttempts = 1
		claim := claimRetryConfig()
		claim.MaxAttempts = 1
		c.StorageRetry = &storage
		c.ClaimRetry = &claim
	})
}
