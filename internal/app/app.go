// Package app assembles a docpipe runtime from configuration: storage,
// checkpoint blobs, the queue with both pipelines registered, the connection
// orchestrator and the metrics collector.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jdziat/docpipe/internal/config"
	"github.com/jdziat/docpipe/pkg/checkpoint"
	"github.com/jdziat/docpipe/pkg/checkpoint/badgerblob"
	"github.com/jdziat/docpipe/pkg/checkpoint/s3blob"
	"github.com/jdziat/docpipe/pkg/connect"
	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/ingest"
	"github.com/jdziat/docpipe/pkg/metrics"
	"github.com/jdziat/docpipe/pkg/pipeline"
	"github.com/jdziat/docpipe/pkg/queue"
	"github.com/jdziat/docpipe/pkg/schedule"
	"github.com/jdziat/docpipe/pkg/storage"
	"github.com/jdziat/docpipe/pkg/worker"
)

// App holds the assembled runtime.
type App struct {
	Config       config.Config
	Logger       *slog.Logger
	Store        *storage.GormStorage
	Blobs        core.BlobStore
	Queue        *queue.Queue
	Checkpoints  *checkpoint.Store
	Orchestrator *connect.Orchestrator
	Metrics      *metrics.Collector

	closers []func() error
}

// New opens storage and wires every component. The caller must Close the
// returned App.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	store, err := storage.Open(cfg.Database.DSN, poolOptions(cfg)...)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, func() error {
		sqlDB, err := store.DB().DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	if err := a.openBlobs(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Queue = queue.New(store)
	a.Queue.SetLogger(logger)
	a.Checkpoints = checkpoint.New(store, a.Blobs, checkpoint.WithEmitter(a.Queue))

	model, err := config.NewModel(cfg.LLM)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Orchestrator, err = connect.New(store, store, connect.DefaultRegistry(model, logger),
		connect.WithConfig(cfg.Connections),
		connect.WithLogger(logger),
		connect.WithEmitter(a.Queue),
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	proc, err := a.processor(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.Queue.Register(ingest.Pipeline(proc, store, a.Orchestrator, ingest.Options{Timeouts: cfg.Ingest.StageTimeouts})); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.Queue.Register(connect.Pipeline(a.Orchestrator)); err != nil {
		_ = a.Close()
		return nil, err
	}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.NewCollector(a.Queue, store,
			metrics.WithInterval(cfg.Metrics.Interval),
			metrics.WithLogger(logger),
		)
	}
	return a, nil
}

func poolOptions(cfg config.Config) []storage.PoolOption {
	opts := []storage.PoolOption{storage.WithPoolConfig(storage.PoolConfigForWorkers(cfg.Worker.Concurrency))}
	if cfg.Database.MaxOpenConns > 0 {
		opts = append(opts, storage.MaxOpenConns(cfg.Database.MaxOpenConns))
	}
	if cfg.Database.MaxIdleConns > 0 {
		opts = append(opts, storage.MaxIdleConns(cfg.Database.MaxIdleConns))
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		opts = append(opts, storage.ConnMaxLifetime(cfg.Database.ConnMaxLifetime))
	}
	return opts
}

func (a *App) openBlobs(ctx context.Context) error {
	switch a.Config.Checkpoints.Blobs {
	case config.BlobsBadger:
		bs, err := badgerblob.Open(a.Config.Checkpoints.BadgerDir, a.Logger)
		if err != nil {
			return err
		}
		a.Blobs = bs
		a.closers = append(a.closers, bs.Close)
	case config.BlobsS3:
		bs, err := s3blob.New(ctx, a.Config.Checkpoints.S3)
		if err != nil {
			return err
		}
		a.Blobs = bs
	default:
		a.Blobs = a.Store
	}
	return nil
}

func (a *App) processor(ctx context.Context) (*ingest.TextProcessor, error) {
	fetcher := &ingest.Fetcher{
		HTTP:    &http.Client{Timeout: a.Config.Ingest.FetchTimeout},
		MaxSize: a.Config.Ingest.MaxDocumentSize,
	}
	client, err := s3blob.NewClient(ctx, a.Config.Checkpoints.S3)
	if err != nil {
		a.Logger.Warn("s3 sources disabled", "error", err)
	} else {
		fetcher.S3 = client
	}

	proc := ingest.NewTextProcessor(fetcher)
	if a.Config.Ingest.ChunkSize > 0 {
		proc.ChunkSize = a.Config.Ingest.ChunkSize
	}
	proc.Embedder, err = config.NewEmbedder(a.Config.LLM)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// Migrate creates or updates the schema.
func (a *App) Migrate(ctx context.Context) error {
	return a.Store.Migrate(ctx)
}

// Sweeper returns the checkpoint garbage collector for the configured
// retention.
func (a *App) Sweeper() *checkpoint.Sweeper {
	return &checkpoint.Sweeper{
		Index:     a.Store,
		Blobs:     a.Blobs,
		Retention: a.Config.Checkpoints.Retention,
		Logger:    a.Logger,
	}
}

// NewWorker builds a worker from the worker section of the config. Extra
// options are applied last.
func (a *App) NewWorker(extra ...worker.WorkerOption) (*worker.Worker, error) {
	wc := a.Config.Worker
	opts := []worker.WorkerOption{
		worker.Concurrency(wc.Concurrency),
		worker.PollInterval(wc.PollInterval),
		worker.Lease(wc.Lease),
		worker.ReapInterval(wc.ReapInterval),
		worker.WithLogger(a.Logger),
		worker.WithExecutorOptions(pipeline.WithScheduler(a.Config.Retry.Scheduler())),
	}
	if len(wc.Types) > 0 {
		opts = append(opts, worker.JobTypes(wc.Types...))
	}
	if spec := a.Config.Checkpoints.SweepSchedule; spec != "" {
		sched, err := schedule.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("checkpoints.sweep_schedule: %w", err)
		}
		opts = append(opts, worker.WithSweeper(a.Sweeper(), sched))
	}
	return worker.NewWorker(a.Queue, a.Checkpoints, append(opts, extra...)...), nil
}

// Close releases every resource New opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
