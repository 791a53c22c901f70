// Package metrics exposes pipeline activity as prometheus metrics.
//
// A Collector subscribes to queue events for counters and histograms and
// periodically snapshots job counts per status from the store.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/queue"
)

const namespace = "docpipe"

// StatusCounter reports job counts grouped by type and status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) ([]core.StatusCount, error)
}

// Collector turns queue events into prometheus metrics.
type Collector struct {
	queue    *queue.Queue
	counts   StatusCounter
	interval time.Duration
	logger   *slog.Logger
	registry *prometheus.Registry

	jobsEnqueued  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobsRetried   *prometheus.CounterVec
	jobsPaused    *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec

	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec

	engineCandidates *prometheus.CounterVec
	engineFailures   *prometheus.CounterVec
	engineDuration   *prometheus.HistogramVec

	checkpointsSaved     prometheus.Counter
	checkpointBytes      prometheus.Counter
	checkpointsCorrupted prometheus.Counter

	jobs *prometheus.GaugeVec

	mu      sync.Mutex
	tracked map[[2]string]struct{}

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Collector.
type Option interface {
	apply(*Collector)
}

type optionFunc func(*Collector)

func (f optionFunc) apply(c *Collector) { f(c) }

// WithInterval sets how often job counts are snapshotted.
func WithInterval(d time.Duration) Option {
	return optionFunc(func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	})
}

// WithLogger sets the collector logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	})
}

// NewCollector creates a Collector with its own registry. counts may be nil,
// in which case the per-status gauges stay empty.
func NewCollector(q *queue.Queue, counts StatusCounter, opts ...Option) *Collector {
	c := &Collector{
		queue:    q,
		counts:   counts,
		interval: 15 * time.Second,
		logger:   slog.Default(),
		registry: prometheus.NewRegistry(),
		tracked:  make(map[[2]string]struct{}),
		ready:    make(chan struct{}),

		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs enqueued, by type.",
		}, []string{"type"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs completed, by type and whether non-blocking stages failed.",
		}, []string{"type", "partial"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Jobs failed permanently, by type and error kind.",
		}, []string{"type", "kind"}),
		jobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Jobs rescheduled after a transient failure, by type.",
		}, []string{"type"}),
		jobsPaused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_paused_total",
			Help:      "Jobs paused at a stage boundary, by type and stage.",
		}, []string{"type", "stage"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of a completed job run, by type.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"type"}),

		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage run time up to its durable checkpoint, by stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Stage errors, by stage and error kind.",
		}, []string{"stage", "kind"}),

		engineCandidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_candidates_total",
			Help:      "Connection candidates produced, by engine.",
		}, []string{"engine"}),
		engineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_failures_total",
			Help:      "Engine runs that errored, by engine.",
		}, []string{"engine"}),
		engineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_duration_seconds",
			Help:      "Engine run time, by engine.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"engine"}),

		checkpointsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_saved_total",
			Help:      "Stage checkpoints written.",
		}),
		checkpointBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_bytes_total",
			Help:      "Bytes of checkpoint state written.",
		}),
		checkpointsCorrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_corrupted_total",
			Help:      "Checkpoints rejected on resume because their hash did not match.",
		}),

		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Jobs currently stored, by type and status.",
		}, []string{"type", "status"}),
	}
	for _, opt := range opts {
		opt.apply(c)
	}

	c.registry.MustRegister(
		c.jobsEnqueued, c.jobsCompleted, c.jobsFailed, c.jobsRetried, c.jobsPaused, c.jobDuration,
		c.stageDuration, c.stageFailures,
		c.engineCandidates, c.engineFailures, c.engineDuration,
		c.checkpointsSaved, c.checkpointBytes, c.checkpointsCorrupted,
		c.jobs,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WaitReady blocks until the collector has subscribed to events.
func (c *Collector) WaitReady() {
	<-c.ready
}

// Start consumes queue events and snapshots job counts on the interval.
// Blocks until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	events := c.queue.Events()
	defer c.queue.Unsubscribe(events)

	c.readyOnce.Do(func() { close(c.ready) })

	c.snapshot(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			c.observe(e)
		case <-ticker.C:
			c.snapshot(ctx)
		}
	}
}

func (c *Collector) observe(e core.Event) {
	switch ev := e.(type) {
	case *core.JobEnqueued:
		c.jobsEnqueued.WithLabelValues(ev.Job.Type).Inc()
	case *core.JobCompleted:
		partial := "false"
		if ev.Partial {
			partial = "true"
		}
		c.jobsCompleted.WithLabelValues(ev.Job.Type, partial).Inc()
		if ev.Duration > 0 {
			c.jobDuration.WithLabelValues(ev.Job.Type).Observe(ev.Duration.Seconds())
		}
	case *core.JobFailed:
		c.jobsFailed.WithLabelValues(ev.Job.Type, string(ev.Kind)).Inc()
	case *core.JobRetrying:
		c.jobsRetried.WithLabelValues(ev.Job.Type).Inc()
	case *core.JobPaused:
		c.jobsPaused.WithLabelValues(ev.Job.Type, ev.Stage).Inc()
	case *core.StageCompleted:
		c.stageDuration.WithLabelValues(ev.Stage).Observe(ev.Duration.Seconds())
	case *core.StageFailed:
		c.stageFailures.WithLabelValues(ev.Stage, string(ev.Kind)).Inc()
	case *core.EngineCompleted:
		c.engineCandidates.WithLabelValues(ev.Engine).Add(float64(ev.Candidates))
		c.engineDuration.WithLabelValues(ev.Engine).Observe(ev.Duration.Seconds())
	case *core.EngineFailed:
		c.engineFailures.WithLabelValues(ev.Engine).Inc()
		c.engineDuration.WithLabelValues(ev.Engine).Observe(ev.Duration.Seconds())
	case *core.CheckpointSaved:
		c.checkpointsSaved.Inc()
		c.checkpointBytes.Add(float64(ev.Size))
	case *core.CheckpointCorrupted:
		c.checkpointsCorrupted.Inc()
	}
}

// snapshot refreshes the per-status gauges. Series that disappear from the
// store are reset to zero rather than left at their last value.
func (c *Collector) snapshot(ctx context.Context) {
	if c.counts == nil {
		return
	}
	counts, err := c.counts.CountByStatus(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("metrics: count jobs by status", "error", err)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[[2]string]struct{}, len(counts))
	for _, sc := range counts {
		key := [2]string{sc.Type, string(sc.Status)}
		seen[key] = struct{}{}
		c.jobs.WithLabelValues(key[0], key[1]).Set(float64(sc.Count))
	}
	for key := range c.tracked {
		if _, ok := seen[key]; !ok {
			c.jobs.WithLabelValues(key[0], key[1]).Set(0)
		}
	}
	for key := range seen {
		c.tracked[key] = struct{}{}
	}
}
