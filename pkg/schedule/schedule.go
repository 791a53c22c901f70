package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes the next run time after from.
type Schedule interface {
	Next(from time.Time) time.Time
}

// everySchedule runs at fixed intervals.
type everySchedule struct {
	interval time.Duration
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

// cronSchedule wraps a cron expression.
type cronSchedule struct {
	schedule cron.Schedule
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron creates a schedule from a five-field cron expression or a descriptor
// such as "@hourly" or "@every 10m".
func Cron(expr string) (Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return &cronSchedule{schedule: schedule}, nil
}

// MustCron is like Cron but panics on an invalid expression.
func MustCron(expr string) Schedule {
	s, err := Cron(expr)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Parse accepts a Go duration ("15m") or a cron expression ("0 3 * * *").
func Parse(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("empty schedule")
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule interval must be positive, got %s", d)
		}
		return Every(d), nil
	}
	return Cron(spec)
}

// Task is one run of a scheduled maintenance job.
type Task func(ctx context.Context) error

// Loop runs Task on Schedule until the context passed to Run ends.
// Task errors are logged and do not stop the loop.
type Loop struct {
	Name     string
	Schedule Schedule
	Task     Task
	Logger   *slog.Logger

	// RunAtStart runs Task once before waiting for the first tick.
	RunAtStart bool
}

// Run blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("task", l.Name)

	if l.RunAtStart {
		l.runOnce(ctx, logger)
	}

	for {
		wait := time.Until(l.Schedule.Next(time.Now()))
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			l.runOnce(ctx, logger)
		}
	}
}

func (l *Loop) runOnce(ctx context.Context, logger *slog.Logger) {
	start := time.Now()
	if err := l.Task(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("scheduled task failed", "error", err)
		}
		return
	}
	logger.Debug("scheduled task finished", "duration", time.Since(start))
}
