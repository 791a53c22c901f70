package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jdziat/docpipe/pkg/core"
)

// RetryConfig holds configuration for retry with backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of retry attempts (including initial).
	// Default: 5
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 5s
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier applied to backoff after each attempt.
	// Default: 2.0
	BackoffMultiplier float64

	// JitterFraction is the fraction of backoff to randomize (0.0 to 1.0).
	// Default: 0.1 (10% jitter)
	JitterFraction float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// claimRetryConfig backs off longer to avoid hammering the database during outages.
func claimRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
}

// retryWithBackoff executes the operation with exponential backoff on failure.
// It stops at the first error IsRetryableError rejects and returns the last
// error if all attempts fail.
func retryWithBackoff(ctx context.Context, config RetryConfig, operation func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if !IsRetryableError(lastErr) {
			return lastErr
		}

		// Check if we've exhausted attempts
		if attempt >= config.MaxAttempts {
			break
		}

		// Calculate backoff with jitter
		jitter := time.Duration(float64(backoff) * config.JitterFraction * (rand.Float64()*2 - 1))
		sleepDuration := backoff + jitter
		if sleepDuration < 0 {
			sleepDuration = backoff
		}

		// Wait for backoff or context cancellation
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepDuration):
		}

		// Increase backoff for next attempt
		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}

// IsRetryableError determines if a store error is worth retrying.
// Context errors and ownership or state conflicts are final; other database
// errors (connection loss, lock timeouts, deadlocks) are assumed transient.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	switch {
	case errors.Is(err, core.ErrJobNotOwned),
		errors.Is(err, core.ErrJobTerminal),
		errors.Is(err, core.ErrJobNotFound),
		errors.Is(err, core.ErrJobNotPaused):
		return false
	}
	return true
}

// retryingStore retries the job-store calls the executor makes while a job
// runs. Reads and lifecycle calls outside a run pass through.
type retryingStore struct {
	core.JobStore
	config RetryConfig
}

func (s *retryingStore) SaveProgress(ctx context.Context, jobID, workerID string, u core.ProgressUpdate) error {
	return retryWithBackoff(ctx, s.config, func() error {
		return s.JobStore.SaveProgress(ctx, jobID, workerID, u)
	})
}

func (s *retryingStore) ResetRun(ctx context.Context, jobID, workerID string) error {
	return retryWithBackoff(ctx, s.config, func() error {
		return s.JobStore.ResetRun(ctx, jobID, workerID)
	})
}

func (s *retryingStore) Complete(ctx context.Context, jobID, workerID string, output []byte) error {
	return retryWithBackoff(ctx, s.config, func() error {
		return s.JobStore.Complete(ctx, jobID, workerID, output)
	})
}

func (s *retryingStore) Fail(ctx context.Context, jobID, workerID string, kind core.ErrorKind, errMsg string) error {
	return retryWithBackoff(ctx, s.config, func() error {
		return s.JobStore.Fail(ctx, jobID, workerID, kind, errMsg)
	})
}

func (s *retryingStore) Retry(ctx context.Context, jobID, workerID string, kind core.ErrorKind, errMsg string, next time.Time) error {
	return retryWithBackoff(ctx, s.config, func() error {
		return s.JobStore.Retry(ctx, jobID, workerID, kind, errMsg, next)
	})
}

func (s *retryingStore) Pause(ctx context.Context, jobID, workerID string, ref core.CheckpointRef, reason string, kind core.ErrorKind) error {
	return retryWithBackoff(ctx, s.config, func() error {
		return s.JobStore.Pause(ctx, jobID, workerID, ref, reason, kind)
	})
}

func (s *retryingStore) PauseRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := retryWithBackoff(ctx, s.config, func() error {
		var err error
		requested, err = s.JobStore.PauseRequested(ctx, jobID)
		return err
	})
	return requested, err
}

func (s *retryingStore) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	return retryWithBackoff(ctx, s.config, func() error {
		return s.JobStore.Heartbeat(ctx, jobID, workerID, lease)
	})
}
