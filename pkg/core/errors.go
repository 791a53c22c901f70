package core

import (
	"errors"
	"fmt"
	"time"
)

// Validation and store errors
var (
	ErrInvalidJobType      = errors.New("docpipe: invalid job type (must be alphanumeric, start with letter)")
	ErrJobTypeTooLong      = errors.New("docpipe: job type too long")
	ErrInvalidStageName    = errors.New("docpipe: invalid stage name")
	ErrInputTooLarge       = errors.New("docpipe: job input exceeds size limit")
	ErrJobNotFound         = errors.New("docpipe: job not found")
	ErrJobNotOwned         = errors.New("docpipe: job not owned by this worker")
	ErrJobTerminal         = errors.New("docpipe: job is in a terminal state")
	ErrJobNotPaused        = errors.New("docpipe: job is not paused")
	ErrUnknownJobType      = errors.New("docpipe: no pipeline registered for job type")
	ErrCheckpointCorrupted = errors.New("docpipe: checkpoint hash mismatch")
	ErrCheckpointNotFound  = errors.New("docpipe: checkpoint not found")
	ErrBlobNotFound        = errors.New("docpipe: blob not found")
)

// ErrorKind is the retry taxonomy a failure is classified into.
type ErrorKind string

const (
	KindTransient    ErrorKind = "transient"     // Network or timeout, retry with backoff
	KindPermanent    ErrorKind = "permanent"     // Logic or validation error, never retry
	KindGated        ErrorKind = "gated"         // Needs a human to unlock, pause
	KindInvalidInput ErrorKind = "invalid-input" // Malformed job input, fail now
)

// ClassifiedError carries an explicit ErrorKind for the wrapped error.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with an explicit kind. A nil err stays nil.
func Classify(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: err}
}

// Transient marks err as retryable.
func Transient(err error) error { return Classify(KindTransient, err) }

// Permanent marks err as never retryable.
func Permanent(err error) error { return Classify(KindPermanent, err) }

// Gated marks err as requiring manual intervention before any retry.
func Gated(err error) error { return Classify(KindGated, err) }

// InvalidInput marks err as caused by malformed job input.
func InvalidInput(err error) error { return Classify(KindInvalidInput, err) }

// RetryAfterError indicates a transient error that should be retried no sooner than Delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}
