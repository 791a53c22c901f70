package retry

import (
	"errors"
	"time"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/security"
)

// Scheduler computes backoff for transient failures.
type Scheduler struct {
	// Base is the delay after the first failure.
	// Default: 1 minute
	Base time.Duration

	// Cap bounds any single delay.
	// Default: 30 minutes
	Cap time.Duration

	// MaxAttempts is the number of retries allowed before a transient
	// failure is reclassified as permanent.
	// Default: 5
	MaxAttempts int
}

// DefaultScheduler returns the default retry schedule.
func DefaultScheduler() Scheduler {
	return Scheduler{
		Base:        time.Minute,
		Cap:         30 * time.Minute,
		MaxAttempts: 5,
	}
}

// Decision is the outcome of a retry consultation.
type Decision struct {
	Retry bool
	Delay time.Duration
	// Kind is the effective kind; exhausted transients become permanent.
	Kind core.ErrorKind
}

// Delay returns min(Base * 2^retryCount, Cap).
func (s Scheduler) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := s.Base
	for i := 0; i < retryCount; i++ {
		if delay >= s.Cap {
			break
		}
		delay *= 2
	}
	if s.Cap > 0 && delay > s.Cap {
		delay = s.Cap
	}
	return delay
}

// Decide is a pure function of the classified kind and the number of retries
// already performed.
func (s Scheduler) Decide(kind core.ErrorKind, retryCount int) Decision {
	if kind != core.KindTransient {
		return Decision{Retry: false, Kind: kind}
	}
	if retryCount >= security.ClampAttempts(s.MaxAttempts) {
		return Decision{Retry: false, Kind: core.KindPermanent}
	}
	return Decision{Retry: true, Delay: s.Delay(retryCount), Kind: core.KindTransient}
}

// DecideError classifies err with c and decides. A RetryAfter delay acts as a
// floor on the computed backoff.
func (s Scheduler) DecideError(c *Classifier, err error, retryCount int) Decision {
	if c == nil {
		c = defaultClassifier
	}
	d := s.Decide(c.Classify(err), retryCount)
	var retryAfter *core.RetryAfterError
	if d.Retry && errors.As(err, &retryAfter) && retryAfter.Delay > d.Delay {
		d.Delay = retryAfter.Delay
	}
	return d
}
