package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jdziat/docpipe/pkg/core"
)

func TestDefaultScheduler(t *testing.T) {
	s := DefaultScheduler()
	assert.Equal(t, time.Minute, s.Base)
	assert.Equal(t, 30*time.Minute, s.Cap)
	assert.Equal(t, 5, s.MaxAttempts)
}

func TestScheduler_DoublingSchedule(t *testing.T) {
	s := DefaultScheduler()

	want := []time.Duration{
		1 * time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		16 * time.Minute,
	}
	for retryCount, expected := range want {
		d := s.Decide(core.KindTransient, retryCount)
		assert.True(t, d.Retry, "retryCount %d should retry", retryCount)
		assert.Equal(t, expected, d.Delay, "retryCount %d", retryCount)
		assert.Equal(t, core.KindTransient, d.Kind)
	}

	// Sixth transient failure exhausts the budget.
	d := s.Decide(core.KindTransient, 5)
	assert.False(t, d.Retry)
	assert.Equal(t, core.KindPermanent, d.Kind)
	assert.Zero(t, d.Delay)
}

func TestScheduler_DelayCapped(t *testing.T) {
	s := DefaultScheduler()
	assert.Equal(t, 30*time.Minute, s.Delay(5))
	assert.Equal(t, 30*time.Minute, s.Delay(60), "no overflow for large counts")
	assert.Equal(t, time.Minute, s.Delay(-3))
}

func TestScheduler_NonTransientNeverRetries(t *testing.T) {
	s := DefaultScheduler()
	for _, kind := range []core.ErrorKind{core.KindPermanent, core.KindGated, core.KindInvalidInput} {
		d := s.Decide(kind, 0)
		assert.False(t, d.Retry, string(kind))
		assert.Equal(t, kind, d.Kind)
	}
}

func TestScheduler_DecideErrorRetryAfterFloor(t *testing.T) {
	s := DefaultScheduler()
	err := core.RetryAfter(10*time.Minute, errors.New("quota"))

	d := s.DecideError(nil, err, 0)
	assert.True(t, d.Retry)
	assert.Equal(t, 10*time.Minute, d.Delay)

	d = s.DecideError(nil, err, 4)
	assert.Equal(t, 16*time.Minute, d.Delay, "computed backoff already exceeds the floor")
}

func TestScheduler_CustomConfig(t *testing.T) {
	s := Scheduler{Base: time.Second, Cap: 5 * time.Second, MaxAttempts: 2}
	assert.Equal(t, time.Second, s.Decide(core.KindTransient, 0).Delay)
	assert.Equal(t, 2*time.Second, s.Decide(core.KindTransient, 1).Delay)
	assert.False(t, s.Decide(core.KindTransient, 2).Retry)
}
