package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvery(t *testing.T) {
	s := Every(5 * time.Minute)
	now := time.Now()
	next := s.Next(now)

	assert.Equal(t, now.Add(5*time.Minute), next)
}

func TestEvery_MultipleNext(t *testing.T) {
	s := Every(time.Hour)
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	next1 := s.Next(start)
	next2 := s.Next(next1)

	assert.Equal(t, time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC), next1)
	assert.Equal(t, time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC), next2)
}

func TestCron(t *testing.T) {
	s, err := Cron("0 9 * * *")
	require.NoError(t, err)
	from := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	next := s.Next(from)

	assert.Equal(t, 9, next.Hour())
	assert.Equal(t, 0, next.Minute())
}

func TestCron_Descriptor(t *testing.T) {
	s, err := Cron("@every 10m")
	require.NoError(t, err)
	from := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(10*time.Minute), s.Next(from))
}

func TestCron_InvalidExpression(t *testing.T) {
	_, err := Cron("invalid cron")
	assert.Error(t, err)
	assert.Panics(t, func() { MustCron("invalid cron") })
}

func TestParse(t *testing.T) {
	s, err := Parse("15m")
	require.NoError(t, err)
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(15*time.Minute), s.Next(from))

	s, err = Parse("30 3 * * *")
	require.NoError(t, err)
	next := s.Next(from)
	assert.Equal(t, 3, next.Hour())
	assert.Equal(t, 30, next.Minute())

	_, err = Parse("")
	assert.Error(t, err)
	_, err = Parse("-5m")
	assert.Error(t, err)
}

func TestLoop_RunsTaskUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	loop := &Loop{
		Name:       "test",
		Schedule:   Every(5 * time.Millisecond),
		RunAtStart: true,
		Task: func(context.Context) error {
			if runs.Add(1) == 2 {
				return errors.New("boom")
			}
			return nil
		},
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond,
		"task errors must not stop the loop")
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
