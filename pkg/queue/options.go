package queue

import (
	"time"
)

// Options holds configuration for job enqueueing.
type Options struct {
	Priority int
	Delay    time.Duration
	RunAt    *time.Time
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{}
}

// Option modifies Options.
type Option interface {
	Apply(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) Apply(o *Options) { f(o) }

// Priority sets the job priority (higher = claimed first).
func Priority(p int) Option {
	return optionFunc(func(o *Options) {
		o.Priority = p
	})
}

// Delay defers the first claim of the job by d.
func Delay(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.Delay = d
	})
}

// At defers the first claim of the job until t.
func At(t time.Time) Option {
	return optionFunc(func(o *Options) {
		o.RunAt = &t
	})
}

// notBefore resolves Delay and RunAt; RunAt wins when both are set.
func (o *Options) notBefore(now time.Time) *time.Time {
	if o.RunAt != nil {
		t := *o.RunAt
		return &t
	}
	if o.Delay > 0 {
		t := now.Add(o.Delay)
		return &t
	}
	return nil
}
