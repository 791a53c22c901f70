package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jdziat/docpipe/pkg/schema"
	"github.com/jdziat/docpipe/pkg/security"
)

// InitialStage names the synthetic checkpoint written when a job pauses
// before any stage has completed.
const InitialStage = "initial"

// StageFunc runs one stage. The returned value must be JSON-serializable and
// becomes the stage's entry in the job output.
type StageFunc func(ctx context.Context, sc *StageContext) (any, error)

// Band is the slice of overall progress a stage owns, in percent.
type Band struct {
	Start int
	End   int
}

// Stage is one checkpointable step of a pipeline.
type Stage struct {
	Name string
	Run  StageFunc

	// Timeout bounds one run of the stage. Zero uses the executor default.
	Timeout time.Duration

	Band Band

	// NonBlocking stages record failures as warnings instead of failing the job.
	NonBlocking bool
}

// Pipeline is the stage list registered for one job type.
type Pipeline struct {
	Type         string
	Stages       []Stage
	InputSchema  *schema.Validator
	OutputSchema *schema.Validator
}

// Validate checks names, bands and stage functions.
func (p *Pipeline) Validate() error {
	if err := security.ValidateJobType(p.Type); err != nil {
		return err
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %s: no stages", p.Type)
	}
	seen := make(map[string]bool, len(p.Stages))
	prevEnd := 0
	for _, st := range p.Stages {
		if err := security.ValidateStageName(st.Name); err != nil {
			return fmt.Errorf("pipeline %s: stage %q: %w", p.Type, st.Name, err)
		}
		if st.Name == InitialStage {
			return fmt.Errorf("pipeline %s: stage name %q is reserved", p.Type, InitialStage)
		}
		if seen[st.Name] {
			return fmt.Errorf("pipeline %s: duplicate stage %q", p.Type, st.Name)
		}
		seen[st.Name] = true
		if st.Run == nil {
			return fmt.Errorf("pipeline %s: stage %q has no function", p.Type, st.Name)
		}
		if st.Band.Start < 0 || st.Band.End > 100 || st.Band.Start > st.Band.End {
			return fmt.Errorf("pipeline %s: stage %q has invalid band [%d, %d]", p.Type, st.Name, st.Band.Start, st.Band.End)
		}
		if st.Band.End < prevEnd {
			return fmt.Errorf("pipeline %s: stage %q band ends before the previous stage", p.Type, st.Name)
		}
		prevEnd = st.Band.End
	}
	return nil
}

// StageNames returns the stage names in order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, st := range p.Stages {
		names[i] = st.Name
	}
	return names
}

func (p *Pipeline) index(name string) int {
	for i, st := range p.Stages {
		if st.Name == name {
			return i
		}
	}
	return -1
}

// PauseError asks the executor to checkpoint the stage's output and pause
// the job before the next stage.
type PauseError struct {
	Reason string
}

func (e *PauseError) Error() string {
	return "pause requested by stage: " + e.Reason
}

// PauseAfter returns an error that pauses the job once the current stage's
// output is checkpointed. Return it together with the stage output.
func PauseAfter(reason string) error {
	return &PauseError{Reason: reason}
}

func asPause(err error) (*PauseError, bool) {
	var pe *PauseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
