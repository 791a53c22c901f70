package pipeline

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/security"
)

// Warning records a non-blocking stage failure.
type Warning struct {
	Stage   string         `json:"stage"`
	Kind    core.ErrorKind `json:"kind"`
	Message string         `json:"message"`
}

// State is the checkpoint payload: every completed stage's output so far.
type State struct {
	// Input is set only on the synthetic initial checkpoint.
	Input     json.RawMessage            `json:"input,omitempty"`
	Outputs   map[string]json.RawMessage `json:"outputs"`
	Warnings  []Warning                  `json:"warnings,omitempty"`
	Completed []string                   `json:"completed"`
}

func newState() *State {
	return &State{Outputs: map[string]json.RawMessage{}, Completed: []string{}}
}

func decodeState(data []byte) (*State, error) {
	st := newState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	if st.Outputs == nil {
		st.Outputs = map[string]json.RawMessage{}
	}
	if st.Completed == nil {
		st.Completed = []string{}
	}
	return st, nil
}

func (s *State) last() string {
	if len(s.Completed) == 0 {
		return ""
	}
	return s.Completed[len(s.Completed)-1]
}

// Output is the shape of OutputData on a completed job.
type Output struct {
	Type     string                     `json:"type"`
	Stages   map[string]json.RawMessage `json:"stages"`
	Warnings []Warning                  `json:"warnings"`
	Partial  bool                       `json:"partial"`
}

func buildOutput(jobType string, s *State) Output {
	warnings := s.Warnings
	if warnings == nil {
		warnings = []Warning{}
	}
	return Output{
		Type:     jobType,
		Stages:   s.Outputs,
		Warnings: warnings,
		Partial:  len(s.Warnings) > 0,
	}
}

// StageContext is what a stage function sees of its job.
type StageContext struct {
	Job    *core.Job
	Stage  string
	Logger *slog.Logger

	state    *State
	progress func(percent int, detail string)
	warn     func(Warning)
}

// JobID returns the running job's ID.
func (sc *StageContext) JobID() string {
	return sc.Job.ID
}

// Input returns the job's raw input payload.
func (sc *StageContext) Input() json.RawMessage {
	return json.RawMessage(sc.Job.InputData)
}

// DecodeInput unmarshals the job input into v.
func (sc *StageContext) DecodeInput(v any) error {
	if err := json.Unmarshal(sc.Job.InputData, v); err != nil {
		return core.InvalidInput(fmt.Errorf("decode %s input: %w", sc.Job.Type, err))
	}
	return nil
}

// Output returns the raw output of an earlier stage.
func (sc *StageContext) Output(stage string) (json.RawMessage, bool) {
	raw, ok := sc.state.Outputs[stage]
	return raw, ok
}

// Decode unmarshals the output of an earlier stage into v.
func (sc *StageContext) Decode(stage string, v any) error {
	raw, ok := sc.state.Outputs[stage]
	if !ok {
		return core.Permanent(fmt.Errorf("stage %s has no output from %s", sc.Stage, stage))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return core.Permanent(fmt.Errorf("decode output of %s: %w", stage, err))
	}
	return nil
}

// Warnings returns the warnings recorded so far in this run.
func (sc *StageContext) Warnings() []Warning {
	return append([]Warning(nil), sc.state.Warnings...)
}

// Warn records a warning against the stage without failing it. Warnings
// are kept once the stage's result is checkpointed and mark the job output
// partial.
func (sc *StageContext) Warn(kind core.ErrorKind, message string) {
	if sc.warn == nil {
		return
	}
	sc.warn(Warning{
		Stage:   sc.Stage,
		Kind:    kind,
		Message: security.SanitizeErrorMessage(message),
	})
}

// Progress reports progress within the stage, 0-100 of its band.
func (sc *StageContext) Progress(percent int, detail string) {
	if sc.progress != nil {
		sc.progress(percent, detail)
	}
}
