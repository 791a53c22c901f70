package connect

import (
	"context"
	"errors"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/pipeline"
	"github.com/jdziat/docpipe/pkg/schema"
)

// JobType is the standalone detection job type.
const JobType = "detect-connections"

// StageName is the name of the stage Stage builds.
const StageName = "connect"

// Input is the detect-connections job input.
type Input struct {
	Selection
	Discard bool `json:"discard,omitempty"`
}

// Selector derives the selection of a running job.
type Selector func(sc *pipeline.StageContext) (Selection, Options, error)

// InputSelector reads Input from the job input.
func InputSelector(sc *pipeline.StageContext) (Selection, Options, error) {
	var in Input
	if err := sc.DecodeInput(&in); err != nil {
		return Selection{}, Options{}, err
	}
	return in.Selection, Options{Discard: in.Discard}, nil
}

// Stage adapts o into a non-blocking pipeline stage: a failed detection
// becomes a warning on an otherwise successful job.
func Stage(o *Orchestrator, band pipeline.Band, sel Selector) pipeline.Stage {
	if sel == nil {
		sel = InputSelector
	}
	return pipeline.Stage{
		Name:        StageName,
		Band:        band,
		NonBlocking: true,
		Run: func(ctx context.Context, sc *pipeline.StageContext) (any, error) {
			selection, opts, err := sel(sc)
			if err != nil {
				return nil, err
			}
			report, err := o.Detect(ctx, selection, opts, func(percent int, stage, detail string) {
				sc.Progress(percent, stage+": "+detail)
			})
			if err != nil {
				if errors.Is(err, ErrAllEnginesFailed) {
					sc.Logger.Warn("connection detection failed", "engines", len(report.Engines))
				}
				return nil, err
			}
			if report.Partial {
				sc.Logger.Warn("connection detection partial", "engines", len(report.Engines), "written", report.Written)
				for _, er := range report.Engines {
					if er.Error != "" {
						sc.Warn(core.KindTransient, "engine "+er.Engine+": "+er.Error)
					}
				}
			}
			return report, nil
		},
	}
}

// InputSchema validates detect-connections input.
var InputSchema = schema.MustCompile(JobType+"-input", `{
  "type": "object",
  "properties": {
    "documentId": {"type": "string", "minLength": 1},
    "chunkIds": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
    "discard": {"type": "boolean"}
  },
  "anyOf": [
    {"required": ["documentId"]},
    {"required": ["chunkIds"]}
  ]
}`)

// Pipeline is the standalone detect-connections job: one connect stage over
// the selection in the job input. Here the stage blocks, so a run where every
// engine failed is retried.
func Pipeline(o *Orchestrator) *pipeline.Pipeline {
	st := Stage(o, pipeline.Band{Start: 0, End: 100}, InputSelector)
	st.NonBlocking = false
	return &pipeline.Pipeline{
		Type:        JobType,
		InputSchema: InputSchema,
		Stages:      []pipeline.Stage{st},
	}
}
