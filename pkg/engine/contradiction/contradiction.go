// Package contradiction proposes connections between chunks that talk about
// the same concepts with opposite stances.
package contradiction

import (
	"context"
	"math"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/engine"
)

// Name is the engine type recorded on connections.
const Name = "contradiction_detection"

// Params are the engine thresholds.
type Params struct {
	MinConceptOverlap float64 `mapstructure:"minConceptOverlap" yaml:"minConceptOverlap"`
	MinPolarityGap    float64 `mapstructure:"minPolarityGap" yaml:"minPolarityGap"`
}

// DefaultParams returns the default thresholds.
func DefaultParams() Params {
	return Params{MinConceptOverlap: 0.3, MinPolarityGap: 0.5}
}

// Engine pairs chunks with shared concepts and opposing polarity.
type Engine struct{}

// New returns the contradiction engine.
func New() *Engine { return &Engine{} }

// Factory builds the engine for an engine.Registry.
func Factory() (engine.Engine, error) { return New(), nil }

// Name implements engine.Engine.
func (*Engine) Name() string { return Name }

// Detect implements engine.Engine.
func (*Engine) Detect(ctx context.Context, sources, candidates []core.Chunk, cfg engine.Settings) (engine.Result, error) {
	p := DefaultParams()
	if err := engine.DecodeParams(cfg.Params, &p); err != nil {
		return engine.Result{}, core.Permanent(err)
	}

	var res engine.Result
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if len(src.ConceptTags) == 0 || src.Polarity == 0 {
			continue
		}
		for _, cand := range candidates {
			if cand.ID == src.ID || src.Polarity*cand.Polarity >= 0 {
				continue
			}
			gap := math.Abs(src.Polarity - cand.Polarity)
			if gap < p.MinPolarityGap {
				continue
			}
			overlap := engine.ConceptOverlap(src.ConceptTags, cand.ConceptTags)
			if overlap < p.MinConceptOverlap {
				continue
			}
			if cfg.Full(len(res.Candidates)) {
				res.Truncated = true
				res.Candidates = engine.Normalize(res.Candidates)
				return res, nil
			}
			res.Candidates = append(res.Candidates, engine.Candidate{
				SourceID: src.ID,
				TargetID: cand.ID,
				Strength: Strength(overlap, gap),
				Explanation: map[string]any{
					"sharedConcepts": engine.SharedConcepts(src.ConceptTags, cand.ConceptTags),
					"conceptOverlap": overlap,
					"polarityGap":    gap,
				},
			})
		}
	}
	res.Candidates = engine.Normalize(res.Candidates)
	return res, nil
}

// Strength combines concept overlap (0..1) and polarity gap (0..2).
func Strength(overlap, gap float64) float64 {
	return (overlap + gap/2) / 2
}
