// Package similarity proposes connections between chunks whose embeddings
// point the same way.
package similarity

import (
	"context"
	"math"
	"sort"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/engine"
)

// Name is the engine type recorded on connections.
const Name = "semantic_similarity"

// Params are the engine thresholds.
type Params struct {
	Threshold         float64 `mapstructure:"threshold" yaml:"threshold"`
	MaxPerSource      int     `mapstructure:"maxPerSource" yaml:"maxPerSource"`
	CrossDocumentOnly bool    `mapstructure:"crossDocumentOnly" yaml:"crossDocumentOnly"`
}

// DefaultParams returns the default thresholds.
func DefaultParams() Params {
	return Params{Threshold: 0.7, MaxPerSource: 50}
}

// Engine scores pairs by cosine similarity.
type Engine struct{}

// New returns the similarity engine.
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
		if len(src.Embedding) == 0 {
			continue
		}

		var matches []engine.Candidate
		for _, cand := range candidates {
			if cand.ID == src.ID || len(cand.Embedding) != len(src.Embedding) {
				continue
			}
			if p.CrossDocumentOnly && cand.DocumentID == src.DocumentID {
				continue
			}
			score := Cosine(src.Embedding, cand.Embedding)
			if score < p.Threshold {
				continue
			}
			matches = append(matches, engine.Candidate{
				SourceID: src.ID,
				TargetID: cand.ID,
				Strength: score,
				Explanation: map[string]any{
					"similarity":    round(score),
					"crossDocument": cand.DocumentID != src.DocumentID,
				},
			})
		}

		// Strongest first, ties by target so the cut is stable.
		sort.Slice(matches, func(i, j int) bool {
			if matches[i].Strength != matches[j].Strength {
				return matches[i].Strength > matches[j].Strength
			}
			return matches[i].TargetID < matches[j].TargetID
		})
		if p.MaxPerSource > 0 && len(matches) > p.MaxPerSource {
			matches = matches[:p.MaxPerSource]
		}

		for _, m := range matches {
			if cfg.Full(len(res.Candidates)) {
				res.Truncated = true
				res.Candidates = engine.Normalize(res.Candidates)
				return res, nil
			}
			res.Candidates = append(res.Candidates, m)
		}
	}
	res.Candidates = engine.Normalize(res.Candidates)
	return res, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func Cosine(a, b core.Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
