// Package bridge proposes thematic bridges: links between important chunks
// from different domains that share some, but not most, of their concepts.
// Each shortlisted pair is judged by a language model.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/engine"
)

// Name is the engine type recorded on connections.
const Name = "thematic_bridge"

// maxContentChars bounds each chunk excerpt in the prompt.
const maxContentChars = 1200

// Params are the engine thresholds and model budget.
type Params struct {
	MinImportance          float64 `mapstructure:"minImportance" yaml:"minImportance"`
	MinOverlap             float64 `mapstructure:"minOverlap" yaml:"minOverlap"`
	MaxOverlap             float64 `mapstructure:"maxOverlap" yaml:"maxOverlap"`
	MaxCandidatesPerSource int     `mapstructure:"maxCandidatesPerSource" yaml:"maxCandidatesPerSource"`
	MaxCalls               int     `mapstructure:"maxCalls" yaml:"maxCalls"`
	RequestsPerSecond      float64 `mapstructure:"requestsPerSecond" yaml:"requestsPerSecond"`
	MinStrength            float64 `mapstructure:"minStrength" yaml:"minStrength"`
}

// DefaultParams returns the default thresholds.
func DefaultParams() Params {
	return Params{
		MinImportance:          0.6,
		MinOverlap:             0.2,
		MaxOverlap:             0.7,
		MaxCandidatesPerSource: 15,
		MaxCalls:               100,
		RequestsPerSecond:      2,
		MinStrength:            0.6,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine shortlists pairs locally and asks the model to judge each one.
type Engine struct {
	model  llms.Model
	logger *slog.Logger
}

// New returns a bridge engine backed by model.
func New(model llms.Model, opts ...Option) *Engine {
	e := &Engine{model: model, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Factory returns an engine.Factory for model. Building fails without a model.
func Factory(model llms.Model, opts ...Option) engine.Factory {
	return func() (engine.Engine, error) {
		if model == nil {
			return nil, errors.New("bridge engine requires a language model")
		}
		return New(model, opts...), nil
	}
}

// Name implements engine.Engine.
func (*Engine) Name() string { return Name }

type pair struct {
	target  core.Chunk
	overlap float64
	shared  []string
}

// verdict is the JSON object the model answers with.
type verdict struct {
	Connected   bool    `json:"connected"`
	Strength    float64 `json:"strength"`
	BridgeType  string  `json:"bridgeType"`
	Explanation string  `json:"explanation"`
}

// Detect implements engine.Engine.
func (e *Engine) Detect(ctx context.Context, sources, candidates []core.Chunk, cfg engine.Settings) (engine.Result, error) {
	p := DefaultParams()
	if err := engine.DecodeParams(cfg.Params, &p); err != nil {
		return engine.Result{}, core.Permanent(err)
	}

	limit := rate.Inf
	if p.RequestsPerSecond > 0 {
		limit = rate.Limit(p.RequestsPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	var res engine.Result
	calls := 0
	for _, src := range sources {
		if src.ImportanceScore < p.MinImportance {
			continue
		}
		for _, pr := range shortlist(src, candidates, p) {
			if p.MaxCalls > 0 && calls >= p.MaxCalls {
				e.logger.Debug("bridge call budget spent", "calls", calls)
				res.Truncated = true
				res.Candidates = engine.Normalize(res.Candidates)
				return res, nil
			}
			if cfg.Full(len(res.Candidates)) {
				res.Truncated = true
				res.Candidates = engine.Normalize(res.Candidates)
				return res, nil
			}
			if err := limiter.Wait(ctx); err != nil {
				return res, err
			}

			calls++
			v, err := e.judge(ctx, src, pr)
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				var syntax *json.SyntaxError
				var typeErr *json.UnmarshalTypeError
				if errors.As(err, &syntax) || errors.As(err, &typeErr) {
					e.logger.Warn("unreadable bridge verdict", "source", src.ID, "target", pr.target.ID, "error", err)
					continue
				}
				return res, core.Transient(fmt.Errorf("bridge model call: %w", err))
			}
			if !v.Connected || v.Strength < p.MinStrength {
				continue
			}
			res.Candidates = append(res.Candidates, engine.Candidate{
				SourceID: src.ID,
				TargetID: pr.target.ID,
				Strength: v.Strength,
				Explanation: map[string]any{
					"bridgeType":     v.BridgeType,
					"explanation":    v.Explanation,
					"sharedConcepts": pr.shared,
					"conceptOverlap": pr.overlap,
					"sourceDomain":   src.Domain,
					"targetDomain":   pr.target.Domain,
				},
			})
		}
	}
	res.Candidates = engine.Normalize(res.Candidates)
	return res, nil
}

// shortlist returns the candidates worth a model call for src, most
// important first.
func shortlist(src core.Chunk, candidates []core.Chunk, p Params) []pair {
	var out []pair
	for _, cand := range candidates {
		if cand.ID == src.ID || cand.ImportanceScore < p.MinImportance {
			continue
		}
		if src.Domain != "" && cand.Domain != "" {
			if strings.EqualFold(src.Domain, cand.Domain) {
				continue
			}
		} else if src.DocumentID == cand.DocumentID {
			continue
		}
		overlap := engine.ConceptOverlap(src.ConceptTags, cand.ConceptTags)
		if overlap < p.MinOverlap || overlap > p.MaxOverlap {
			continue
		}
		out = append(out, pair{
			target:  cand,
			overlap: overlap,
			shared:  engine.SharedConcepts(src.ConceptTags, cand.ConceptTags),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].target.ImportanceScore != out[j].target.ImportanceScore {
			return out[i].target.ImportanceScore > out[j].target.ImportanceScore
		}
		return out[i].target.ID < out[j].target.ID
	})
	if p.MaxCandidatesPerSource > 0 && len(out) > p.MaxCandidatesPerSource {
		out = out[:p.MaxCandidatesPerSource]
	}
	return out
}

func (e *Engine) judge(ctx context.Context, src core.Chunk, pr pair) (verdict, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt(src, pr)),
	}
	resp, err := e.model.GenerateContent(ctx, messages, llms.WithTemperature(0.0), llms.WithJSONMode())
	if err != nil {
		return verdict{}, err
	}
	if len(resp.Choices) == 0 {
		return verdict{}, nil
	}

	text := strings.TrimSpace(resp.Choices[0].Content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var v verdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return verdict{}, err
	}
	return v, nil
}

const systemPrompt = `You find thematic bridges between passages from different fields.
A bridge exists when both passages illuminate the same underlying idea from different angles.
Answer with a single JSON object:
{"connected": true|false, "strength": 0.0-1.0, "bridgeType": "analogy|shared-mechanism|historical|methodological|other", "explanation": "one sentence"}`

func userPrompt(src core.Chunk, pr pair) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Passage A (domain: %s):\n%s\n\n", orUnknown(src.Domain), excerpt(src.Content))
	fmt.Fprintf(&b, "Passage B (domain: %s):\n%s\n\n", orUnknown(pr.target.Domain), excerpt(pr.target.Content))
	if len(pr.shared) > 0 {
		fmt.Fprintf(&b, "Shared concepts: %s\n", strings.Join(pr.shared, ", "))
	}
	return b.String()
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxContentChars {
		return s
	}
	cut := maxContentChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
