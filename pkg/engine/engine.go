// Package engine defines the connection-engine contract and the registry the
// orchestrator selects engines from.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"github.com/jdziat/docpipe/pkg/core"
)

// Settings is the per-run configuration handed to an engine.
type Settings struct {
	// MaxCandidates caps the candidates returned. Zero means no cap.
	MaxCandidates int

	// Params holds engine-specific thresholds, decoded with DecodeParams.
	Params map[string]any
}

// Candidate is one proposed connection from SourceID to TargetID.
type Candidate struct {
	SourceID    string
	TargetID    string
	Strength    float64
	Explanation map[string]any
}

// Result is what one engine run produced.
type Result struct {
	Candidates []Candidate
	// Truncated is set when the engine stopped at MaxCandidates or an
	// internal budget before examining every pair.
	Truncated bool
}

// Engine proposes connections between source chunks and a candidate pool.
//
// Implementations must be deterministic for identical inputs and settings and
// must honor ctx cancellation between pairs.
type Engine interface {
	Name() string
	Detect(ctx context.Context, sources, candidates []core.Chunk, cfg Settings) (Result, error)
}

// Full reports whether n candidates already reach the budget.
func (s Settings) Full(n int) bool {
	return s.MaxCandidates > 0 && n >= s.MaxCandidates
}

const strengthPrecision = 1e6

// Normalize clamps strengths to [0, 1], drops NaN and self-links, rounds to
// six decimals, keeps the strongest of duplicate pairs and sorts by
// (source, target).
func Normalize(in []Candidate) []Candidate {
	best := make(map[[2]string]int, len(in))
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		if c.SourceID == "" || c.TargetID == "" || c.SourceID == c.TargetID {
			continue
		}
		if math.IsNaN(c.Strength) {
			continue
		}
		c.Strength = math.Round(clamp(c.Strength)*strengthPrecision) / strengthPrecision
		key := [2]string{c.SourceID, c.TargetID}
		if i, ok := best[key]; ok {
			if c.Strength > out[i].Strength {
				out[i] = c
			}
			continue
		}
		best[key] = len(out)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Clamp limits v to [0, 1]. NaN becomes 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return clamp(v)
}

// DecodeParams decodes params into out, which should already hold defaults.
// Keys match struct fields by their mapstructure tag and string values are
// converted where possible, so values read from env or YAML both work.
func DecodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("decode engine params: %w", err)
	}
	return nil
}

// Factory builds an engine.
type Factory func() (Engine, error)

// Registry maps engine names to factories. Engines are built on first use
// and run in registration order.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	factories map[string]Factory
	built     map[string]Engine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		built:     make(map[string]Engine),
	}
}

// Register adds a factory under name. Registering a name twice replaces the
// factory but keeps its original position.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; !ok {
		r.order = append(r.order, name)
	}
	r.factories[name] = f
	delete(r.built, name)
}

// RegisterEngine adds an already-built engine under its own name.
func (r *Registry) RegisterEngine(e Engine) {
	r.Register(e.Name(), func() (Engine, error) { return e, nil })
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Get returns the engine registered under name, building it if needed.
func (r *Registry) Get(name string) (Engine, error) {
	r.mu.RLock()
	e, ok := r.built[name]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.built[name]; ok {
		return e, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
	e, err := f()
	if err != nil {
		return nil, fmt.Errorf("build engine %s: %w", name, err)
	}
	r.built[name] = e
	return e, nil
}

// ErrUnknownEngine is returned by Get for unregistered names.
var ErrUnknownEngine = errors.New("docpipe: unknown engine")

// ConceptOverlap is the Jaccard index of two tag sets, compared
// case-insensitively. Two empty sets overlap by 0.
func ConceptOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[strings.ToLower(strings.TrimSpace(t))] = true
	}
	union := len(set)
	shared := 0
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		t = strings.ToLower(strings.TrimSpace(t))
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			shared++
		} else {
			union++
		}
	}
	return float64(shared) / float64(union)
}

// SharedConcepts returns the tags present in both sets, lowercased and sorted.
func SharedConcepts(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[strings.ToLower(strings.TrimSpace(t))] = true
	}
	var out []string
	for _, t := range b {
		t = strings.ToLower(strings.TrimSpace(t))
		if set[t] {
			out = append(out, t)
			delete(set, t)
		}
	}
	sort.Strings(out)
	return out
}
