// Package connect runs the enabled connection engines over a selection of
// chunks and merges their candidates into the connection store.
package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/engine"
	"github.com/jdziat/docpipe/pkg/engine/bridge"
	"github.com/jdziat/docpipe/pkg/engine/contradiction"
	"github.com/jdziat/docpipe/pkg/engine/similarity"
)

// ErrAllEnginesFailed is returned when every enabled engine errored.
var ErrAllEnginesFailed = errors.New("docpipe: every connection engine failed")

// Selection names the source chunks: a whole document, or an explicit subset.
// ChunkIDs wins when both are set.
type Selection struct {
	DocumentID string   `json:"documentId,omitempty"`
	ChunkIDs   []string `json:"chunkIds,omitempty"`
}

// Validate rejects empty selections.
func (s Selection) Validate() error {
	if s.DocumentID == "" && len(s.ChunkIDs) == 0 {
		return core.InvalidInput(errors.New("selection needs a documentId or chunkIds"))
	}
	return nil
}

// Options adjust one detection run.
type Options struct {
	// Discard deletes auto-detected connections of the source chunks that
	// carry no user verdict before new ones are written.
	Discard bool
}

// EngineReport is one engine's share of a run.
type EngineReport struct {
	Engine     string        `json:"engine"`
	Candidates int           `json:"candidates"`
	Truncated  bool          `json:"truncated,omitempty"`
	Duration   time.Duration `json:"durationNs"`
	Error      string        `json:"error,omitempty"`
}

// Report summarizes a detection run.
type Report struct {
	Sources   int            `json:"sources"`
	Pool      int            `json:"pool"`
	Engines   []EngineReport `json:"engines"`
	Discarded int64          `json:"discarded,omitempty"`
	Written   int            `json:"written"`
	// Partial is set when at least one engine failed.
	Partial bool `json:"partial"`
}

// Option configures an Orchestrator.
type Option interface {
	applyOrchestrator(*Orchestrator)
}

type orchestratorOptionFunc func(*Orchestrator)

func (f orchestratorOptionFunc) applyOrchestrator(o *Orchestrator) { f(o) }

// WithConfig replaces DefaultConfig.
func WithConfig(c Config) Option {
	return orchestratorOptionFunc(func(o *Orchestrator) { o.config = c })
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return orchestratorOptionFunc(func(o *Orchestrator) { o.logger = l })
}

// WithEmitter receives EngineCompleted and EngineFailed events.
func WithEmitter(em core.Emitter) Option {
	return orchestratorOptionFunc(func(o *Orchestrator) { o.emitter = em })
}

// Orchestrator selects engines, runs them in isolation and persists the
// merged result.
type Orchestrator struct {
	chunks   core.ChunkReader
	conns    core.ConnectionStore
	registry *engine.Registry
	config   Config
	logger   *slog.Logger
	emitter  core.Emitter
	now      func() time.Time
}

// New creates an orchestrator. A nil registry uses DefaultRegistry(nil).
func New(chunks core.ChunkReader, conns core.ConnectionStore, registry *engine.Registry, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		chunks:   chunks,
		conns:    conns,
		registry: registry,
		config:   DefaultConfig(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt.applyOrchestrator(o)
	}
	if o.registry == nil {
		o.registry = DefaultRegistry(nil, o.logger)
	}
	if err := o.config.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// DefaultRegistry registers the built-in engines in run order. The bridge
// engine fails to build when model is nil, which only matters if it is enabled.
func DefaultRegistry(model llms.Model, logger *slog.Logger) *engine.Registry {
	r := engine.NewRegistry()
	r.Register(similarity.Name, similarity.Factory)
	r.Register(contradiction.Name, contradiction.Factory)
	r.Register(bridge.Name, bridge.Factory(model, bridge.WithLogger(logger)))
	return r
}

// Config returns the active configuration.
func (o *Orchestrator) Config() Config {
	return o.config
}

// Enabled returns the enabled engine names in run order.
func (o *Orchestrator) Enabled() []string {
	var names []string
	for _, name := range o.registry.Names() {
		if ec, ok := o.config.Engines[name]; ok && ec.Enabled {
			names = append(names, name)
		}
	}
	return names
}

// Detect runs every enabled engine over sel and writes the merged candidates.
// Engine errors and panics are recorded in the report and do not stop the
// other engines. The returned error covers selection, store and
// all-engines-failed conditions; the report is valid whenever it is non-nil.
func (o *Orchestrator) Detect(ctx context.Context, sel Selection, opts Options, progress core.ProgressFunc) (*Report, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	sources, err := o.sources(ctx, sel)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("load source chunks: %w", err))
	}
	report := &Report{Sources: len(sources), Engines: []EngineReport{}}
	if len(sources) == 0 {
		progress.Report(100, "connect", "no source chunks")
		return report, nil
	}

	pool, err := o.pool(ctx, sources)
	if err != nil {
		return nil, core.Transient(fmt.Errorf("load candidate pool: %w", err))
	}
	report.Pool = len(pool)

	names := o.Enabled()
	if len(names) == 0 {
		o.logger.Warn("no connection engines enabled")
		progress.Report(100, "connect", "no engines enabled")
		return report, nil
	}

	if opts.Discard {
		n, err := o.conns.DeleteUnvalidated(ctx, chunkIDs(sources), names)
		if err != nil {
			return nil, core.Transient(fmt.Errorf("discard connections: %w", err))
		}
		report.Discarded = n
		o.logger.Info("discarded unvalidated connections", "count", n)
	}

	merged := newMerger()
	failed := 0
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		progress.Report(i*90/len(names), name, "detecting")

		ec := o.config.Engines[name]
		res, er := o.runEngine(ctx, name, ec, sources, pool)
		report.Engines = append(report.Engines, er)
		if er.Error != "" {
			failed++
			continue
		}
		merged.add(name, ec.weight(), res.Candidates)
	}
	report.Partial = failed > 0

	conns := merged.connections(o.now())
	for start := 0; start < len(conns); start += o.config.BatchSize {
		end := min(start+o.config.BatchSize, len(conns))
		if err := o.conns.UpsertConnections(ctx, conns[start:end]); err != nil {
			return report, core.Transient(fmt.Errorf("write connections: %w", err))
		}
		report.Written = end
		progress.Report(90+10*end/len(conns), "connect", fmt.Sprintf("wrote %d/%d connections", end, len(conns)))
	}
	progress.Report(100, "connect", fmt.Sprintf("%d connections from %d engines", report.Written, len(names)-failed))

	if failed == len(names) {
		return report, core.Transient(ErrAllEnginesFailed)
	}
	return report, nil
}

func (o *Orchestrator) sources(ctx context.Context, sel Selection) ([]core.Chunk, error) {
	if len(sel.ChunkIDs) > 0 {
		return o.chunks.ChunksByIDs(ctx, sel.ChunkIDs)
	}
	return o.chunks.ChunksByDocument(ctx, sel.DocumentID)
}

func (o *Orchestrator) pool(ctx context.Context, sources []core.Chunk) ([]core.Chunk, error) {
	if o.config.Scope != ScopeDocument {
		return o.chunks.AllChunks(ctx)
	}
	seen := map[string]bool{}
	var pool []core.Chunk
	for _, c := range sources {
		if seen[c.DocumentID] {
			continue
		}
		seen[c.DocumentID] = true
		chunks, err := o.chunks.ChunksByDocument(ctx, c.DocumentID)
		if err != nil {
			return nil, err
		}
		pool = append(pool, chunks...)
	}
	return pool, nil
}

// runEngine runs one engine under its own timeout and converts errors and
// panics into the report entry.
func (o *Orchestrator) runEngine(ctx context.Context, name string, ec EngineConfig, sources, pool []core.Chunk) (res engine.Result, er EngineReport) {
	logger := o.logger.With("engine", name)
	started := o.now()
	er.Engine = name

	defer func() {
		er.Duration = o.now().Sub(started)
		if er.Error != "" {
			logger.Warn("engine failed", "error", er.Error, "duration", er.Duration)
			o.emit(&core.EngineFailed{Engine: name, Error: errors.New(er.Error), Duration: er.Duration, Timestamp: o.now()})
			return
		}
		logger.Debug("engine completed", "candidates", er.Candidates, "truncated", er.Truncated, "duration", er.Duration)
		o.emit(&core.EngineCompleted{Engine: name, Candidates: er.Candidates, Truncated: er.Truncated, Duration: er.Duration, Timestamp: o.now()})
	}()

	eng, err := o.registry.Get(name)
	if err != nil {
		er.Error = err.Error()
		return engine.Result{}, er
	}

	engineCtx, cancel := context.WithTimeout(ctx, ec.timeout())
	defer cancel()

	res, err = detect(engineCtx, eng, sources, pool, engine.Settings{
		MaxCandidates: ec.MaxCandidates,
		Params:        ec.Params,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", ec.timeout(), err)
		}
		er.Error = err.Error()
		return engine.Result{}, er
	}

	res.Candidates = engine.Normalize(res.Candidates)
	if ec.MaxCandidates > 0 && len(res.Candidates) > ec.MaxCandidates {
		res.Candidates = res.Candidates[:ec.MaxCandidates]
		res.Truncated = true
	}
	er.Candidates = len(res.Candidates)
	er.Truncated = res.Truncated
	return res, er
}

func detect(ctx context.Context, eng engine.Engine, sources, pool []core.Chunk, s engine.Settings) (res engine.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panicked: %v", r)
		}
	}()
	return eng.Detect(ctx, sources, pool, s)
}

func (o *Orchestrator) emit(e core.Event) {
	if o.emitter != nil {
		o.emitter.Emit(e)
	}
}

// merger keeps the strongest candidate per (source, target, engine).
type merger struct {
	byKey map[core.ConnectionKey]*core.Connection
}

func newMerger() *merger {
	return &merger{byKey: make(map[core.ConnectionKey]*core.Connection)}
}

func (m *merger) add(name string, weight float64, cands []engine.Candidate) {
	for _, c := range cands {
		key := core.ConnectionKey{SourceChunkID: c.SourceID, TargetChunkID: c.TargetID, EngineType: name}
		if prev, ok := m.byKey[key]; ok && prev.RawStrength >= c.Strength {
			continue
		}
		meta, err := json.Marshal(c.Explanation)
		if err != nil || c.Explanation == nil {
			meta = []byte("{}")
		}
		m.byKey[key] = &core.Connection{
			SourceChunkID: c.SourceID,
			TargetChunkID: c.TargetID,
			EngineType:    name,
			RawStrength:   c.Strength,
			Weight:        weight,
			Strength:      engine.Clamp(c.Strength * weight),
			Metadata:      meta,
			AutoDetected:  true,
		}
	}
}

// connections returns the merged rows in key order.
func (m *merger) connections(now time.Time) []*core.Connection {
	out := make([]*core.Connection, 0, len(m.byKey))
	for _, c := range m.byKey {
		c.DetectedAt = now
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SourceChunkID != b.SourceChunkID {
			return a.SourceChunkID < b.SourceChunkID
		}
		if a.TargetChunkID != b.TargetChunkID {
			return a.TargetChunkID < b.TargetChunkID
		}
		return a.EngineType < b.EngineType
	})
	return out
}

func chunkIDs(chunks []core.Chunk) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}
