package connect

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/docpipe/pkg/checkpoint"
	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/engine"
	"github.com/jdziat/docpipe/pkg/pipeline"
	"github.com/jdziat/docpipe/pkg/storage"
)

type funcEngine struct {
	name string
	fn   func(ctx context.Context, sources, pool []core.Chunk, s engine.Settings) (engine.Result, error)
}

func (f funcEngine) Name() string { return f.name }

func (f funcEngine) Detect(ctx context.Context, sources, pool []core.Chunk, s engine.Settings) (engine.Result, error) {
	return f.fn(ctx, sources, pool, s)
}

// fixed proposes every source->pool pair with the given strength.
func fixed(name string, strength float64) funcEngine {
	return funcEngine{name: name, fn: func(_ context.Context, sources, pool []core.Chunk, _ engine.Settings) (engine.Result, error) {
		var res engine.Result
		for _, s := range sources {
			for _, p := range pool {
				res.Candidates = append(res.Candidates, engine.Candidate{
					SourceID: s.ID, TargetID: p.ID, Strength: strength,
					Explanation: map[string]any{"why": name},
				})
			}
		}
		return res, nil
	}}
}

type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recorder) Emit(e core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) failed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, e := range r.events {
		if f, ok := e.(*core.EngineFailed); ok {
			names = append(names, f.Engine)
		}
	}
	return names
}

func newStore(t *testing.T) *storage.GormStorage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, store.SaveChunks(context.Background(), []core.Chunk{
		{ID: "a1", DocumentID: "A", ChunkIndex: 0},
		{ID: "a2", DocumentID: "A", ChunkIndex: 1},
		{ID: "b1", DocumentID: "B", ChunkIndex: 0},
	}))
	return store
}

func enabled(names ...string) Config {
	c := Config{Engines: map[string]EngineConfig{}}
	for _, n := range names {
		c.Engines[n] = EngineConfig{Enabled: true}
	}
	return c
}

func newOrchestrator(t *testing.T, store *storage.GormStorage, cfg Config, engines ...engine.Engine) (*Orchestrator, *recorder) {
	t.Helper()
	reg := engine.NewRegistry()
	for _, e := range engines {
		reg.RegisterEngine(e)
	}
	rec := &recorder{}
	o, err := New(store, store, reg, WithConfig(cfg), WithEmitter(rec))
	require.NoError(t, err)
	return o, rec
}

func TestDetect_WritesWeightedConnections(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	cfg := enabled("sim")
	cfg.Engines["sim"] = EngineConfig{Enabled: true, Weight: 2}
	o, _ := newOrchestrator(t, store, cfg, fixed("sim", 0.3))

	var progress []int
	report, err := o.Detect(ctx, Selection{DocumentID: "A"}, Options{}, func(p int, _, _ string) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Sources)
	assert.Equal(t, 3, report.Pool)
	// Self-links are dropped: a1->a2, a1->b1, a2->a1, a2->b1.
	assert.Equal(t, 4, report.Written)
	assert.False(t, report.Partial)
	assert.Equal(t, 100, progress[len(progress)-1])
	assert.IsNonDecreasing(t, progress)

	conn, err := store.GetConnection(ctx, core.ConnectionKey{SourceChunkID: "a1", TargetChunkID: "b1", EngineType: "sim"})
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.InDelta(t, 0.6, conn.Strength, 1e-9)
	assert.InDelta(t, 0.3, conn.RawStrength, 1e-9)
	assert.Equal(t, 2.0, conn.Weight)
	assert.True(t, conn.AutoDetected)
	assert.Nil(t, conn.UserValidated)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(conn.Metadata, &meta))
	assert.Equal(t, "sim", meta["why"])
}

func TestDetect_StrengthClampedAfterWeighting(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	cfg := enabled("sim")
	cfg.Engines["sim"] = EngineConfig{Enabled: true, Weight: 3}
	o, _ := newOrchestrator(t, store, cfg, fixed("sim", 0.5))

	_, err := o.Detect(ctx, Selection{ChunkIDs: []string{"a1"}}, Options{}, nil)
	require.NoError(t, err)

	conn, err := store.GetConnection(ctx, core.ConnectionKey{SourceChunkID: "a1", TargetChunkID: "b1", EngineType: "sim"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, conn.Strength)
}

func TestDetect_EngineFailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	broken := funcEngine{name: "broken", fn: func(context.Context, []core.Chunk, []core.Chunk, engine.Settings) (engine.Result, error) {
		return engine.Result{}, errors.New("index unavailable")
	}}
	panicky := funcEngine{name: "panicky", fn: func(context.Context, []core.Chunk, []core.Chunk, engine.Settings) (engine.Result, error) {
		panic("nil map")
	}}
	slow := funcEngine{name: "slow", fn: func(ctx context.Context, _, _ []core.Chunk, _ engine.Settings) (engine.Result, error) {
		<-ctx.Done()
		return engine.Result{}, ctx.Err()
	}}

	cfg := enabled("broken", "panicky", "slow", "good")
	cfg.Engines["slow"] = EngineConfig{Enabled: true, Timeout: 20 * time.Millisecond}
	o, rec := newOrchestrator(t, store, cfg, broken, panicky, slow, fixed("good", 0.8))

	report, err := o.Detect(ctx, Selection{ChunkIDs: []string{"a1"}}, Options{}, nil)
	require.NoError(t, err)
	assert.True(t, report.Partial)
	assert.Equal(t, 2, report.Written)

	require.Len(t, report.Engines, 4)
	assert.Equal(t, "index unavailable", report.Engines[0].Error)
	assert.Contains(t, report.Engines[1].Error, "panicked")
	assert.Contains(t, report.Engines[2].Error, "timed out")
	assert.Empty(t, report.Engines[3].Error)
	assert.Equal(t, 2, report.Engines[3].Candidates)

	assert.Equal(t, []string{"broken", "panicky", "slow"}, rec.failed())

	conns, err := store.ConnectionsForSources(ctx, []string{"a1"})
	require.NoError(t, err)
	for _, c := range conns {
		assert.Equal(t, "good", c.EngineType)
	}
}

func TestDetect_AllEnginesFailed(t *testing.T) {
	store := newStore(t)
	broken := funcEngine{name: "broken", fn: func(context.Context, []core.Chunk, []core.Chunk, engine.Settings) (engine.Result, error) {
		return engine.Result{}, errors.New("down")
	}}
	o, _ := newOrchestrator(t, store, enabled("broken"), broken)

	report, err := o.Detect(context.Background(), Selection{DocumentID: "A"}, Options{}, nil)
	require.ErrorIs(t, err, ErrAllEnginesFailed)
	require.NotNil(t, report)
	assert.True(t, report.Partial)
	assert.Zero(t, report.Written)
}

func TestDetect_PreservesUserValidation(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	key := core.ConnectionKey{SourceChunkID: "a1", TargetChunkID: "b1", EngineType: "sim"}

	first, _ := newOrchestrator(t, store, enabled("sim"), fixed("sim", 0.4))
	_, err := first.Detect(ctx, Selection{ChunkIDs: []string{"a1"}}, Options{}, nil)
	require.NoError(t, err)

	before, err := store.GetConnection(ctx, key)
	require.NoError(t, err)
	require.NoError(t, store.DB().Model(&core.Connection{}).
		Where("id = ?", before.ID).
		Update("user_validated", true).Error)

	second, _ := newOrchestrator(t, store, enabled("sim"), fixed("sim", 0.9))
	_, err = second.Detect(ctx, Selection{ChunkIDs: []string{"a1"}}, Options{}, nil)
	require.NoError(t, err)

	after, err := store.GetConnection(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.InDelta(t, 0.9, after.Strength, 1e-9)
	require.NotNil(t, after.PreviousStrength)
	assert.InDelta(t, 0.4, *after.PreviousStrength, 1e-9)
	require.NotNil(t, after.UserValidated)
	assert.True(t, *after.UserValidated)
}

func TestDetect_SecondRunUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	o, _ := newOrchestrator(t, store, enabled("sim"), fixed("sim", 0.7))

	_, err := o.Detect(ctx, Selection{DocumentID: "A"}, Options{}, nil)
	require.NoError(t, err)
	firstRun, err := store.ConnectionsForSources(ctx, []string{"a1", "a2"})
	require.NoError(t, err)

	_, err = o.Detect(ctx, Selection{DocumentID: "A"}, Options{}, nil)
	require.NoError(t, err)
	secondRun, err := store.ConnectionsForSources(ctx, []string{"a1", "a2"})
	require.NoError(t, err)

	require.Len(t, secondRun, len(firstRun))
	ids := map[string]bool{}
	for _, c := range firstRun {
		ids[c.ID] = true
	}
	for _, c := range secondRun {
		assert.True(t, ids[c.ID], "connection %s was recreated", c.ID)
	}
}

func TestDetect_DiscardKeepsValidated(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	first, _ := newOrchestrator(t, store, enabled("sim"), fixed("sim", 0.5))
	_, err := first.Detect(ctx, Selection{ChunkIDs: []string{"a1"}}, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, store.DB().Model(&core.Connection{}).
		Where("target_chunk_id = ?", "b1").
		Update("user_validated", false).Error)

	// The rerun proposes nothing, so only the human verdict survives.
	empty := funcEngine{name: "sim", fn: func(context.Context, []core.Chunk, []core.Chunk, engine.Settings) (engine.Result, error) {
		return engine.Result{}, nil
	}}
	second, _ := newOrchestrator(t, store, enabled("sim"), empty)
	report, err := second.Detect(ctx, Selection{ChunkIDs: []string{"a1"}}, Options{Discard: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Discarded)

	conns, err := store.ConnectionsForSources(ctx, []string{"a1"})
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "b1", conns[0].TargetChunkID)
}

func TestDetect_DocumentScope(t *testing.T) {
	store := newStore(t)
	cfg := enabled("sim")
	cfg.Scope = ScopeDocument
	o, _ := newOrchestrator(t, store, cfg, fixed("sim", 0.5))

	report, err := o.Detect(context.Background(), Selection{DocumentID: "A"}, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pool)
	assert.Equal(t, 2, report.Written)
}

func TestDetect_MaxCandidatesCapsEngine(t *testing.T) {
	store := newStore(t)
	cfg := enabled("sim")
	cfg.Engines["sim"] = EngineConfig{Enabled: true, MaxCandidates: 1}
	o, _ := newOrchestrator(t, store, cfg, fixed("sim", 0.5))

	report, err := o.Detect(context.Background(), Selection{DocumentID: "A"}, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Written)
	assert.True(t, report.Engines[0].Truncated)
}

func TestDetect_SelectionEdgeCases(t *testing.T) {
	store := newStore(t)
	o, _ := newOrchestrator(t, store, enabled("sim"), fixed("sim", 0.5))

	_, err := o.Detect(context.Background(), Selection{}, Options{}, nil)
	var ce *core.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.KindInvalidInput, ce.Kind)

	report, err := o.Detect(context.Background(), Selection{DocumentID: "missing"}, Options{}, nil)
	require.NoError(t, err)
	assert.Zero(t, report.Sources)
	assert.Zero(t, report.Written)
}

func TestEnabled_IgnoresUnknownAndDisabled(t *testing.T) {
	store := newStore(t)
	cfg := Config{Engines: map[string]EngineConfig{
		"first":   {Enabled: true},
		"second":  {Enabled: false},
		"phantom": {Enabled: true},
	}}
	o, _ := newOrchestrator(t, store, cfg, fixed("second", 0.1), fixed("first", 0.1), fixed("third", 0.1))

	assert.Equal(t, []string{"first"}, o.Enabled())
}

func TestNew_RejectsBadConfig(t *testing.T) {
	store := newStore(t)
	_, err := New(store, store, nil, WithConfig(Config{Scope: "galaxy"}))
	assert.Error(t, err)
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry(nil, slog.Default())
	assert.Equal(t, []string{"semantic_similarity", "contradiction_detection", "thematic_bridge"}, r.Names())
	_, err := r.Get("thematic_bridge")
	assert.Error(t, err)
}

func TestStage_ReportsAsOutput(t *testing.T) {
	store := newStore(t)
	o, _ := newOrchestrator(t, store, enabled("sim"), fixed("sim", 0.5))

	st := Stage(o, pipeline.Band{Start: 90, End: 100}, nil)
	assert.True(t, st.NonBlocking)
	assert.Equal(t, StageName, st.Name)

	sc := &pipeline.StageContext{
		Job:    &core.Job{ID: "j1", Type: JobType, InputData: []byte(`{"chunkIds":["a1"]}`)},
		Stage:  StageName,
		Logger: slog.Default(),
	}
	out, err := st.Run(context.Background(), sc)
	require.NoError(t, err)
	report, ok := out.(*Report)
	require.True(t, ok)
	assert.Equal(t, 2, report.Written)
}

func broken(name string) funcEngine {
	return funcEngine{name: name, fn: func(context.Context, []core.Chunk, []core.Chunk, engine.Settings) (engine.Result, error) {
		return engine.Result{}, errors.New(name + " unavailable")
	}}
}

// runJob enqueues input for p, claims it and runs it once.
func runJob(t *testing.T, store *storage.GormStorage, p *pipeline.Pipeline, input string) (pipeline.Outcome, *core.Job) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Enqueue(ctx, &core.Job{Type: p.Type, InputData: []byte(input)}))
	job, err := store.Claim(ctx, []string{p.Type}, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	exec := pipeline.NewExecutor(store, checkpoint.New(store, store))
	out := exec.Run(ctx, p, job, "worker-1", nil)
	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	return out, stored
}

func TestPipeline_InputSchema(t *testing.T) {
	store := newStore(t)
	o, _ := newOrchestrator(t, store, enabled("sim"), fixed("sim", 0.5))

	p := Pipeline(o)
	require.NoError(t, p.Validate())
	assert.Equal(t, JobType, p.Type)
	require.Len(t, p.Stages, 1)
	assert.False(t, p.Stages[0].NonBlocking)

	assert.NoError(t, p.InputSchema.Validate([]byte(`{"documentId":"A","discard":true}`)))
	assert.NoError(t, p.InputSchema.Validate([]byte(`{"chunkIds":["a1"]}`)))
	assert.Error(t, p.InputSchema.Validate([]byte(`{}`)))
	assert.Error(t, p.InputSchema.Validate([]byte(`{"chunkIds":[]}`)))
}

func TestPipeline_BlocksOnFailure(t *testing.T) {
	store := newStore(t)
	o, rec := newOrchestrator(t, store, enabled("one", "two"), broken("one"), broken("two"))

	started := time.Now()
	out, job := runJob(t, store, Pipeline(o), `{"documentId":"A"}`)

	assert.Equal(t, core.StatusPending, out.Status)
	assert.Equal(t, core.KindTransient, out.Kind)
	assert.ErrorIs(t, out.Err, ErrAllEnginesFailed)
	assert.True(t, out.NextRetryAt.After(started))

	assert.Equal(t, core.StatusPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, core.KindTransient, job.LastErrorKind)
	require.NotNil(t, job.NextRetryAt)
	assert.True(t, job.NextRetryAt.After(started))
	assert.Empty(t, job.OutputData)
	assert.ElementsMatch(t, []string{"one", "two"}, rec.failed())

	conns, err := store.ConnectionsForSources(context.Background(), []string{"a1", "a2"})
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestStage_PartialReportBecomesWarning(t *testing.T) {
	store := newStore(t)
	o, _ := newOrchestrator(t, store, enabled("sim", "down"), fixed("sim", 0.5), broken("down"))
	p := &pipeline.Pipeline{
		Type:   "detect-inline",
		Stages: []pipeline.Stage{Stage(o, pipeline.Band{Start: 0, End: 100}, nil)},
	}

	out, job := runJob(t, store, p, `{"documentId":"A"}`)
	require.Equal(t, core.StatusCompleted, out.Status, "%v", out.Err)
	assert.True(t, out.Partial)

	var output pipeline.Output
	require.NoError(t, json.Unmarshal(job.OutputData, &output))
	require.Len(t, output.Warnings, 1)
	assert.Equal(t, StageName, output.Warnings[0].Stage)
	assert.Contains(t, output.Warnings[0].Message, "engine down: down unavailable")

	var report Report
	require.NoError(t, json.Unmarshal(output.Stages[StageName], &report))
	assert.True(t, report.Partial)
	assert.Equal(t, 4, report.Written)
}
