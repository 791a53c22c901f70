package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/docpipe/pkg/checkpoint"
	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/schema"
)

const docInput = `{"documentId":"doc-1"}`

func TestRun_CompletesAllStages(t *testing.T) {
	h := newHarness(t)
	c := newCounter()
	p := fourStagePipeline(c)
	require.NoError(t, p.Validate())
	h.enqueue(p.Type, docInput)

	out, job := h.run(p, nil)

	assert.Equal(t, core.StatusCompleted, out.Status)
	assert.False(t, out.Partial)
	assert.False(t, out.Resumed)
	assert.Equal(t, core.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.ProgressPercent)
	assert.Empty(t, job.LockedBy)

	result := decodeOutput(t, job)
	assert.Equal(t, p.Type, result.Type)
	assert.Len(t, result.Stages, 4)
	assert.NotNil(t, result.Warnings)
	assert.JSONEq(t, `{"doc":"doc-1","stage":"download"}`, string(result.Stages["download"]))

	cps, err := h.store.GetCheckpoints(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 4)
	for _, name := range p.StageNames() {
		assert.Equal(t, 1, c.get(name), name)
	}
	assert.Equal(t, 4, h.eventCount(func(e core.Event) bool { _, ok := e.(*core.StageCompleted); return ok }))
	assert.Equal(t, 1, h.eventCount(func(e core.Event) bool { _, ok := e.(*core.JobCompleted); return ok }))
}

func baselineOutput(t *testing.T) []byte {
	t.Helper()
	h := newHarness(t)
	p := fourStagePipeline(newCounter())
	h.enqueue(p.Type, docInput)
	_, job := h.run(p, nil)
	require.Equal(t, core.StatusCompleted, job.Status)
	return job.OutputData
}

// pauseDuring wraps the stage at index k so that it requests a pause on its
// own job while running.
func pauseDuring(h *harness, p *Pipeline, k int) {
	inner := p.Stages[k].Run
	p.Stages[k].Run = func(ctx context.Context, sc *StageContext) (any, error) {
		if err := h.store.RequestPause(ctx, sc.JobID()); err != nil {
			return nil, err
		}
		return inner(ctx, sc)
	}
}

func TestRun_ResumeAtEveryBoundaryMatchesUninterruptedRun(t *testing.T) {
	want := baselineOutput(t)

	for k := 0; k < 3; k++ {
		t.Run(fmt.Sprintf("after_stage_%d", k), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			c := newCounter()
			p := fourStagePipeline(c)
			pauseDuring(h, p, k)
			queued := h.enqueue(p.Type, docInput)

			out, job := h.run(p, nil)
			require.Equal(t, core.StatusPaused, out.Status)
			assert.Equal(t, p.Stages[k].Name, out.Stage)
			assert.Equal(t, core.StatusPaused, job.Status)
			assert.Equal(t, p.Stages[k].Name, job.CheckpointStage)
			assert.Equal(t, "pause requested", job.PauseReason)
			assert.False(t, job.PauseRequested)
			pausedAt := job.ProgressPercent

			require.NoError(t, h.store.Resume(ctx, queued.ID))
			out, job = h.run(p, nil)
			require.Equal(t, core.StatusCompleted, out.Status)
			assert.True(t, out.Resumed)
			assert.GreaterOrEqual(t, job.ProgressPercent, pausedAt)
			assert.Equal(t, 1, job.ResumeCount)

			assert.JSONEq(t, string(want), string(job.OutputData))
			for _, name := range p.StageNames() {
				assert.Equal(t, 1, c.get(name), "stage %s ran more than once", name)
			}
		})
	}
}

func TestRun_PauseBeforeFirstStageWritesInitialCheckpoint(t *testing.T) {
	ctx := context.Background()
	want := baselineOutput(t)

	h := newHarness(t)
	c := newCounter()
	p := fourStagePipeline(c)
	queued := h.enqueue(p.Type, docInput)
	require.NoError(t, h.store.RequestPause(ctx, queued.ID))

	out, job := h.run(p, nil)
	require.Equal(t, core.StatusPaused, out.Status)
	assert.Equal(t, InitialStage, job.CheckpointStage)
	assert.Zero(t, c.get("download"))

	payload, _, ok, err := h.cps.Get(ctx, job.ID, InitialStage)
	require.NoError(t, err)
	require.True(t, ok)
	state, err := decodeState(payload)
	require.NoError(t, err)
	assert.JSONEq(t, docInput, string(state.Input))

	require.NoError(t, h.store.Resume(ctx, queued.ID))
	out, job = h.run(p, nil)
	require.Equal(t, core.StatusCompleted, out.Status)
	assert.True(t, out.Resumed)
	assert.JSONEq(t, string(want), string(job.OutputData))

	result := decodeOutput(t, job)
	_, leaked := result.Stages[InitialStage]
	assert.False(t, leaked)
}

func TestRun_CorruptedCheckpointRestartsFromFirstStage(t *testing.T) {
	ctx := context.Background()
	want := baselineOutput(t)

	h := newHarness(t)
	c := newCounter()
	p := fourStagePipeline(c)
	pauseDuring(h, p, 1)
	queued := h.enqueue(p.Type, docInput)

	out, job := h.run(p, nil)
	require.Equal(t, core.StatusPaused, out.Status)
	require.Equal(t, "extract", job.CheckpointStage)

	cp, err := h.store.FindCheckpoint(ctx, job.ID, *job.CheckpointRef())
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.True(t, h.blobs.Tamper(cp.BlobKey, func(b []byte) []byte {
		b[len(b)/2] ^= 0x01
		return b
	}))

	pauseFree := fourStagePipeline(c)
	require.NoError(t, h.store.Resume(ctx, queued.ID))
	out, job = h.run(pauseFree, nil)

	require.Equal(t, core.StatusCompleted, out.Status)
	assert.False(t, out.Resumed, "a corrupt checkpoint is not trusted")
	assert.JSONEq(t, string(want), string(job.OutputData))
	assert.Equal(t, 2, c.get("download"))
	assert.Equal(t, 2, c.get("extract"))
	assert.Equal(t, 1, c.get("chunk"))

	corrupted := h.eventCount(func(e core.Event) bool {
		ev, ok := e.(*core.CheckpointCorrupted)
		return ok && ev.Stage == "extract" && ev.Expected != ev.Actual
	})
	assert.Equal(t, 1, corrupted)
}

func TestRun_RepairedCheckpointResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	want := baselineOutput(t)

	h := newHarness(t)
	c := newCounter()
	p := fourStagePipeline(c)
	pauseDuring(h, p, 1)
	queued := h.enqueue(p.Type, docInput)

	out, job := h.run(p, nil)
	require.Equal(t, core.StatusPaused, out.Status)
	cp, err := h.store.FindCheckpoint(ctx, job.ID, *job.CheckpointRef())
	require.NoError(t, err)
	require.NotNil(t, cp)
	require.True(t, h.blobs.Tamper(cp.BlobKey, func(b []byte) []byte {
		b[len(b)/2] ^= 0x01
		return b
	}))

	// The restart replays download and extract and pauses at the same
	// boundary, so the extract checkpoint lands under the same key.
	require.NoError(t, h.store.Resume(ctx, queued.ID))
	out, job = h.run(p, nil)
	require.Equal(t, core.StatusPaused, out.Status)
	require.Equal(t, "extract", job.CheckpointStage)
	assert.Equal(t, cp.Hash, job.CheckpointHash)

	payload, _, ok, err := h.cps.Load(ctx, job.ID, *job.CheckpointRef())
	require.NoError(t, err)
	require.True(t, ok)
	assert.NoError(t, checkpoint.Verify(payload, job.CheckpointHash))

	require.NoError(t, h.store.Resume(ctx, queued.ID))
	out, job = h.run(fourStagePipeline(c), nil)
	require.Equal(t, core.StatusCompleted, out.Status)
	assert.True(t, out.Resumed)
	assert.JSONEq(t, string(want), string(job.OutputData))
	assert.Equal(t, 2, c.get("download"))
	assert.Equal(t, 2, c.get("extract"))
	assert.Equal(t, 1, c.get("chunk"))

	corrupted := h.eventCount(func(e core.Event) bool {
		_, ok := e.(*core.CheckpointCorrupted)
		return ok
	})
	assert.Equal(t, 1, corrupted)
}

func TestRun_ProgressNeverDecreases(t *testing.T) {
	h := newHarness(t)
	c := newCounter()
	p := fourStagePipeline(c)
	inner := p.Stages[2].Run
	p.Stages[2].Run = func(ctx context.Context, sc *StageContext) (any, error) {
		sc.Progress(80, "most chunks")
		sc.Progress(20, "recount")
		sc.Progress(-5, "bogus")
		return inner(ctx, sc)
	}
	h.enqueue(p.Type, docInput)

	var mu sync.Mutex
	var seen []int
	progress := core.ProgressFunc(func(percent int, stage, detail string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, percent)
	})

	out, job := h.run(p, progress)
	require.Equal(t, core.StatusCompleted, out.Status)
	assert.Equal(t, 100, job.ProgressPercent)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1], "progress went backwards at report %d: %v", i, seen)
	}
	assert.Contains(t, seen, 64, "in-stage progress maps onto the band")
	assert.Equal(t, 100, seen[len(seen)-1])
}

func TestRun_TransientFailureSchedulesRetryFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	c := newCounter()
	p := fourStagePipeline(c)
	failures := 1
	inner := p.Stages[2].Run
	p.Stages[2].Run = func(ctx context.Context, sc *StageContext) (any, error) {
		if failures > 0 {
			failures--
			return nil, errors.New("upstream: connection reset by peer")
		}
		return inner(ctx, sc)
	}
	h.enqueue(p.Type, docInput)

	before := time.Now()
	out, job := h.run(p, nil)
	require.Equal(t, core.StatusPending, out.Status)
	assert.Equal(t, core.KindTransient, out.Kind)
	assert.Equal(t, "chunk", out.Stage)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, core.KindTransient, job.LastErrorKind)
	require.NotNil(t, job.NextRetryAt)
	assert.WithinDuration(t, before.Add(time.Minute), *job.NextRetryAt, 5*time.Second)
	assert.Equal(t, "extract", job.CheckpointStage, "retry keeps the checkpoint")

	out, _ = h.run(p, nil)
	require.Equal(t, core.StatusCompleted, out.Status)
	assert.True(t, out.Resumed)
	assert.Equal(t, 1, c.get("download"))
	assert.Equal(t, 1, c.get("extract"))
	assert.Equal(t, 1, c.get("chunk"))
	assert.Equal(t, 1, h.eventCount(func(e core.Event) bool { _, ok := e.(*core.JobRetrying); return ok }))
}

func TestRun_RetriesExhaustedBecomesPermanent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := &Pipeline{Type: "flaky", Stages: []Stage{{
		Name: "fetch",
		Band: Band{0, 100},
		Run: func(ctx context.Context, sc *StageContext) (any, error) {
			return nil, errors.New("request timed out")
		},
	}}}
	queued := h.enqueue(p.Type, `{}`)
	require.NoError(t, h.store.DB().Model(&core.Job{}).
		Where("id = ?", queued.ID).
		Update("retry_count", 5).Error)

	out, job := h.run(p, nil)
	require.Equal(t, core.StatusFailed, out.Status)
	assert.Equal(t, core.KindPermanent, out.Kind)
	assert.Equal(t, core.StatusFailed, job.Status)
	assert.Equal(t, core.KindPermanent, job.LastErrorKind)
	assert.Contains(t, job.LastError, "retries exhausted after 5 attempts")
	assert.NotNil(t, job.CompletedAt)

	next, err := h.store.Claim(ctx, nil, testWorker, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next, "a failed job is never claimed again")
}

func TestRun_PermanentFailure(t *testing.T) {
	h := newHarness(t)
	p := &Pipeline{Type: "broken", Stages: []Stage{{
		Name: "extract",
		Band: Band{0, 100},
		Run: func(ctx context.Context, sc *StageContext) (any, error) {
			return nil, core.Permanent(errors.New("unsupported codec"))
		},
	}}}
	h.enqueue(p.Type, `{}`)

	out, job := h.run(p, nil)
	assert.Equal(t, core.StatusFailed, out.Status)
	assert.Equal(t, core.KindPermanent, job.LastErrorKind)
	assert.Zero(t, job.RetryCount)
	assert.Contains(t, job.LastError, "unsupported codec")
}

func TestRun_InvalidInputFailsWithoutRunningStages(t *testing.T) {
	h := newHarness(t)
	c := newCounter()
	p := fourStagePipeline(c)
	p.InputSchema = schema.MustCompile("ingest-input", `{
		"type": "object",
		"required": ["documentId"],
		"properties": {"documentId": {"type": "string", "minLength": 1}}
	}`)
	h.enqueue(p.Type, `{"title":"no id"}`)

	out, job := h.run(p, nil)
	assert.Equal(t, core.StatusFailed, out.Status)
	assert.Equal(t, core.KindInvalidInput, out.Kind)
	assert.Equal(t, core.KindInvalidInput, job.LastErrorKind)
	assert.Zero(t, c.get("download"))
}

func TestRun_GatedFailurePausesAtLastCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := newCounter()
	p := fourStagePipeline(c)
	gated := true
	inner := p.Stages[1].Run
	p.Stages[1].Run = func(ctx context.Context, sc *StageContext) (any, error) {
		if gated {
			return nil, errors.New("fetch: article behind paywall")
		}
		return inner(ctx, sc)
	}
	queued := h.enqueue(p.Type, docInput)

	out, job := h.run(p, nil)
	require.Equal(t, core.StatusPaused, out.Status)
	assert.Equal(t, core.KindGated, out.Kind)
	assert.Equal(t, "download", job.CheckpointStage)
	assert.True(t, strings.HasPrefix(job.PauseReason, "gated: "), job.PauseReason)
	assert.Equal(t, core.KindGated, job.LastErrorKind)
	assert.Zero(t, job.RetryCount)

	gated = false
	require.NoError(t, h.store.Resume(ctx, queued.ID))
	out, _ = h.run(p, nil)
	require.Equal(t, core.StatusCompleted, out.Status)
	assert.Equal(t, 1, c.get("download"), "resume starts after the download checkpoint")
	assert.Equal(t, 1, c.get("extract"))
}

func TestRun_GatedBeforeAnyCheckpointUsesInitial(t *testing.T) {
	h := newHarness(t)
	p := &Pipeline{Type: "gated", Stages: []Stage{{
		Name: "download",
		Band: Band{0, 100},
		Run: func(ctx context.Context, sc *StageContext) (any, error) {
			return nil, core.Gated(errors.New("login required"))
		},
	}}}
	h.enqueue(p.Type, docInput)

	out, job := h.run(p, nil)
	require.Equal(t, core.StatusPaused, out.Status)
	assert.Equal(t, InitialStage, job.CheckpointStage)
}

func TestRun_NonBlockingFailureYieldsPartialOutput(t *testing.T) {
	h := newHarness(t)
	c := newCounter()
	p := fourStagePipeline(c)
	p.Stages[3].NonBlocking = true
	p.Stages[3].Run = func(ctx context.Context, sc *StageContext) (any, error) {
		return nil, errors.New("engine offline")
	}
	h.enqueue(p.Type, docInput)

	out, job := h.run(p, nil)
	require.Equal(t, core.StatusCompleted, out.Status)
	assert.True(t, out.Partial)

	result := decodeOutput(t, job)
	assert.True(t, result.Partial)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "enrich", result.Warnings[0].Stage)
	assert.Contains(t, result.Warnings[0].Message, "engine offline")
	_, hasEnrich := result.Stages["enrich"]
	assert.False(t, hasEnrich)
	assert.Equal(t, 100, job.ProgressPercent)
}

func TestRun_StageWarningsMarkOutputPartial(t *testing.T) {
	h := newHarness(t)
	c := newCounter()
	p := fourStagePipeline(c)
	inner := p.Stages[2].Run
	p.Stages[2].Run = func(ctx context.Context, sc *StageContext) (any, error) {
		sc.Warn(core.KindTransient, "one section skipped")
		return inner(ctx, sc)
	}
	h.enqueue(p.Type, docInput)

	out, job := h.run(p, nil)
	require.Equal(t, core.StatusCompleted, out.Status)
	assert.True(t, out.Partial)

	result := decodeOutput(t, job)
	assert.True(t, result.Partial)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, Warning{Stage: "chunk", Kind: core.KindTransient, Message: "one section skipped"}, result.Warnings[0])
	_, hasChunk := result.Stages["chunk"]
	assert.True(t, hasChunk, "a warning does not drop the stage output")
}

func TestRun_PauseAfterStopsForReview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := newCounter()
	p := fourStagePipeline(c)
	review := true
	inner := p.Stages[1].Run
	p.Stages[1].Run = func(ctx context.Context, sc *StageContext) (any, error) {
		out, err := inner(ctx, sc)
		if err == nil && review {
			return out, PauseAfter("review extracted text")
		}
		return out, err
	}
	queued := h.enqueue(p.Type, docInput)

	out, job := h.run(p, nil)
	require.Equal(t, core.StatusPaused, out.Status)
	assert.Equal(t, "extract", job.CheckpointStage)
	assert.Equal(t, "review extracted text", job.PauseReason)
	assert.Empty(t, job.LastErrorKind)
	assert.Zero(t, c.get("chunk"))

	review = false
	require.NoError(t, h.store.Resume(ctx, queued.ID))
	out, job = h.run(p, nil)
	require.Equal(t, core.StatusCompleted, out.Status)
	assert.Equal(t, 1, c.get("extract"))
	assert.Len(t, decodeOutput(t, job).Stages, 4)
}

func TestRun_PanicIsPermanent(t *testing.T) {
	h := newHarness(t)
	p := &Pipeline{Type: "panicky", Stages: []Stage{{
		Name: "extract",
		Band: Band{0, 100},
		Run: func(ctx context.Context, sc *StageContext) (any, error) {
			var m map[string]int
			m["boom"] = 1
			return nil, nil
		},
	}}}
	h.enqueue(p.Type, `{}`)

	out, job := h.run(p, nil)
	assert.Equal(t, core.StatusFailed, out.Status)
	assert.Equal(t, core.KindPermanent, job.LastErrorKind)
	assert.Contains(t, job.LastError, "panicked")
}

func TestRun_StageTimeoutIsTransient(t *testing.T) {
	h := newHarness(t)
	p := &Pipeline{Type: "slow", Stages: []Stage{{
		Name:    "download",
		Band:    Band{0, 100},
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context, sc *StageContext) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}}
	h.enqueue(p.Type, `{}`)

	out, job := h.run(p, nil)
	assert.Equal(t, core.StatusPending, out.Status)
	assert.Equal(t, core.KindTransient, job.LastErrorKind)
	assert.Equal(t, 1, job.RetryCount)
}

func TestRun_OutputSchemaViolationFails(t *testing.T) {
	h := newHarness(t)
	p := fourStagePipeline(newCounter())
	p.OutputSchema = schema.MustCompile("strict-output", `{
		"type": "object",
		"required": ["stages"],
		"properties": {"stages": {"type": "object", "required": ["embed"]}}
	}`)
	h.enqueue(p.Type, docInput)

	out, job := h.run(p, nil)
	assert.Equal(t, core.StatusFailed, out.Status)
	assert.Equal(t, core.KindPermanent, job.LastErrorKind)
	assert.Empty(t, job.OutputData)
}

func TestRun_LostLeaseAbandonsRun(t *testing.T) {
	h := newHarness(t)
	c := newCounter()
	p := fourStagePipeline(c)
	inner := p.Stages[0].Run
	p.Stages[0].Run = func(ctx context.Context, sc *StageContext) (any, error) {
		err := h.store.DB().Model(&core.Job{}).
			Where("id = ?", sc.JobID()).
			Update("locked_by", "worker-2").Error
		if err != nil {
			return nil, err
		}
		return inner(ctx, sc)
	}
	h.enqueue(p.Type, docInput)

	out, job := h.run(p, nil)
	assert.True(t, out.Abandoned)
	assert.ErrorIs(t, out.Err, core.ErrJobNotOwned)
	assert.Equal(t, core.StatusProcessing, job.Status)
	assert.Equal(t, "worker-2", job.LockedBy)
	assert.Zero(t, c.get("extract"))
}

func TestRun_CancelledContextAbandonsRun(t *testing.T) {
	h := newHarness(t)
	p := &Pipeline{Type: "shutdown", Stages: []Stage{{
		Name: "download",
		Band: Band{0, 100},
		Run: func(ctx context.Context, sc *StageContext) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}}
	h.enqueue(p.Type, `{}`)
	job := h.claim()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	out := h.exec.Run(ctx, p, job, testWorker, nil)
	assert.True(t, out.Abandoned)

	stored := h.reload(job.ID)
	assert.Equal(t, core.StatusProcessing, stored.Status)
	assert.Zero(t, stored.RetryCount)
}
