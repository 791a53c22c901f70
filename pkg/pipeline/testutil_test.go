package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/docpipe/pkg/checkpoint"
	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/storage"
)

const testWorker = "worker-1"

type harness struct {
	t      *testing.T
	store  *storage.GormStorage
	blobs  *checkpoint.MemoryBlobs
	cps    *checkpoint.Store
	exec   *Executor
	mu     sync.Mutex
	events []core.Event
}

func newHarness(t *testing.T, opts ...Option) *harness {
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

	h := &harness{t: t, store: store, blobs: checkpoint.NewMemoryBlobs()}
	h.cps = checkpoint.New(store, h.blobs)
	opts = append([]Option{WithEmitter(core.EmitterFunc(h.record))}, opts...)
	h.exec = NewExecutor(store, h.cps, opts...)
	return h
}

func (h *harness) record(e core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *harness) eventCount(match func(core.Event) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if match(e) {
			n++
		}
	}
	return n
}

func (h *harness) enqueue(jobType string, input string) *core.Job {
	h.t.Helper()
	job := &core.Job{Type: jobType, InputData: []byte(input)}
	require.NoError(h.t, h.store.Enqueue(context.Background(), job))
	return job
}

// claim makes every job of the test immediately runnable and claims one.
func (h *harness) claim() *core.Job {
	h.t.Helper()
	ctx := context.Background()
	require.NoError(h.t, h.store.DB().Model(&core.Job{}).
		Where("status = ?", core.StatusPending).
		Update("next_retry_at", nil).Error)
	job, err := h.store.Claim(ctx, nil, testWorker, time.Minute)
	require.NoError(h.t, err)
	require.NotNil(h.t, job, "expected a claimable job")
	return job
}

func (h *harness) run(p *Pipeline, progress core.ProgressFunc) (Outcome, *core.Job) {
	h.t.Helper()
	job := h.claim()
	out := h.exec.Run(context.Background(), p, job, testWorker, progress)
	return out, h.reload(job.ID)
}

func (h *harness) reload(id string) *core.Job {
	h.t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(h.t, err)
	require.NotNil(h.t, job)
	return job
}

// counter records how often each stage ran.
type counter struct {
	mu   sync.Mutex
	runs map[string]int
}

func newCounter() *counter { return &counter{runs: map[string]int{}} }

func (c *counter) hit(stage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[stage]++
}

func (c *counter) get(stage string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[stage]
}

// chainStage returns a deterministic stage that folds the previous stage's
// output into its own.
func chainStage(name, prev string, band Band, c *counter) Stage {
	return Stage{
		Name: name,
		Band: band,
		Run: func(ctx context.Context, sc *StageContext) (any, error) {
			c.hit(name)
			var in struct {
				DocumentID string `json:"documentId"`
			}
			if err := sc.DecodeInput(&in); err != nil {
				return nil, err
			}
			out := map[string]any{"doc": in.DocumentID, "stage": name}
			if prev != "" {
				var p map[string]any
				if err := sc.Decode(prev, &p); err != nil {
					return nil, err
				}
				out["prev"] = p["stage"]
				out["depth"] = fmt.Sprint(len(fmt.Sprint(p)))
			}
			return out, nil
		},
	}
}

func fourStagePipeline(c *counter) *Pipeline {
	return &Pipeline{
		Type: "ingest-document",
		Stages: []Stage{
			chainStage("download", "", Band{0, 10}, c),
			chainStage("extract", "download", Band{10, 40}, c),
			chainStage("chunk", "extract", Band{40, 70}, c),
			chainStage("enrich", "chunk", Band{70, 100}, c),
		},
	}
}

func decodeOutput(t *testing.T, job *core.Job) Output {
	t.Helper()
	var out Output
	require.NoError(t, json.Unmarshal(job.OutputData, &out))
	return out
}
