// Package server exposes job status and control over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jdziat/docpipe/pkg/core"
	"github.com/jdziat/docpipe/pkg/queue"
)

// CheckpointLister lists a job's checkpoint index rows.
type CheckpointLister interface {
	GetCheckpoints(ctx context.Context, jobID string) ([]core.Checkpoint, error)
}

// Server routes HTTP requests to the queue.
type Server struct {
	queue       *queue.Queue
	checkpoints CheckpointLister
	metrics     http.Handler
	logger      *slog.Logger
}

// Option configures a Server.
type Option interface {
	apply(*Server)
}

type optionFunc func(*Server)

func (f optionFunc) apply(s *Server) { f(s) }

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return optionFunc(func(s *Server) { s.metrics = h })
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(s *Server) {
		if l != nil {
			s.logger = l
		}
	})
}

// New creates a Server. checkpoints may be nil.
func New(q *queue.Queue, checkpoints CheckpointLister, opts ...Option) *Server {
	s := &Server{queue: q, checkpoints: checkpoints, logger: slog.Default()}
	for _, opt := range opts {
		opt.apply(s)
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Post("/", s.enqueue)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Get("/result", s.result)
			r.Post("/pause", s.pause)
			r.Post("/resume", s.resume)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.queue.ListJobs(r.Context(), core.JobFilter{Limit: 1}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JobView is the wire form of a job.
type JobView struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Status          core.JobStatus  `json:"status"`
	Stage           string          `json:"stage,omitempty"`
	ProgressPercent int             `json:"progressPercent"`
	ProgressDetail  string          `json:"progressDetail,omitempty"`
	CheckpointStage string          `json:"checkpointStage,omitempty"`
	RetryCount      int             `json:"retryCount"`
	LastErrorKind   core.ErrorKind  `json:"lastErrorKind,omitempty"`
	LastError       string          `json:"lastError,omitempty"`
	NextRetryAt     *time.Time      `json:"nextRetryAt,omitempty"`
	PauseRequested  bool            `json:"pauseRequested,omitempty"`
	PauseReason     string          `json:"pauseReason,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`

	Checkpoints []CheckpointView `json:"checkpoints,omitempty"`
}

// CheckpointView is the wire form of a checkpoint index row.
type CheckpointView struct {
	Stage     string    `json:"stage"`
	Hash      string    `json:"hash"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewJobView converts a job record to its wire form.
func NewJobView(j *core.Job) JobView {
	v := JobView{
		ID:              j.ID,
		Type:            j.Type,
		Status:          j.Status,
		Stage:           j.Stage,
		ProgressPercent: j.ProgressPercent,
		ProgressDetail:  j.ProgressDetail,
		CheckpointStage: j.CheckpointStage,
		RetryCount:      j.RetryCount,
		LastErrorKind:   j.LastErrorKind,
		LastError:       j.LastError,
		NextRetryAt:     j.NextRetryAt,
		PauseRequested:  j.PauseRequested,
		PauseReason:     j.PauseReason,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		CompletedAt:     j.CompletedAt,
	}
	if json.Valid(j.InputData) {
		v.Input = j.InputData
	}
	return v
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := core.JobFilter{
		Type:   r.URL.Query().Get("type"),
		Status: core.JobStatus(r.URL.Query().Get("status")),
		Limit:  100,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 1000"))
			return
		}
		filter.Limit = n
	}
	jobs, err := s.queue.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]JobView, len(jobs))
	for i, j := range jobs {
		views[i] = NewJobView(j)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

// EnqueueRequest is the body of POST /jobs.
type EnqueueRequest struct {
	Type     string          `json:"type"`
	Input    json.RawMessage `json:"input"`
	Priority int             `json:"priority,omitempty"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.queue.Enqueue(r.Context(), req.Type, []byte(req.Input), queue.Priority(req.Priority))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	v := NewJobView(job)
	if s.checkpoints != nil {
		cps, err := s.checkpoints.GetCheckpoints(r.Context(), job.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		for _, cp := range cps {
			v.Checkpoints = append(v.Checkpoints, CheckpointView{
				Stage: cp.Stage, Hash: cp.Hash, Size: cp.Size, CreatedAt: cp.CreatedAt,
			})
		}
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != core.StatusCompleted {
		writeError(w, http.StatusConflict, errors.New("job is "+string(job.Status)))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(job.OutputData)
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.RequestPause(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "pause requested"})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Resume(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(core.StatusPending)})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*core.Job, bool) {
	job, err := s.queue.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	if job == nil {
		writeError(w, http.StatusNotFound, core.ErrJobNotFound)
		return nil, false
	}
	return job, true
}

func statusFor(err error) int {
	var ce *core.ClassifiedError
	switch {
	case errors.Is(err, core.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrJobTerminal), errors.Is(err, core.ErrJobNotPaused):
		return http.StatusConflict
	case errors.Is(err, core.ErrUnknownJobType), errors.Is(err, core.ErrInputTooLarge):
		return http.StatusBadRequest
	case errors.As(err, &ce) && ce.Kind == core.KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
