package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/coordinator"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/metrics"
)

const requestTimeout = 30 * time.Second

// Jobs is the coordinator surface the server drives.
type Jobs interface {
	StartJob(ctx context.Context, params coordinator.JobParams) (*coordinator.Run, error)
	Join(ctx context.Context, jobID string, workerCount int) (*coordinator.Run, error)
	Status(ctx context.Context, jobID string) (crawler.JobStats, error)
	ClearJob(ctx context.Context, jobID string) error
}

// Options configure the server.
type Options struct {
	APIKey string
	// Defaults fill fields missing from POST /v1/jobs.
	Defaults coordinator.JobParams
}

// Server wires HTTP handlers to the coordinator. Runs it starts are bound to
// the server's base context, not to the request that started them.
type Server struct {
	router chi.Router
	jobs   Jobs
	opts   Options
	logger *zap.Logger

	base    context.Context
	mu      sync.Mutex
	running map[string]*localRun
	wg      sync.WaitGroup
}

type localRun struct {
	run    *coordinator.Run
	cancel context.CancelFunc
}

// NewServer constructs a Server with middleware and routes.
func NewServer(base context.Context, jobs Jobs, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:    jobs,
		opts:    opts,
		logger:  logger.Named("api"),
		base:    base,
		running: make(map[string]*localRun),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/jobs", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/", s.startJob)
		r.Route("/{job_id}", func(r chi.Router) {
			r.Get("/", s.jobStatus)
			r.Delete("/", s.clearJob)
			r.Post("/workers", s.joinJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until every run started through the API has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startJobRequest struct {
	SeedURL     string `json:"seed_url"`
	WorkerCount *int   `json:"worker_count"`
	MaxDepth    *int   `json:"max_depth"`
	FreshStart  *bool  `json:"fresh_start"`
}

type joinJobRequest struct {
	WorkerCount *int `json:"worker_count"`
}

type runResponse struct {
	JobID     string   `json:"job_id"`
	WorkerIDs []string `json:"worker_ids"`
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params := coordinator.JobParams{
		SeedURL:     req.SeedURL,
		WorkerCount: valueOrDefault(req.WorkerCount, s.opts.Defaults.WorkerCount),
		MaxDepth:    valueOrDefault(req.MaxDepth, s.opts.Defaults.MaxDepth),
		FreshStart:  valueOrDefault(req.FreshStart, s.opts.Defaults.FreshStart),
	}
	s.launch(w, r, func(ctx context.Context) (*coordinator.Run, error) {
		return s.jobs.StartJob(ctx, params)
	})
}

func (s *Server) joinJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	var req joinJobRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	count := valueOrDefault(req.WorkerCount, s.opts.Defaults.WorkerCount)
	s.launch(w, r, func(ctx context.Context) (*coordinator.Run, error) {
		return s.jobs.Join(ctx, jobID, count)
	})
}

func (s *Server) launch(
	w http.ResponseWriter,
	r *http.Request,
	start func(context.Context) (*coordinator.Run, error),
) {
	ctx, cancel := context.WithCancel(s.base)
	run, err := start(ctx)
	if err != nil {
		cancel()
		writeError(w, statusFor(err), err.Error())
		return
	}
	key := run.JobID + "/" + requestID(r.Context())
	s.mu.Lock()
	s.running[key] = &localRun{run: run, cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		summary, err := run.Wait()
		s.mu.Lock()
		delete(s.running, key)
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("job run failed", zap.String("job_id", run.JobID), zap.Error(err))
			return
		}
		s.logger.Info("job run finished",
			zap.String("job_id", run.JobID),
			zap.String("status", string(summary.Status)),
		)
	}()
	writeJSON(w, http.StatusAccepted, runResponse{JobID: run.JobID, WorkerIDs: run.WorkerIDs})
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	stats, err := s.jobs.Status(ctx, chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// clearJob stops this process's workers for the job before wiping its state,
// so none of them observe a half-cleared store.
func (s *Server) clearJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	s.stopLocal(jobID)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.jobs.ClearJob(ctx, jobID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cleared"})
}

func (s *Server) stopLocal(jobID string) {
	s.mu.Lock()
	var runs []*localRun
	for _, lr := range s.running {
		if lr.run.JobID == jobID {
			runs = append(runs, lr)
		}
	}
	s.mu.Unlock()
	for _, lr := range runs {
		lr.cancel()
		<-lr.run.Done()
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrInvalidSeed):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(fmt.Errorf("encode response: %w", err)))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
