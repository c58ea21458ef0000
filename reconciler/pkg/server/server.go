package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/malbeclabs/dimlake/reconciler/pkg/metrics"
	"github.com/malbeclabs/dimlake/reconciler/pkg/reconciler"
)

// ErrRunActive is returned by Trigger while another run is in progress.
var ErrRunActive = errors.New("a run is already in progress")

// ErrShuttingDown is returned by Trigger once the server has begun shutting
// down.
var ErrShuttingDown = errors.New("server is shutting down")

// ActiveRun identifies the run in progress.
type ActiveRun struct {
	RunID       string             `json:"run_id"`
	Trigger     reconciler.Trigger `json:"trigger"`
	TriggerTime time.Time          `json:"trigger_time"`
}

// Server exposes the run trigger over HTTP and optionally on a schedule. At
// most one run is active per process.
type Server struct {
	log    *slog.Logger
	cfg    Config
	router chi.Router

	baseCtx context.Context
	ready   atomic.Bool
	wg      sync.WaitGroup

	mu      sync.Mutex
	closing bool
	active  *ActiveRun
	results map[string]*reconciler.Result
	order   []string
}

func New(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		baseCtx: ctx,
		results: make(map[string]*reconciler.Result),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	if s.cfg.SentryEnabled {
		r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/version", s.handleVersion)

	r.Route("/v1/runs", func(r chi.Router) {
		r.Post("/", s.handleStartRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
	})
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Trigger starts a run in the background and returns its id and start time.
// No run is started once shutdown has begun, so Wait never races a late
// wg.Add.
func (s *Server) Trigger(trigger reconciler.Trigger) (*ActiveRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.baseCtx.Err() != nil {
		return nil, ErrShuttingDown
	}
	if s.active != nil {
		return s.active, ErrRunActive
	}

	run := &ActiveRun{
		RunID:       uuid.NewString(),
		Trigger:     trigger,
		TriggerTime: s.cfg.Clock.Now().UTC(),
	}
	s.active = run
	s.wg.Add(1)
	go s.execute(s.baseCtx, run)
	return run, nil
}

func (s *Server) execute(ctx context.Context, run *ActiveRun) {
	defer s.wg.Done()

	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	var (
		res *reconciler.Result
		err error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				sentry.CurrentHub().Recover(p)
				err = fmt.Errorf("run panicked: %v", p)
			}
		}()
		res, err = s.cfg.Runner.RunWith(ctx, run.RunID, run.Trigger)
	}()
	if res == nil {
		now := s.cfg.Clock.Now().UTC()
		res = &reconciler.Result{
			RunID:      run.RunID,
			TableID:    s.cfg.Runner.TableID(),
			Trigger:    run.Trigger,
			StartedAt:  run.TriggerTime,
			FinishedAt: now,
			Outcome:    reconciler.OutcomeAborted,
		}
		if err != nil {
			res.Error = err.Error()
		}
	}
	if err != nil {
		s.log.Warn("server: run failed", "run_id", run.RunID, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
	s.results[run.RunID] = res
	s.order = append(s.order, run.RunID)
	for len(s.order) > s.cfg.HistorySize {
		delete(s.results, s.order[0])
		s.order = s.order[1:]
	}
}

// Wait blocks until the active run, if any, has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) result(id string) (*reconciler.Result, *ActiveRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && s.active.RunID == id {
		a := *s.active
		return nil, &a
	}
	return s.results[id], nil
}

// Run serves HTTP and the schedule until ctx is cancelled, then shuts down
// and waits for the active run.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "address", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
		}
	}()

	s.ready.Store(true)
	if s.cfg.ScheduleInterval > 0 {
		go s.schedule(ctx)
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("server: shutting down", "reason", ctx.Err())
	case err := <-serveErrCh:
		runErr = fmt.Errorf("failed to serve: %w", err)
	}
	s.ready.Store(false)
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("server: graceful shutdown failed", "error", err)
	}
	s.Wait()
	return runErr
}

func (s *Server) schedule(ctx context.Context) {
	ticker := s.cfg.Clock.NewTicker(s.cfg.ScheduleInterval)
	defer ticker.Stop()
	s.log.Info("server: schedule started", "interval", s.cfg.ScheduleInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			run, err := s.Trigger(reconciler.TriggerSchedule)
			switch {
			case errors.Is(err, ErrShuttingDown):
				return
			case errors.Is(err, ErrRunActive):
				s.log.Info("server: skipping scheduled run, previous run still active", "active_run_id", run.RunID)
				continue
			}
			s.log.Debug("server: scheduled run started", "run_id", run.RunID)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	RunID string `json:"run_id,omitempty"`
}

type startRunResponse struct {
	RunID       string `json:"run_id"`
	TableID     string `json:"table_id"`
	TriggerTime string `json:"trigger_time"`
	Message     string `json:"message"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.Trigger(reconciler.TriggerHTTP)
	switch {
	case errors.Is(err, ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, ErrRunActive):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), RunID: run.RunID})
		return
	}
	writeJSON(w, http.StatusAccepted, startRunResponse{
		RunID:       run.RunID,
		TableID:     s.cfg.Runner.TableID(),
		TriggerTime: run.TriggerTime.Format(time.RFC3339),
		Message:     "reconciliation run started",
	})
}

type runningResponse struct {
	Status string `json:"status"`
	*ActiveRun
}

type finishedResponse struct {
	Status string `json:"status"`
	*reconciler.Result
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, active := s.result(id)
	switch {
	case active != nil:
		writeJSON(w, http.StatusOK, runningResponse{Status: "running", ActiveRun: active})
	case res != nil:
		writeJSON(w, http.StatusOK, finishedResponse{Status: "finished", Result: res})
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "run not found", RunID: id})
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]*reconciler.Result, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.results[s.order[i]])
	}
	var active *ActiveRun
	if s.active != nil {
		a := *s.active
		active = &a
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, struct {
		Active *ActiveRun           `json:"active,omitempty"`
		Runs   []*reconciler.Result `json:"runs"`
	}{Active: active, Runs: out})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}
