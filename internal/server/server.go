// Package server is the HTTP surface. Every route reads or mutates state
// through the components it is handed; the server itself holds nothing but
// the wiring. JSON in, JSON out, errors as {"error": string} with the status
// code carrying the taxonomy.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"doppel/internal/config"
	"doppel/internal/converge"
	"doppel/internal/dispatch"
	"doppel/internal/events"
	"doppel/internal/homr"
	"doppel/internal/ids"
	"doppel/internal/jobs"
	"doppel/internal/logging"
	"doppel/internal/store"
	"doppel/internal/supervisor"
	"doppel/internal/types"
	"doppel/internal/worker"
)

// Fleet is the slice of the worker manager the API drives.
type Fleet interface {
	StartWorker(ctx context.Context, outcomeID string, opts worker.StartOptions) (*types.Worker, error)
	PauseWorker(ctx context.Context, workerID string) error
	ResumeWorker(ctx context.Context, workerID string) error
	SendIntervention(ctx context.Context, workerID, message string) error
	TerminateWorker(workerID string) error
	Live(workerID string) bool
}

// Deps carries the server's collaborators. Events may be nil, in which case
// /events reports unavailable.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Fleet      Fleet
	Observer   *homr.Observer
	Evaluator  *converge.Evaluator
	Supervisor *supervisor.Supervisor
	Dispatcher *dispatch.Dispatcher
	Jobs       *jobs.Queue
	Events     *events.Bus
	IDs        *ids.Generator
}

// Server serves the JSON API.
type Server struct {
	deps     Deps
	log      *zap.Logger
	http     *http.Server
	upgrader websocket.Upgrader
}

// New builds the server and its route table. Call Run to listen.
func New(deps Deps) *Server {
	s := &Server{
		deps: deps,
		log:  logging.Get(logging.CategoryServer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The UI runs off file:// or a dev server; origin checks add
			// nothing for a localhost-bound tool.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.http = &http.Server{
		Addr:              deps.Config.Server.BindAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the full middleware-wrapped route table. Exposed so tests
// can mount it on httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("GET /outcomes", s.handleListOutcomes)
	mux.HandleFunc("POST /outcomes", s.handleCreateOutcome)
	mux.HandleFunc("GET /outcomes/{id}", s.handleGetOutcome)
	mux.HandleFunc("PATCH /outcomes/{id}", s.handlePatchOutcome)
	mux.HandleFunc("DELETE /outcomes/{id}", s.handleDeleteOutcome)
	mux.HandleFunc("POST /outcomes/{id}/auto-resolve", s.handleAutoResolve)

	mux.HandleFunc("GET /outcomes/{id}/tasks", s.handleListTasks)
	mux.HandleFunc("POST /outcomes/{id}/tasks", s.handleCreateTask)
	mux.HandleFunc("PATCH /tasks/{id}", s.handlePatchTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleDeleteTask)

	mux.HandleFunc("GET /outcomes/{id}/workers", s.handleListWorkers)
	mux.HandleFunc("POST /outcomes/{id}/workers", s.handleStartWorker)
	mux.HandleFunc("GET /workers/{id}", s.handleGetWorker)
	mux.HandleFunc("PATCH /workers/{id}", s.handlePatchWorker)
	mux.HandleFunc("POST /workers/{id}/interventions", s.handleIntervention)
	mux.HandleFunc("GET /outcomes/{id}/progress", s.handleProgress)

	mux.HandleFunc("GET /outcomes/{id}/homr", s.handleHomrOverview)
	mux.HandleFunc("GET /outcomes/{id}/homr/context", s.handleHomrContext)
	mux.HandleFunc("GET /outcomes/{id}/homr/escalations", s.handleHomrEscalations)
	mux.HandleFunc("GET /outcomes/{id}/homr/activity", s.handleHomrActivity)
	mux.HandleFunc("POST /outcomes/{id}/homr/escalations/{escID}/answer", s.handleAnswerEscalation)
	mux.HandleFunc("POST /outcomes/{id}/homr/escalations/{escID}/dismiss", s.handleDismissEscalation)

	mux.HandleFunc("POST /dispatch", s.handleDispatch)
	mux.HandleFunc("GET /supervisor", s.handleSupervisor)
	mux.HandleFunc("GET /alerts", s.handleListAlerts)
	mux.HandleFunc("POST /alerts/{id}/dismiss", s.handleDismissAlert)

	mux.HandleFunc("POST /improvements/analyze", s.handleAnalyze)
	mux.HandleFunc("POST /improvements/proposals", s.handleApplyProposal)
	mux.HandleFunc("GET /improvements/jobs/active", s.handleActiveJobs)
	mux.HandleFunc("GET /improvements/jobs/recent", s.handleRecentJobs)
	mux.HandleFunc("GET /improvements/jobs/{id}", s.handleGetImprovementJob)

	var h http.Handler = mux
	h = s.withTimeout(h)
	h = withCORS(h)
	h = s.withRecover(h)
	h = s.withAccessLog(h)
	return h
}

// Run listens until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	s.log.Info("http server listening", zap.String("addr", s.http.Addr))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutCtx); err != nil {
			s.log.Warn("http shutdown incomplete", zap.Error(err))
		}
		<-errCh
		s.log.Info("http server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status     string `json:"status"`
		Supervisor bool   `json:"supervisor_running"`
		JobQueue   bool   `json:"job_queue_running"`
	}
	h := health{Status: "ok"}
	if s.deps.Supervisor != nil {
		h.Supervisor = s.deps.Supervisor.Running()
	}
	if s.deps.Jobs != nil {
		h.JobQueue = s.deps.Jobs.Running()
	}
	writeJSON(w, http.StatusOK, h)
}
