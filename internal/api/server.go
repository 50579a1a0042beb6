// Package api serves the read-only status surface of a running steward
// daemon: JSON endpoints for planner, worker, and task state, plus a
// WebSocket stream bridging the in-process event publisher.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/stackworks/steward/internal/config"
	"github.com/stackworks/steward/internal/events"
	"github.com/stackworks/steward/internal/planner"
	"github.com/stackworks/steward/internal/state"
)

// StatusSource reports the planner's live view.
type StatusSource interface {
	Status() planner.Status
	Errors() []planner.RecordedError
}

// WorkerSource reports live worker snapshots.
type WorkerSource interface {
	Snapshots() []*state.Worker
}

// TaskSource reports durable task records.
type TaskSource interface {
	GetAllTasks() []*state.Task
	GetTasksByStatus(status state.TaskStatus) []*state.Task
}

// Deps carries the server's collaborators.
type Deps struct {
	Planner   StatusSource
	Workers   WorkerSource
	Tasks     TaskSource
	Publisher events.Publisher
	Logger    *slog.Logger
}

// Server exposes daemon state over HTTP.
type Server struct {
	addr      string
	mux       *http.ServeMux
	planner   StatusSource
	workers   WorkerSource
	tasks     TaskSource
	wsHandler *WSHandler
	logger    *slog.Logger
}

// New creates an API server bound to the given listen address.
func New(cfg config.APIConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pub := deps.Publisher
	if pub == nil {
		pub = events.NewNopPublisher()
	}

	s := &Server{
		addr:      cfg.ListenAddr,
		mux:       http.NewServeMux(),
		planner:   deps.Planner,
		workers:   deps.Workers,
		tasks:     deps.Tasks,
		wsHandler: NewWSHandler(pub, logger),
		logger:    logger,
	}
	s.registerRoutes()
	return s
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	// cors answers preflight and restricts handlers to GET. The routes
	// are registered without a method qualifier: a "GET /path" pattern
	// would answer OPTIONS with the mux's automatic 405 before this
	// wrapper ever ran.
	cors := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			switch r.Method {
			case http.MethodOptions:
				w.WriteHeader(http.StatusOK)
			case http.MethodGet:
				h(w, r)
			default:
				s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		}
	}

	s.mux.HandleFunc("/healthz", cors(s.handleHealth))
	s.mux.HandleFunc("/api/status", cors(s.handleStatus))
	s.mux.HandleFunc("/api/workers", cors(s.handleListWorkers))
	s.mux.HandleFunc("/api/tasks", cors(s.handleListTasks))
	s.mux.HandleFunc("/api/errors", cors(s.handleListErrors))

	// WebSocket for real-time updates
	s.mux.Handle("GET /ws", s.wsHandler)
}

// Handler returns the route mux for embedding in tests or other servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled, then drains connections and
// returns nil. A listen failure is returned as-is.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		s.wsHandler.Close()
	}()

	s.logger.Info("starting API server", "addr", s.addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// WorkerSummary aggregates live worker counts for the status endpoint.
type WorkerSummary struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// StatusResponse is the /api/status payload.
type StatusResponse struct {
	Planner planner.Status `json:"planner"`
	Workers WorkerSummary  `json:"workers"`
	Time    time.Time      `json:"time"`
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

// handleStatus returns the planner snapshot plus a worker roll-up.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary := WorkerSummary{ByStatus: make(map[string]int)}
	if s.workers != nil {
		snaps := s.workers.Snapshots()
		summary.Total = len(snaps)
		for _, rec := range snaps {
			summary.ByStatus[string(rec.Status)]++
		}
	}

	resp := StatusResponse{
		Workers: summary,
		Time:    time.Now().UTC(),
	}
	if s.planner != nil {
		resp.Planner = s.planner.Status()
	}
	s.jsonResponse(w, resp)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	if s.workers == nil {
		s.jsonResponse(w, []*state.Worker{})
		return
	}
	snaps := s.workers.Snapshots()
	if snaps == nil {
		snaps = []*state.Worker{}
	}
	s.jsonResponse(w, snaps)
}

// handleListTasks returns durable task records, optionally filtered by
// ?status=IN_PROGRESS etc.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.jsonResponse(w, []*state.Task{})
		return
	}

	var tasks []*state.Task
	if status := r.URL.Query().Get("status"); status != "" {
		ts := state.TaskStatus(status)
		if !ts.Valid() {
			s.jsonError(w, "unknown task status: "+status, http.StatusBadRequest)
			return
		}
		tasks = s.tasks.GetTasksByStatus(ts)
	} else {
		tasks = s.tasks.GetAllTasks()
	}

	// Empty array, not null
	if tasks == nil {
		tasks = []*state.Task{}
	}
	s.jsonResponse(w, tasks)
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	if s.planner == nil {
		s.jsonResponse(w, []planner.RecordedError{})
		return
	}
	errs := s.planner.Errors()
	if errs == nil {
		errs = []planner.RecordedError{}
	}
	s.jsonResponse(w, errs)
}

// jsonResponse writes a JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// jsonError writes a JSON error response.
func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
