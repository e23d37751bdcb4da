package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/executor"
	"github.com/hochfrequenz/issue-orchestrator/internal/observer"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

// Store interface for database operations
type Store interface {
	CreateIssue(ctx context.Context, issue *domain.Issue) error
	GetIssue(ctx context.Context, id string) (*domain.Issue, error)
	ListIssues(ctx context.Context, opts taskstore.ListOptions) ([]*domain.Issue, error)
	DeleteIssue(ctx context.Context, id string) error
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	ListExecutions(ctx context.Context, f taskstore.ExecutionFilter) ([]*domain.Execution, error)
}

// Server is the HTTP API server
type Server struct {
	store    Store
	engine   *executor.Engine
	observer *observer.Observer
	addr     string
	mux      *http.ServeMux
	sseHub   *SSEHub
	upgrader websocket.Upgrader
}

// NewServer creates a new API server and subscribes the event hub to the engine
func NewServer(store Store, engine *executor.Engine, addr string) *Server {
	s := &Server{
		store:  store,
		engine: engine,
		addr:   addr,
		mux:    http.NewServeMux(),
		sseHub: NewSSEHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if engine != nil {
		engine.OnStart(func(rt domain.RunningTask) {
			s.Broadcast(SSEEvent{Type: "task_started", Data: runningToResponse(rt)})
		})
		engine.OnFinish(func(o executor.Outcome) {
			s.Broadcast(SSEEvent{Type: "task_finished", Data: outcomeToResponse(o)})
		})
	}
	s.setupRoutes()
	return s
}

// SetObserver enables /api/metrics
func (s *Server) SetObserver(o *observer.Observer) {
	s.observer = o
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /api/tasks/{issueId}/execute", s.executeHandler())
	s.mux.HandleFunc("GET /api/tasks/{issueId}/status", s.taskStatusHandler())
	s.mux.HandleFunc("POST /api/tasks/{issueId}/cancel", s.cancelHandler())
	s.mux.HandleFunc("GET /api/tasks/running", s.runningHandler())
	s.mux.HandleFunc("GET /api/tasks/{issueId}/stream", s.issueStreamHandler())

	s.mux.HandleFunc("GET /api/executions", s.listExecutionsHandler())
	s.mux.HandleFunc("GET /api/executions/{id}", s.getExecutionHandler())
	s.mux.HandleFunc("GET /api/executions/{id}/stream", s.executionStreamHandler())
	s.mux.HandleFunc("GET /api/executions/{id}/ws", s.executionWebSocketHandler())

	s.mux.HandleFunc("GET /api/issues", s.listIssuesHandler())
	s.mux.HandleFunc("POST /api/issues", s.createIssueHandler())
	s.mux.HandleFunc("GET /api/issues/{id}", s.getIssueHandler())
	s.mux.HandleFunc("DELETE /api/issues/{id}", s.deleteIssueHandler())

	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/metrics", s.metricsHandler())
	s.mux.HandleFunc("GET /api/health", s.healthHandler())
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is done, then drains connections
func (s *Server) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.sseHub.Run(hubCtx)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[api] listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Printf("[api] shutting down")
	return srv.Shutdown(shutdownCtx)
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, map[string]string{"error": message})
}
