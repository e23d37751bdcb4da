package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/executor"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

// IssueResponse is the API response for an issue
type IssueResponse struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Status      string              `json:"status"`
	Domain      string              `json:"domain,omitempty"`
	CreatedAt   string              `json:"createdAt"`
	UpdatedAt   string              `json:"updatedAt"`
	Executions  []ExecutionResponse `json:"executions,omitempty"`
}

// ExecutionResponse is the API response for an execution
type ExecutionResponse struct {
	ID          string  `json:"id"`
	IssueID     string  `json:"issueId"`
	Status      string  `json:"status"`
	Provider    string  `json:"llmProvider"`
	Command     string  `json:"command"`
	LLMResponse string  `json:"llmResponse"`
	Error       string  `json:"error"`
	Attempt     int     `json:"attempt"`
	StartedAt   string  `json:"startedAt"`
	CompletedAt *string `json:"completedAt,omitempty"`
	Duration    string  `json:"duration"`
}

// RunningTaskResponse is the API response for a running task
type RunningTaskResponse struct {
	IssueID     string `json:"issueId"`
	ExecutionID string `json:"executionId"`
	Domain      string `json:"domain,omitempty"`
	PID         int    `json:"pid,omitempty"`
	StartTime   string `json:"startTime"`
}

// RunningResponse lists running tasks and busy domains
type RunningResponse struct {
	RunningTasks   []RunningTaskResponse `json:"runningTasks"`
	RunningDomains []string              `json:"runningDomains"`
}

// TaskStatusResponse is the API response for an issue's task status
type TaskStatusResponse struct {
	IssueID         string               `json:"issueId"`
	IssueStatus     string               `json:"issueStatus"`
	IsRunning       bool                 `json:"isRunning"`
	RetryPending    bool                 `json:"retryPending"`
	Running         *RunningTaskResponse `json:"running,omitempty"`
	LatestExecution *ExecutionResponse   `json:"latestExecution,omitempty"`
}

// ExecuteRequest is the body of POST /api/tasks/{issueId}/execute
type ExecuteRequest struct {
	Command     string `json:"command"`
	LLMProvider string `json:"llmProvider,omitempty"`
	MaxRetries  *int   `json:"maxRetries,omitempty"`
}

// ExecuteResponse is returned once an execution is accepted
type ExecuteResponse struct {
	Message            string `json:"message"`
	ExecutionID        string `json:"executionId"`
	IssueID            string `json:"issueId"`
	Status             string `json:"status"`
	Domain             string `json:"domain,omitempty"`
	MaxRetries         int    `json:"maxRetries"`
	PreviousExecutions int    `json:"previousExecutions"`
}

// CreateIssueRequest is the body of POST /api/issues
type CreateIssueRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Domain      string `json:"domain,omitempty"`
	Status      string `json:"status,omitempty"`
}

// OutcomeResponse is broadcast on /api/events when an attempt finishes
type OutcomeResponse struct {
	IssueID     string `json:"issueId"`
	ExecutionID string `json:"executionId"`
	Attempt     int    `json:"attempt"`
	Status      string `json:"status"`
	Next        string `json:"next"`
	Reason      string `json:"reason"`
	ExitCode    int    `json:"exitCode"`
	TimedOut    bool   `json:"timedOut,omitempty"`
	Cancelled   bool   `json:"cancelled,omitempty"`
	DurationMS  int64  `json:"durationMs"`
}

func issueToResponse(i *domain.Issue) IssueResponse {
	resp := IssueResponse{
		ID:          i.ID,
		Title:       i.Title,
		Description: i.Description,
		Status:      string(i.Status),
		Domain:      i.Domain,
		CreatedAt:   i.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   i.UpdatedAt.Format(time.RFC3339),
	}
	for _, e := range i.Executions {
		resp.Executions = append(resp.Executions, executionToResponse(e))
	}
	return resp
}

func executionToResponse(e *domain.Execution) ExecutionResponse {
	resp := ExecutionResponse{
		ID:          e.ID,
		IssueID:     e.IssueID,
		Status:      string(e.Status),
		Provider:    e.Provider,
		Command:     e.Command,
		LLMResponse: e.Output,
		Error:       e.Error,
		Attempt:     e.Attempt,
		StartedAt:   e.StartedAt.Format(time.RFC3339),
		Duration:    e.Duration().Round(time.Second).String(),
	}
	if e.CompletedAt != nil {
		t := e.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &t
	}
	return resp
}

func runningToResponse(rt domain.RunningTask) RunningTaskResponse {
	return RunningTaskResponse{
		IssueID:     rt.IssueID,
		ExecutionID: rt.ExecutionID,
		Domain:      rt.Domain,
		PID:         rt.PID,
		StartTime:   rt.StartTime.Format(time.RFC3339),
	}
}

func outcomeToResponse(o executor.Outcome) OutcomeResponse {
	return OutcomeResponse{
		IssueID:     o.IssueID,
		ExecutionID: o.ExecutionID,
		Attempt:     o.Attempt,
		Status:      string(o.Status),
		Next:        string(o.Next),
		Reason:      o.Reason,
		ExitCode:    o.ExitCode,
		TimedOut:    o.TimedOut,
		Cancelled:   o.Cancelled,
		DurationMS:  o.Duration.Milliseconds(),
	}
}

// writeEngineError maps engine and store errors onto status codes
func writeEngineError(w http.ResponseWriter, err error) {
	if conflict, ok := executor.AsDomainConflict(err); ok {
		writeJSONStatus(w, http.StatusConflict, map[string]string{
			"error":  "Domain " + conflict.Domain + " is already running",
			"domain": conflict.Domain,
			"heldBy": conflict.HeldBy,
		})
		return
	}

	switch {
	case errors.Is(err, executor.ErrEmptyCommand):
		writeError(w, http.StatusBadRequest, "Command is required")
	case errors.Is(err, taskstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, executor.ErrNotRunning):
		writeError(w, http.StatusNotFound, "No running task found for this issue")
	case errors.Is(err, executor.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, executor.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Printf("[api] %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) executeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		res, err := s.engine.Execute(r.Context(), executor.ExecuteRequest{
			IssueID:    r.PathValue("issueId"),
			Command:    req.Command,
			Provider:   req.LLMProvider,
			MaxRetries: req.MaxRetries,
		})
		if err != nil {
			writeEngineError(w, err)
			return
		}

		writeJSON(w, ExecuteResponse{
			Message:            "Task execution started",
			ExecutionID:        res.ExecutionID,
			IssueID:            res.IssueID,
			Status:             string(res.Status),
			Domain:             res.Domain,
			MaxRetries:         res.MaxRetries,
			PreviousExecutions: res.PreviousExecutions,
		})
	}
}

func (s *Server) taskStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.engine.Status(r.Context(), r.PathValue("issueId"))
		if err != nil {
			writeEngineError(w, err)
			return
		}

		resp := TaskStatusResponse{
			IssueID:      st.IssueID,
			IssueStatus:  string(st.IssueStatus),
			IsRunning:    st.IsRunning,
			RetryPending: st.RetryPending,
		}
		if st.Running != nil {
			rt := runningToResponse(*st.Running)
			resp.Running = &rt
		}
		if st.LatestExecution != nil {
			e := executionToResponse(st.LatestExecution)
			resp.LatestExecution = &e
		}
		writeJSON(w, resp)
	}
}

func (s *Server) cancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		issueID := r.PathValue("issueId")
		if err := s.engine.Cancel(r.Context(), issueID); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, map[string]string{"message": "Task cancelled", "issueId": issueID})
	}
}

func (s *Server) runningHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := s.engine.ListRunning()
		resp := RunningResponse{
			RunningTasks:   make([]RunningTaskResponse, 0, len(snap.Tasks)),
			RunningDomains: snap.Domains,
		}
		for _, rt := range snap.Tasks {
			resp.RunningTasks = append(resp.RunningTasks, runningToResponse(rt))
		}
		if resp.RunningDomains == nil {
			resp.RunningDomains = []string{}
		}
		writeJSON(w, resp)
	}
}

func (s *Server) issueStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := s.engine.StreamIssueLog(r.Context(), r.PathValue("issueId"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		streamLogEvents(w, r, events)
	}
}

func (s *Server) executionStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := s.engine.StreamLog(r.Context(), r.PathValue("id"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		streamLogEvents(w, r, events)
	}
}

func (s *Server) listExecutionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := taskstore.ExecutionFilter{
			IssueID: q.Get("issueId"),
			Status:  domain.ExecutionStatus(strings.ToUpper(q.Get("status"))),
			Limit:   50,
		}
		if limit := q.Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			filter.Limit = n
		}

		execs, err := s.store.ListExecutions(r.Context(), filter)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		resp := make([]ExecutionResponse, 0, len(execs))
		for _, e := range execs {
			resp = append(resp, executionToResponse(e))
		}
		writeJSON(w, resp)
	}
}

func (s *Server) getExecutionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exec, err := s.store.GetExecution(r.Context(), r.PathValue("id"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, executionToResponse(exec))
	}
}

func (s *Server) listIssuesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := taskstore.ListOptions{Domain: r.URL.Query().Get("domain")}
		if status := r.URL.Query().Get("status"); status != "" {
			st, err := domain.ParseIssueStatus(status)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			opts.Status = st
		}

		issues, err := s.store.ListIssues(r.Context(), opts)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		resp := make([]IssueResponse, 0, len(issues))
		for _, i := range issues {
			resp = append(resp, issueToResponse(i))
		}
		writeJSON(w, resp)
	}
}

func (s *Server) createIssueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateIssueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			writeError(w, http.StatusBadRequest, "Title is required")
			return
		}

		issue := &domain.Issue{
			Title:       req.Title,
			Description: req.Description,
			Domain:      req.Domain,
		}
		if req.Status != "" {
			st, err := domain.ParseIssueStatus(req.Status)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			issue.Status = st
		}

		if err := s.store.CreateIssue(r.Context(), issue); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, issueToResponse(issue))
	}
}

func (s *Server) getIssueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		issue, err := s.store.GetIssue(r.Context(), r.PathValue("id"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, issueToResponse(issue))
	}
}

func (s *Server) deleteIssueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, err := s.store.GetIssue(r.Context(), id); err != nil {
			writeEngineError(w, err)
			return
		}

		// Kill before deleting so the execution is closed before its row cascades away
		if s.engine != nil && s.engine.ForceKill(id) {
			log.Printf("[api] issue %s: killed running task before deletion", id)
		}
		if err := s.store.DeleteIssue(r.Context(), id); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, map[string]string{"message": "Issue deleted", "id": id})
	}
}

func (s *Server) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.observer == nil {
			writeError(w, http.StatusNotFound, "metrics are disabled")
			return
		}
		running := s.engine.ListRunning().Tasks
		stuck := make([]RunningTaskResponse, 0)
		for _, rt := range s.observer.StuckTasks(running) {
			stuck = append(stuck, runningToResponse(rt))
		}
		writeJSON(w, map[string]interface{}{
			"metrics": s.observer.GetMetrics(),
			"running": len(running),
			"stuck":   stuck,
		})
	}
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		running := 0
		if s.engine != nil {
			running = s.engine.Registry().Count()
		}
		writeJSON(w, map[string]interface{}{
			"status":  "ok",
			"running": running,
			"time":    time.Now().UTC().Format(time.RFC3339),
		})
	}
}
