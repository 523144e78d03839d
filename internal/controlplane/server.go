package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jfenner/foreman/internal/auth"
	"github.com/jfenner/foreman/internal/core"
	"github.com/jfenner/foreman/internal/models"
	"github.com/jfenner/foreman/internal/workflow"
)

// Server provides the HTTP API for Foreman.
type Server struct {
	service *Service
	addr    string
	keyring *auth.Keyring
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string) *Server {
	return &Server{
		service: service,
		addr:    addr,
	}
}

// UseAuth requires a valid API key on every route except health.
func (s *Server) UseAuth(k *auth.Keyring) {
	s.keyring = k
}

// Handler builds the route mux. Exposed for tests via httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/agents", s.handleAgents)
	mux.HandleFunc("/agents/", s.handleAgentByID)
	mux.HandleFunc("/workflows", s.handleWorkflows)
	mux.HandleFunc("/workflows/", s.handleWorkflowByID)
	mux.HandleFunc("/templates", s.handleTemplates)
	mux.HandleFunc("/events", s.handleEvents)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	if s.keyring != nil {
		return s.keyring.Middleware(mux)
	}
	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("Starting Foreman control plane on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// --- Task routes ---

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	taskID, action := splitIDAction(r.URL.Path, "/tasks/")
	if taskID == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, r, taskID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.cancelTask(w, r, taskID)
	case action == "ack" && r.Method == http.MethodPost:
		s.ackTask(w, r, taskID)
	case action == "result" && r.Method == http.MethodPost:
		s.reportResult(w, r, taskID)
	case action == "events" && r.Method == http.MethodGet:
		s.listTaskEvents(w, r, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

type submitTaskRequest struct {
	Capabilities []string        `json:"capabilities"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	task, err := s.service.SubmitTask(req.Capabilities, req.Payload, req.MaxAttempts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.ListTasks(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.service.GetTask(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if err := s.service.CancelTask(taskID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type ackRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) ackTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.service.AckTask(taskID, req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

type resultRequest struct {
	AgentID string          `json:"agent_id"`
	Outcome string          `json:"outcome"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func (s *Server) reportResult(w http.ResponseWriter, r *http.Request, taskID string) {
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.service.ReportResult(taskID, req.AgentID, req.Outcome, req.Result); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) listTaskEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	events, err := s.service.ListEvents(taskID, "", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Agent routes ---

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.registerAgent(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.service.ListAgents())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type registerAgentRequest struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "agent id required", http.StatusBadRequest)
		return
	}
	agent := s.service.RegisterAgent(req.ID, req.Name, req.Capabilities)
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	agentID, action := splitIDAction(r.URL.Path, "/agents/")
	if agentID == "" {
		http.Error(w, "agent id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "heartbeat" && r.Method == http.MethodPost:
		if err := s.service.Heartbeat(agentID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- Workflow routes ---

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitWorkflow(w, r)
	case http.MethodGet:
		runs, err := s.service.ListRuns(r.URL.Query().Get("status"))
		if err != nil {
			writeError(w, err)
			return
		}
		if runs == nil {
			runs = []models.WorkflowRun{}
		}
		writeJSON(w, http.StatusOK, runs)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type submitWorkflowRequest struct {
	TemplateID string                 `json:"template_id"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

func (s *Server) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req submitWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	run, err := s.service.SubmitWorkflow(req.TemplateID, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	runID, action := splitIDAction(r.URL.Path, "/workflows/")
	if runID == "" {
		http.Error(w, "workflow run id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		run, err := s.service.GetRun(runID)
		if err != nil {
			writeError(w, err)
			return
		}
		if run == nil {
			http.Error(w, "workflow run not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, run)
	case action == "events" && r.Method == http.MethodGet:
		events, err := s.service.ListEvents("", runID, 0)
		if err != nil {
			writeError(w, err)
			return
		}
		if events == nil {
			events = []models.Event{}
		}
		writeJSON(w, http.StatusOK, events)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.ListTemplates())
}

// --- Event routes ---

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := s.service.ListEvents(q.Get("task_id"), q.Get("run_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- helpers ---

func splitIDAction(path, prefix string) (string, string) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	return id, action
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps core errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrTaskNotFound),
		errors.Is(err, core.ErrRunNotFound),
		errors.Is(err, core.ErrAgentNotFound),
		errors.Is(err, workflow.ErrUnknownTemplate):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrNotAssigned),
		errors.Is(err, core.ErrNotReportable),
		errors.Is(err, core.ErrNotCancellable):
		status = http.StatusConflict
	case errors.Is(err, core.ErrInvalidOutcome),
		errors.Is(err, core.ErrNoCapabilities),
		errors.Is(err, ErrMissingAgentID),
		errors.Is(err, ErrMissingTemplateID),
		errors.Is(err, ErrInvalidMaxAttempts):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}
