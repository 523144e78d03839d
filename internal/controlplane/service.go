// Package controlplane provides the HTTP API and service layer for
// Foreman.
package controlplane

import (
	"encoding/json"

	"github.com/jfenner/foreman/internal/core"
	"github.com/jfenner/foreman/internal/models"
	"github.com/jfenner/foreman/internal/workflow"
)

// defaultMaxAttempts applies when a submission omits max_attempts.
const defaultMaxAttempts = 3

// Service provides the control plane business logic on top of the
// orchestration core.
type Service struct {
	core    *core.Core
	library *workflow.Library
}

// NewService creates a new control plane service.
func NewService(c *core.Core, lib *workflow.Library) *Service {
	return &Service{core: c, library: lib}
}

// --- Task Operations ---

// SubmitTask creates a new task.
func (s *Service) SubmitTask(capabilities []string, payload json.RawMessage, maxAttempts int) (*models.Task, error) {
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	if maxAttempts < 1 {
		return nil, ErrInvalidMaxAttempts
	}
	return s.core.SubmitTask(capabilities, payload, maxAttempts)
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(id string) (*models.Task, error) {
	return s.core.GetTask(id)
}

// ListTasks returns filtered tasks.
func (s *Service) ListTasks(status string) ([]models.Task, error) {
	return s.core.ListTasks(status)
}

// CancelTask cancels a task.
func (s *Service) CancelTask(id string) error {
	return s.core.CancelTask(id)
}

// AckTask records a worker acknowledgment for a dispatched task.
func (s *Service) AckTask(taskID, agentID string) error {
	if agentID == "" {
		return ErrMissingAgentID
	}
	return s.core.AckTask(taskID, agentID)
}

// ReportResult ingests a worker's terminal report.
func (s *Service) ReportResult(taskID, agentID, outcome string, result json.RawMessage) error {
	if agentID == "" {
		return ErrMissingAgentID
	}
	return s.core.ReportResult(taskID, agentID, outcome, result)
}

// --- Agent Operations ---

// RegisterAgent registers an agent.
func (s *Service) RegisterAgent(id, name string, capabilities []string) *models.Agent {
	return s.core.RegisterAgent(id, name, capabilities)
}

// Heartbeat records agent liveness.
func (s *Service) Heartbeat(agentID string) error {
	return s.core.Heartbeat(agentID)
}

// ListAgents returns all registered agents.
func (s *Service) ListAgents() []*models.Agent {
	return s.core.ListAgents()
}

// --- Workflow Operations ---

// SubmitWorkflow starts a workflow run.
func (s *Service) SubmitWorkflow(templateID string, initialContext map[string]interface{}) (*models.WorkflowRun, error) {
	if templateID == "" {
		return nil, ErrMissingTemplateID
	}
	return s.core.SubmitWorkflow(templateID, initialContext)
}

// GetRun retrieves a workflow run.
func (s *Service) GetRun(id string) (*models.WorkflowRun, error) {
	return s.core.GetRun(id)
}

// ListRuns returns workflow runs.
func (s *Service) ListRuns(status string) ([]models.WorkflowRun, error) {
	return s.core.ListRuns(status)
}

// ListTemplates returns the known workflow templates.
func (s *Service) ListTemplates() []*models.WorkflowTemplate {
	return s.library.List()
}

// --- Events ---

// ListEvents returns audit events.
func (s *Service) ListEvents(taskID, runID string, limit int) ([]models.Event, error) {
	return s.core.ListEvents(taskID, runID, limit)
}
