// Package models defines the core domain types for Foreman.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusDispatched   TaskStatus = "dispatched"
	TaskStatusRunning      TaskStatus = "running"
	TaskStatusSucceeded    TaskStatus = "succeeded"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusRetrying     TaskStatus = "retrying"
	TaskStatusDeadLettered TaskStatus = "dead_lettered"
	TaskStatusCancelled    TaskStatus = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusDeadLettered, TaskStatusCancelled:
		return true
	}
	return false
}

// Task represents a unit of work in the control plane.
type Task struct {
	ID             string          `json:"id"`
	Capabilities   []string        `json:"capabilities"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         TaskStatus      `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NextEligibleAt time.Time       `json:"next_eligible_at"`
	AssignedTo     string          `json:"assigned_to,omitempty"`
	WorkflowRunID  string          `json:"workflow_run_id,omitempty"`
	StageIndex     int             `json:"stage_index"`
	LastError      string          `json:"last_error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	StalledFlagged bool            `json:"stalled_flagged"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AgentStatus represents an agent's availability.
type AgentStatus string

const (
	AgentStatusIdle     AgentStatus = "idle"
	AgentStatusBusy     AgentStatus = "busy"
	AgentStatusDisabled AgentStatus = "disabled"
)

// Agent represents an external worker advertising a capability set.
// An agent is busy iff it holds exactly one running task.
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Capabilities  []string    `json:"capabilities"`
	Status        AgentStatus `json:"status"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	LastDispatch  time.Time   `json:"last_dispatch"`
	RegisteredAt  time.Time   `json:"registered_at"`
}

// HasCapabilities reports whether the agent's declared set covers required.
func (a *Agent) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	declared := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		declared[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := declared[c]; !ok {
			return false
		}
	}
	return true
}

// StageDef declares one stage of a workflow template.
type StageDef struct {
	Name            string   `json:"name" yaml:"name"`
	Capabilities    []string `json:"capabilities" yaml:"capabilities"`
	PayloadTemplate string   `json:"payload_template" yaml:"payload_template"`
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts"`
}

// WorkflowTemplate is an ordered sequence of stage definitions.
// Stages execute strictly sequentially; each produces one task.
type WorkflowTemplate struct {
	ID     string     `json:"id" yaml:"id"`
	Name   string     `json:"name" yaml:"name"`
	Stages []StageDef `json:"stages" yaml:"stages"`
}

// RunStatus represents the state of a workflow run.
type RunStatus string

const (
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// WorkflowRun is one execution of a template.
type WorkflowRun struct {
	ID            string                 `json:"id"`
	TemplateID    string                 `json:"template_id"`
	Status        RunStatus              `json:"status"`
	CurrentStage  int                    `json:"current_stage"`
	StageTaskIDs  []string               `json:"stage_task_ids"`
	Context       map[string]interface{} `json:"context,omitempty"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// EventKind identifies a state transition recorded in the audit trail.
type EventKind string

const (
	EventTaskDispatched     EventKind = "task.dispatched"
	EventTaskHandoffExpired EventKind = "task.handoff_expired"
	EventTaskRunning        EventKind = "task.running"
	EventTaskSucceeded      EventKind = "task.succeeded"
	EventTaskFailed         EventKind = "task.failed"
	EventTaskRetrying       EventKind = "task.retrying"
	EventTaskDeadLettered   EventKind = "task.dead_lettered"
	EventTaskCancelled      EventKind = "task.cancelled"
	EventTaskStalled        EventKind = "task.stalled"
	EventStageAdvanced      EventKind = "workflow.stage_advanced"
	EventRunCompleted       EventKind = "workflow.completed"
	EventRunFailed          EventKind = "workflow.failed"
	EventAgentRegistered    EventKind = "agent.registered"
	EventAgentDisabled      EventKind = "agent.disabled"
)

// Event is one audit record. The core emits exactly one per state
// transition, whether or not anything is listening.
type Event struct {
	ID         string    `json:"id"`
	Kind       EventKind `json:"kind"`
	TaskID     string    `json:"task_id,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	InputsHash string    `json:"inputs_hash,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
