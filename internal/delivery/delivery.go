// Package delivery defines the push-based handoff of dispatched tasks to
// agents. The delivery technology is a collaborator behind this interface;
// the core only publishes envelopes and best-effort cancel signals.
package delivery

import (
	"context"
	"encoding/json"
)

// Envelope is the unit pushed to an agent's queue.
type Envelope struct {
	TaskID       string          `json:"task_id"`
	AgentID      string          `json:"agent_id"`
	Capabilities []string        `json:"capabilities"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Attempt      int             `json:"attempt"`
	SandboxRef   string          `json:"sandbox_ref,omitempty"`
}

// Queue delivers task envelopes to subscribed agents.
type Queue interface {
	// Publish pushes an envelope onto the target agent's queue.
	Publish(ctx context.Context, env Envelope) error

	// Cancel signals, best-effort, that a task should stop. Agents that
	// never observe the signal are handled by the execution timeout.
	Cancel(ctx context.Context, taskID string) error

	// Close releases delivery resources.
	Close() error
}
