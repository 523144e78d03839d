package controlplane

import "errors"

// Sentinel errors for control plane request validation.
var (
	ErrMissingAgentID     = errors.New("agent_id is required")
	ErrMissingTemplateID  = errors.New("template_id is required")
	ErrInvalidMaxAttempts = errors.New("max_attempts must be at least 1")
)
