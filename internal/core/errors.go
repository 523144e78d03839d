package core

import "errors"

// Sentinel errors for orchestration operations.
var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrRunNotFound    = errors.New("workflow run not found")
	ErrAgentNotFound  = errors.New("agent not found")
	ErrNotAssigned    = errors.New("task not assigned to this agent")
	ErrNotReportable  = errors.New("task not awaiting a result")
	ErrInvalidOutcome = errors.New("outcome must be succeeded or failed")
	ErrNotCancellable = errors.New("task not in a cancellable state")
	ErrNoCapabilities = errors.New("task requires at least one capability")
)
