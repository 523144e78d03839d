// Package sandbox abstracts per-task isolated execution contexts. The
// core requests one on dispatch and releases it on terminal status; a
// provisioning failure is a dispatch failure handled by the retry path.
package sandbox

import "context"

// Handle identifies a provisioned sandbox.
type Handle struct {
	ID      string `json:"id"`
	TaskID  string `json:"task_id"`
	WorkDir string `json:"work_dir,omitempty"`
}

// Provisioner creates and tears down execution sandboxes.
type Provisioner interface {
	// Name returns the provisioner identifier.
	Name() string

	// Provision creates a fresh isolated context for the task.
	Provision(ctx context.Context, taskID string) (*Handle, error)

	// Release tears down the sandbox. Releasing an unknown handle is a
	// no-op.
	Release(ctx context.Context, h *Handle) error
}
