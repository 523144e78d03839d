// Package localdir provisions sandboxes as per-task scratch directories.
package localdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/jfenner/foreman/internal/sandbox"
)

// LocalDir implements the Provisioner interface with scratch directories
// under a common root.
type LocalDir struct {
	root string

	mu     sync.Mutex
	active map[string]string // handle ID -> dir
}

// New creates a LocalDir provisioner rooted at dir.
func New(root string) *LocalDir {
	return &LocalDir{root: root, active: make(map[string]string)}
}

// Name returns the provisioner identifier.
func (l *LocalDir) Name() string {
	return "localdir"
}

// Provision creates a fresh scratch directory for the task.
func (l *LocalDir) Provision(ctx context.Context, taskID string) (*sandbox.Handle, error) {
	id := uuid.New().String()
	dir := filepath.Join(l.root, taskID, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("provision sandbox for task %s: %w", taskID, err)
	}

	l.mu.Lock()
	l.active[id] = dir
	l.mu.Unlock()

	return &sandbox.Handle{ID: id, TaskID: taskID, WorkDir: dir}, nil
}

// Release removes the sandbox directory.
func (l *LocalDir) Release(ctx context.Context, h *sandbox.Handle) error {
	if h == nil {
		return nil
	}

	l.mu.Lock()
	dir, ok := l.active[h.ID]
	delete(l.active, h.ID)
	l.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("release sandbox %s: %w", h.ID, err)
	}
	return nil
}

// ActiveCount returns the number of provisioned sandboxes.
func (l *LocalDir) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}
