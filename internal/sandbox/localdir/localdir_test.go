package localdir

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestProvisionCreatesScratchDir(t *testing.T) {
	root := filepath.Join(t.TempDir(), "sandboxes")
	l := New(root)

	h, err := l.Provision(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if h.TaskID != "task-1" {
		t.Errorf("Expected handle for task-1, got %s", h.TaskID)
	}

	info, err := os.Stat(h.WorkDir)
	if err != nil {
		t.Fatalf("Scratch dir missing: %v", err)
	}
	if !info.IsDir() {
		t.Error("Expected scratch path to be a directory")
	}
	if l.ActiveCount() != 1 {
		t.Errorf("Expected 1 active sandbox, got %d", l.ActiveCount())
	}
}

func TestReleaseRemovesScratchDir(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "sandboxes"))

	h, err := l.Provision(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if err := l.Release(context.Background(), h); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if _, err := os.Stat(h.WorkDir); !os.IsNotExist(err) {
		t.Error("Expected scratch dir removed after release")
	}
	if l.ActiveCount() != 0 {
		t.Errorf("Expected 0 active sandboxes, got %d", l.ActiveCount())
	}

	// Releasing again is harmless.
	if err := l.Release(context.Background(), h); err != nil {
		t.Errorf("Second release failed: %v", err)
	}
}

func TestConcurrentProvisionsAreIsolated(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "sandboxes"))

	a, err := l.Provision(context.Background(), "task-a")
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	b, err := l.Provision(context.Background(), "task-b")
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if a.WorkDir == b.WorkDir {
		t.Error("Expected distinct scratch dirs per task")
	}
}
