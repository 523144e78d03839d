// Package dispatch matches due tasks to capable idle agents and drives
// the retry/backoff path for failures.
package dispatch

import (
	"time"

	"github.com/jfenner/foreman/internal/backoff"
)

// Config defines the dispatcher timings.
type Config struct {
	// ScanInterval is how often the dispatcher re-scans for due tasks in
	// the absence of registry change notifications.
	ScanInterval time.Duration
	// HandoffTimeout bounds how long a dispatched task may wait for the
	// worker's acknowledgment before returning to pending.
	HandoffTimeout time.Duration
	// ExecTimeout bounds how long a running task may go without any
	// status update before being treated as failed.
	ExecTimeout time.Duration
	// StalledAfter is the watch period after which a pending task with no
	// capable agent anywhere is flagged stalled.
	StalledAfter time.Duration
	// Backoff is the retry delay policy.
	Backoff backoff.Policy
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() *Config {
	return &Config{
		ScanInterval:   1 * time.Second,
		HandoffTimeout: 30 * time.Second,
		ExecTimeout:    10 * time.Minute,
		StalledAfter:   5 * time.Minute,
		Backoff:        backoff.Default(),
	}
}
