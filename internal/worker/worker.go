// Package worker provides an embedded reference worker: a goroutine that
// consumes dispatched envelopes from the in-process delivery queue,
// executes them through a Handler, and reports outcomes back to the core.
// Out-of-process workers speak the same protocol over the HTTP API.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/jfenner/foreman/internal/delivery"
)

// Outcome values reported back to the control plane.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Handler executes one task envelope and returns its result payload.
type Handler interface {
	// Name returns the handler identifier.
	Name() string

	// Handle executes the envelope. A non-nil error is reported as a
	// failed attempt; the returned payload as the task result.
	Handle(ctx context.Context, env delivery.Envelope) (json.RawMessage, error)
}

// Reporter is the slice of the control plane a worker talks back to.
// *core.Core satisfies it.
type Reporter interface {
	AckTask(taskID, agentID string) error
	ReportResult(taskID, agentID, outcome string, result json.RawMessage) error
	Heartbeat(agentID string) error
}

// Runner drives one worker identity: subscribe, ack, execute, report,
// heartbeat.
type Runner struct {
	agentID  string
	queue    *delivery.InProc
	handler  Handler
	reporter Reporter

	// HeartbeatInterval defaults to 30s when zero.
	HeartbeatInterval time.Duration
}

// NewRunner creates a worker runner for the given agent identity.
func NewRunner(agentID string, queue *delivery.InProc, handler Handler, reporter Reporter) *Runner {
	return &Runner{
		agentID:  agentID,
		queue:    queue,
		handler:  handler,
		reporter: reporter,
	}
}

// Run consumes envelopes until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	interval := r.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	envelopes := r.queue.Subscribe(r.agentID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reporter.Heartbeat(r.agentID); err != nil {
				log.Printf("worker %s: heartbeat: %v", r.agentID, err)
			}
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			r.process(ctx, env)
		}
	}
}

func (r *Runner) process(ctx context.Context, env delivery.Envelope) {
	if r.queue.Cancelled(env.TaskID) {
		return
	}
	if err := r.reporter.AckTask(env.TaskID, r.agentID); err != nil {
		// The handoff already expired; the task will be re-dispatched.
		log.Printf("worker %s: ack task %s: %v", r.agentID, env.TaskID, err)
		return
	}

	result, err := r.handler.Handle(ctx, env)
	if r.queue.Cancelled(env.TaskID) {
		return
	}

	outcome := OutcomeSucceeded
	if err != nil {
		outcome = OutcomeFailed
		result = json.RawMessage(err.Error())
	}
	if err := r.reporter.ReportResult(env.TaskID, r.agentID, outcome, result); err != nil {
		log.Printf("worker %s: report task %s: %v", r.agentID, env.TaskID, err)
	}
}
