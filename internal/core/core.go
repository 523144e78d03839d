// Package core composes the registry, store, dispatcher, retry controller
// and workflow engine into one control loop. The core exclusively owns
// task and workflow-run mutation; agent availability is owned by the
// registry and changed only through the core's operations.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jfenner/foreman/internal/audit"
	"github.com/jfenner/foreman/internal/delivery"
	"github.com/jfenner/foreman/internal/dispatch"
	"github.com/jfenner/foreman/internal/models"
	"github.com/jfenner/foreman/internal/registry"
	"github.com/jfenner/foreman/internal/sandbox"
	"github.com/jfenner/foreman/internal/store"
	"github.com/jfenner/foreman/internal/workflow"
)

// Config holds core-level timings.
type Config struct {
	// HeartbeatThreshold is how long an agent may go silent before being
	// disabled and its running task treated as failed.
	HeartbeatThreshold time.Duration
	// HeartbeatCheckInterval is how often silent agents are swept.
	HeartbeatCheckInterval time.Duration
}

// DefaultConfig returns the default core configuration.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatThreshold:     90 * time.Second,
		HeartbeatCheckInterval: 15 * time.Second,
	}
}

// Core is the orchestration core.
type Core struct {
	store      *store.Store
	registry   *registry.Registry
	queue      delivery.Queue
	recorder   *audit.Recorder
	dispatcher *dispatch.Dispatcher
	retries    *dispatch.RetryController
	engine     *workflow.Engine
	config     *Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the orchestration core together.
func New(s *store.Store, reg *registry.Registry, q delivery.Queue, prov sandbox.Provisioner, rec *audit.Recorder, lib *workflow.Library, dispatchCfg *dispatch.Config, cfg *Config) *Core {
	if dispatchCfg == nil {
		dispatchCfg = dispatch.DefaultConfig()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	retries := dispatch.NewRetryController(s, rec, dispatchCfg.Backoff)
	engine := workflow.NewEngine(s, lib, rec)
	dispatcher := dispatch.New(s, reg, q, prov, rec, retries, dispatchCfg)

	c := &Core{
		store:      s,
		registry:   reg,
		queue:      q,
		recorder:   rec,
		dispatcher: dispatcher,
		retries:    retries,
		engine:     engine,
		config:     cfg,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	// A dead-lettered stage task fails its owning run and frees the
	// task's resources.
	retries.OnDeadLettered(func(task *models.Task) {
		dispatcher.ReleaseResources(task.ID)
		if err := engine.OnTaskDeadLettered(task); err != nil {
			log.Printf("core: fail run for dead-lettered task %s: %v", task.ID, err)
		}
	})

	return c
}

// Start launches the dispatcher and the heartbeat monitor.
func (c *Core) Start() {
	c.dispatcher.Start()
	c.wg.Add(1)
	go c.heartbeatLoop()
	log.Println("Orchestration core started")
}

// Stop gracefully stops all loops.
func (c *Core) Stop() {
	c.cancel()
	c.dispatcher.Stop()
	c.wg.Wait()
	log.Println("Orchestration core stopped")
}

// Dispatcher exposes the dispatcher, mainly for tests that drive passes
// synchronously.
func (c *Core) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}

// --- Task submission ---

// SubmitTask creates a pending task. The dispatcher picks it up on its
// next pass or on the next registry change.
func (c *Core) SubmitTask(capabilities []string, payload json.RawMessage, maxAttempts int) (*models.Task, error) {
	capabilities = normalizeCaps(capabilities)
	if len(capabilities) == 0 {
		return nil, ErrNoCapabilities
	}
	return c.store.CreateTask(capabilities, payload, maxAttempts)
}

// SubmitWorkflow starts a run of the named template.
func (c *Core) SubmitWorkflow(templateID string, initialContext map[string]interface{}) (*models.WorkflowRun, error) {
	return c.engine.CreateRun(templateID, initialContext)
}

// --- Agent operations ---

// RegisterAgent registers (or re-registers) an agent with its declared
// capability set.
func (c *Core) RegisterAgent(id, name string, capabilities []string) *models.Agent {
	agent := c.registry.Register(id, name, normalizeCaps(capabilities))
	c.recorder.Record(models.Event{
		Kind:    models.EventAgentRegistered,
		AgentID: agent.ID,
		Detail:  strings.Join(agent.Capabilities, ","),
	}, map[string]interface{}{"agent_id": agent.ID, "capabilities": agent.Capabilities})
	return agent
}

// Heartbeat records agent liveness.
func (c *Core) Heartbeat(agentID string) error {
	if !c.registry.Heartbeat(agentID) {
		return fmt.Errorf("heartbeat from %s: %w", agentID, ErrAgentNotFound)
	}
	return nil
}

// AckTask records the worker's acknowledgment of a dispatched task,
// transitioning it to running.
func (c *Core) AckTask(taskID, agentID string) error {
	if !c.dispatcher.Ack(taskID, agentID) {
		return fmt.Errorf("ack task %s by %s: %w", taskID, agentID, ErrNotAssigned)
	}
	return nil
}

// --- Worker status channel ---

// Outcome values a worker may report.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// ReportResult ingests a worker's terminal report for a task and routes
// it: success notifies the workflow engine, failure enters the
// retry/backoff path.
func (c *Core) ReportResult(taskID, agentID, outcome string, resultPayload json.RawMessage) error {
	task, err := c.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("report for task %s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status != models.TaskStatusRunning && task.Status != models.TaskStatusDispatched {
		return fmt.Errorf("report for task %s in status %s: %w", taskID, task.Status, ErrNotReportable)
	}
	if task.AssignedTo != agentID {
		return fmt.Errorf("report for task %s by %s: %w", taskID, agentID, ErrNotAssigned)
	}

	// Resources are released only after the store transition commits: a
	// failed write leaves the task RUNNING, and a RUNNING task must keep
	// its agent busy and its sandbox alive.
	switch outcome {
	case OutcomeSucceeded:
		if err := c.store.MarkSucceeded(taskID, resultPayload); err != nil {
			return err
		}
		c.dispatcher.ReleaseResources(taskID)
		c.registry.Release(agentID)
		c.recorder.Record(models.Event{
			Kind:    models.EventTaskSucceeded,
			TaskID:  taskID,
			RunID:   task.WorkflowRunID,
			AgentID: agentID,
			Attempt: task.Attempts + 1,
		}, map[string]interface{}{"task_id": taskID, "agent_id": agentID})

		updated, err := c.store.GetTask(taskID)
		if err != nil {
			return err
		}
		return c.engine.OnTaskSucceeded(updated)

	case OutcomeFailed:
		reason := "worker reported failure"
		if len(resultPayload) > 0 {
			reason = string(resultPayload)
		}
		if _, err := c.retries.HandleFailure(task, agentID, reason); err != nil {
			return err
		}
		c.dispatcher.ReleaseResources(taskID)
		c.registry.Release(agentID)
		return nil

	default:
		return fmt.Errorf("outcome %q: %w", outcome, ErrInvalidOutcome)
	}
}

// --- Cancellation ---

// CancelTask cancels a task from pending, retrying or running. Running
// tasks get a best-effort stop signal through the delivery layer. A
// cancelled stage task fails its owning workflow run.
func (c *Core) CancelTask(taskID string) error {
	task, err := c.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("cancel task %s: %w", taskID, ErrTaskNotFound)
	}

	if err := c.store.MarkCancelled(taskID); err != nil {
		if err == store.ErrNotCancellable {
			return fmt.Errorf("cancel task %s in status %s: %w", taskID, task.Status, ErrNotCancellable)
		}
		return err
	}

	if task.Status == models.TaskStatusRunning {
		if err := c.queue.Cancel(c.ctx, taskID); err != nil {
			log.Printf("core: cancel signal for task %s: %v", taskID, err)
		}
	}
	if task.AssignedTo != "" {
		c.registry.Release(task.AssignedTo)
	}
	c.dispatcher.ReleaseResources(taskID)

	c.recorder.Record(models.Event{
		Kind:    models.EventTaskCancelled,
		TaskID:  taskID,
		RunID:   task.WorkflowRunID,
		AgentID: task.AssignedTo,
	}, map[string]interface{}{"task_id": taskID})

	task.Status = models.TaskStatusCancelled
	return c.engine.OnTaskCancelled(task)
}

// --- Heartbeat monitor ---

// heartbeatLoop disables agents that stop heartbeating and fails their
// running tasks, which then follow the ordinary retry path.
func (c *Core) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HeartbeatCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.sweepSilentAgents()
		}
	}
}

func (c *Core) sweepSilentAgents() {
	cutoff := time.Now().UTC().Add(-c.config.HeartbeatThreshold)
	for _, agent := range c.registry.DisableStale(cutoff) {
		c.recorder.Record(models.Event{
			Kind:    models.EventAgentDisabled,
			AgentID: agent.ID,
			Detail:  "no heartbeat within threshold",
		}, map[string]interface{}{"agent_id": agent.ID, "last_heartbeat": agent.LastHeartbeat})

		if agent.CurrentTaskID == "" {
			continue
		}
		task, err := c.store.GetTask(agent.CurrentTaskID)
		if err != nil || task == nil {
			log.Printf("core: load task %s for silent agent %s: %v", agent.CurrentTaskID, agent.ID, err)
			continue
		}
		if task.Status != models.TaskStatusRunning && task.Status != models.TaskStatusDispatched {
			continue
		}
		c.dispatcher.ReleaseResources(task.ID)
		if _, err := c.retries.HandleFailure(task, agent.ID, "agent heartbeat lost"); err != nil {
			log.Printf("core: fail task %s for silent agent %s: %v", task.ID, agent.ID, err)
		}
	}
}

// --- Queries ---

// GetTask returns a task by ID.
func (c *Core) GetTask(id string) (*models.Task, error) {
	return c.store.GetTask(id)
}

// ListTasks returns tasks, optionally filtered by status.
func (c *Core) ListTasks(status string) ([]models.Task, error) {
	return c.store.ListTasks(status)
}

// GetRun returns a workflow run by ID.
func (c *Core) GetRun(id string) (*models.WorkflowRun, error) {
	return c.store.GetRun(id)
}

// ListRuns returns workflow runs, optionally filtered by status.
func (c *Core) ListRuns(status string) ([]models.WorkflowRun, error) {
	return c.store.ListRuns(status)
}

// ListAgents returns all registered agents.
func (c *Core) ListAgents() []*models.Agent {
	return c.registry.All()
}

// ListEvents returns audit events, optionally filtered.
func (c *Core) ListEvents(taskID, runID string, limit int) ([]models.Event, error) {
	return c.store.ListEvents(taskID, runID, limit)
}

func normalizeCaps(caps []string) []string {
	seen := make(map[string]struct{}, len(caps))
	var out []string
	for _, tag := range caps {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
