package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jfenner/foreman/internal/audit"
	"github.com/jfenner/foreman/internal/delivery"
	"github.com/jfenner/foreman/internal/models"
	"github.com/jfenner/foreman/internal/registry"
	"github.com/jfenner/foreman/internal/sandbox"
	"github.com/jfenner/foreman/internal/store"
)

// handoff tracks a dispatched task awaiting worker acknowledgment.
type handoff struct {
	agentID string
	sandbox *sandbox.Handle
	timer   *time.Timer
}

// Dispatcher runs the recurring scan that matches due tasks to capable
// idle agents. Assignment is atomic: the registry reservation and the
// store's conditional status update together form the single
// serialization point, so concurrent passes never double-assign an agent
// or a task.
type Dispatcher struct {
	store       *store.Store
	registry    *registry.Registry
	queue       delivery.Queue
	provisioner sandbox.Provisioner
	recorder    *audit.Recorder
	retry       *RetryController
	config      *Config

	mu       sync.Mutex
	handoffs map[string]*handoff        // task ID -> pending handoff
	boxes    map[string]*sandbox.Handle // task ID -> sandbox of a running task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher.
func New(s *store.Store, reg *registry.Registry, q delivery.Queue, prov sandbox.Provisioner, rec *audit.Recorder, retry *RetryController, cfg *Config) *Dispatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:       s,
		registry:    reg,
		queue:       q,
		provisioner: prov,
		recorder:    rec,
		retry:       retry,
		config:      cfg,
		handoffs:    make(map[string]*handoff),
		boxes:       make(map[string]*sandbox.Handle),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins the scan loop and the timeout reapers.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()
	log.Println("Dispatcher started")
}

// Stop gracefully stops the dispatcher.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()

	d.mu.Lock()
	for _, h := range d.handoffs {
		h.timer.Stop()
	}
	d.mu.Unlock()
	log.Println("Dispatcher stopped")
}

// loop scans on a timer and whenever agent availability changes.
func (d *Dispatcher) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Pass()
			d.reapExecTimeouts()
			d.flagStalled()
		case <-d.registry.Notify():
			d.Pass()
		}
	}
}

// Pass runs one dispatch pass: every due task, oldest first, is offered
// to the least-recently-dispatched capable idle agent. Tasks with no
// candidate stay pending for the next pass.
func (d *Dispatcher) Pass() {
	tasks, err := d.store.DueTasks(time.Now().UTC())
	if err != nil {
		log.Printf("dispatch: load due tasks: %v", err)
		return
	}

	for i := range tasks {
		task := tasks[i]
		if !d.assign(&task) {
			continue
		}
	}
}

// assign attempts the atomic assignment of one task. Returns true when
// the task left the pending pool (dispatched or routed to retry).
func (d *Dispatcher) assign(task *models.Task) bool {
	candidates := d.registry.FindCandidates(task.Capabilities)
	for _, agent := range candidates {
		if !d.registry.Reserve(agent.ID, task.ID) {
			// Raced with another pass; next candidate.
			continue
		}
		if err := d.store.MarkDispatched(task.ID, agent.ID); err != nil {
			d.registry.Release(agent.ID)
			if errors.Is(err, store.ErrNotDispatchable) {
				// Another pass took the task.
				return false
			}
			log.Printf("dispatch: mark task %s dispatched: %v", task.ID, err)
			return false
		}
		return d.handOff(task, agent.ID)
	}
	return false
}

// handOff provisions a sandbox and publishes the task to the agent's
// queue. Provisioning or publish failures are dispatch failures routed
// through the retry controller.
func (d *Dispatcher) handOff(task *models.Task, agentID string) bool {
	box, err := d.provisioner.Provision(d.ctx, task.ID)
	if err != nil {
		d.registry.Release(agentID)
		d.failDispatch(task, agentID, "sandbox provisioning failed: "+err.Error())
		return true
	}

	env := delivery.Envelope{
		TaskID:       task.ID,
		AgentID:      agentID,
		Capabilities: task.Capabilities,
		Payload:      task.Payload,
		Attempt:      task.Attempts + 1,
		SandboxRef:   box.ID,
	}
	if err := d.queue.Publish(d.ctx, env); err != nil {
		d.releaseSandbox(task.ID, box)
		d.registry.Release(agentID)
		d.failDispatch(task, agentID, "delivery failed: "+err.Error())
		return true
	}

	d.recorder.Record(models.Event{
		Kind:    models.EventTaskDispatched,
		TaskID:  task.ID,
		RunID:   task.WorkflowRunID,
		AgentID: agentID,
		Attempt: task.Attempts + 1,
	}, map[string]interface{}{"task_id": task.ID, "agent_id": agentID})

	h := &handoff{agentID: agentID, sandbox: box}
	h.timer = time.AfterFunc(d.config.HandoffTimeout, func() { d.expireHandoff(task.ID) })

	d.mu.Lock()
	d.handoffs[task.ID] = h
	d.mu.Unlock()
	return true
}

// failDispatch routes a dispatch-time failure through the retry path. The
// task is in dispatched status at this point, which MarkRetrying and
// MarkDeadLettered both accept.
func (d *Dispatcher) failDispatch(task *models.Task, agentID, reason string) {
	if _, err := d.retry.HandleFailure(task, agentID, reason); err != nil {
		log.Printf("dispatch: handle failure for task %s: %v", task.ID, err)
	}
}

// Ack transitions a dispatched task to running on the worker's
// acknowledgment. Returns false when no handoff was pending (the task was
// already returned to pending or acked).
func (d *Dispatcher) Ack(taskID, agentID string) bool {
	d.mu.Lock()
	h, ok := d.handoffs[taskID]
	if !ok || h.agentID != agentID {
		d.mu.Unlock()
		return false
	}
	h.timer.Stop()
	delete(d.handoffs, taskID)
	d.boxes[taskID] = h.sandbox
	d.mu.Unlock()

	if err := d.store.MarkRunning(taskID); err != nil {
		log.Printf("dispatch: mark task %s running: %v", taskID, err)
		return false
	}
	d.recorder.Record(models.Event{
		Kind:    models.EventTaskRunning,
		TaskID:  taskID,
		AgentID: agentID,
	}, map[string]interface{}{"task_id": taskID, "agent_id": agentID})
	return true
}

// expireHandoff returns an unacknowledged task to pending and releases
// the reserved agent and sandbox.
func (d *Dispatcher) expireHandoff(taskID string) {
	d.mu.Lock()
	h, ok := d.handoffs[taskID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.handoffs, taskID)
	d.mu.Unlock()

	if err := d.store.ReturnToPending(taskID); err != nil {
		log.Printf("dispatch: return task %s to pending: %v", taskID, err)
	}
	d.registry.Release(h.agentID)
	d.releaseSandbox(taskID, h.sandbox)

	d.recorder.Record(models.Event{
		Kind:    models.EventTaskHandoffExpired,
		TaskID:  taskID,
		AgentID: h.agentID,
		Detail:  "no acknowledgment within handoff timeout",
	}, map[string]interface{}{"task_id": taskID, "agent_id": h.agentID})
}

// ReleaseResources releases the sandbox and any pending handoff state for
// a task that reached a terminal status.
func (d *Dispatcher) ReleaseResources(taskID string) {
	d.mu.Lock()
	box := d.boxes[taskID]
	delete(d.boxes, taskID)
	h, pending := d.handoffs[taskID]
	if pending {
		h.timer.Stop()
		delete(d.handoffs, taskID)
	}
	d.mu.Unlock()

	if pending {
		d.registry.Release(h.agentID)
		d.releaseSandbox(taskID, h.sandbox)
	}
	if box != nil {
		d.releaseSandbox(taskID, box)
	}
}

func (d *Dispatcher) releaseSandbox(taskID string, box *sandbox.Handle) {
	if box == nil {
		return
	}
	if err := d.provisioner.Release(context.Background(), box); err != nil {
		log.Printf("dispatch: release sandbox for task %s: %v", taskID, err)
	}
}

// reapExecTimeouts treats running tasks with no status update inside the
// execution timeout as failed, exactly as an explicit failure would be.
func (d *Dispatcher) reapExecTimeouts() {
	cutoff := time.Now().UTC().Add(-d.config.ExecTimeout)
	tasks, err := d.store.RunningSince(cutoff)
	if err != nil {
		log.Printf("dispatch: load timed-out tasks: %v", err)
		return
	}
	for i := range tasks {
		task := tasks[i]
		agentID := task.AssignedTo
		d.ReleaseResources(task.ID)
		if agentID != "" {
			d.registry.Release(agentID)
		}
		if _, err := d.retry.HandleFailure(&task, agentID, "execution timeout"); err != nil {
			log.Printf("dispatch: handle timeout for task %s: %v", task.ID, err)
		}
	}
}

// flagStalled flags tasks that have waited past the watch period with no
// capable agent registered at all. Flagged tasks remain pending; the flag
// is an operator signal, not a state change.
func (d *Dispatcher) flagStalled() {
	cutoff := time.Now().UTC().Add(-d.config.StalledAfter)
	tasks, err := d.store.PendingSince(cutoff)
	if err != nil {
		log.Printf("dispatch: load stalled candidates: %v", err)
		return
	}
	for i := range tasks {
		task := tasks[i]
		if d.registry.AnyCapable(task.Capabilities) {
			continue
		}
		if err := d.store.FlagStalled(task.ID); err != nil {
			log.Printf("dispatch: flag task %s stalled: %v", task.ID, err)
			continue
		}
		d.recorder.Record(models.Event{
			Kind:   models.EventTaskStalled,
			TaskID: task.ID,
			RunID:  task.WorkflowRunID,
			Detail: "no capable agent registered within watch period",
		}, map[string]interface{}{"task_id": task.ID, "capabilities": task.Capabilities})
	}
}
