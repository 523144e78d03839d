package dispatch

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jfenner/foreman/internal/audit"
	"github.com/jfenner/foreman/internal/backoff"
	"github.com/jfenner/foreman/internal/models"
	"github.com/jfenner/foreman/internal/store"
)

// RetryController decides whether a failed task is re-queued with backoff
// or dead-lettered. Attempt counts increase by exactly one per failure and
// never exceed the task's maximum before dead-lettering.
type RetryController struct {
	store    *store.Store
	recorder *audit.Recorder
	policy   backoff.Policy

	// onDeadLettered, when set, is invoked after a task dead-letters so
	// the workflow engine can fail the owning run.
	onDeadLettered func(task *models.Task)
}

// NewRetryController creates a retry controller with the given policy.
func NewRetryController(s *store.Store, rec *audit.Recorder, policy backoff.Policy) *RetryController {
	return &RetryController{store: s, recorder: rec, policy: policy}
}

// OnDeadLettered registers the dead-letter notification hook.
func (c *RetryController) OnDeadLettered(fn func(task *models.Task)) {
	c.onDeadLettered = fn
}

// HandleFailure records one failed attempt and routes the task: retrying
// with a backoff delay while attempts remain, dead-lettered otherwise.
// It returns the task's resulting status. The store transition commits
// before any events are recorded; a task that already reached a terminal
// state (a success report that beat a timeout sweep, or a cancel) is left
// untouched and the failure leaves no audit trail.
func (c *RetryController) HandleFailure(task *models.Task, agentID, reason string) (models.TaskStatus, error) {
	attempt := task.Attempts + 1

	if attempt < task.MaxAttempts {
		delay := c.policy.Delay(attempt)
		next := time.Now().UTC().Add(delay)
		if err := c.store.MarkRetrying(task.ID, attempt, next, reason); err != nil {
			if errors.Is(err, store.ErrNoSuchTask) {
				return task.Status, nil
			}
			return task.Status, fmt.Errorf("mark retrying: %w", err)
		}
		c.recordFailed(task, agentID, attempt, reason)
		c.recorder.Record(models.Event{
			Kind:    models.EventTaskRetrying,
			TaskID:  task.ID,
			RunID:   task.WorkflowRunID,
			Attempt: attempt,
			Detail:  fmt.Sprintf("retry in %s", delay),
		}, map[string]interface{}{"task_id": task.ID, "attempt": attempt, "delay": delay.String()})
		return models.TaskStatusRetrying, nil
	}

	if err := c.store.MarkDeadLettered(task.ID, attempt, reason); err != nil {
		if errors.Is(err, store.ErrNoSuchTask) {
			return task.Status, nil
		}
		return task.Status, fmt.Errorf("mark dead-lettered: %w", err)
	}
	c.recordFailed(task, agentID, attempt, reason)
	c.recorder.Record(models.Event{
		Kind:    models.EventTaskDeadLettered,
		TaskID:  task.ID,
		RunID:   task.WorkflowRunID,
		Attempt: attempt,
		Detail:  reason,
	}, map[string]interface{}{"task_id": task.ID, "attempt": attempt, "reason": reason})

	if c.onDeadLettered != nil {
		updated, err := c.store.GetTask(task.ID)
		if err != nil || updated == nil {
			log.Printf("dispatch: reload dead-lettered task %s: %v", task.ID, err)
			updated = task
		}
		c.onDeadLettered(updated)
	}
	return models.TaskStatusDeadLettered, nil
}

func (c *RetryController) recordFailed(task *models.Task, agentID string, attempt int, reason string) {
	c.recorder.Record(models.Event{
		Kind:    models.EventTaskFailed,
		TaskID:  task.ID,
		RunID:   task.WorkflowRunID,
		AgentID: agentID,
		Attempt: attempt,
		Detail:  reason,
	}, map[string]interface{}{"task_id": task.ID, "attempt": attempt, "reason": reason})
}
