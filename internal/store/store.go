// Package store provides SQLite-backed persistence for Foreman.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jfenner/foreman/internal/models"
)

// Store provides access to the Foreman SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode for better concurrency between the dispatcher and the API
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		capabilities TEXT NOT NULL,
		payload TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		next_eligible_at DATETIME NOT NULL,
		assigned_to TEXT,
		workflow_run_id TEXT,
		stage_index INTEGER NOT NULL DEFAULT -1,
		last_error TEXT,
		result TEXT,
		stalled_flagged INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		current_stage INTEGER NOT NULL DEFAULT 0,
		stage_task_ids TEXT NOT NULL DEFAULT '[]',
		context TEXT,
		failure_reason TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		task_id TEXT,
		run_id TEXT,
		agent_id TEXT,
		attempt INTEGER NOT NULL DEFAULT 0,
		detail TEXT,
		inputs_hash TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks(workflow_run_id);
	CREATE INDEX IF NOT EXISTS idx_events_task_id ON events(task_id);
	CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Task Operations ---

// CreateTask inserts a new task in pending state.
func (s *Store) CreateTask(capabilities []string, payload json.RawMessage, maxAttempts int) (*models.Task, error) {
	return s.CreateStageTask(capabilities, payload, maxAttempts, "", -1)
}

// CreateStageTask inserts a new pending task owned by a workflow run.
// Standalone tasks pass an empty runID and stage -1.
func (s *Store) CreateStageTask(capabilities []string, payload json.RawMessage, maxAttempts int, runID string, stage int) (*models.Task, error) {
	if maxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", maxAttempts)
	}
	now := time.Now().UTC()
	task := &models.Task{
		ID:             uuid.New().String(),
		Capabilities:   capabilities,
		Payload:        payload,
		Status:         models.TaskStatusPending,
		MaxAttempts:    maxAttempts,
		NextEligibleAt: now,
		WorkflowRunID:  runID,
		StageIndex:     stage,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := s.db.Exec(
		`INSERT INTO tasks (id, capabilities, payload, status, attempts, max_attempts, next_eligible_at, workflow_run_id, stage_index, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
		task.ID, joinCaps(capabilities), nullableBlob(payload), task.Status, maxAttempts,
		task.NextEligibleAt, nullableStr(runID), stage, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

const taskColumns = `id, capabilities, payload, status, attempts, max_attempts, next_eligible_at, assigned_to, workflow_run_id, stage_index, last_error, result, stalled_flagged, created_at, updated_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*models.Task, error) {
	task := &models.Task{}
	var caps string
	var payload, assignedTo, runID, lastError, result sql.NullString
	var stalled int

	err := row.Scan(&task.ID, &caps, &payload, &task.Status, &task.Attempts, &task.MaxAttempts,
		&task.NextEligibleAt, &assignedTo, &runID, &task.StageIndex, &lastError, &result,
		&stalled, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.Capabilities = splitCaps(caps)
	if payload.Valid {
		task.Payload = json.RawMessage(payload.String)
	}
	if assignedTo.Valid {
		task.AssignedTo = assignedTo.String
	}
	if runID.Valid {
		task.WorkflowRunID = runID.String
	}
	if lastError.Valid {
		task.LastError = lastError.String
	}
	if result.Valid {
		task.Result = json.RawMessage(result.String)
	}
	task.StalledFlagged = stalled != 0
	return task, nil
}

// GetTask retrieves a task by ID. Returns nil when not found.
func (s *Store) GetTask(id string) (*models.Task, error) {
	task, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListTasks returns all tasks, optionally filtered by status.
func (s *Store) ListTasks(status string) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	return s.queryTasks(query, args...)
}

// DueTasks returns dispatch-eligible tasks: pending or retrying with a
// next-eligible time at or before now, oldest first so no task starves.
func (s *Store) DueTasks(now time.Time) ([]models.Task, error) {
	return s.queryTasks(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN (?, ?) AND next_eligible_at <= ?
		 ORDER BY created_at ASC`,
		models.TaskStatusPending, models.TaskStatusRetrying, now.UTC(),
	)
}

// PendingSince returns unflagged tasks that have sat in pending or retrying
// since before the cutoff, for stalled-task detection.
func (s *Store) PendingSince(cutoff time.Time) ([]models.Task, error) {
	return s.queryTasks(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN (?, ?) AND stalled_flagged = 0 AND created_at <= ?
		 ORDER BY created_at ASC`,
		models.TaskStatusPending, models.TaskStatusRetrying, cutoff.UTC(),
	)
}

// RunningSince returns running tasks whose last update is older than the
// cutoff, for execution-timeout detection.
func (s *Store) RunningSince(cutoff time.Time) ([]models.Task, error) {
	return s.queryTasks(
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? AND updated_at <= ? ORDER BY updated_at ASC`,
		models.TaskStatusRunning, cutoff.UTC(),
	)
}

func (s *Store) queryTasks(query string, args ...interface{}) ([]models.Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// ErrNotDispatchable indicates the task was not in a dispatchable state,
// typically because a concurrent pass already took it.
var ErrNotDispatchable = fmt.Errorf("task not in a dispatchable state")

// MarkDispatched transitions a pending or retrying task to dispatched with
// an assigned agent. The conditional update is the store half of the atomic
// assignment step: a task claimed by a concurrent dispatch pass fails here
// with ErrNotDispatchable and the caller rolls back its agent reservation.
func (s *Store) MarkDispatched(taskID, agentID string) error {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE tasks SET status = ?, assigned_to = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		models.TaskStatusDispatched, agentID, now,
		taskID, models.TaskStatusPending, models.TaskStatusRetrying,
	)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotDispatchable
	}
	return nil
}

// MarkRunning transitions a dispatched task to running on worker ack.
func (s *Store) MarkRunning(taskID string) error {
	return s.conditionalTransition(taskID, models.TaskStatusRunning, models.TaskStatusDispatched)
}

// ReturnToPending puts a dispatched task back in the pending pool after a
// handoff that was never acknowledged.
func (s *Store) ReturnToPending(taskID string) error {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE tasks SET status = ?, assigned_to = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		models.TaskStatusPending, now, taskID, models.TaskStatusDispatched,
	)
	if err != nil {
		return fmt.Errorf("return to pending: %w", err)
	}
	return checkAffected(result)
}

// MarkSucceeded records a terminal success with the worker's result payload.
func (s *Store) MarkSucceeded(taskID string, resultPayload json.RawMessage) error {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE tasks SET status = ?, result = ?, assigned_to = NULL, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		models.TaskStatusSucceeded, nullableBlob(resultPayload), now, taskID,
		models.TaskStatusRunning, models.TaskStatusDispatched,
	)
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	return checkAffected(result)
}

// MarkRetrying records a failed attempt and schedules the next one. Only
// an in-flight task can fail; the status guard keeps a racing timeout or
// heartbeat sweep from resurrecting a task that already reached a
// terminal state.
func (s *Store) MarkRetrying(taskID string, attempts int, nextEligible time.Time, reason string) error {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE tasks SET status = ?, attempts = ?, next_eligible_at = ?, last_error = ?, assigned_to = NULL, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		models.TaskStatusRetrying, attempts, nextEligible.UTC(), reason, now,
		taskID, models.TaskStatusRunning, models.TaskStatusDispatched,
	)
	if err != nil {
		return fmt.Errorf("mark retrying: %w", err)
	}
	return checkAffected(result)
}

// MarkDeadLettered records terminal failure after attempts are exhausted.
// Guarded like MarkRetrying: a task that already left the in-flight
// states stays where it is.
func (s *Store) MarkDeadLettered(taskID string, attempts int, reason string) error {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE tasks SET status = ?, attempts = ?, last_error = ?, assigned_to = NULL, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		models.TaskStatusDeadLettered, attempts, reason, now,
		taskID, models.TaskStatusRunning, models.TaskStatusDispatched,
	)
	if err != nil {
		return fmt.Errorf("mark dead-lettered: %w", err)
	}
	return checkAffected(result)
}

// ErrNotCancellable indicates the task is in a state cancellation cannot
// reach (already terminal or mid-handoff).
var ErrNotCancellable = fmt.Errorf("task not in a cancellable state")

// MarkCancelled cancels a task from pending, retrying or running.
func (s *Store) MarkCancelled(taskID string) error {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE tasks SET status = ?, assigned_to = NULL, updated_at = ? WHERE id = ? AND status IN (?, ?, ?)`,
		models.TaskStatusCancelled, now, taskID,
		models.TaskStatusPending, models.TaskStatusRetrying, models.TaskStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotCancellable
	}
	return nil
}

// FlagStalled marks a task as operator-visibly stalled. Idempotent.
func (s *Store) FlagStalled(taskID string) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET stalled_flagged = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), taskID,
	)
	return err
}

func (s *Store) conditionalTransition(taskID string, to, from models.TaskStatus) error {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, now, taskID, from,
	)
	if err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	return checkAffected(result)
}

// ErrNoSuchTask indicates an update matched no row.
var ErrNoSuchTask = fmt.Errorf("no such task in expected state")

func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNoSuchTask
	}
	return nil
}

// --- Workflow Run Operations ---

// CreateRun inserts a new active workflow run.
func (s *Store) CreateRun(templateID string, runContext map[string]interface{}) (*models.WorkflowRun, error) {
	now := time.Now().UTC()
	run := &models.WorkflowRun{
		ID:           uuid.New().String(),
		TemplateID:   templateID,
		Status:       models.RunStatusActive,
		CurrentStage: 0,
		StageTaskIDs: []string{},
		Context:      runContext,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ctxJSON, err := json.Marshal(runContext)
	if err != nil {
		return nil, fmt.Errorf("marshal run context: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO workflow_runs (id, template_id, status, current_stage, stage_task_ids, context, created_at, updated_at)
		 VALUES (?, ?, ?, 0, '[]', ?, ?, ?)`,
		run.ID, templateID, run.Status, string(ctxJSON), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert workflow run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a workflow run by ID. Returns nil when not found.
func (s *Store) GetRun(id string) (*models.WorkflowRun, error) {
	run := &models.WorkflowRun{}
	var stageTaskIDs string
	var runContext, failureReason sql.NullString

	err := s.db.QueryRow(
		`SELECT id, template_id, status, current_stage, stage_task_ids, context, failure_reason, created_at, updated_at
		 FROM workflow_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.TemplateID, &run.Status, &run.CurrentStage, &stageTaskIDs,
		&runContext, &failureReason, &run.CreatedAt, &run.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow run: %w", err)
	}
	if err := json.Unmarshal([]byte(stageTaskIDs), &run.StageTaskIDs); err != nil {
		return nil, fmt.Errorf("decode stage task ids: %w", err)
	}
	if runContext.Valid && runContext.String != "" {
		if err := json.Unmarshal([]byte(runContext.String), &run.Context); err != nil {
			return nil, fmt.Errorf("decode run context: %w", err)
		}
	}
	if failureReason.Valid {
		run.FailureReason = failureReason.String
	}
	return run, nil
}

// ListRuns returns all workflow runs, optionally filtered by status.
func (s *Store) ListRuns(status string) ([]models.WorkflowRun, error) {
	query := `SELECT id FROM workflow_runs`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var runs []models.WorkflowRun
	for _, id := range ids {
		run, err := s.GetRun(id)
		if err != nil {
			return nil, err
		}
		if run != nil {
			runs = append(runs, *run)
		}
	}
	return runs, nil
}

// AdvanceRun records a new current stage and the task materialized for it.
func (s *Store) AdvanceRun(runID string, stage int, stageTaskID string) error {
	run, err := s.GetRun(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("workflow run %s: %w", runID, ErrNoSuchTask)
	}
	run.StageTaskIDs = append(run.StageTaskIDs, stageTaskID)
	idsJSON, err := json.Marshal(run.StageTaskIDs)
	if err != nil {
		return fmt.Errorf("marshal stage task ids: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE workflow_runs SET current_stage = ?, stage_task_ids = ?, updated_at = ? WHERE id = ?`,
		stage, string(idsJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("advance run: %w", err)
	}
	return nil
}

// SetRunStatus records a terminal run status.
func (s *Store) SetRunStatus(runID string, status models.RunStatus, failureReason string) error {
	_, err := s.db.Exec(
		`UPDATE workflow_runs SET status = ?, failure_reason = ?, updated_at = ? WHERE id = ?`,
		status, failureReason, time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("set run status: %w", err)
	}
	return nil
}

// SetRunContext persists the evolving run context (stage results fold in).
func (s *Store) SetRunContext(runID string, runContext map[string]interface{}) error {
	ctxJSON, err := json.Marshal(runContext)
	if err != nil {
		return fmt.Errorf("marshal run context: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE workflow_runs SET context = ?, updated_at = ? WHERE id = ?`,
		string(ctxJSON), time.Now().UTC(), runID,
	)
	return err
}

// --- Event Operations ---

// WriteEvent appends an audit event.
func (s *Store) WriteEvent(e *models.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO events (id, kind, task_id, run_id, agent_id, attempt, detail, inputs_hash, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, nullableStr(e.TaskID), nullableStr(e.RunID), nullableStr(e.AgentID),
		e.Attempt, e.Detail, e.InputsHash, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns events, newest first, optionally filtered by task or run.
func (s *Store) ListEvents(taskID, runID string, limit int) ([]models.Event, error) {
	query := `SELECT id, kind, task_id, run_id, agent_id, attempt, detail, inputs_hash, timestamp FROM events`
	var conds []string
	var args []interface{}
	if taskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, taskID)
	}
	if runID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, runID)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		var taskID, runID, agentID sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &taskID, &runID, &agentID, &e.Attempt, &e.Detail, &e.InputsHash, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if taskID.Valid {
			e.TaskID = taskID.String
		}
		if runID.Valid {
			e.RunID = runID.String
		}
		if agentID.Valid {
			e.AgentID = agentID.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- helpers ---

func joinCaps(caps []string) string {
	return strings.Join(caps, ",")
}

func splitCaps(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableBlob(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
