package workflow

import (
	"fmt"
	"log"

	"github.com/jfenner/foreman/internal/audit"
	"github.com/jfenner/foreman/internal/models"
	"github.com/jfenner/foreman/internal/store"
)

// defaultStageAttempts applies when a stage definition omits max_attempts.
const defaultStageAttempts = 3

// Engine advances workflow runs one stage at a time. Stage n+1's task is
// created only after stage n's task succeeds; a dead-lettered or cancelled
// stage fails the whole run and halts stage creation. Runs are fully
// independent of each other.
type Engine struct {
	store    *store.Store
	library  *Library
	recorder *audit.Recorder
}

// NewEngine creates a workflow engine.
func NewEngine(s *store.Store, lib *Library, rec *audit.Recorder) *Engine {
	return &Engine{store: s, library: lib, recorder: rec}
}

// ErrUnknownTemplate indicates a run referenced a template not in the
// library.
var ErrUnknownTemplate = fmt.Errorf("unknown workflow template")

// CreateRun starts a run of the template and materializes stage 0's task.
func (e *Engine) CreateRun(templateID string, initialContext map[string]interface{}) (*models.WorkflowRun, error) {
	tmpl := e.library.Get(templateID)
	if tmpl == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, templateID)
	}

	run, err := e.store.CreateRun(templateID, initialContext)
	if err != nil {
		return nil, err
	}

	if err := e.materializeStage(run, tmpl, 0, nil); err != nil {
		// The run exists but its first stage could not be built; fail it
		// rather than leave it silently stuck.
		e.failRun(run.ID, 0, fmt.Sprintf("materialize stage 0: %v", err))
		return nil, err
	}
	return e.store.GetRun(run.ID)
}

// materializeStage renders the stage payload and submits its task.
func (e *Engine) materializeStage(run *models.WorkflowRun, tmpl *models.WorkflowTemplate, stage int, prior map[string]interface{}) error {
	def := tmpl.Stages[stage]
	payload, err := renderPayload(def.PayloadTemplate, run.Context, prior)
	if err != nil {
		return fmt.Errorf("stage %d (%s): %w", stage, def.Name, err)
	}

	maxAttempts := def.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = defaultStageAttempts
	}

	task, err := e.store.CreateStageTask(def.Capabilities, payload, maxAttempts, run.ID, stage)
	if err != nil {
		return fmt.Errorf("create stage %d task: %w", stage, err)
	}

	if err := e.store.AdvanceRun(run.ID, stage, task.ID); err != nil {
		return err
	}

	e.recorder.Record(models.Event{
		Kind:   models.EventStageAdvanced,
		TaskID: task.ID,
		RunID:  run.ID,
		Detail: fmt.Sprintf("stage %d (%s)", stage, def.Name),
	}, map[string]interface{}{"run_id": run.ID, "stage": stage, "template": tmpl.ID})
	return nil
}

// OnTaskSucceeded advances the owning run past the completed stage task,
// materializing the next stage or completing the run.
func (e *Engine) OnTaskSucceeded(task *models.Task) error {
	run, tmpl, err := e.runForTask(task)
	if err != nil || run == nil {
		return err
	}
	if run.Status != models.RunStatusActive {
		return nil
	}

	// Fold the stage result into the run context for later stages.
	prior := decodeResult(task.Result)
	if len(prior) > 0 {
		if run.Context == nil {
			run.Context = make(map[string]interface{})
		}
		stageName := tmpl.Stages[task.StageIndex].Name
		run.Context[stageName] = prior
		if err := e.store.SetRunContext(run.ID, run.Context); err != nil {
			return err
		}
	}

	next := task.StageIndex + 1
	if next >= len(tmpl.Stages) {
		if err := e.store.SetRunStatus(run.ID, models.RunStatusCompleted, ""); err != nil {
			return err
		}
		e.recorder.Record(models.Event{
			Kind:  models.EventRunCompleted,
			RunID: run.ID,
		}, map[string]interface{}{"run_id": run.ID, "stages": len(tmpl.Stages)})
		return nil
	}

	return e.materializeStage(run, tmpl, next, prior)
}

// OnTaskDeadLettered fails the owning run. No further stages are created.
func (e *Engine) OnTaskDeadLettered(task *models.Task) error {
	return e.failForTask(task, fmt.Sprintf("stage %d task dead-lettered: %s", task.StageIndex, task.LastError))
}

// OnTaskCancelled fails the owning run: its current stage can never
// succeed, so the dependency chain is structurally broken.
func (e *Engine) OnTaskCancelled(task *models.Task) error {
	return e.failForTask(task, fmt.Sprintf("stage %d task cancelled", task.StageIndex))
}

func (e *Engine) failForTask(task *models.Task, reason string) error {
	run, _, err := e.runForTask(task)
	if err != nil || run == nil {
		return err
	}
	if run.Status != models.RunStatusActive {
		return nil
	}
	return e.failRun(run.ID, task.StageIndex, reason)
}

func (e *Engine) failRun(runID string, stage int, reason string) error {
	if err := e.store.SetRunStatus(runID, models.RunStatusFailed, reason); err != nil {
		return err
	}
	e.recorder.Record(models.Event{
		Kind:   models.EventRunFailed,
		RunID:  runID,
		Detail: reason,
	}, map[string]interface{}{"run_id": runID, "stage": stage})
	return nil
}

func (e *Engine) runForTask(task *models.Task) (*models.WorkflowRun, *models.WorkflowTemplate, error) {
	if task.WorkflowRunID == "" {
		return nil, nil, nil
	}
	run, err := e.store.GetRun(task.WorkflowRunID)
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		log.Printf("workflow: task %s references unknown run %s", task.ID, task.WorkflowRunID)
		return nil, nil, nil
	}
	tmpl := e.library.Get(run.TemplateID)
	if tmpl == nil {
		return nil, nil, fmt.Errorf("%w: %s (run %s)", ErrUnknownTemplate, run.TemplateID, run.ID)
	}
	if task.StageIndex < 0 || task.StageIndex >= len(tmpl.Stages) {
		return nil, nil, fmt.Errorf("task %s stage %d out of range for template %s", task.ID, task.StageIndex, tmpl.ID)
	}
	return run, tmpl, nil
}
