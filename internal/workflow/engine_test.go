package workflow

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfenner/foreman/internal/audit"
	"github.com/jfenner/foreman/internal/models"
	"github.com/jfenner/foreman/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, *Library) {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	lib, err := NewLibrary("")
	require.NoError(t, err)

	return NewEngine(s, lib, audit.NewRecorder(s)), s, lib
}

func reviewPipeline() *models.WorkflowTemplate {
	return &models.WorkflowTemplate{
		ID:   "review-pipeline",
		Name: "Review pipeline",
		Stages: []models.StageDef{
			{Name: "draft", Capabilities: []string{"python"}},
			{Name: "review", Capabilities: []string{"review"}},
			{Name: "publish", Capabilities: []string{"deploy"}},
		},
	}
}

// stageTask loads the task materialized for the run's current stage.
func stageTask(t *testing.T, s *store.Store, run *models.WorkflowRun) *models.Task {
	t.Helper()
	require.NotEmpty(t, run.StageTaskIDs)
	task, err := s.GetTask(run.StageTaskIDs[len(run.StageTaskIDs)-1])
	require.NoError(t, err)
	return task
}

func TestCreateRunMaterializesFirstStage(t *testing.T) {
	e, s, lib := newTestEngine(t)
	require.NoError(t, lib.Register(reviewPipeline()))

	run, err := e.CreateRun("review-pipeline", map[string]interface{}{"topic": "caching"})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusActive, run.Status)
	assert.Equal(t, 0, run.CurrentStage)
	require.Len(t, run.StageTaskIDs, 1)

	task := stageTask(t, s, run)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, []string{"python"}, task.Capabilities)
	assert.Equal(t, run.ID, task.WorkflowRunID)
	assert.Equal(t, 0, task.StageIndex)

	// The default payload carries the run context.
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(task.Payload, &payload))
	ctx, _ := payload["context"].(map[string]interface{})
	assert.Equal(t, "caching", ctx["topic"])
}

func TestCreateRunUnknownTemplate(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.CreateRun("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestRunAdvancesThroughAllStages(t *testing.T) {
	e, s, lib := newTestEngine(t)
	require.NoError(t, lib.Register(reviewPipeline()))

	run, err := e.CreateRun("review-pipeline", nil)
	require.NoError(t, err)

	for stage := 0; stage < 3; stage++ {
		task := stageTask(t, s, run)
		require.Equal(t, stage, task.StageIndex)

		task.Result = json.RawMessage(`{"ok":true}`)
		require.NoError(t, e.OnTaskSucceeded(task))

		run, err = s.GetRun(run.ID)
		require.NoError(t, err)
	}

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Len(t, run.StageTaskIDs, 3)

	events, err := s.ListEvents("", run.ID, 0)
	require.NoError(t, err)
	completed := 0
	for _, ev := range events {
		if ev.Kind == models.EventRunCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestStageResultFeedsNextStagePayload(t *testing.T) {
	e, s, lib := newTestEngine(t)
	tmpl := &models.WorkflowTemplate{
		ID: "handoff",
		Stages: []models.StageDef{
			{Name: "research", Capabilities: []string{"python"}},
			{
				Name:            "summarize",
				Capabilities:    []string{"python"},
				PayloadTemplate: `{"source": "{{.Prior.url}}"}`,
			},
		},
	}
	require.NoError(t, lib.Register(tmpl))

	run, err := e.CreateRun("handoff", nil)
	require.NoError(t, err)

	task := stageTask(t, s, run)
	task.Result = json.RawMessage(`{"url":"https://example.com/report"}`)
	require.NoError(t, e.OnTaskSucceeded(task))

	run, err = s.GetRun(run.ID)
	require.NoError(t, err)
	require.Equal(t, 1, run.CurrentStage)

	// The prior result is folded into the run context under the stage name.
	research, _ := run.Context["research"].(map[string]interface{})
	assert.Equal(t, "https://example.com/report", research["url"])

	next := stageTask(t, s, run)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(next.Payload, &payload))
	assert.Equal(t, "https://example.com/report", payload["source"])
}

func TestDeadLetteredStageFailsRun(t *testing.T) {
	e, s, lib := newTestEngine(t)
	require.NoError(t, lib.Register(reviewPipeline()))

	run, err := e.CreateRun("review-pipeline", nil)
	require.NoError(t, err)

	// Stage 0 succeeds, stage 1 dead-letters.
	task := stageTask(t, s, run)
	require.NoError(t, e.OnTaskSucceeded(task))

	run, err = s.GetRun(run.ID)
	require.NoError(t, err)
	task = stageTask(t, s, run)
	task.LastError = "worker crashed"
	require.NoError(t, e.OnTaskDeadLettered(task))

	run, err = s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.FailureReason, "stage 1 task dead-lettered")

	// No stage 2 task was ever created.
	assert.Len(t, run.StageTaskIDs, 2)
}

func TestCancelledStageFailsRun(t *testing.T) {
	e, s, lib := newTestEngine(t)
	require.NoError(t, lib.Register(reviewPipeline()))

	run, err := e.CreateRun("review-pipeline", nil)
	require.NoError(t, err)

	task := stageTask(t, s, run)
	require.NoError(t, e.OnTaskCancelled(task))

	run, err = s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.FailureReason, "cancelled")
}

func TestSucceededTaskOnFailedRunIsIgnored(t *testing.T) {
	e, s, lib := newTestEngine(t)
	require.NoError(t, lib.Register(reviewPipeline()))

	run, err := e.CreateRun("review-pipeline", nil)
	require.NoError(t, err)

	task := stageTask(t, s, run)
	require.NoError(t, e.OnTaskCancelled(task))

	// A late success report on the failed run must not resurrect it.
	require.NoError(t, e.OnTaskSucceeded(task))

	run, err = s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Len(t, run.StageTaskIDs, 1)
}

func TestNonWorkflowTaskIsIgnored(t *testing.T) {
	e, s, _ := newTestEngine(t)

	task, err := s.CreateTask([]string{"go"}, nil, 3)
	require.NoError(t, err)
	assert.NoError(t, e.OnTaskSucceeded(task))
	assert.NoError(t, e.OnTaskDeadLettered(task))
}
