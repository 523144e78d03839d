package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfenner/foreman/internal/audit"
	"github.com/jfenner/foreman/internal/backoff"
	"github.com/jfenner/foreman/internal/delivery"
	"github.com/jfenner/foreman/internal/models"
	"github.com/jfenner/foreman/internal/registry"
	"github.com/jfenner/foreman/internal/sandbox"
	"github.com/jfenner/foreman/internal/sandbox/localdir"
	"github.com/jfenner/foreman/internal/store"
)

type harness struct {
	store    *store.Store
	registry *registry.Registry
	queue    *delivery.InProc
	retry    *RetryController
	disp     *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithProvisioner(t, localdir.New(filepath.Join(t.TempDir(), "sandboxes")))
}

func newHarnessWithProvisioner(t *testing.T, prov sandbox.Provisioner) *harness {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rec := audit.NewRecorder(s)
	reg := registry.New()
	queue := delivery.NewInProc(4)

	cfg := DefaultConfig()
	cfg.Backoff = backoff.Policy{Base: time.Millisecond, Ceiling: 10 * time.Millisecond}

	retry := NewRetryController(s, rec, cfg.Backoff)
	disp := New(s, reg, queue, prov, rec, retry, cfg)

	return &harness{store: s, registry: reg, queue: queue, retry: retry, disp: disp}
}

func TestDispatchAssignsCapableAgent(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("full-stack", "", []string{"python", "react"})
	h.registry.Register("go-only", "", []string{"go"})

	task, err := h.store.CreateTask([]string{"python"}, nil, 3)
	require.NoError(t, err)

	h.disp.Pass()

	got, err := h.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDispatched, got.Status)
	assert.Equal(t, "full-stack", got.AssignedTo)

	// The capability-mismatched agent stays idle.
	assert.Equal(t, models.AgentStatusIdle, h.registry.Get("go-only").Status)
	assert.Equal(t, models.AgentStatusBusy, h.registry.Get("full-stack").Status)

	// The envelope went to the assigned agent's queue.
	select {
	case env := <-h.queue.Subscribe("full-stack"):
		assert.Equal(t, task.ID, env.TaskID)
		assert.Equal(t, 1, env.Attempt)
	default:
		t.Fatal("expected an envelope on the agent queue")
	}
}

func TestNoCandidateLeavesTaskPending(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("go-only", "", []string{"go"})

	task, err := h.store.CreateTask([]string{"fortran"}, nil, 3)
	require.NoError(t, err)

	h.disp.Pass()

	got, err := h.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Empty(t, got.AssignedTo)
}

func TestOldestPendingDispatchedFirst(t *testing.T) {
	h := newHarness(t)

	older, err := h.store.CreateTask([]string{"go"}, nil, 3)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	newer, err := h.store.CreateTask([]string{"go"}, nil, 3)
	require.NoError(t, err)

	// One agent: only the older task can be taken.
	h.registry.Register("a1", "", []string{"go"})
	h.disp.Pass()

	gotOlder, _ := h.store.GetTask(older.ID)
	gotNewer, _ := h.store.GetTask(newer.ID)
	assert.Equal(t, models.TaskStatusDispatched, gotOlder.Status)
	assert.Equal(t, models.TaskStatusPending, gotNewer.Status)
}

func TestConcurrentPassesNeverDoubleAssign(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("a1", "", []string{"go"})
	h.registry.Register("a2", "", []string{"go"})

	task, err := h.store.CreateTask([]string{"go"}, nil, 3)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.disp.Pass()
		}()
	}
	wg.Wait()

	got, err := h.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDispatched, got.Status)

	// Exactly one agent is busy: the task was assigned once.
	busy := 0
	for _, a := range h.registry.All() {
		if a.Status == models.AgentStatusBusy {
			busy++
			assert.Equal(t, got.AssignedTo, a.ID)
		}
	}
	assert.Equal(t, 1, busy)

	// And exactly one envelope was published.
	delivered := 0
	for {
		select {
		case <-h.queue.Subscribe(got.AssignedTo):
			delivered++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, delivered)
}

func TestAckTransitionsToRunning(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("a1", "", []string{"go"})

	task, _ := h.store.CreateTask([]string{"go"}, nil, 3)
	h.disp.Pass()

	require.True(t, h.disp.Ack(task.ID, "a1"))

	got, _ := h.store.GetTask(task.ID)
	assert.Equal(t, models.TaskStatusRunning, got.Status)

	// A second ack is a no-op.
	assert.False(t, h.disp.Ack(task.ID, "a1"))
}

func TestAckWrongAgentRejected(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("a1", "", []string{"go"})

	task, _ := h.store.CreateTask([]string{"go"}, nil, 3)
	h.disp.Pass()

	assert.False(t, h.disp.Ack(task.ID, "impostor"))

	got, _ := h.store.GetTask(task.ID)
	assert.Equal(t, models.TaskStatusDispatched, got.Status)
}

func TestHandoffTimeoutReturnsTaskToPending(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("a1", "", []string{"go"})

	task, _ := h.store.CreateTask([]string{"go"}, nil, 3)
	h.disp.Pass()

	// Worker never acks: the handoff expires.
	h.disp.expireHandoff(task.ID)

	got, _ := h.store.GetTask(task.ID)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Empty(t, got.AssignedTo)
	assert.Equal(t, models.AgentStatusIdle, h.registry.Get("a1").Status)

	events, err := h.store.ListEvents(task.ID, "", 0)
	require.NoError(t, err)
	kinds := eventKinds(events)
	assert.Contains(t, kinds, models.EventTaskHandoffExpired)

	// The late ack finds nothing to acknowledge.
	assert.False(t, h.disp.Ack(task.ID, "a1"))
}

type failingProvisioner struct{}

func (failingProvisioner) Name() string { return "failing" }

func (failingProvisioner) Provision(ctx context.Context, taskID string) (*sandbox.Handle, error) {
	return nil, errors.New("no capacity")
}

func (failingProvisioner) Release(ctx context.Context, h *sandbox.Handle) error { return nil }

func TestProvisionFailureEntersRetryPath(t *testing.T) {
	h := newHarnessWithProvisioner(t, failingProvisioner{})
	h.registry.Register("a1", "", []string{"go"})

	task, _ := h.store.CreateTask([]string{"go"}, nil, 3)
	h.disp.Pass()

	got, _ := h.store.GetTask(task.ID)
	assert.Equal(t, models.TaskStatusRetrying, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "sandbox provisioning failed")

	// The agent is back in the pool.
	assert.Equal(t, models.AgentStatusIdle, h.registry.Get("a1").Status)
}

func TestStalledFlagging(t *testing.T) {
	h := newHarness(t)
	h.disp.config.StalledAfter = 0

	// No agent anywhere declares the capability.
	task, _ := h.store.CreateTask([]string{"cobol"}, nil, 3)
	h.registry.Register("a1", "", []string{"go"})

	h.disp.flagStalled()

	got, _ := h.store.GetTask(task.ID)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.True(t, got.StalledFlagged)

	events, _ := h.store.ListEvents(task.ID, "", 0)
	assert.Contains(t, eventKinds(events), models.EventTaskStalled)

	// Flagging is one-shot.
	h.disp.flagStalled()
	events, _ = h.store.ListEvents(task.ID, "", 0)
	count := 0
	for _, e := range events {
		if e.Kind == models.EventTaskStalled {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestStalledNotFlaggedWhenCapableAgentBusy(t *testing.T) {
	h := newHarness(t)
	h.disp.config.StalledAfter = 0

	h.registry.Register("a1", "", []string{"go"})
	require.True(t, h.registry.Reserve("a1", "other"))

	task, _ := h.store.CreateTask([]string{"go"}, nil, 3)
	h.disp.flagStalled()

	got, _ := h.store.GetTask(task.ID)
	assert.False(t, got.StalledFlagged)
}

func TestExecTimeoutTreatedAsFailure(t *testing.T) {
	h := newHarness(t)
	h.disp.config.ExecTimeout = 0
	h.registry.Register("a1", "", []string{"go"})

	task, _ := h.store.CreateTask([]string{"go"}, nil, 3)
	h.disp.Pass()
	require.True(t, h.disp.Ack(task.ID, "a1"))

	time.Sleep(5 * time.Millisecond)
	h.disp.reapExecTimeouts()

	got, _ := h.store.GetTask(task.ID)
	assert.Equal(t, models.TaskStatusRetrying, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "execution timeout", got.LastError)
	assert.Equal(t, models.AgentStatusIdle, h.registry.Get("a1").Status)
}

func TestFailureAfterSuccessLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("a1", "", []string{"go"})

	task, _ := h.store.CreateTask([]string{"go"}, nil, 3)
	h.disp.Pass()
	require.True(t, h.disp.Ack(task.ID, "a1"))

	// Snapshot the running task, then let the worker's success land
	// before the failure path acts on the stale snapshot.
	snapshot, _ := h.store.GetTask(task.ID)
	require.NoError(t, h.store.MarkSucceeded(task.ID, nil))

	status, err := h.retry.HandleFailure(snapshot, "a1", "execution timeout")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, status)

	got, _ := h.store.GetTask(task.ID)
	assert.Equal(t, models.TaskStatusSucceeded, got.Status)
	assert.Equal(t, 0, got.Attempts)

	events, _ := h.store.ListEvents(task.ID, "", 0)
	kinds := eventKinds(events)
	assert.NotContains(t, kinds, models.EventTaskFailed)
	assert.NotContains(t, kinds, models.EventTaskRetrying)
	assert.NotContains(t, kinds, models.EventTaskDeadLettered)
}

func eventKinds(events []models.Event) []models.EventKind {
	kinds := make([]models.EventKind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}
