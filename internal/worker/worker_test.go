package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfenner/foreman/internal/delivery"
)

type fakeReporter struct {
	mu      sync.Mutex
	acked   []string
	reports map[string]string // task ID -> outcome
	results map[string]string
	ackErr  error
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{reports: make(map[string]string), results: make(map[string]string)}
}

func (f *fakeReporter) AckTask(taskID, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, taskID)
	return nil
}

func (f *fakeReporter) ReportResult(taskID, agentID, outcome string, result json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[taskID] = outcome
	f.results[taskID] = string(result)
	return nil
}

func (f *fakeReporter) Heartbeat(agentID string) error { return nil }

func (f *fakeReporter) outcome(taskID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reports[taskID]
}

type stubHandler struct {
	result json.RawMessage
	err    error
}

func (s stubHandler) Name() string { return "stub" }

func (s stubHandler) Handle(ctx context.Context, env delivery.Envelope) (json.RawMessage, error) {
	return s.result, s.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRunnerReportsSuccess(t *testing.T) {
	q := delivery.NewInProc(4)
	defer q.Close()
	rep := newFakeReporter()
	r := NewRunner("w1", q, stubHandler{result: json.RawMessage(`{"ok":true}`)}, rep)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, q.Publish(ctx, delivery.Envelope{TaskID: "t1", AgentID: "w1"}))

	waitFor(t, func() bool { return rep.outcome("t1") != "" })
	assert.Equal(t, OutcomeSucceeded, rep.outcome("t1"))
	assert.Equal(t, `{"ok":true}`, rep.results["t1"])
	assert.Equal(t, []string{"t1"}, rep.acked)
}

func TestRunnerReportsFailure(t *testing.T) {
	q := delivery.NewInProc(4)
	defer q.Close()
	rep := newFakeReporter()
	r := NewRunner("w1", q, stubHandler{err: errors.New("boom")}, rep)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, q.Publish(ctx, delivery.Envelope{TaskID: "t1", AgentID: "w1"}))

	waitFor(t, func() bool { return rep.outcome("t1") != "" })
	assert.Equal(t, OutcomeFailed, rep.outcome("t1"))
	assert.Equal(t, "boom", rep.results["t1"])
}

func TestRunnerSkipsCancelledTask(t *testing.T) {
	q := delivery.NewInProc(4)
	defer q.Close()
	rep := newFakeReporter()
	r := NewRunner("w1", q, stubHandler{}, rep)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Cancel(ctx, "t1"))
	require.NoError(t, q.Publish(ctx, delivery.Envelope{TaskID: "t1", AgentID: "w1"}))
	require.NoError(t, q.Publish(ctx, delivery.Envelope{TaskID: "t2", AgentID: "w1"}))

	go r.Run(ctx)

	// t2 is processed, the cancelled t1 is never acked.
	waitFor(t, func() bool { return rep.outcome("t2") != "" })
	rep.mu.Lock()
	defer rep.mu.Unlock()
	assert.NotContains(t, rep.acked, "t1")
}

func TestRunnerDropsTaskOnAckRejection(t *testing.T) {
	q := delivery.NewInProc(4)
	defer q.Close()
	rep := newFakeReporter()
	rep.ackErr = errors.New("handoff expired")
	r := NewRunner("w1", q, stubHandler{}, rep)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.NoError(t, q.Publish(ctx, delivery.Envelope{TaskID: "t1", AgentID: "w1"}))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rep.outcome("t1"))
}
