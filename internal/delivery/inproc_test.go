package delivery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcPublishDelivers(t *testing.T) {
	q := NewInProc(4)
	defer q.Close()

	ch := q.Subscribe("worker-1")

	env := Envelope{
		TaskID:  "t1",
		AgentID: "worker-1",
		Payload: json.RawMessage(`{"job":"scrape"}`),
		Attempt: 1,
	}
	require.NoError(t, q.Publish(context.Background(), env))

	select {
	case got := <-ch:
		assert.Equal(t, env.TaskID, got.TaskID)
		assert.Equal(t, env.Attempt, got.Attempt)
	case <-time.After(time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestInProcPublishBeforeSubscribe(t *testing.T) {
	q := NewInProc(4)
	defer q.Close()

	// The agent's channel is created on first publish; a later subscriber
	// still sees the envelope.
	require.NoError(t, q.Publish(context.Background(), Envelope{TaskID: "t1", AgentID: "late"}))

	select {
	case got := <-q.Subscribe("late"):
		assert.Equal(t, "t1", got.TaskID)
	case <-time.After(time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestInProcPublishRespectsContext(t *testing.T) {
	q := NewInProc(1)
	defer q.Close()

	require.NoError(t, q.Publish(context.Background(), Envelope{TaskID: "t1", AgentID: "a"}))

	// Buffer full and no consumer: publish must honor cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, Envelope{TaskID: "t2", AgentID: "a"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInProcCancelMarker(t *testing.T) {
	q := NewInProc(4)
	defer q.Close()

	assert.False(t, q.Cancelled("t1"))
	require.NoError(t, q.Cancel(context.Background(), "t1"))
	assert.True(t, q.Cancelled("t1"))
	assert.False(t, q.Cancelled("t2"))
}

func TestInProcClose(t *testing.T) {
	q := NewInProc(4)
	ch := q.Subscribe("worker-1")

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, open := <-ch
	assert.False(t, open)

	err := q.Publish(context.Background(), Envelope{TaskID: "t1", AgentID: "worker-1"})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestInProcCloseUnblocksPendingPublish(t *testing.T) {
	q := NewInProc(1)
	require.NoError(t, q.Publish(context.Background(), Envelope{TaskID: "t1", AgentID: "a"}))

	// Buffer full and no consumer: the second publish blocks until Close
	// wakes it. It must come back with ErrQueueClosed, not a panic from a
	// send on a closed channel.
	done := make(chan error, 1)
	go func() {
		done <- q.Publish(context.Background(), Envelope{TaskID: "t2", AgentID: "a"})
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("publish did not unblock on close")
	}
}
