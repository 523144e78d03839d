package delivery

import (
	"context"
	"sync"
)

// InProc is an in-process delivery queue backed by per-agent channels.
// It serves single-binary deployments and tests, where agents are
// goroutines consuming from Subscribe.
type InProc struct {
	mu        sync.Mutex
	queues    map[string]chan Envelope
	cancelled map[string]bool
	buffer    int
	done      chan struct{}
	closed    bool

	// sendMu fences in-flight publishes: Publish sends under the read
	// lock, Close takes the write lock before closing the channels.
	sendMu sync.RWMutex
}

// NewInProc creates an in-process queue with the given per-agent buffer.
func NewInProc(buffer int) *InProc {
	if buffer <= 0 {
		buffer = 16
	}
	return &InProc{
		queues:    make(map[string]chan Envelope),
		cancelled: make(map[string]bool),
		buffer:    buffer,
		done:      make(chan struct{}),
	}
}

// Subscribe returns the delivery channel for an agent, creating it on
// first use.
func (q *InProc) Subscribe(agentID string) <-chan Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queueLocked(agentID)
}

func (q *InProc) queueLocked(agentID string) chan Envelope {
	ch, ok := q.queues[agentID]
	if !ok {
		ch = make(chan Envelope, q.buffer)
		q.queues[agentID] = ch
	}
	return ch
}

// Publish pushes an envelope onto the target agent's channel. A publish
// blocked on a full channel unblocks with ErrQueueClosed when the queue
// closes underneath it.
func (q *InProc) Publish(ctx context.Context, env Envelope) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	ch := q.queueLocked(env.AgentID)
	q.mu.Unlock()

	q.sendMu.RLock()
	defer q.sendMu.RUnlock()
	// Close only closes agent channels after taking sendMu, so once we
	// hold the read lock a closed queue is visible through done and ch is
	// safe to send on until we let go.
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

// Cancel marks a task cancelled. Consumers check Cancelled before and
// during execution.
func (q *InProc) Cancel(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled[taskID] = true
	return nil
}

// Cancelled reports whether a cancel signal was issued for the task.
func (q *InProc) Cancelled(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[taskID]
}

// Close closes all agent channels. Pending publishes are woken first and
// return ErrQueueClosed; the channels close only after they drain out.
func (q *InProc) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.sendMu.Lock()
	defer q.sendMu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.queues {
		close(ch)
	}
	return nil
}
