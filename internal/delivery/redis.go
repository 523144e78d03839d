package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis delivers envelopes through per-agent Redis lists, for deployments
// where agents run out of process. Agents BRPOP their own list and check
// the cancel marker before executing.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	cancelTTL time.Duration
}

// NewRedis creates a Redis-backed delivery queue.
func NewRedis(addr, password string, db int) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		keyPrefix: "foreman",
		cancelTTL: 24 * time.Hour,
	}
}

// Ping checks connectivity.
func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Redis) agentKey(agentID string) string {
	return fmt.Sprintf("%s:agent:%s:tasks", q.keyPrefix, agentID)
}

func (q *Redis) cancelKey(taskID string) string {
	return fmt.Sprintf("%s:cancel:%s", q.keyPrefix, taskID)
}

// Publish pushes an envelope onto the target agent's list.
func (q *Redis) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.client.LPush(ctx, q.agentKey(env.AgentID), data).Err(); err != nil {
		return fmt.Errorf("push envelope: %w", err)
	}
	return nil
}

// Consume blocks until an envelope is available for the agent or the
// timeout elapses. A nil envelope with nil error means timeout.
func (q *Redis) Consume(ctx context.Context, agentID string, timeout time.Duration) (*Envelope, error) {
	res, err := q.client.BRPop(ctx, timeout, q.agentKey(agentID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop envelope: %w", err)
	}
	// BRPop returns [key, value]
	var env Envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// Cancel sets a cancel marker the consuming agent checks.
func (q *Redis) Cancel(ctx context.Context, taskID string) error {
	return q.client.Set(ctx, q.cancelKey(taskID), "1", q.cancelTTL).Err()
}

// Cancelled reports whether a cancel marker exists for the task.
func (q *Redis) Cancelled(ctx context.Context, taskID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.cancelKey(taskID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the Redis client.
func (q *Redis) Close() error {
	return q.client.Close()
}
