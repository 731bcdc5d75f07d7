package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fleetwatch-backend/internal/models"
)

const queueKeyPrefix = "fleet:queue:"

// enqueueScript makes the depth check and the push one atomic step.
var enqueueScript = redis.NewScript(`
if redis.call("LLEN", KEYS[1]) >= tonumber(ARGV[2]) then
	return -1
end
return redis.call("RPUSH", KEYS[1], ARGV[1])
`)

// Redis is a Queue backed by one Redis list per agent. RPUSH/LPOP give
// strict FIFO and exactly-once pop across concurrent callers.
type Redis struct {
	rdb   *redis.Client
	depth int
}

func NewRedis(rdb *redis.Client, depth int) *Redis {
	return &Redis{rdb: rdb, depth: depth}
}

func (r *Redis) Enqueue(ctx context.Context, cmd models.Command) (string, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = time.Now()
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("marshal command: %w", err)
	}

	n, err := enqueueScript.Run(ctx, r.rdb,
		[]string{queueKeyPrefix + cmd.AgentID}, payload, r.depth).Int64()
	if err != nil {
		return "", fmt.Errorf("enqueue command: %w", err)
	}
	if n < 0 {
		return "", ErrQueueFull
	}
	return cmd.ID, nil
}

func (r *Redis) DequeueOne(ctx context.Context, agentID string) (*models.Command, error) {
	payload, err := r.rdb.LPop(ctx, queueKeyPrefix+agentID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue command: %w", err)
	}

	var cmd models.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("unmarshal command: %w", err)
	}
	return &cmd, nil
}
