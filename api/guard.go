package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTaskGuard keeps at most one write per task in flight across all
// instances. The TTL is a backstop so a crashed caller cannot wedge a task
// forever.
type RedisTaskGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTaskGuard creates a guard using the provided Redis client and TTL.
func NewRedisTaskGuard(client *redis.Client, ttl time.Duration) *RedisTaskGuard {
	return &RedisTaskGuard{client: client, ttl: ttl}
}

func (g *RedisTaskGuard) key(taskID string) string {
	return "guard:task:" + taskID
}

// Acquire claims the task for one write. It returns false when another write
// to the same task is still pending.
func (g *RedisTaskGuard) Acquire(ctx context.Context, taskID string) (bool, error) {
	return g.client.SetNX(ctx, g.key(taskID), 1, g.ttl).Result()
}

// Release frees the task after the write completed, successfully or not.
func (g *RedisTaskGuard) Release(ctx context.Context, taskID string) error {
	return g.client.Del(ctx, g.key(taskID)).Err()
}
