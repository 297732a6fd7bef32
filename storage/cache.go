package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"firetasks-api/domain"
)

const tasksCacheKey = "tasks:" + taskPartition

// UpdatesChannel is the pub/sub channel poked after every committed write;
// the live stream re-reads the collection on each message.
const UpdatesChannel = "board:updates"

type backend interface {
	FetchTasks(ctx context.Context) ([]domain.Task, error)
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	SaveTask(ctx context.Context, task domain.Task) error
	UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error
	ReplaceActivities(ctx context.Context, taskID string, activities []domain.Activity) error
	AddActivity(ctx context.Context, taskID string, activity domain.Activity) error
	RemoveActivity(ctx context.Context, taskID string, activity domain.Activity) error
	DeleteTask(ctx context.Context, taskID string) error
}

// Cache wraps a Storage instance with a Redis-backed read cache for the task
// collection. Every write evicts the cache and pokes the updates channel.
type Cache struct {
	base   backend
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewCache creates a caching Storage wrapper using the provided Redis client
// and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration, logger *log.Logger) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl, logger: logger}
}

func (c *Cache) FetchTasks(ctx context.Context) ([]domain.Task, error) {
	if tasks, ok := c.loadFromCache(ctx); ok {
		return tasks, nil
	}

	tasks, err := c.base.FetchTasks(ctx)
	if err != nil {
		return nil, err
	}

	c.store(ctx, tasks)
	return tasks, nil
}

// GetTask always hits the backing store; single-task reads feed edit
// sessions, which must not see a stale checklist.
func (c *Cache) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	return c.base.GetTask(ctx, taskID)
}

func (c *Cache) SaveTask(ctx context.Context, task domain.Task) error {
	if err := c.base.SaveTask(ctx, task); err != nil {
		return err
	}
	c.invalidate(ctx, task.ID)
	return nil
}

func (c *Cache) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	if err := c.base.UpdateTaskStatus(ctx, taskID, status); err != nil {
		return err
	}
	c.invalidate(ctx, taskID)
	return nil
}

func (c *Cache) ReplaceActivities(ctx context.Context, taskID string, activities []domain.Activity) error {
	if err := c.base.ReplaceActivities(ctx, taskID, activities); err != nil {
		return err
	}
	c.invalidate(ctx, taskID)
	return nil
}

func (c *Cache) AddActivity(ctx context.Context, taskID string, activity domain.Activity) error {
	if err := c.base.AddActivity(ctx, taskID, activity); err != nil {
		return err
	}
	c.invalidate(ctx, taskID)
	return nil
}

func (c *Cache) RemoveActivity(ctx context.Context, taskID string, activity domain.Activity) error {
	if err := c.base.RemoveActivity(ctx, taskID, activity); err != nil {
		return err
	}
	c.invalidate(ctx, taskID)
	return nil
}

func (c *Cache) DeleteTask(ctx context.Context, taskID string) error {
	if err := c.base.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	c.invalidate(ctx, taskID)
	return nil
}

func (c *Cache) loadFromCache(ctx context.Context) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey, data, c.ttl).Err()
}

// invalidate drops the cached collection and pokes the updates channel so
// live streams re-read. Both are best effort.
func (c *Cache) invalidate(ctx context.Context, taskID string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, tasksCacheKey).Err(); err != nil {
		c.logger.Errorf("evict task cache: %v", err)
	}
	payload, err := json.Marshal(struct {
		TaskID string `json:"taskId"`
	}{TaskID: taskID})
	if err != nil {
		return
	}
	if err := c.redis.Publish(ctx, UpdatesChannel, payload).Err(); err != nil {
		c.logger.WithField("task", taskID).Errorf("publish update: %v", err)
	}
}
