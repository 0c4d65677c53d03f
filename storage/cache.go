package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"slate-api/domain"
)

type backend interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	FetchColumn(ctx context.Context, userID, column string) ([]domain.Task, error)
	FetchProjects(ctx context.Context, userID string) ([]domain.Project, error)
	GetTask(ctx context.Context, userID, taskID string) (domain.Task, error)
	MoveTask(ctx context.Context, userID string, move domain.TaskMove) error
	ApplyTaskMoves(ctx context.Context, userID string, moves []domain.TaskMove) error
	ReorderProjects(ctx context.Context, userID string, orders []domain.ProjectOrder) error
	SetProjectProgress(ctx context.Context, userID, projectID string, progress int) error
	EnqueueBatch(ctx context.Context, userID string, moves []domain.TaskMove) error
}

// Cache wraps a Storage instance with Redis-backed caching for board reads.
// Every mutation evicts the user's cached board so the next read reflects
// server-confirmed order values.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if tasks, ok := loadCached[[]domain.Task](ctx, c, tasksCacheKey(userID)); ok {
		return tasks, nil
	}
	tasks, err := c.base.FetchTasks(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.storeCached(ctx, tasksCacheKey(userID), tasks)
	return tasks, nil
}

func (c *Cache) FetchProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	if projects, ok := loadCached[[]domain.Project](ctx, c, projectsCacheKey(userID)); ok {
		return projects, nil
	}
	projects, err := c.base.FetchProjects(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.storeCached(ctx, projectsCacheKey(userID), projects)
	return projects, nil
}

// FetchColumn always hits the backing store: move handlers read columns
// under the container lock and must see the latest neighbor orders.
func (c *Cache) FetchColumn(ctx context.Context, userID, column string) ([]domain.Task, error) {
	return c.base.FetchColumn(ctx, userID, column)
}

func (c *Cache) GetTask(ctx context.Context, userID, taskID string) (domain.Task, error) {
	return c.base.GetTask(ctx, userID, taskID)
}

func (c *Cache) MoveTask(ctx context.Context, userID string, move domain.TaskMove) error {
	if err := c.base.MoveTask(ctx, userID, move); err != nil {
		return err
	}
	c.Evict(ctx, userID)
	return nil
}

func (c *Cache) ApplyTaskMoves(ctx context.Context, userID string, moves []domain.TaskMove) error {
	if err := c.base.ApplyTaskMoves(ctx, userID, moves); err != nil {
		return err
	}
	c.Evict(ctx, userID)
	return nil
}

func (c *Cache) ReorderProjects(ctx context.Context, userID string, orders []domain.ProjectOrder) error {
	if err := c.base.ReorderProjects(ctx, userID, orders); err != nil {
		return err
	}
	c.Evict(ctx, userID)
	return nil
}

func (c *Cache) SetProjectProgress(ctx context.Context, userID, projectID string, progress int) error {
	if err := c.base.SetProjectProgress(ctx, userID, projectID, progress); err != nil {
		return err
	}
	c.Evict(ctx, userID)
	return nil
}

func (c *Cache) EnqueueBatch(ctx context.Context, userID string, moves []domain.TaskMove) error {
	if err := c.base.EnqueueBatch(ctx, userID, moves); err != nil {
		return err
	}
	// The batch will mutate the board eventually; drop stale reads now.
	c.Evict(ctx, userID)
	return nil
}

// Evict drops the user's cached board state.
func (c *Cache) Evict(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, tasksCacheKey(userID), projectsCacheKey(userID)).Result()
}

func loadCached[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var zero T
	if c.redis == nil {
		return zero, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without
			// failing the request.
			_ = c.redis.Del(ctx, key).Err()
		}
		return zero, false
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return zero, false
	}
	return out, true
}

func (c *Cache) storeCached(ctx context.Context, key string, v any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func tasksCacheKey(userID string) string    { return "board:tasks:" + userID }
func projectsCacheKey(userID string) string { return "board:projects:" + userID }
