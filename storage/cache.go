package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"boardsync/domain"
)

// Cache wraps a Backend with Redis-backed caching of the per-owner task and
// list snapshots. Every write evicts the owner's entries and bumps the
// owner's generation; a snapshot read from the backend is only cached when
// no write happened since the read started.
type Cache struct {
	Backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Backend wrapper using the provided Redis client and TTL.
func NewCache(base Backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base backend is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Backend: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context, owner, listID string) ([]domain.Task, error) {
	tasks, ok := c.loadTasks(ctx, owner)
	if !ok {
		gen := c.generation(ctx, owner)
		var err error
		tasks, err = c.Backend.ListTasks(ctx, owner, "")
		if err != nil {
			return nil, err
		}
		c.store(ctx, owner, gen, tasksCacheKey(owner), tasks)
	}
	if listID == "" {
		return tasks, nil
	}
	out := []domain.Task{}
	for _, t := range tasks {
		if t.List == listID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (c *Cache) ListLists(ctx context.Context, owner string) ([]domain.List, error) {
	if lists, ok := c.loadLists(ctx, owner); ok {
		return lists, nil
	}
	gen := c.generation(ctx, owner)
	lists, err := c.Backend.ListLists(ctx, owner)
	if err != nil {
		return nil, err
	}
	c.store(ctx, owner, gen, listsCacheKey(owner), lists)
	return lists, nil
}

func (c *Cache) InsertTask(ctx context.Context, t domain.Task) error {
	defer c.evict(ctx, t.Owner)
	return c.Backend.InsertTask(ctx, t)
}

func (c *Cache) SaveTask(ctx context.Context, t *domain.Task) error {
	defer c.evict(ctx, t.Owner)
	return c.Backend.SaveTask(ctx, t)
}

func (c *Cache) DeleteTask(ctx context.Context, owner, id string) (bool, error) {
	defer c.evict(ctx, owner)
	return c.Backend.DeleteTask(ctx, owner, id)
}

func (c *Cache) DeleteCompletedTasks(ctx context.Context, owner, listID string) (int, error) {
	defer c.evict(ctx, owner)
	return c.Backend.DeleteCompletedTasks(ctx, owner, listID)
}

func (c *Cache) DeleteListTasks(ctx context.Context, owner, listID string) (int, error) {
	defer c.evict(ctx, owner)
	return c.Backend.DeleteListTasks(ctx, owner, listID)
}

func (c *Cache) SetAllListsOrder(ctx context.Context, owner, id string, order int) error {
	defer c.evict(ctx, owner)
	return c.Backend.SetAllListsOrder(ctx, owner, id, order)
}

func (c *Cache) SetAllListsOrderIfMissing(ctx context.Context, owner, id string, order int) (bool, error) {
	defer c.evict(ctx, owner)
	return c.Backend.SetAllListsOrderIfMissing(ctx, owner, id, order)
}

func (c *Cache) InsertList(ctx context.Context, l domain.List) error {
	defer c.evict(ctx, l.Owner)
	return c.Backend.InsertList(ctx, l)
}

func (c *Cache) SaveList(ctx context.Context, l domain.List) error {
	defer c.evict(ctx, l.Owner)
	return c.Backend.SaveList(ctx, l)
}

func (c *Cache) DeleteList(ctx context.Context, owner, id string) (bool, error) {
	defer c.evict(ctx, owner)
	return c.Backend.DeleteList(ctx, owner, id)
}

func (c *Cache) loadTasks(ctx context.Context, owner string) ([]domain.Task, bool) {
	var tasks []domain.Task
	if !c.load(ctx, tasksCacheKey(owner), &tasks) {
		return nil, false
	}
	return tasks, true
}

func (c *Cache) loadLists(ctx context.Context, owner string) ([]domain.List, bool) {
	var lists []domain.List
	if !c.load(ctx, listsCacheKey(owner), &lists) {
		return nil, false
	}
	return lists, true
}

func (c *Cache) load(ctx context.Context, key string, v any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backend without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

// generation returns the owner's write counter, or -1 when it cannot be read.
func (c *Cache) generation(ctx context.Context, owner string) int64 {
	if c.redis == nil {
		return -1
	}
	gen, err := c.redis.Get(ctx, genCacheKey(owner)).Int64()
	if err == redis.Nil {
		return 0
	}
	if err != nil {
		return -1
	}
	return gen
}

// store caches v under key unless the owner's generation moved past gen.
func (c *Cache) store(ctx context.Context, owner string, gen int64, key string, v any) {
	if c.redis == nil || c.ttl == 0 || gen < 0 {
		return
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	genKey := genCacheKey(owner)
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err == redis.Nil {
			cur, err = 0, nil
		}
		if err != nil || cur != gen {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}, genKey)
}

func (c *Cache) evict(ctx context.Context, owner string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genCacheKey(owner))
		pipe.Del(ctx, tasksCacheKey(owner), listsCacheKey(owner))
		return nil
	})
}

func tasksCacheKey(owner string) string {
	return "tasks:" + owner
}

func listsCacheKey(owner string) string {
	return "lists:" + owner
}

func genCacheKey(owner string) string {
	return "gen:" + owner
}
