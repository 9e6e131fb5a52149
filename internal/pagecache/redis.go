package pagecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/domain"
)

// RedisCache is the production Cache backed by Redis with a TTL backstop.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed page cache. ttl <= 0 uses DefaultTTL.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get returns the cached page, or ErrMiss.
func (c *RedisCache) Get(ctx context.Context, jobID string, diff int, kind domain.ScoreKind) ([]byte, error) {
	page, err := c.client.Get(ctx, Key(jobID, diff, kind)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("page cache get: %w", err)
	}
	return page, nil
}

// Put stores the page under the key with the cache TTL.
func (c *RedisCache) Put(ctx context.Context, jobID string, diff int, kind domain.ScoreKind, page []byte) error {
	if err := c.client.Set(ctx, Key(jobID, diff, kind), page, c.ttl).Err(); err != nil {
		return fmt.Errorf("page cache put: %w", err)
	}
	return nil
}

// DeleteJob removes every cached page belonging to the job.
func (c *RedisCache) DeleteJob(ctx context.Context, jobID string) error {
	keys := make([]string, 0, len(domain.Difficulties)*len(domain.ScoreKinds))
	for _, diff := range domain.Difficulties {
		for _, kind := range domain.ScoreKinds {
			keys = append(keys, Key(jobID, diff, kind))
		}
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("page cache delete job %s: %w", jobID, err)
	}
	return nil
}
