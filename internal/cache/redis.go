package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPattern = "qc:*"

// RedisQueryCache is a QueryCache backed by Redis, for sharing query results
// across runs and across controller processes on one host. Expiry is
// delegated to Redis key TTLs, so EvictExpired has nothing to sweep.
type RedisQueryCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisQueryCache connects to Redis and verifies the connection.
func NewRedisQueryCache(addr string, ttl time.Duration, logger *zap.Logger) (*RedisQueryCache, error) {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueryCache{client: client, ttl: ttl, logger: logger}, nil
}

func (c *RedisQueryCache) Get(ctx context.Context, id Identity) (string, bool) {
	v, err := c.client.Get(ctx, id.Key()).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		c.logger.Warn("query cache read failed, treating as miss", zap.Error(err))
		return "", false
	}
	return v, true
}

func (c *RedisQueryCache) Put(ctx context.Context, id Identity, result string) error {
	if err := c.client.Set(ctx, id.Key(), result, c.ttl).Err(); err != nil {
		return fmt.Errorf("query cache write: %w", err)
	}
	return nil
}

// EvictExpired is a no-op for the Redis backend: entries are written with a
// key TTL and Redis evicts them natively.
func (c *RedisQueryCache) EvictExpired(_ context.Context) (int, error) {
	return 0, nil
}

func (c *RedisQueryCache) Size(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, redisKeyPattern, 100).Result()
		if err != nil {
			return 0, fmt.Errorf("query cache scan: %w", err)
		}
		count += len(keys)
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}

func (c *RedisQueryCache) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, redisKeyPattern, 100).Result()
		if err != nil {
			return fmt.Errorf("query cache scan: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("query cache clear: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close releases the Redis connection.
func (c *RedisQueryCache) Close() error { return c.client.Close() }
