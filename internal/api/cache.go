package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "lorapipe:api:"

type cacheLayer interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

type noopCache struct{}

func (noopCache) Get(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, nil
}

func (noopCache) Set(_ context.Context, _ string, _ []byte) error {
	return nil
}

func (noopCache) Close() error {
	return nil
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// newCache returns a noop cache unless caching is enabled.
func newCache(ctx context.Context, cfg CacheConfig) (cacheLayer, error) {
	if !cfg.Enabled {
		return noopCache{}, nil
	}
	if cfg.RedisAddress == "" {
		return nil, fmt.Errorf("api cache: redis address must be provided when cache is enabled")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("api cache: ping redis: %w", err)
	}

	return newRedisCache(client, cfg.TTL), nil
}

func newRedisCache(client *redis.Client, ttl time.Duration) *redisCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &redisCache{client: client, ttl: ttl}
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, cacheKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte) error {
	return c.client.Set(ctx, cacheKeyPrefix+key, value, c.ttl).Err()
}

func (c *redisCache) Close() error {
	return c.client.Close()
}
