package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"atelierloyalty/backend/internal/domain"
)

type RedisProfileCache struct {
	client *redis.Client
}

func NewRedisProfileCache(addr string, password string, db int) *RedisProfileCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisProfileCache{client: client}
}

func (c *RedisProfileCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisProfileCache) Close() error {
	return c.client.Close()
}

// Client exposes the underlying connection so other components (the redis
// notifier) can share it.
func (c *RedisProfileCache) Client() *redis.Client {
	return c.client
}

func (c *RedisProfileCache) Get(ctx context.Context, customerID string) (*domain.CustomerProfile, bool, error) {
	val, err := c.client.Get(ctx, profileKey(customerID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var profile domain.CustomerProfile
	if err := json.Unmarshal([]byte(val), &profile); err != nil {
		return nil, false, err
	}
	return &profile, true, nil
}

func (c *RedisProfileCache) Set(ctx context.Context, customerID string, profile *domain.CustomerProfile, ttl time.Duration) error {
	if profile == nil {
		return nil
	}
	payload, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, profileKey(customerID), payload, ttl).Err()
}

func (c *RedisProfileCache) Invalidate(ctx context.Context, customerID string) error {
	return c.client.Del(ctx, profileKey(customerID)).Err()
}

func profileKey(customerID string) string {
	return "loyalty:profile:" + customerID
}
