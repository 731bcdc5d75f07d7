package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lastSeenPrefix = "fleet:agent:last_seen:"
	statusPrefix   = "fleet:agent:status:"
)

type Client interface {
	SetLastSeen(fingerprint string, tsMs int64, ttl time.Duration) error
	GetLastSeen(fingerprint string) (int64, error)
	SetStatus(fingerprint, status string) error
	GetStatus(fingerprint string) (string, error)
	IncrWithTTL(key string, window time.Duration) (int64, error)
	SubscribeExpired() (*redis.PubSub, error)
	Close() error
}

type RedisCache struct {
	rdb *redis.Client
}

func NewRedisClient(redisURL string) (*RedisCache, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisCache{rdb: rdb}, nil
}

// RDB exposes the underlying client for the Redis-backed command queue.
func (c *RedisCache) RDB() *redis.Client {
	return c.rdb
}

func (c *RedisCache) SetLastSeen(fingerprint string, tsMs int64, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return c.rdb.Set(ctx, lastSeenPrefix+fingerprint, tsMs, ttl).Err()
}

func (c *RedisCache) GetLastSeen(fingerprint string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	val, err := c.rdb.Get(ctx, lastSeenPrefix+fingerprint).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

func (c *RedisCache) SetStatus(fingerprint, status string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return c.rdb.Set(ctx, statusPrefix+fingerprint, status, 0).Err()
}

func (c *RedisCache) GetStatus(fingerprint string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return c.rdb.Get(ctx, statusPrefix+fingerprint).Result()
}

// IncrWithTTL bumps a rate-limit counter, setting the window on first use.
func (c *RedisCache) IncrWithTTL(key string, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	count, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		_ = c.rdb.Expire(ctx, key, window).Err()
	}
	return count, nil
}

func (c *RedisCache) SubscribeExpired() (*redis.PubSub, error) {
	channel := fmt.Sprintf("__keyevent@%d__:expired", c.rdb.Options().DB)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pubsub := c.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	return pubsub, nil
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
