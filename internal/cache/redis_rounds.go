// Package cache keeps derived per-document values in Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRoundTTL = 24 * time.Hour

// RedisRoundCache stores each document's current question round
type RedisRoundCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRoundCache connects to redisURL and verifies the connection
func NewRedisRoundCache(redisURL string, ttl time.Duration) (*RedisRoundCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisRoundCacheWithClient(client, ttl), nil
}

// NewRedisRoundCacheWithClient wraps an existing client
func NewRedisRoundCacheWithClient(client *redis.Client, ttl time.Duration) *RedisRoundCache {
	if ttl <= 0 {
		ttl = DefaultRoundTTL
	}
	return &RedisRoundCache{
		client: client,
		prefix: "docforge:round:",
		ttl:    ttl,
	}
}

func (c *RedisRoundCache) key(documentID string) string {
	return c.prefix + documentID
}

// GetRound reports ok=false on a miss.
func (c *RedisRoundCache) GetRound(ctx context.Context, documentID string) (int, bool, error) {
	value, err := c.client.Get(ctx, c.key(documentID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get round: %w", err)
	}
	round, err := strconv.Atoi(value)
	if err != nil || round < 0 {
		// Unreadable entries are dropped and treated as a miss.
		_ = c.client.Del(ctx, c.key(documentID)).Err()
		return 0, false, nil
	}
	return round, true, nil
}

func (c *RedisRoundCache) SetRound(ctx context.Context, documentID string, round int) error {
	if err := c.client.Set(ctx, c.key(documentID), strconv.Itoa(round), c.ttl).Err(); err != nil {
		return fmt.Errorf("set round: %w", err)
	}
	return nil
}

func (c *RedisRoundCache) DeleteRound(ctx context.Context, documentID string) error {
	if err := c.client.Del(ctx, c.key(documentID)).Err(); err != nil {
		return fmt.Errorf("delete round: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *RedisRoundCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *RedisRoundCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
