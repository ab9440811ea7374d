package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores stock values in Redis with per-key TTLs.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a Redis client and verifies connectivity.
func NewRedisBackend(addr string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // no password
		DB:       0,  // default DB
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBackend{client: client}, nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) (int, bool, error) {
	data, err := b.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get error: %w", err)
	}

	v, err := parseStock(data)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse cached stock: %w", err)
	}
	return v, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value int, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, formatStock(value), ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (b *RedisBackend) Del(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// RedisLocker implements the sweep lock with SET NX + TTL.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(backend *RedisBackend) *RedisLocker {
	return &RedisLocker{client: backend.client}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, "lock:"+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx error: %w", err)
	}
	return ok, nil
}

func (l *RedisLocker) Unlock(ctx context.Context, key string) error {
	return l.client.Del(ctx, "lock:"+key).Err()
}
