package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on a Redis server.
type RedisBackend struct {
	client *redis.Client
}

// NewRedis connects to the Redis at url and verifies it with a ping so the
// caller can degrade to Noop before serving traffic.
func NewRedis(ctx context.Context, url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisBackend{client: client}, nil
}

// Client exposes the underlying connection for subsystems that share it,
// such as the resolver path table.
func (b *RedisBackend) Client() *redis.Client { return b.client }

// Get retrieves key, returning (nil, nil) on a miss.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// SetEx stores key with an expiry.
func (b *RedisBackend) SetEx(ctx context.Context, key string, ttl time.Duration, val []byte) error {
	return b.client.SetEx(ctx, key, val, ttl).Err()
}

// Close closes the connection.
func (b *RedisBackend) Close() error { return b.client.Close() }
