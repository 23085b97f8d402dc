package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps fetched manifests in Redis under a hashed key.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache wraps client. Keys are prefix + sha256(location).
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "webproof:manifest:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// DialRedisCache connects to addr.
func DialRedisCache(addr, password string, db int) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisCache(rdb, "")
}

func (c *RedisCache) key(location string) string {
	sum := sha256.Sum256([]byte(location))
	return c.prefix + hex.EncodeToString(sum[:])
}

func (c *RedisCache) Get(ctx context.Context, location string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.key(location)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *RedisCache) Set(ctx context.Context, location string, data []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(location), data, ttl).Err()
}

// Close releases the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
