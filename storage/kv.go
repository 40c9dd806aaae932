package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// KV is the key-value port the store persists through. Implementations map
// their backend's "no such key" and "out of space" failures to ErrKeyNotFound
// and ErrStoreFull so the store can translate them uniformly.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
}

var (
	// ErrKeyNotFound is returned by KV.Get for absent keys.
	ErrKeyNotFound = errors.New("key not found")
	// ErrStoreFull is returned by KV.Set when the backend is out of space.
	ErrStoreFull = errors.New("store full")
)

// RedisKV persists keys in Redis. It is the default backend.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV wraps the given Redis client.
func NewRedisKV(client *redis.Client) *RedisKV {
	if client == nil {
		panic("storage.NewRedisKV: client is nil")
	}
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrKeyNotFound
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		// Redis rejects writes with an OOM reply once maxmemory is hit.
		if strings.Contains(err.Error(), "OOM") {
			return ErrStoreFull
		}
		return err
	}
	return nil
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisKV) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
