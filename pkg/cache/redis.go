package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	pkgerrors "github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
)

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password authenticates the connection. Empty means no auth.
	Password string

	// DB selects the logical database.
	DB int

	// DialTimeout bounds connection establishment. Default: 5s.
	DialTimeout time.Duration
}

// Redis is a KV implementation backed by a Redis server.
// TTL and atomicity semantics are delegated to Redis itself.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis-backed cache and verifies connectivity.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &pkgerrors.ConfigError{
			Key:    "cache.redis.addr",
			Reason: "failed to connect to Redis",
			Cause:  err,
		}
	}

	return &Redis{client: client}, nil
}

// NewRedisWithClient wraps an existing client. Used in tests with miniredis.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Get returns the raw value for key, or ErrKeyNotFound.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, &pkgerrors.CacheError{Op: "get", Key: key, Cause: err}
	}
	return value, nil
}

// Set stores value under key with the given TTL.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return &pkgerrors.CacheError{Op: "set", Key: key, Cause: err}
	}
	return nil
}

// SetIfAbsent stores value only when key does not exist.
func (r *Redis) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	written, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, &pkgerrors.CacheError{Op: "setnx", Key: key, Cause: err}
	}
	return written, nil
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return &pkgerrors.CacheError{Op: "delete", Key: key, Cause: err}
	}
	return nil
}

// DeletePattern removes every key matching the glob pattern using SCAN,
// avoiding KEYS on large keyspaces.
func (r *Redis) DeletePattern(ctx context.Context, pattern string) (int, error) {
	deleted := 0
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, &pkgerrors.CacheError{Op: "delete", Key: iter.Val(), Cause: err}
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, &pkgerrors.CacheError{Op: "scan", Key: pattern, Cause: err}
	}
	return deleted, nil
}

// Exists reports whether key is present.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, &pkgerrors.CacheError{Op: "exists", Key: key, Cause: err}
	}
	return n > 0, nil
}

// Expire sets a new TTL on an existing key.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, &pkgerrors.CacheError{Op: "expire", Key: key, Cause: err}
	}
	return ok, nil
}

// TTL returns the remaining time-to-live for key.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, &pkgerrors.CacheError{Op: "ttl", Key: key, Cause: err}
	}
	// go-redis reports -2 for a missing key and -1 for a key without expiry.
	if ttl == -2 {
		return 0, ErrKeyNotFound
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Clear removes all keys in the selected database.
func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.FlushDB(ctx).Err(); err != nil {
		return &pkgerrors.CacheError{Op: "clear", Key: "*", Cause: err}
	}
	return nil
}

// Size returns the number of keys in the selected database.
func (r *Redis) Size(ctx context.Context) (int64, error) {
	n, err := r.client.DBSize(ctx).Result()
	if err != nil {
		return 0, &pkgerrors.CacheError{Op: "size", Key: "*", Cause: err}
	}
	return n, nil
}

// Increment atomically adds delta to the integer stored at key.
func (r *Redis) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := r.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, &pkgerrors.CacheError{Op: "incrby", Key: key, Cause: err}
	}
	return n, nil
}

// Compile-time interface implementation check
var _ KV = (*Redis)(nil)
