// Package cache defines the TTL-capable key-value cache contract the gateway
// core depends on, together with in-memory and Redis implementations. The
// response cache, the credential resolver, and anything else needing TTL
// semantics consume only this contract.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned when a key does not exist or has expired.
var ErrKeyNotFound = errors.New("cache: key not found")

// KV is the key-value cache contract. Implementations must honour TTLs to
// within one second of granularity; Increment must be atomic across
// concurrent callers.
type KV interface {
	// Get returns the raw value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent stores value only when key does not exist.
	// Returns true when the value was written.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePattern removes every key matching the glob pattern and
	// returns the number of keys removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Expire sets a new TTL on an existing key.
	// Returns false when the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TTL returns the remaining time-to-live for key.
	// Returns ErrKeyNotFound for a missing key and zero for a key without expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Clear removes all keys.
	Clear(ctx context.Context) error

	// Size returns the number of unexpired keys.
	Size(ctx context.Context) (int64, error)

	// Increment atomically adds delta to the integer stored at key,
	// initializing it to zero when absent, and returns the new value.
	Increment(ctx context.Context, key string, delta int64) (int64, error)
}
