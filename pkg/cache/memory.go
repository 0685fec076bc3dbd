package cache

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-memory KV implementation. It is thread-safe and suitable
// for testing or single-instance deployments. Expired entries are removed
// lazily on access; Size and Clear also sweep them.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemory creates a new in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
	}
}

// Get returns the raw value for key, or ErrKeyNotFound.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || entry.expired(time.Now()) {
		delete(m.entries, key)
		return nil, ErrKeyNotFound
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

// Set stores value under key with the given TTL.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = newEntry(value, ttl)
	return nil
}

// SetIfAbsent stores value only when key does not exist or has expired.
func (m *Memory) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok && !entry.expired(time.Now()) {
		return false, nil
	}

	m.entries[key] = newEntry(value, ttl)
	return true, nil
}

// Delete removes key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// DeletePattern removes every key matching the glob pattern.
func (m *Memory) DeletePattern(ctx context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for key := range m.entries {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return deleted, err
		}
		if matched {
			delete(m.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

// Exists reports whether key is present and unexpired.
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || entry.expired(time.Now()) {
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}

// Expire sets a new TTL on an existing key.
func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || entry.expired(time.Now()) {
		delete(m.entries, key)
		return false, nil
	}

	entry.expiresAt = expiry(ttl)
	m.entries[key] = entry
	return true, nil
}

// TTL returns the remaining time-to-live for key.
func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || entry.expired(time.Now()) {
		delete(m.entries, key)
		return 0, ErrKeyNotFound
	}

	if entry.expiresAt.IsZero() {
		return 0, nil
	}
	return time.Until(entry.expiresAt), nil
}

// Clear removes all keys.
func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]memoryEntry)
	return nil
}

// Size returns the number of unexpired keys.
func (m *Memory) Size(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var size int64
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
			continue
		}
		size++
	}
	return size, nil
}

// Increment atomically adds delta to the integer stored at key.
func (m *Memory) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	entry, ok := m.entries[key]
	if !ok || entry.expired(time.Now()) {
		entry = memoryEntry{}
	} else {
		parsed, err := strconv.ParseInt(string(entry.value), 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}

	current += delta
	entry.value = []byte(strconv.FormatInt(current, 10))
	m.entries[key] = entry
	return current, nil
}

func newEntry(value []byte, ttl time.Duration) memoryEntry {
	stored := make([]byte, len(value))
	copy(stored, value)
	return memoryEntry{
		value:     stored,
		expiresAt: expiry(ttl),
	}
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// Compile-time interface implementation check
var _ KV = (*Memory)(nil)
