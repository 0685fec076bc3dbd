// Package response implements the LLM response cache layer: an exact-match
// cache keyed by request fingerprint, with an optional embedding-similarity
// (semantic) cache layered behind it.
package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/cache"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/llm"
)

// DefaultNamespace is the key prefix for exact-match response entries.
const DefaultNamespace = "llm:responses"

// Config configures the exact-match response cache.
type Config struct {
	// Namespace is the key prefix. Default: "llm:responses".
	Namespace string

	// TTL is the default time-to-live for cached responses.
	TTL time.Duration

	// IncludeTemperatureInKey folds temperature into the fingerprint.
	IncludeTemperatureInKey bool

	// IncludeMaxTokensInKey folds max_tokens into the fingerprint.
	IncludeMaxTokensInKey bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Namespace: DefaultNamespace,
		TTL:       time.Hour,
	}
}

// CachedResponse is a cached LLM response together with cache bookkeeping.
type CachedResponse struct {
	// Response is the cached LLM response.
	Response llm.Response `json:"response"`

	// ModelID is the logical model that produced the response.
	ModelID string `json:"model_id"`

	// CachedAt is the write time in Unix seconds.
	CachedAt int64 `json:"cached_at"`

	// HitCount is the number of times this entry has been served.
	// Monotonically non-decreasing; increments are best-effort.
	HitCount int64 `json:"hit_count"`
}

// Stats is a snapshot of cache activity since process start.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int64 `json:"entries"`
}

// Cache is the exact-match response cache. Reads that fail are treated as
// misses and writes that fail are dropped; the serving path never depends
// on cache availability.
type Cache struct {
	kv     cache.KV
	cfg    Config
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates an exact-match response cache on top of the given KV store.
func New(kv cache.KV, cfg Config, logger *slog.Logger) *Cache {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		kv:     kv,
		cfg:    cfg,
		logger: logger,
	}
}

// Key returns the cache key for the given model and request.
func (c *Cache) Key(model string, req llm.Request) string {
	digest := Fingerprint(model, req, c.cfg.IncludeTemperatureInKey, c.cfg.IncludeMaxTokensInKey)
	return fmt.Sprintf("%s:%s:%s", c.cfg.Namespace, sanitizeKeyComponent(model), digest)
}

// Get returns the cached response for the request, or nil on a miss.
// Streaming requests are never served from cache. The hit counter update is
// best-effort: failures are logged and dropped.
func (c *Cache) Get(ctx context.Context, model string, req llm.Request) *CachedResponse {
	if req.Stream {
		return nil
	}

	key := c.Key(model, req)
	data, err := c.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrKeyNotFound) {
			c.logger.Warn("response cache read failed, treating as miss", "cache_key", key, "error", err)
		}
		c.misses.Add(1)
		return nil
	}

	var cached CachedResponse
	if err := json.Unmarshal(data, &cached); err != nil {
		c.logger.Warn("response cache entry corrupt, treating as miss", "cache_key", key, "error", err)
		c.misses.Add(1)
		return nil
	}

	hits, err := c.kv.Increment(ctx, key+":hits", 1)
	if err != nil {
		c.logger.Debug("hit counter update dropped", "cache_key", key, "error", err)
		hits = cached.HitCount + 1
	} else if c.cfg.TTL > 0 {
		// Keep the counter's lifetime tied to the entry so it cannot outlive
		// it once the entry expires.
		if _, err := c.kv.Expire(ctx, key+":hits", c.cfg.TTL); err != nil {
			c.logger.Debug("hit counter TTL update dropped", "cache_key", key, "error", err)
		}
	}
	cached.HitCount = hits

	c.hits.Add(1)
	return &cached
}

// Set writes the response with the configured default TTL.
func (c *Cache) Set(ctx context.Context, model string, req llm.Request, resp *llm.Response) {
	c.SetWithTTL(ctx, model, req, resp, c.cfg.TTL)
}

// SetWithTTL writes the response with an explicit TTL. Writes use
// set-if-absent semantics so the first concurrent writer wins and later
// writes become no-ops. Streaming responses are never cached.
func (c *Cache) SetWithTTL(ctx context.Context, model string, req llm.Request, resp *llm.Response, ttl time.Duration) {
	if req.Stream || resp == nil {
		return
	}

	cached := CachedResponse{
		Response: *resp,
		ModelID:  model,
		CachedAt: time.Now().Unix(),
	}
	data, err := json.Marshal(cached)
	if err != nil {
		c.logger.Warn("response cache write dropped", "error", err)
		return
	}

	key := c.Key(model, req)
	if _, err := c.kv.SetIfAbsent(ctx, key, data, ttl); err != nil {
		c.logger.Warn("response cache write dropped", "cache_key", key, "error", err)
	}
}

// Invalidate removes the cached entry for the request.
func (c *Cache) Invalidate(ctx context.Context, model string, req llm.Request) error {
	key := c.Key(model, req)
	if err := c.kv.Delete(ctx, key); err != nil {
		return err
	}
	return c.kv.Delete(ctx, key+":hits")
}

// InvalidateModel removes every cached entry for the given model.
func (c *Cache) InvalidateModel(ctx context.Context, model string) (int, error) {
	pattern := fmt.Sprintf("%s:%s:*", c.cfg.Namespace, sanitizeKeyComponent(model))
	return c.kv.DeletePattern(ctx, pattern)
}

// InvalidateAll removes every cached response entry in the namespace.
func (c *Cache) InvalidateAll(ctx context.Context) (int, error) {
	return c.kv.DeletePattern(ctx, c.cfg.Namespace+":*")
}

// Stats returns a snapshot of cache activity.
func (c *Cache) Stats(ctx context.Context) Stats {
	size, err := c.kv.Size(ctx)
	if err != nil {
		c.logger.Debug("cache size unavailable", "error", err)
	}
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: size,
	}
}
