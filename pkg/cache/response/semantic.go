package response

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/llm"
)

// DefaultSimilarityThreshold is the minimum cosine similarity for a
// semantic cache hit.
const DefaultSimilarityThreshold = 0.95

// SemanticConfig configures the embedding-similarity cache.
type SemanticConfig struct {
	// Enabled turns the semantic layer on. Disabled by default.
	Enabled bool

	// SimilarityThreshold is the minimum cosine similarity for a hit.
	// Values outside [0, 1] are clamped. Default: 0.95.
	SimilarityThreshold float64

	// MaxEntries bounds the number of stored entries; the oldest entry is
	// evicted when the bound is exceeded. Default: 1000.
	MaxEntries int

	// TTL is the time-to-live of stored entries.
	TTL time.Duration

	// EmbeddingModel is the model used to embed prompts.
	EmbeddingModel string

	// Namespace is the key prefix for semantic entries. Default: "llm:semantic".
	Namespace string

	// CacheStreaming allows streaming requests to hit the semantic layer.
	// Default: false.
	CacheStreaming bool

	// IncludeModelInKey folds the model ID into the canonical prompt.
	IncludeModelInKey bool

	// IncludeTemperatureInKey folds temperature into the canonical prompt.
	IncludeTemperatureInKey bool
}

// DefaultSemanticConfig returns a SemanticConfig with sensible defaults.
func DefaultSemanticConfig() SemanticConfig {
	return SemanticConfig{
		SimilarityThreshold: DefaultSimilarityThreshold,
		MaxEntries:          1000,
		TTL:                 time.Hour,
		Namespace:           "llm:semantic",
	}
}

// clamp normalizes the threshold into [0, 1].
func (c *SemanticConfig) clamp() {
	if c.SimilarityThreshold < 0 {
		c.SimilarityThreshold = 0
	}
	if c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = 1
	}
}

type semanticEntry struct {
	key       string
	embedding []float64
	response  llm.Response
	modelID   string
	cachedAt  time.Time
	expiresAt time.Time // zero means no expiry
	hits      int64
}

func (e *semanticEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Semantic is the embedding-similarity cache. It sits behind the exact
// layer: exact hits bypass embedding computation entirely. Entries live in
// process memory; expiry is checked on read and eviction is oldest-first.
type Semantic struct {
	mu       sync.Mutex
	cfg      SemanticConfig
	embedder llm.Embedder
	entries  []*semanticEntry
	logger   *slog.Logger
}

// NewSemantic creates a semantic cache using the given embedder.
func NewSemantic(embedder llm.Embedder, cfg SemanticConfig, logger *slog.Logger) *Semantic {
	cfg.clamp()
	if cfg.Namespace == "" {
		cfg.Namespace = "llm:semantic"
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Semantic{
		cfg:      cfg,
		embedder: embedder,
		logger:   logger,
	}
}

// Get returns the highest-similarity cached response at or above the
// configured threshold, or nil on a miss. Embedding failures are misses.
func (s *Semantic) Get(ctx context.Context, model string, req llm.Request) *CachedResponse {
	if !s.cacheable(req) {
		return nil
	}

	embedding, err := s.embed(ctx, model, req)
	if err != nil {
		s.logger.Warn("semantic cache embedding failed, treating as miss", "error", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropExpiredLocked()

	var best *semanticEntry
	bestScore := 0.0
	for _, entry := range s.entries {
		score := Cosine(embedding, entry.embedding)
		if score >= s.cfg.SimilarityThreshold && (best == nil || score > bestScore) {
			best = entry
			bestScore = score
		}
	}

	if best == nil {
		return nil
	}

	best.hits++
	return &CachedResponse{
		Response: best.response,
		ModelID:  best.modelID,
		CachedAt: best.cachedAt.Unix(),
		HitCount: best.hits,
	}
}

// Set embeds the request prompt and stores the response.
// Embedding failures drop the write.
func (s *Semantic) Set(ctx context.Context, model string, req llm.Request, resp *llm.Response) {
	if !s.cacheable(req) || resp == nil {
		return
	}

	embedding, err := s.embed(ctx, model, req)
	if err != nil {
		s.logger.Warn("semantic cache write dropped", "error", err)
		return
	}

	now := time.Now()
	entry := &semanticEntry{
		key:       fmt.Sprintf("%s:%s", s.cfg.Namespace, Fingerprint(model, req, s.cfg.IncludeTemperatureInKey, false)),
		embedding: embedding,
		response:  *resp,
		modelID:   model,
		cachedAt:  now,
	}
	if s.cfg.TTL > 0 {
		entry.expiresAt = now.Add(s.cfg.TTL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropExpiredLocked()
	s.entries = append(s.entries, entry)

	// Oldest-first eviction once the bound is exceeded.
	if overflow := len(s.entries) - s.cfg.MaxEntries; overflow > 0 {
		s.entries = s.entries[overflow:]
	}
}

// Size returns the number of unexpired entries.
func (s *Semantic) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked()
	return len(s.entries)
}

// Clear removes all entries.
func (s *Semantic) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

func (s *Semantic) cacheable(req llm.Request) bool {
	if !s.cfg.Enabled || s.embedder == nil {
		return false
	}
	if req.Stream && !s.cfg.CacheStreaming {
		return false
	}
	return true
}

func (s *Semantic) embed(ctx context.Context, model string, req llm.Request) ([]float64, error) {
	resp, err := s.embedder.Embed(ctx, llm.EmbeddingRequest{
		Model: s.cfg.EmbeddingModel,
		Input: []string{s.canonicalPrompt(model, req)},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embedding response contained no vectors")
	}
	return resp.Embeddings[0], nil
}

// canonicalPrompt renders the request into the deterministic text that gets
// embedded. Model and temperature participate only when configured.
func (s *Semantic) canonicalPrompt(model string, req llm.Request) string {
	var b strings.Builder
	if s.cfg.IncludeModelInKey {
		fmt.Fprintf(&b, "model=%s\n", model)
	}
	if s.cfg.IncludeTemperatureInKey && req.Temperature != nil {
		fmt.Fprintf(&b, "temperature=%g\n", *req.Temperature)
	}
	for _, msg := range req.Messages {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	return b.String()
}

// dropExpiredLocked removes expired entries. Caller holds the lock.
func (s *Semantic) dropExpiredLocked() {
	now := time.Now()
	kept := s.entries[:0]
	for _, entry := range s.entries {
		if !entry.expired(now) {
			kept = append(kept, entry)
		}
	}
	s.entries = kept
}
