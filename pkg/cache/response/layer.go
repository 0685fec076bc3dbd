package response

import (
	"context"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/llm"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/observability"
)

// Layer combines the exact-match cache with the optional semantic cache.
// Lookups consult the exact layer first; exact hits never pay for an
// embedding call.
type Layer struct {
	exact    *Cache
	semantic *Semantic
}

// NewLayer creates a layered response cache. semantic may be nil.
func NewLayer(exact *Cache, semantic *Semantic) *Layer {
	return &Layer{
		exact:    exact,
		semantic: semantic,
	}
}

// Get returns a cached response from the exact layer, falling back to the
// semantic layer, or nil on a complete miss.
func (l *Layer) Get(ctx context.Context, model string, req llm.Request) *CachedResponse {
	if cached := l.exact.Get(ctx, model, req); cached != nil {
		observability.RecordCacheLookup("exact", true)
		return cached
	}
	observability.RecordCacheLookup("exact", false)
	if l.semantic != nil {
		cached := l.semantic.Get(ctx, model, req)
		observability.RecordCacheLookup("semantic", cached != nil)
		return cached
	}
	return nil
}

// Set writes the response to both layers. Writes never block the caller's
// response path beyond the underlying store's latency; failures are dropped.
func (l *Layer) Set(ctx context.Context, model string, req llm.Request, resp *llm.Response) {
	l.exact.Set(ctx, model, req, resp)
	if l.semantic != nil {
		l.semantic.Set(ctx, model, req, resp)
	}
}
