package response

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/cache"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/llm"
)

// mapEmbedder returns canned vectors keyed by input text.
type mapEmbedder struct {
	vectors map[string][]float64
	err     error
	calls   int
}

func (e *mapEmbedder) Embed(ctx context.Context, req llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float64, 0, len(req.Input))
	for _, input := range req.Input {
		vec, ok := e.vectors[input]
		if !ok {
			vec = []float64{0, 0, 1}
		}
		out = append(out, vec)
	}
	return &llm.EmbeddingResponse{Embeddings: out, Model: req.Model}, nil
}

func enabledSemanticConfig() SemanticConfig {
	cfg := DefaultSemanticConfig()
	cfg.Enabled = true
	cfg.EmbeddingModel = "text-embedding-3-small"
	return cfg
}

// prompt returns the canonical text the semantic cache embeds for a plain
// user message with default key options.
func prompt(content string) string {
	return fmt.Sprintf("user: %s\n", content)
}

func TestSemanticHitAboveThreshold(t *testing.T) {
	ctx := context.Background()
	embedder := &mapEmbedder{vectors: map[string][]float64{
		prompt("capital of France"):        {1, 0, 0},
		prompt("what is France's capital"): {0.99, 0.01, 0},
	}}
	s := NewSemantic(embedder, enabledSemanticConfig(), testLogger())

	s.Set(ctx, "gpt-4o", chatRequest("capital of France"), chatResponse("resp-1", "Paris."))

	cached := s.Get(ctx, "gpt-4o", chatRequest("what is France's capital"))
	require.NotNil(t, cached, "paraphrase above threshold hits")
	assert.Equal(t, "resp-1", cached.Response.ID)
	assert.Equal(t, int64(1), cached.HitCount)
}

func TestSemanticMissBelowThreshold(t *testing.T) {
	ctx := context.Background()
	embedder := &mapEmbedder{vectors: map[string][]float64{
		prompt("capital of France"): {1, 0, 0},
		prompt("recipe for bread"):  {0, 1, 0},
	}}
	s := NewSemantic(embedder, enabledSemanticConfig(), testLogger())

	s.Set(ctx, "gpt-4o", chatRequest("capital of France"), chatResponse("resp-1", "Paris."))

	assert.Nil(t, s.Get(ctx, "gpt-4o", chatRequest("recipe for bread")))
}

func TestSemanticBestMatchWins(t *testing.T) {
	ctx := context.Background()
	embedder := &mapEmbedder{vectors: map[string][]float64{
		prompt("close"):  {0.96, 0.04, 0},
		prompt("closer"): {0.999, 0.001, 0},
		prompt("query"):  {1, 0, 0},
	}}
	s := NewSemantic(embedder, enabledSemanticConfig(), testLogger())

	s.Set(ctx, "gpt-4o", chatRequest("close"), chatResponse("resp-close", "a"))
	s.Set(ctx, "gpt-4o", chatRequest("closer"), chatResponse("resp-closer", "b"))

	cached := s.Get(ctx, "gpt-4o", chatRequest("query"))
	require.NotNil(t, cached)
	assert.Equal(t, "resp-closer", cached.Response.ID)
}

func TestSemanticDisabled(t *testing.T) {
	ctx := context.Background()
	embedder := &mapEmbedder{}
	cfg := enabledSemanticConfig()
	cfg.Enabled = false
	s := NewSemantic(embedder, cfg, testLogger())

	s.Set(ctx, "gpt-4o", chatRequest("x"), chatResponse("r", "y"))
	assert.Nil(t, s.Get(ctx, "gpt-4o", chatRequest("x")))
	assert.Zero(t, embedder.calls, "disabled layer never embeds")
}

func TestSemanticEmbeddingFailureIsMiss(t *testing.T) {
	ctx := context.Background()
	embedder := &mapEmbedder{err: fmt.Errorf("embedding service down")}
	s := NewSemantic(embedder, enabledSemanticConfig(), testLogger())

	s.Set(ctx, "gpt-4o", chatRequest("x"), chatResponse("r", "y"))
	assert.Zero(t, s.Size(), "failed write dropped")
	assert.Nil(t, s.Get(ctx, "gpt-4o", chatRequest("x")))
}

func TestSemanticThresholdClamping(t *testing.T) {
	cfg := enabledSemanticConfig()
	cfg.SimilarityThreshold = 1.5
	cfg.clamp()
	assert.Equal(t, 1.0, cfg.SimilarityThreshold)

	cfg.SimilarityThreshold = -0.3
	cfg.clamp()
	assert.Equal(t, 0.0, cfg.SimilarityThreshold)
}

func TestSemanticEviction(t *testing.T) {
	ctx := context.Background()
	embedder := &mapEmbedder{vectors: map[string][]float64{}}
	cfg := enabledSemanticConfig()
	cfg.MaxEntries = 2
	s := NewSemantic(embedder, cfg, testLogger())

	for i := range 3 {
		s.Set(ctx, "gpt-4o", chatRequest(fmt.Sprintf("entry %d", i)), chatResponse(fmt.Sprintf("r%d", i), "x"))
	}
	assert.Equal(t, 2, s.Size(), "oldest entry evicted")
}

func TestSemanticTTLExpiry(t *testing.T) {
	ctx := context.Background()
	embedder := &mapEmbedder{vectors: map[string][]float64{}}
	cfg := enabledSemanticConfig()
	cfg.TTL = 10 * time.Millisecond
	s := NewSemantic(embedder, cfg, testLogger())

	s.Set(ctx, "gpt-4o", chatRequest("short lived"), chatResponse("r", "x"))
	require.Equal(t, 1, s.Size())

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, s.Size())
}

func TestLayerExactHitSkipsEmbedding(t *testing.T) {
	ctx := context.Background()
	embedder := &mapEmbedder{vectors: map[string][]float64{}}
	exact := New(cache.NewMemory(), DefaultConfig(), testLogger())
	semantic := NewSemantic(embedder, enabledSemanticConfig(), testLogger())
	layer := NewLayer(exact, semantic)

	req := chatRequest("cached question")
	layer.Set(ctx, "gpt-4o", req, chatResponse("resp-1", "answer"))
	callsAfterSet := embedder.calls

	cached := layer.Get(ctx, "gpt-4o", req)
	require.NotNil(t, cached)
	assert.Equal(t, "resp-1", cached.Response.ID)
	assert.Equal(t, callsAfterSet, embedder.calls, "exact hit never embeds")
}

func TestLayerFallsBackToSemantic(t *testing.T) {
	ctx := context.Background()
	embedder := &mapEmbedder{vectors: map[string][]float64{
		prompt("original"):   {1, 0, 0},
		prompt("paraphrase"): {0.99, 0.01, 0},
	}}
	exact := New(cache.NewMemory(), DefaultConfig(), testLogger())
	semantic := NewSemantic(embedder, enabledSemanticConfig(), testLogger())
	layer := NewLayer(exact, semantic)

	layer.Set(ctx, "gpt-4o", chatRequest("original"), chatResponse("resp-1", "answer"))

	cached := layer.Get(ctx, "gpt-4o", chatRequest("paraphrase"))
	require.NotNil(t, cached, "exact miss falls through to semantic")
	assert.Equal(t, "resp-1", cached.Response.ID)
}

func TestLayerWithoutSemantic(t *testing.T) {
	ctx := context.Background()
	exact := New(cache.NewMemory(), DefaultConfig(), testLogger())
	layer := NewLayer(exact, nil)

	req := chatRequest("q")
	layer.Set(ctx, "gpt-4o", req, chatResponse("r", "a"))
	assert.NotNil(t, layer.Get(ctx, "gpt-4o", req))
	assert.Nil(t, layer.Get(ctx, "gpt-4o", chatRequest("other")))
}
