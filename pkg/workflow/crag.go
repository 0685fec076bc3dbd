package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/cache/response"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/llm"
)

// scoredDocument is one CRAG-evaluated document in the step output.
type scoredDocument struct {
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// runCRAGScoring consumes the referenced documents, scores each for
// relevance to the query using the configured strategy, and returns the
// documents at or above the threshold.
func (e *Executor) runCRAGScoring(ctx context.Context, c *Context, cfg *CRAGScoringStep) (any, error) {
	raw, err := ResolveValue(c, cfg.InputDocuments)
	if err != nil {
		return nil, err
	}
	docs, err := coerceDocuments(raw)
	if err != nil {
		return nil, err
	}

	query, err := SubstituteString(c, cfg.Query)
	if err != nil {
		return nil, err
	}

	var queryEmbedding []float64
	needsEmbedding := cfg.Strategy == StrategyThreshold || cfg.Strategy == StrategyHybrid
	if needsEmbedding {
		queryEmbedding, err = e.embedText(ctx, cfg.EmbeddingModel, query)
		if err != nil {
			return nil, err
		}
	}

	kept := make([]scoredDocument, 0, len(docs))
	for _, doc := range docs {
		score, err := e.scoreDocument(ctx, c, cfg, doc, query, queryEmbedding)
		if err != nil {
			return nil, err
		}
		if score >= cfg.ScoreThreshold {
			doc.Score = score
			kept = append(kept, doc)
		}
	}

	return map[string]any{
		"documents": normalize(kept),
		"count":     len(kept),
	}, nil
}

func (e *Executor) scoreDocument(ctx context.Context, c *Context, cfg *CRAGScoringStep, doc scoredDocument, query string, queryEmbedding []float64) (float64, error) {
	switch cfg.Strategy {
	case StrategyThreshold:
		return e.cosineScore(ctx, cfg, doc, queryEmbedding)
	case StrategyLLM:
		return e.judgeScore(ctx, cfg, doc, query)
	case StrategyHybrid:
		cosine, err := e.cosineScore(ctx, cfg, doc, queryEmbedding)
		if err != nil {
			return 0, err
		}
		judge, err := e.judgeScore(ctx, cfg, doc, query)
		if err != nil {
			return 0, err
		}
		return min(cosine, judge), nil
	default:
		return 0, fmt.Errorf("unknown scoring strategy %q", cfg.Strategy)
	}
}

// cosineScore uses the document's retrieval score when present, otherwise
// embeds the document and compares against the query embedding.
func (e *Executor) cosineScore(ctx context.Context, cfg *CRAGScoringStep, doc scoredDocument, queryEmbedding []float64) (float64, error) {
	if doc.Score > 0 {
		return doc.Score, nil
	}

	docEmbedding, err := e.embedText(ctx, cfg.EmbeddingModel, doc.Content)
	if err != nil {
		return 0, err
	}
	return response.Cosine(queryEmbedding, docEmbedding), nil
}

// judgeScore asks the judge model to rate the document's relevance on
// [0, 1]. The response's leading number is the score.
func (e *Executor) judgeScore(ctx context.Context, cfg *CRAGScoringStep, doc scoredDocument, query string) (float64, error) {
	handle, err := e.router.Route(ctx, cfg.Model, cfg.CredentialID)
	if err != nil {
		return 0, err
	}

	req := llm.Request{
		Model:    cfg.Model,
		PromptID: cfg.PromptID,
		Messages: []llm.Message{
			{
				Role: llm.MessageRoleSystem,
				Content: "Rate the relevance of the document to the query. " +
					"Respond with a single number between 0.0 and 1.0.",
			},
			{
				Role:    llm.MessageRoleUser,
				Content: fmt.Sprintf("Query: %s\n\nDocument: %s", query, doc.Content),
			},
		},
	}

	resp, err := handle.ChatCompletion(ctx, req)
	if err != nil {
		return 0, err
	}
	return parseScore(resp.Content)
}

// parseScore extracts the leading number from a judge response and clamps
// it to [0, 1].
func parseScore(content string) (float64, error) {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) == 0 {
		return 0, fmt.Errorf("judge returned an empty response")
	}
	score, err := strconv.ParseFloat(strings.Trim(fields[0], ".,"), 64)
	if err != nil {
		return 0, fmt.Errorf("judge returned non-numeric score %q", fields[0])
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

func (e *Executor) embedText(ctx context.Context, model, text string) ([]float64, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("no embedding provider configured")
	}
	resp, err := e.embedder.Embed(ctx, llm.EmbeddingRequest{
		Model: model,
		Input: []string{text},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embedding response contained no vectors")
	}
	return resp.Embeddings[0], nil
}

// coerceDocuments accepts either a bare document array or a search-step
// output object with a "documents" field.
func coerceDocuments(raw any) ([]scoredDocument, error) {
	if obj, ok := raw.(map[string]any); ok {
		if inner, present := obj["documents"]; present {
			raw = inner
		}
	}

	arr, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("input_documents must resolve to a document array, got %T", raw)
	}

	docs := make([]scoredDocument, 0, len(arr))
	for i, element := range arr {
		switch v := element.(type) {
		case string:
			docs = append(docs, scoredDocument{Content: v})
		case map[string]any:
			doc := scoredDocument{}
			if content, ok := v["content"].(string); ok {
				doc.Content = content
			}
			if score, ok := toFloat(v["score"]); ok {
				doc.Score = score
			}
			if meta, ok := v["metadata"].(map[string]any); ok {
				doc.Metadata = meta
			}
			docs = append(docs, doc)
		default:
			return nil, fmt.Errorf("document %d has unsupported shape %T", i, element)
		}
	}
	return docs, nil
}
