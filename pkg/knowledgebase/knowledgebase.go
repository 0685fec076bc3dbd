// Package knowledgebase defines the contract for external knowledge-base
// backends consumed by knowledge_base_search workflow steps. The gateway
// core assumes only this capability set; concrete vector stores plug in
// behind it.
package knowledgebase

import "context"

// Document is a single search hit returned by a knowledge base.
type Document struct {
	// ID is the backend-assigned document identifier.
	ID string `json:"id"`

	// Content is the document text.
	Content string `json:"content"`

	// Score is the backend's similarity score for this hit.
	Score float64 `json:"score"`

	// Metadata carries backend-specific document attributes.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SearchRequest describes a vector search against a knowledge base.
type SearchRequest struct {
	// KnowledgeBaseID selects the knowledge base to search.
	KnowledgeBaseID string `json:"knowledge_base_id"`

	// Query is the (already variable-substituted) search text.
	Query string `json:"query"`

	// TopK bounds the number of results. Zero uses the backend default.
	TopK int `json:"top_k,omitempty"`

	// SimilarityThreshold filters out hits below this score.
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`

	// Filter narrows the search by metadata fields.
	Filter map[string]interface{} `json:"filter,omitempty"`
}

// Provider is the capability the workflow executor depends on for
// knowledge_base_search steps.
type Provider interface {
	// Search performs a vector search and returns matching documents
	// ordered by descending score.
	Search(ctx context.Context, req SearchRequest) ([]Document, error)
}
