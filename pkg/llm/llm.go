// Package llm provides the provider-agnostic request and response model for
// LLM chat completions and embeddings. It is the contract the provider
// router, the response cache, and the workflow executor share.
package llm

import (
	"context"
	"time"
)

// Provider defines the interface that all provider instances must implement.
// Instances are manufactured by plugins for a specific credential and reused
// by the router.
type Provider interface {
	// Name returns the unique identifier for this provider (e.g., "anthropic", "openai").
	Name() string

	// ChatCompletion sends a synchronous completion request and returns the full response.
	ChatCompletion(ctx context.Context, req Request) (*Response, error)
}

// Embedder is an optional interface providers implement when they can
// compute embeddings. The semantic cache and CRAG scoring depend on it.
type Embedder interface {
	// Embed computes embedding vectors for the given inputs.
	Embed(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error)
}

// Request contains all parameters for a chat completion request.
type Request struct {
	// Model is the logical model identifier (resolved by the router).
	Model string `json:"model"`

	// Messages is the conversation history including the current prompt.
	Messages []Message `json:"messages"`

	// Temperature controls randomness (0.0 = deterministic). Nil uses the provider default.
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens limits the response length. Nil uses the provider default.
	MaxTokens *int `json:"max_tokens,omitempty"`

	// Stream requests incremental delivery. Streaming responses are never cached.
	Stream bool `json:"stream,omitempty"`

	// PromptID identifies a stored prompt template, if one was used.
	PromptID string `json:"prompt_id,omitempty"`

	// PromptVars holds the variables the prompt template was rendered with.
	PromptVars map[string]string `json:"prompt_vars,omitempty"`

	// StopSequences are strings that halt generation when encountered.
	StopSequences []string `json:"stop_sequences,omitempty"`

	// Metadata contains request tracking information (correlation IDs, etc).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Message represents a single message in a conversation.
type Message struct {
	// Role indicates who sent this message (system, user, assistant).
	Role MessageRole `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`
}

// MessageRole identifies the sender of a message.
type MessageRole string

const (
	// MessageRoleSystem indicates a system message (context, instructions).
	MessageRoleSystem MessageRole = "system"

	// MessageRoleUser indicates a message from the user.
	MessageRoleUser MessageRole = "user"

	// MessageRoleAssistant indicates a message from the model.
	MessageRoleAssistant MessageRole = "assistant"
)

// Response contains the full response from a chat completion.
type Response struct {
	// ID is the unique identifier for this response (for tracing and caching).
	ID string `json:"id"`

	// Content is the generated text response.
	Content string `json:"content"`

	// Model is the concrete model ID that handled this request.
	Model string `json:"model"`

	// FinishReason explains why generation stopped.
	FinishReason FinishReason `json:"finish_reason"`

	// Usage contains token consumption information.
	Usage TokenUsage `json:"usage"`

	// Created is the timestamp when this response was generated.
	Created time.Time `json:"created"`
}

// FinishReason indicates why completion generation stopped.
type FinishReason string

const (
	// FinishReasonStop indicates natural completion.
	FinishReasonStop FinishReason = "stop"

	// FinishReasonLength indicates the max_tokens limit was reached.
	FinishReasonLength FinishReason = "length"

	// FinishReasonContentFilter indicates a content policy violation.
	FinishReasonContentFilter FinishReason = "content_filter"

	// FinishReasonError indicates an error occurred.
	FinishReasonError FinishReason = "error"
)

// TokenUsage tracks token consumption for accounting.
type TokenUsage struct {
	// InputTokens is the number of tokens in the input (prompt).
	InputTokens int `json:"input_tokens"`

	// OutputTokens is the number of tokens in the output (completion).
	OutputTokens int `json:"output_tokens"`

	// TotalTokens is the sum of input and output tokens.
	TotalTokens int `json:"total_tokens"`
}

// EmbeddingRequest contains parameters for an embedding request.
type EmbeddingRequest struct {
	// Model is the embedding model identifier.
	Model string `json:"model"`

	// Input holds the texts to embed.
	Input []string `json:"input"`
}

// EmbeddingResponse contains embedding vectors, one per input.
type EmbeddingResponse struct {
	// Embeddings holds one vector per input, in input order.
	Embeddings [][]float64 `json:"embeddings"`

	// Model is the concrete model ID that produced the vectors.
	Model string `json:"model"`

	// Usage contains token consumption information.
	Usage TokenUsage `json:"usage"`
}
