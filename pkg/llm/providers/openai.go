package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/httpclient"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/llm"
)

// openAIAPIBaseURL is the base URL for the OpenAI API.
const openAIAPIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider implements the Provider and Embedder interfaces for
// OpenAI-compatible APIs.
type OpenAIProvider struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client

	// authorize sets the request's auth headers; Azure uses a different
	// header than the public API.
	authorize func(*http.Request)

	// query is appended to every endpoint path. Azure uses it for the
	// api-version parameter.
	query string
}

// NewOpenAIProvider creates an OpenAI provider. An empty endpoint uses the
// public API; OpenAI-compatible servers work by overriding it.
func NewOpenAIProvider(apiKey, endpoint string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, &errors.ConfigError{
			Key:    "openai.api_key",
			Reason: "API key is required for OpenAI provider",
		}
	}

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 120 * time.Second
	cfg.UserAgent = "llm-gateway-openai/1.0"
	cfg.RetryAttempts = 0

	httpClient, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	baseURL := openAIAPIBaseURL
	if endpoint != "" {
		baseURL = endpoint
	}

	return &OpenAIProvider{
		name:       "openai",
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		authorize: func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+apiKey)
		},
	}, nil
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return p.name
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model       string          `json:"model,omitempty"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type openAIEmbeddingRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// ChatCompletion sends a request to the chat completions endpoint.
func (p *OpenAIProvider) ChatCompletion(ctx context.Context, req llm.Request) (*llm.Response, error) {
	requestID := uuid.New().String()

	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "completion request must have at least one message",
			Suggestion: "Add at least one message to the completion request",
		}
	}

	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openAIMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	apiReq := openAIChatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.StopSequences,
	}

	var apiResp openAIChatResponse
	if err := p.post(ctx, "/chat/completions", requestID, apiReq, &apiResp); err != nil {
		return nil, err
	}

	if len(apiResp.Choices) == 0 {
		return nil, &errors.ProviderError{
			Provider:  p.name,
			Message:   "response contained no choices",
			RequestID: requestID,
		}
	}
	choice := apiResp.Choices[0]

	return &llm.Response{
		ID:           apiResp.ID,
		Content:      choice.Message.Content,
		Model:        apiResp.Model,
		FinishReason: mapOpenAIFinishReason(choice.FinishReason),
		Usage: llm.TokenUsage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:  apiResp.Usage.TotalTokens,
		},
		Created: time.Now().UTC(),
	}, nil
}

// Embed sends a request to the embeddings endpoint.
func (p *OpenAIProvider) Embed(ctx context.Context, req llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	requestID := uuid.New().String()

	if len(req.Input) == 0 {
		return nil, &errors.ValidationError{
			Field:   "input",
			Message: "embedding request must have at least one input",
		}
	}

	apiReq := openAIEmbeddingRequest{
		Model: req.Model,
		Input: req.Input,
	}

	var apiResp openAIEmbeddingResponse
	if err := p.post(ctx, "/embeddings", requestID, apiReq, &apiResp); err != nil {
		return nil, err
	}

	embeddings := make([][]float64, len(apiResp.Data))
	for _, item := range apiResp.Data {
		if item.Index >= 0 && item.Index < len(embeddings) {
			embeddings[item.Index] = item.Embedding
		}
	}

	return &llm.EmbeddingResponse{
		Embeddings: embeddings,
		Model:      apiResp.Model,
		Usage: llm.TokenUsage{
			InputTokens: apiResp.Usage.PromptTokens,
			TotalTokens: apiResp.Usage.TotalTokens,
		},
	}, nil
}

// post executes one JSON request/response round trip with the provider's
// error mapping.
func (p *OpenAIProvider) post(ctx context.Context, path, requestID string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &errors.ProviderError{
			Provider:  p.name,
			Message:   fmt.Sprintf("failed to marshal request: %v", err),
			RequestID: requestID,
		}
	}

	endpoint := p.baseURL + path
	if p.query != "" {
		endpoint += "?" + p.query
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &errors.ProviderError{
			Provider:  p.name,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			RequestID: requestID,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.authorize(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return &errors.ProviderError{
			Provider:  p.name,
			Message:   fmt.Sprintf("request failed: %v", err),
			RequestID: requestID,
			Retryable: true,
			Cause:     err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errors.ProviderError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to read response: %v", err),
			RequestID:  requestID,
			Retryable:  true,
		}
	}

	if resp.StatusCode != http.StatusOK {
		message := fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
		var errResp openAIErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			message = errResp.Error.Message
		}
		return &errors.ProviderError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Message:    message,
			Suggestion: suggestionForStatus(resp.StatusCode),
			RequestID:  requestID,
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &errors.ProviderError{
			Provider:  p.name,
			Message:   fmt.Sprintf("failed to parse response: %v", err),
			RequestID: requestID,
		}
	}
	return nil
}

func mapOpenAIFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishReasonStop
	case "length":
		return llm.FinishReasonLength
	case "content_filter":
		return llm.FinishReasonContentFilter
	default:
		return llm.FinishReasonStop
	}
}

var (
	_ llm.Provider = (*OpenAIProvider)(nil)
	_ llm.Embedder = (*OpenAIProvider)(nil)
)
