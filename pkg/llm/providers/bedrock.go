package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscredentials "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/llm"
)

// bedrockAnthropicVersion is the anthropic payload version Bedrock expects.
const bedrockAnthropicVersion = "bedrock-2023-05-31"

// bedrockDefaultRegion applies when the credential names no region.
const bedrockDefaultRegion = "us-east-1"

// BedrockProvider implements the Provider and Embedder interfaces on AWS
// Bedrock. Anthropic models use the messages payload; embeddings use Titan.
type BedrockProvider struct {
	client *bedrockruntime.Client
	region string
}

// NewBedrockProvider creates a Bedrock provider. The API key is either
// empty (ambient AWS credential chain) or "access_key_id:secret_access_key"
// for static credentials. region defaults to us-east-1.
func NewBedrockProvider(ctx context.Context, apiKey, region string) (*BedrockProvider, error) {
	if region == "" {
		region = bedrockDefaultRegion
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if apiKey != "" {
		accessKey, secretKey, found := strings.Cut(apiKey, ":")
		if !found || accessKey == "" || secretKey == "" {
			return nil, &errors.ConfigError{
				Key:    "bedrock.api_key",
				Reason: "expected access_key_id:secret_access_key",
			}
		}
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			awscredentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &BedrockProvider{
		client: bedrockruntime.NewFromConfig(cfg),
		region: region,
	}, nil
}

// Name returns the provider identifier.
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

type bedrockAnthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	System           string             `json:"system,omitempty"`
	Messages         []anthropicMessage `json:"messages"`
	Temperature      *float64           `json:"temperature,omitempty"`
	StopSequences    []string           `json:"stop_sequences,omitempty"`
}

type bedrockAnthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type titanEmbeddingRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbeddingResponse struct {
	Embedding           []float64 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// ChatCompletion invokes an Anthropic model on Bedrock.
func (p *BedrockProvider) ChatCompletion(ctx context.Context, req llm.Request) (*llm.Response, error) {
	requestID := uuid.New().String()

	if len(req.Messages) == 0 {
		return nil, &errors.ValidationError{
			Field:      "messages",
			Message:    "completion request must have at least one message",
			Suggestion: "Add at least one message to the completion request",
		}
	}

	var systemPrompt string
	var messages []anthropicMessage
	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.MessageRoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
		case llm.MessageRoleUser, llm.MessageRoleAssistant:
			messages = append(messages, anthropicMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}

	maxTokens := anthropicDefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	payload, err := json.Marshal(bedrockAnthropicRequest{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        maxTokens,
		System:           systemPrompt,
		Messages:         messages,
		Temperature:      req.Temperature,
		StopSequences:    req.StopSequences,
	})
	if err != nil {
		return nil, &errors.ProviderError{
			Provider:  "bedrock",
			Message:   fmt.Sprintf("failed to marshal request: %v", err),
			RequestID: requestID,
		}
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, p.mapError(err, requestID)
	}

	var apiResp bedrockAnthropicResponse
	if err := json.Unmarshal(out.Body, &apiResp); err != nil {
		return nil, &errors.ProviderError{
			Provider:  "bedrock",
			Message:   fmt.Sprintf("failed to parse response: %v", err),
			RequestID: requestID,
		}
	}

	var content string
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	model := apiResp.Model
	if model == "" {
		model = req.Model
	}

	return &llm.Response{
		ID:           apiResp.ID,
		Content:      content,
		Model:        model,
		FinishReason: mapAnthropicStopReason(apiResp.StopReason),
		Usage: llm.TokenUsage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
			TotalTokens:  apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Created: time.Now().UTC(),
	}, nil
}

// Embed invokes a Titan embedding model, one input per call.
func (p *BedrockProvider) Embed(ctx context.Context, req llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	requestID := uuid.New().String()

	if len(req.Input) == 0 {
		return nil, &errors.ValidationError{
			Field:   "input",
			Message: "embedding request must have at least one input",
		}
	}

	embeddings := make([][]float64, 0, len(req.Input))
	totalTokens := 0
	for _, text := range req.Input {
		payload, err := json.Marshal(titanEmbeddingRequest{InputText: text})
		if err != nil {
			return nil, &errors.ProviderError{
				Provider:  "bedrock",
				Message:   fmt.Sprintf("failed to marshal request: %v", err),
				RequestID: requestID,
			}
		}

		out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(req.Model),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        payload,
		})
		if err != nil {
			return nil, p.mapError(err, requestID)
		}

		var apiResp titanEmbeddingResponse
		if err := json.Unmarshal(out.Body, &apiResp); err != nil {
			return nil, &errors.ProviderError{
				Provider:  "bedrock",
				Message:   fmt.Sprintf("failed to parse response: %v", err),
				RequestID: requestID,
			}
		}

		embeddings = append(embeddings, apiResp.Embedding)
		totalTokens += apiResp.InputTextTokenCount
	}

	return &llm.EmbeddingResponse{
		Embeddings: embeddings,
		Model:      req.Model,
		Usage: llm.TokenUsage{
			InputTokens: totalTokens,
			TotalTokens: totalTokens,
		},
	}, nil
}

// retryableBedrockCodes are the service error codes worth a fallback retry.
var retryableBedrockCodes = map[string]bool{
	"ThrottlingException":         true,
	"ServiceUnavailableException": true,
	"InternalServerException":     true,
	"ModelTimeoutException":       true,
	"ModelNotReadyException":      true,
}

func (p *BedrockProvider) mapError(err error, requestID string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &errors.ProviderError{
			Provider:  "bedrock",
			Message:   fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage()),
			RequestID: requestID,
			Retryable: retryableBedrockCodes[apiErr.ErrorCode()],
			Cause:     err,
		}
	}
	return &errors.ProviderError{
		Provider:  "bedrock",
		Message:   fmt.Sprintf("request failed: %v", err),
		RequestID: requestID,
		Retryable: true,
		Cause:     err,
	}
}

var (
	_ llm.Provider = (*BedrockProvider)(nil)
	_ llm.Embedder = (*BedrockProvider)(nil)
)
