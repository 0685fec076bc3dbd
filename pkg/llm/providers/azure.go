package providers

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/httpclient"
)

// azureAPIVersion is the default Azure OpenAI API version.
const azureAPIVersion = "2024-06-01"

// NewAzureOpenAIProvider creates a provider for an Azure OpenAI deployment.
// Azure addresses requests by deployment rather than by model, so the
// request's model field is ignored by the service; the deployment decides.
// The wire protocol is otherwise OpenAI's, so this reuses the OpenAI
// provider with Azure's URL shape and api-key header.
func NewAzureOpenAIProvider(apiKey, endpoint, deployment string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, &errors.ConfigError{
			Key:    "azure_openai.api_key",
			Reason: "API key is required for Azure OpenAI provider",
		}
	}
	if endpoint == "" {
		return nil, &errors.ConfigError{
			Key:    "azure_openai.endpoint",
			Reason: "resource endpoint is required for Azure OpenAI provider",
		}
	}
	if deployment == "" {
		return nil, &errors.ConfigError{
			Key:    "azure_openai.deployment",
			Reason: "deployment name is required for Azure OpenAI provider",
		}
	}

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 120 * time.Second
	cfg.UserAgent = "llm-gateway-azure-openai/1.0"
	cfg.RetryAttempts = 0

	httpClient, err := httpclient.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	baseURL := strings.TrimRight(endpoint, "/") + "/openai/deployments/" + url.PathEscape(deployment)

	return &OpenAIProvider{
		name:       "azure_openai",
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		authorize: func(r *http.Request) {
			r.Header.Set("api-key", apiKey)
		},
		query: "api-version=" + azureAPIVersion,
	}, nil
}
