package providers

import (
	"context"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/credential"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/llm"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/plugin"
)

// ProviderPlugin is the common plugin shape for the built-in provider
// families. It declares the models it serves and manufactures provider
// instances from resolved credentials.
type ProviderPlugin struct {
	id        string
	credTypes []credential.Type
	models    []string
	build     func(context.Context, credential.Credential) (llm.Provider, error)
}

// ID returns the plugin identifier.
func (p *ProviderPlugin) ID() string { return p.id }

// SupportedCredentialTypes lists accepted credential types.
func (p *ProviderPlugin) SupportedCredentialTypes() []credential.Type {
	out := make([]credential.Type, len(p.credTypes))
	copy(out, p.credTypes)
	return out
}

// AvailableModels lists the model IDs this plugin serves.
func (p *ProviderPlugin) AvailableModels() []string {
	out := make([]string, len(p.models))
	copy(out, p.models)
	return out
}

// Init implements plugin.Plugin. The built-in plugins have no warm-up.
func (p *ProviderPlugin) Init(ctx context.Context) error { return nil }

// Shutdown implements plugin.Plugin.
func (p *ProviderPlugin) Shutdown(ctx context.Context) error { return nil }

// NewProvider builds a provider instance bound to the credential.
func (p *ProviderPlugin) NewProvider(cred credential.Credential) (llm.Provider, error) {
	return p.build(context.Background(), cred)
}

// NewOpenAIPlugin creates the OpenAI provider plugin serving the given
// model IDs.
func NewOpenAIPlugin(models []string) *ProviderPlugin {
	return &ProviderPlugin{
		id:        "openai",
		credTypes: []credential.Type{credential.TypeOpenAI},
		models:    models,
		build: func(_ context.Context, cred credential.Credential) (llm.Provider, error) {
			return NewOpenAIProvider(cred.APIKey, cred.Param("endpoint"))
		},
	}
}

// NewAnthropicPlugin creates the Anthropic provider plugin.
func NewAnthropicPlugin(models []string) *ProviderPlugin {
	return &ProviderPlugin{
		id:        "anthropic",
		credTypes: []credential.Type{credential.TypeAnthropic},
		models:    models,
		build: func(_ context.Context, cred credential.Credential) (llm.Provider, error) {
			return NewAnthropicProvider(cred.APIKey, cred.Param("endpoint"))
		},
	}
}

// NewAzureOpenAIPlugin creates the Azure OpenAI provider plugin. The
// credential's endpoint and deployment parameters address the resource.
func NewAzureOpenAIPlugin(models []string) *ProviderPlugin {
	return &ProviderPlugin{
		id:        "azure_openai",
		credTypes: []credential.Type{credential.TypeAzureOpenAI},
		models:    models,
		build: func(_ context.Context, cred credential.Credential) (llm.Provider, error) {
			return NewAzureOpenAIProvider(cred.APIKey, cred.Param("endpoint"), cred.Param("deployment"))
		},
	}
}

// NewBedrockPlugin creates the AWS Bedrock provider plugin. The
// credential's endpoint parameter carries the region.
func NewBedrockPlugin(models []string) *ProviderPlugin {
	return &ProviderPlugin{
		id:        "bedrock",
		credTypes: []credential.Type{credential.TypeBedrock},
		models:    models,
		build: func(ctx context.Context, cred credential.Credential) (llm.Provider, error) {
			return NewBedrockProvider(ctx, cred.APIKey, cred.Param("endpoint"))
		},
	}
}

var _ plugin.Plugin = (*ProviderPlugin)(nil)
