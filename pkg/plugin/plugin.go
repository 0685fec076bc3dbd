// Package plugin provides the provider plugin registry and its lifecycle
// state machine. Plugins declare which credential types and model IDs they
// serve and manufacture provider instances from resolved credentials; the
// registry owns initialization order and keeps failed plugins invisible to
// routing.
package plugin

import (
	"context"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/credential"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/llm"
)

// State is a plugin lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateFailed        State = "failed"
	StateShuttingDown  State = "shutting_down"
	StateShutDown      State = "shut_down"
)

// Plugin is a provider family registered with the gateway. Implementations
// must be safe for concurrent use after Init returns.
type Plugin interface {
	// ID returns the stable plugin identifier (e.g. "openai").
	ID() string

	// SupportedCredentialTypes lists the credential types this plugin
	// accepts when building provider instances.
	SupportedCredentialTypes() []credential.Type

	// AvailableModels lists the model IDs this plugin serves.
	AvailableModels() []string

	// Init prepares the plugin for serving. Called once by the registry.
	Init(ctx context.Context) error

	// Shutdown releases plugin resources. Called once in reverse
	// registration order.
	Shutdown(ctx context.Context) error

	// NewProvider builds a provider instance bound to the given credential.
	NewProvider(cred credential.Credential) (llm.Provider, error)
}

// HealthChecker is implemented by plugins that support liveness probes
// beyond lifecycle state.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthStatus reports a plugin's lifecycle state and probe result.
type HealthStatus struct {
	PluginID string `json:"plugin_id"`
	State    State  `json:"state"`
	Healthy  bool   `json:"healthy"`
	Error    string `json:"error,omitempty"`
}

// SupportsCredentialType reports whether the plugin accepts the given
// credential type. Custom credentials match on the plugin-defined name.
func SupportsCredentialType(p Plugin, cred credential.Credential) bool {
	for _, t := range p.SupportedCredentialTypes() {
		if t == cred.Type {
			return true
		}
	}
	return false
}
