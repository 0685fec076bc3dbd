// Package router resolves logical model IDs to initialized provider
// instances. Instances are cached per (plugin, credential) pair, rebuilt
// when the credential version changes, and chained through configured
// fallback targets when a call fails with a retryable error.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/credential"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/llm"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/observability"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/plugin"
)

// Target is one (plugin, credential) routing destination.
type Target struct {
	PluginID     string `json:"plugin_id" yaml:"plugin_id"`
	CredentialID string `json:"credential_id" yaml:"credential_id"`
}

func (t Target) key() string {
	return t.PluginID + "\x00" + t.CredentialID
}

// Config configures the router.
type Config struct {
	// DefaultCredentials maps a plugin ID to the credential used when the
	// caller does not name one.
	DefaultCredentials map[string]string

	// Fallbacks maps a model ID to the ordered targets tried after the
	// primary target fails with a retryable error.
	Fallbacks map[string][]Target

	// BreakerThreshold is the number of consecutive failures before a
	// target's circuit opens. 0 disables the breaker.
	BreakerThreshold int

	// BreakerTimeout is how long an open circuit stays open.
	BreakerTimeout time.Duration

	// OnFallback is invoked when the router moves to the next target.
	OnFallback func(from, to Target, err error)
}

// DefaultConfig returns router defaults with the breaker enabled.
func DefaultConfig() Config {
	return Config{
		BreakerThreshold: 5,
		BreakerTimeout:   30 * time.Second,
	}
}

// Handle is a routed provider bound to a model and its fallback chain.
type Handle interface {
	// ChatCompletion executes a chat completion against the chain.
	ChatCompletion(ctx context.Context, req llm.Request) (*llm.Response, error)

	// Embed executes an embedding request against the chain.
	Embed(ctx context.Context, req llm.EmbeddingRequest) (*llm.EmbeddingResponse, error)
}

type instance struct {
	provider llm.Provider
	version  uint64
}

// Router builds and caches provider instances and routes model IDs to them.
type Router struct {
	registry *plugin.Registry
	resolver *credential.Resolver
	cfg      Config
	logger   *slog.Logger

	// instances caches one provider per (plugin, credential) key, so its
	// size is bounded by the cardinality of configured pairs. Rotation
	// removes a credential's entries via InvalidateInstances.
	mu        sync.RWMutex
	instances map[string]*instance

	group   singleflight.Group
	breaker *breaker
}

// New creates a router over the given plugin registry and credential
// resolver.
func New(registry *plugin.Registry, resolver *credential.Resolver, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		registry:  registry,
		resolver:  resolver,
		cfg:       cfg,
		logger:    logger,
		instances: make(map[string]*instance),
	}
	if cfg.BreakerThreshold > 0 {
		r.breaker = newBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout)
	}
	return r
}

// Route resolves a model ID (and optional credential ID) to a handle. The
// handle's calls walk the primary target plus any configured fallbacks.
// An empty credentialID selects the plugin's default credential.
func (r *Router) Route(ctx context.Context, modelID, credentialID string) (Handle, error) {
	p, err := r.registry.ForModel(modelID)
	if err != nil {
		return nil, err
	}

	if credentialID == "" {
		credentialID = r.cfg.DefaultCredentials[p.ID()]
		if credentialID == "" {
			return nil, &errors.CredentialError{
				Reason: fmt.Sprintf("no default credential configured for plugin %s", p.ID()),
			}
		}
	}

	primary := Target{PluginID: p.ID(), CredentialID: credentialID}
	chain := append([]Target{primary}, r.cfg.Fallbacks[modelID]...)

	return &routedHandle{router: r, modelID: modelID, chain: chain}, nil
}

// BreakerStatus returns circuit state per target key, or nil when the
// breaker is disabled.
func (r *Router) BreakerStatus() map[string]BreakerStatus {
	if r.breaker == nil {
		return nil
	}
	return r.breaker.status()
}

// InvalidateInstances drops cached provider instances for a credential.
// Called alongside credential.Resolver.Refresh on rotation; routes rebuild
// lazily on next use.
func (r *Router) InvalidateInstances(credentialID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.instances {
		// key is pluginID + NUL + credentialID
		if len(key) > len(credentialID) && key[len(key)-len(credentialID):] == credentialID &&
			key[len(key)-len(credentialID)-1] == '\x00' {
			delete(r.instances, key)
		}
	}
}

// provider returns the cached instance for a target, rebuilding it when the
// credential version moved or no instance exists. Concurrent rebuilds for
// the same target coalesce.
func (r *Router) provider(ctx context.Context, target Target) (llm.Provider, error) {
	key := target.key()
	want := r.resolver.Version(target.CredentialID)

	r.mu.RLock()
	inst, ok := r.instances[key]
	r.mu.RUnlock()
	if ok && inst.version == want {
		return inst.provider, nil
	}

	result, err, _ := r.group.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have rebuilt.
		r.mu.RLock()
		inst, ok := r.instances[key]
		r.mu.RUnlock()
		current := r.resolver.Version(target.CredentialID)
		if ok && inst.version == current {
			return inst.provider, nil
		}

		cred, err := r.resolver.Get(ctx, target.CredentialID)
		if err != nil {
			return nil, err
		}

		p, err := r.registry.Get(target.PluginID)
		if err != nil {
			return nil, err
		}
		if !plugin.SupportsCredentialType(p, cred) {
			return nil, &errors.CredentialError{
				CredentialID: target.CredentialID,
				Reason:       fmt.Sprintf("credential type %s not supported by plugin %s", cred.Type, target.PluginID),
			}
		}

		prov, err := p.NewProvider(cred)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.instances[key] = &instance{provider: prov, version: cred.Version}
		r.mu.Unlock()

		r.logger.Debug("provider instance built",
			"plugin_id", target.PluginID,
			"credential_id", target.CredentialID,
			"credential_version", cred.Version)
		return prov, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(llm.Provider), nil
}

type routedHandle struct {
	router  *Router
	modelID string
	chain   []Target
}

// ChatCompletion walks the target chain until a call succeeds or a
// non-retryable error surfaces.
func (h *routedHandle) ChatCompletion(ctx context.Context, req llm.Request) (*llm.Response, error) {
	var resp *llm.Response
	err := h.walk(ctx, func(ctx context.Context, p llm.Provider) error {
		var callErr error
		resp, callErr = p.ChatCompletion(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Embed walks the target chain for an embedding call. Targets whose
// provider does not support embeddings fail non-retryably.
func (h *routedHandle) Embed(ctx context.Context, req llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	var resp *llm.EmbeddingResponse
	err := h.walk(ctx, func(ctx context.Context, p llm.Provider) error {
		embedder, ok := p.(llm.Embedder)
		if !ok {
			return &errors.ProviderError{
				Provider: p.Name(),
				Message:  "provider does not support embeddings",
			}
		}
		var callErr error
		resp, callErr = embedder.Embed(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (h *routedHandle) walk(ctx context.Context, call func(context.Context, llm.Provider) error) error {
	r := h.router

	var lastErr error
	for i, target := range h.chain {
		if r.breaker != nil && !r.breaker.allow(target.key()) {
			lastErr = &errors.ProviderError{
				Provider:  target.PluginID,
				Message:   "circuit breaker open",
				Retryable: true,
			}
			continue
		}

		p, err := r.provider(ctx, target)
		if err != nil {
			lastErr = err
			// Build failures (missing plugin, bad credential) move to the
			// next target without tripping the breaker.
			continue
		}

		err = call(ctx, p)
		observability.RecordProviderCall(target.PluginID, err == nil)
		if err == nil {
			if r.breaker != nil {
				r.breaker.recordSuccess(target.key())
			}
			return nil
		}

		if r.breaker != nil {
			r.breaker.recordFailure(target.key())
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return fmt.Errorf("plugin %s: %w", target.PluginID, err)
		}

		if r.cfg.OnFallback != nil && i+1 < len(h.chain) {
			r.cfg.OnFallback(target, h.chain[i+1], err)
		}
		r.logger.Warn("provider call failed, trying next target",
			"model", h.modelID,
			"plugin_id", target.PluginID,
			"error", err)
	}

	if lastErr == nil {
		lastErr = &errors.ProviderError{
			Provider: "router",
			Message:  fmt.Sprintf("no targets configured for model %s", h.modelID),
		}
	}
	return fmt.Errorf("all targets failed for model %s: %w", h.modelID, lastErr)
}
