package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/credential"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/llm"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/plugin"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/storage"
)

// fakeProvider answers with its plugin's name or a scripted error.
type fakeProvider struct {
	name    string
	apiKey  string
	callErr error
	calls   atomic.Int64
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) ChatCompletion(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.calls.Add(1)
	if p.callErr != nil {
		return nil, p.callErr
	}
	return &llm.Response{ID: "r", Content: p.name, Model: req.Model}, nil
}

var _ llm.Provider = (*fakeProvider)(nil)

// fakePlugin builds fakeProviders and counts builds for instance-cache tests.
type fakePlugin struct {
	id       string
	models   []string
	callErr  error
	buildErr error
	builds   atomic.Int64
	last     atomic.Pointer[fakeProvider]
}

func (p *fakePlugin) ID() string { return p.id }

func (p *fakePlugin) SupportedCredentialTypes() []credential.Type {
	return []credential.Type{credential.TypeOpenAI}
}

func (p *fakePlugin) AvailableModels() []string { return p.models }

func (p *fakePlugin) Init(ctx context.Context) error { return nil }

func (p *fakePlugin) Shutdown(ctx context.Context) error { return nil }

func (p *fakePlugin) NewProvider(cred credential.Credential) (llm.Provider, error) {
	if p.buildErr != nil {
		return nil, p.buildErr
	}
	p.builds.Add(1)
	prov := &fakeProvider{name: p.id, apiKey: cred.APIKey, callErr: p.callErr}
	p.last.Store(prov)
	return prov, nil
}

var _ plugin.Plugin = (*fakePlugin)(nil)

type fixture struct {
	router    *Router
	resolver  *credential.Resolver
	registry  *plugin.Registry
	credStore storage.Storage[credential.StoredCredential]
}

func newFixture(t *testing.T, cfg Config, plugins ...plugin.Plugin) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	credStore := storage.NewMemoryStorage[credential.StoredCredential]("credential")
	resolver := credential.NewResolver(credStore, credential.ResolverConfig{}, logger)

	registry := plugin.NewRegistry(logger)
	for _, p := range plugins {
		require.NoError(t, registry.Register(p))
	}
	require.NoError(t, registry.InitAll(context.Background()))

	return &fixture{
		router:    New(registry, resolver, cfg, logger),
		resolver:  resolver,
		registry:  registry,
		credStore: credStore,
	}
}

func (f *fixture) seedCredential(t *testing.T, id, apiKey string) {
	t.Helper()
	err := f.credStore.Create(context.Background(), credential.StoredCredential{
		ID:      id,
		Name:    id,
		Type:    credential.TypeOpenAI,
		APIKey:  apiKey,
		Enabled: true,
	})
	require.NoError(t, err)
}

func TestRouteUnknownModel(t *testing.T) {
	f := newFixture(t, DefaultConfig(), &fakePlugin{id: "openai", models: []string{"gpt-4o"}})

	_, err := f.router.Route(context.Background(), "unknown-model", "cred")
	assert.True(t, errors.IsNotFound(err))
}

func TestRouteDefaultCredential(t *testing.T) {
	ctx := context.Background()
	p := &fakePlugin{id: "openai", models: []string{"gpt-4o"}}
	cfg := DefaultConfig()
	cfg.DefaultCredentials = map[string]string{"openai": "openai-default"}
	f := newFixture(t, cfg, p)
	f.seedCredential(t, "openai-default", "sk-default")

	handle, err := f.router.Route(ctx, "gpt-4o", "")
	require.NoError(t, err)

	resp, err := handle.ChatCompletion(ctx, llm.Request{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Content)
	assert.Equal(t, "sk-default", p.last.Load().apiKey)
}

func TestRouteNoDefaultCredential(t *testing.T) {
	f := newFixture(t, DefaultConfig(), &fakePlugin{id: "openai", models: []string{"gpt-4o"}})

	_, err := f.router.Route(context.Background(), "gpt-4o", "")
	var credErr *errors.CredentialError
	assert.ErrorAs(t, err, &credErr)
}

func TestInstanceCacheReuse(t *testing.T) {
	ctx := context.Background()
	p := &fakePlugin{id: "openai", models: []string{"gpt-4o"}}
	f := newFixture(t, DefaultConfig(), p)
	f.seedCredential(t, "cred", "sk-1")

	handle, err := f.router.Route(ctx, "gpt-4o", "cred")
	require.NoError(t, err)

	for range 3 {
		_, err := handle.ChatCompletion(ctx, llm.Request{Model: "gpt-4o"})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), p.builds.Load(), "instance built once and reused")
}

func TestCredentialRotationRebuildsInstance(t *testing.T) {
	ctx := context.Background()
	p := &fakePlugin{id: "openai", models: []string{"gpt-4o"}}
	f := newFixture(t, DefaultConfig(), p)
	f.seedCredential(t, "cred", "sk-old")

	handle, err := f.router.Route(ctx, "gpt-4o", "cred")
	require.NoError(t, err)
	_, err = handle.ChatCompletion(ctx, llm.Request{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "sk-old", p.last.Load().apiKey)

	// Rotate the secret and refresh: the next call builds a new instance.
	stored, err := f.credStore.Get(ctx, "cred")
	require.NoError(t, err)
	stored.APIKey = "sk-new"
	require.NoError(t, f.credStore.Update(ctx, stored))
	f.resolver.Refresh("cred")

	_, err = handle.ChatCompletion(ctx, llm.Request{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.builds.Load())
	assert.Equal(t, "sk-new", p.last.Load().apiKey)
}

func TestFallbackOnRetryableError(t *testing.T) {
	ctx := context.Background()
	flaky := &fakePlugin{
		id:     "flaky",
		models: []string{"gpt-4o"},
		callErr: &errors.ProviderError{
			Provider:   "flaky",
			StatusCode: 503,
			Message:    "upstream unavailable",
			Retryable:  true,
		},
	}
	stable := &fakePlugin{id: "stable", models: []string{"gpt-4o-backup"}}

	var fallbacks []Target
	cfg := DefaultConfig()
	cfg.Fallbacks = map[string][]Target{
		"gpt-4o": {{PluginID: "stable", CredentialID: "backup-cred"}},
	}
	cfg.OnFallback = func(from, to Target, err error) {
		fallbacks = append(fallbacks, from)
	}
	f := newFixture(t, cfg, flaky, stable)
	f.seedCredential(t, "primary-cred", "sk-1")
	f.seedCredential(t, "backup-cred", "sk-2")

	handle, err := f.router.Route(ctx, "gpt-4o", "primary-cred")
	require.NoError(t, err)

	resp, err := handle.ChatCompletion(ctx, llm.Request{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "stable", resp.Content, "answer came from the fallback target")
	require.Len(t, fallbacks, 1)
	assert.Equal(t, "flaky", fallbacks[0].PluginID)
}

func TestNonRetryableErrorStopsChain(t *testing.T) {
	ctx := context.Background()
	broken := &fakePlugin{
		id:     "broken",
		models: []string{"gpt-4o"},
		callErr: &errors.ProviderError{
			Provider:   "broken",
			StatusCode: 401,
			Message:    "invalid api key",
		},
	}
	backup := &fakePlugin{id: "backup", models: []string{"other"}}

	cfg := DefaultConfig()
	cfg.Fallbacks = map[string][]Target{
		"gpt-4o": {{PluginID: "backup", CredentialID: "cred"}},
	}
	f := newFixture(t, cfg, broken, backup)
	f.seedCredential(t, "cred", "sk-1")

	handle, err := f.router.Route(ctx, "gpt-4o", "cred")
	require.NoError(t, err)

	_, err = handle.ChatCompletion(ctx, llm.Request{Model: "gpt-4o"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin broken")

	if last := backup.last.Load(); last != nil {
		assert.Zero(t, last.calls.Load(), "fallback never called on auth failure")
	}
}

func TestAllTargetsFailed(t *testing.T) {
	ctx := context.Background()
	flaky := &fakePlugin{
		id:     "flaky",
		models: []string{"gpt-4o"},
		callErr: &errors.ProviderError{
			Provider:  "flaky",
			Message:   "timeout",
			Retryable: true,
		},
	}
	f := newFixture(t, DefaultConfig(), flaky)
	f.seedCredential(t, "cred", "sk-1")

	handle, err := f.router.Route(ctx, "gpt-4o", "cred")
	require.NoError(t, err)

	_, err = handle.ChatCompletion(ctx, llm.Request{Model: "gpt-4o"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all targets failed for model gpt-4o")
}

func TestBuildFailureMovesToNextTarget(t *testing.T) {
	ctx := context.Background()
	unbuildable := &fakePlugin{
		id:       "unbuildable",
		models:   []string{"gpt-4o"},
		buildErr: fmt.Errorf("bad endpoint"),
	}
	backup := &fakePlugin{id: "backup", models: []string{"other"}}

	cfg := DefaultConfig()
	cfg.Fallbacks = map[string][]Target{
		"gpt-4o": {{PluginID: "backup", CredentialID: "cred"}},
	}
	f := newFixture(t, cfg, unbuildable, backup)
	f.seedCredential(t, "cred", "sk-1")

	handle, err := f.router.Route(ctx, "gpt-4o", "cred")
	require.NoError(t, err)

	resp, err := handle.ChatCompletion(ctx, llm.Request{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Content)
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	flaky := &fakePlugin{
		id:     "flaky",
		models: []string{"gpt-4o"},
		callErr: &errors.ProviderError{
			Provider:  "flaky",
			Message:   "unavailable",
			Retryable: true,
		},
	}
	cfg := Config{BreakerThreshold: 2, BreakerTimeout: time.Hour}
	f := newFixture(t, cfg, flaky)
	f.seedCredential(t, "cred", "sk-1")

	handle, err := f.router.Route(ctx, "gpt-4o", "cred")
	require.NoError(t, err)

	for range 2 {
		_, err := handle.ChatCompletion(ctx, llm.Request{Model: "gpt-4o"})
		require.Error(t, err)
	}
	callsBefore := flaky.last.Load().calls.Load()

	// Circuit is open: the provider is not called again.
	_, err = handle.ChatCompletion(ctx, llm.Request{Model: "gpt-4o"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, callsBefore, flaky.last.Load().calls.Load())

	status := f.router.BreakerStatus()
	key := Target{PluginID: "flaky", CredentialID: "cred"}.key()
	require.Contains(t, status, key)
	assert.True(t, status[key].Open)
}

func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	b := newBreaker(2, 10*time.Millisecond)

	b.recordFailure("target")
	b.recordFailure("target")
	assert.False(t, b.allow("target"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.allow("target"), "half-open after the timeout")

	b.recordSuccess("target")
	assert.False(t, b.status()["target"].Open)
	assert.Zero(t, b.status()["target"].ConsecutiveFailures)
}

func TestBreakerConcurrentAccess(t *testing.T) {
	b := newBreaker(2, time.Millisecond)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 4 {
		wg.Add(3)
		go func() {
			defer wg.Done()
			<-start
			for range 200 {
				b.allow("target")
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			for range 200 {
				b.recordFailure("target")
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			for range 200 {
				b.recordSuccess("target")
			}
		}()
	}
	close(start)
	wg.Wait()

	// Steady state after the dust settles: failures reopen, timeout closes.
	b.recordSuccess("target")
	assert.True(t, b.allow("target"))
	b.recordFailure("target")
	b.recordFailure("target")
	assert.False(t, b.allow("target"))
}

func TestEmbedUnsupportedProvider(t *testing.T) {
	ctx := context.Background()
	p := &fakePlugin{id: "openai", models: []string{"gpt-4o"}}
	f := newFixture(t, DefaultConfig(), p)
	f.seedCredential(t, "cred", "sk-1")

	handle, err := f.router.Route(ctx, "gpt-4o", "cred")
	require.NoError(t, err)

	_, err = handle.Embed(ctx, llm.EmbeddingRequest{Model: "gpt-4o", Input: []string{"hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support embeddings")
}

func TestInvalidateInstances(t *testing.T) {
	ctx := context.Background()
	p := &fakePlugin{id: "openai", models: []string{"gpt-4o"}}
	f := newFixture(t, DefaultConfig(), p)
	f.seedCredential(t, "cred", "sk-1")

	handle, err := f.router.Route(ctx, "gpt-4o", "cred")
	require.NoError(t, err)
	_, err = handle.ChatCompletion(ctx, llm.Request{Model: "gpt-4o"})
	require.NoError(t, err)

	f.router.InvalidateInstances("cred")

	_, err = handle.ChatCompletion(ctx, llm.Request{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.builds.Load(), "instance rebuilt after invalidation")
}

func TestUnsupportedCredentialType(t *testing.T) {
	ctx := context.Background()
	p := &fakePlugin{id: "openai", models: []string{"gpt-4o"}}
	f := newFixture(t, DefaultConfig(), p)

	err := f.credStore.Create(ctx, credential.StoredCredential{
		ID:      "anthropic-cred",
		Name:    "wrong family",
		Type:    credential.TypeAnthropic,
		APIKey:  "sk-ant",
		Enabled: true,
	})
	require.NoError(t, err)

	handle, err := f.router.Route(ctx, "gpt-4o", "anthropic-cred")
	require.NoError(t, err)

	_, err = handle.ChatCompletion(ctx, llm.Request{Model: "gpt-4o"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported by plugin")
}
