package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/storage"
)

// DefaultCacheTTL is how long resolved credentials stay cached before the
// store is consulted again.
const DefaultCacheTTL = 5 * time.Minute

// ResolverConfig configures the credential resolver.
type ResolverConfig struct {
	// CacheTTL is the resolved-credential cache lifetime. Zero means
	// DefaultCacheTTL; negative disables caching.
	CacheTTL time.Duration
}

type cachedCredential struct {
	credential Credential
	expiresAt  time.Time
}

// Resolver converts credential IDs into runtime Credential values. Resolved
// values are cached with a TTL and concurrent cache misses for the same ID
// coalesce into a single store read. Each ID carries a version counter that
// increments on Refresh so downstream caches can detect rotation.
type Resolver struct {
	store  storage.Storage[StoredCredential]
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	cache    map[string]cachedCredential
	versions map[string]uint64

	group singleflight.Group
}

// NewResolver creates a resolver backed by the given credential store.
func NewResolver(store storage.Storage[StoredCredential], cfg ResolverConfig, logger *slog.Logger) *Resolver {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:    store,
		ttl:      ttl,
		logger:   logger,
		cache:    make(map[string]cachedCredential),
		versions: make(map[string]uint64),
	}
}

// Get resolves a credential ID to its runtime view. Disabled or missing
// credentials surface as CredentialError.
func (r *Resolver) Get(ctx context.Context, id string) (Credential, error) {
	if err := ValidateID(id); err != nil {
		return Credential{}, err
	}

	r.mu.RLock()
	entry, ok := r.cache[id]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.credential, nil
	}

	// Coalesce concurrent misses for the same ID into one store read.
	result, err, _ := r.group.Do(id, func() (any, error) {
		return r.fetch(ctx, id)
	})
	if err != nil {
		return Credential{}, err
	}
	return result.(Credential), nil
}

// Version returns the current version counter for a credential ID. IDs that
// were never refreshed report 0.
func (r *Resolver) Version(id string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.versions[id]
}

// Refresh invalidates the cached value for a credential and bumps its
// version so provider instances built on the old secret get rebuilt.
func (r *Resolver) Refresh(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, id)
	r.versions[id]++
	r.logger.Debug("credential refreshed",
		"credential_id", id,
		"version", r.versions[id])
}

// Invalidate drops the cached value without bumping the version.
func (r *Resolver) Invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, id)
}

func (r *Resolver) fetch(ctx context.Context, id string) (Credential, error) {
	stored, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.IsNotFound(err) {
			return Credential{}, &errors.CredentialError{
				CredentialID: id,
				Reason:       "not found",
				Cause:        err,
			}
		}
		return Credential{}, &errors.CredentialError{
			CredentialID: id,
			Reason:       "store read failed",
			Cause:        err,
		}
	}

	if !stored.Enabled {
		return Credential{}, &errors.CredentialError{
			CredentialID: id,
			Reason:       "disabled",
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cred := derive(stored, r.versions[id])
	if r.ttl > 0 {
		r.cache[id] = cachedCredential{
			credential: cred,
			expiresAt:  time.Now().Add(r.ttl),
		}
	}
	return cred, nil
}
