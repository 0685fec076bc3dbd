package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
)

type entry struct {
	plugin  Plugin
	state   State
	initErr error
}

// Registry holds registered plugins and drives their lifecycle. It is
// read-mostly after InitAll: lookups take the read lock only, so steady-state
// routing never contends with lifecycle transitions.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	models  map[string]string // model ID -> plugin ID, built at InitAll
	logger  *slog.Logger
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		models:  make(map[string]string),
		logger:  logger,
	}
}

// Register adds a plugin in the uninitialized state. Registering an ID twice
// is a conflict.
func (r *Registry) Register(p Plugin) error {
	id := p.ID()
	if id == "" {
		return &errors.ValidationError{Field: "id", Message: "plugin ID cannot be empty"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return &errors.ConflictError{Resource: "plugin", ID: id}
	}

	r.entries[id] = &entry{plugin: p, state: StateUninitialized}
	r.order = append(r.order, id)
	return nil
}

// InitAll initializes every registered plugin in registration order. A
// plugin whose initializer fails is left in the failed state and excluded
// from lookups; initialization of the remaining plugins continues. The
// returned error aggregates the failures, or is nil when all succeeded.
func (r *Registry) InitAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []error
	for _, id := range r.order {
		e := r.entries[id]
		if e.state != StateUninitialized {
			continue
		}

		e.state = StateInitializing
		if err := e.plugin.Init(ctx); err != nil {
			e.state = StateFailed
			e.initErr = err
			r.logger.Error("plugin initialization failed",
				"plugin_id", id,
				"error", err)
			failed = append(failed, fmt.Errorf("plugin %s: %w", id, err))
			continue
		}

		e.state = StateReady
		for _, model := range e.plugin.AvailableModels() {
			if owner, taken := r.models[model]; taken {
				r.logger.Warn("model already claimed by another plugin",
					"model", model,
					"plugin_id", id,
					"owner", owner)
				continue
			}
			r.models[model] = id
		}
		r.logger.Info("plugin initialized",
			"plugin_id", id,
			"models", len(e.plugin.AvailableModels()))
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d plugin(s) failed to initialize: %w", len(failed), failed[0])
	}
	return nil
}

// Get returns a ready plugin by ID. Failed or shut-down plugins are not
// visible.
func (r *Registry) Get(id string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok || e.state != StateReady {
		return nil, &errors.NotFoundError{Resource: "plugin", ID: id}
	}
	return e.plugin, nil
}

// ForModel returns the ready plugin serving the given model ID.
func (r *Registry) ForModel(modelID string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pluginID, ok := r.models[modelID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "model", ID: modelID}
	}
	e := r.entries[pluginID]
	if e == nil || e.state != StateReady {
		return nil, &errors.NotFoundError{Resource: "model", ID: modelID}
	}
	return e.plugin, nil
}

// ShutdownAll shuts down ready plugins in reverse registration order.
// Shutdown errors are logged and do not stop the remaining shutdowns.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.order) - 1; i >= 0; i-- {
		e := r.entries[r.order[i]]
		if e.state != StateReady {
			continue
		}

		e.state = StateShuttingDown
		if err := e.plugin.Shutdown(ctx); err != nil {
			r.logger.Error("plugin shutdown failed",
				"plugin_id", r.order[i],
				"error", err)
		}
		e.state = StateShutDown
	}
	r.models = make(map[string]string)
}

// Health reports the lifecycle state and probe result for a plugin.
func (r *Registry) Health(ctx context.Context, id string) (HealthStatus, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()

	if !ok {
		return HealthStatus{}, &errors.NotFoundError{Resource: "plugin", ID: id}
	}

	status := HealthStatus{
		PluginID: id,
		State:    e.state,
		Healthy:  e.state == StateReady,
	}
	if e.initErr != nil {
		status.Error = e.initErr.Error()
	}

	if status.Healthy {
		if checker, ok := e.plugin.(HealthChecker); ok {
			if err := checker.HealthCheck(ctx); err != nil {
				status.Healthy = false
				status.Error = err.Error()
			}
		}
	}
	return status, nil
}

// States returns a snapshot of every plugin's state keyed by plugin ID.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]State, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.state
	}
	return out
}
