package storage

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
)

// MemoryStorage is an in-memory Storage implementation. It is thread-safe
// and suitable for testing or single-instance deployments. Entities are
// stored in their canonical JSON form so callers never share mutable state
// with the store.
type MemoryStorage[T Entity] struct {
	mu       sync.RWMutex
	kind     string
	entities map[string][]byte
}

// NewMemoryStorage creates an in-memory store for the given entity kind.
// The kind appears in error messages (e.g., "workflow", "credential").
func NewMemoryStorage[T Entity](kind string) *MemoryStorage[T] {
	return &MemoryStorage[T]{
		kind:     kind,
		entities: make(map[string][]byte),
	}
}

// Get retrieves the entity with the given id.
func (s *MemoryStorage[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T

	s.mu.RLock()
	data, ok := s.entities[id]
	s.mu.RUnlock()

	if !ok {
		return zero, &errors.NotFoundError{Resource: s.kind, ID: id}
	}

	var entity T
	if err := json.Unmarshal(data, &entity); err != nil {
		return zero, &errors.StorageError{Op: "get", Entity: s.kind, Cause: err}
	}
	return entity, nil
}

// List returns all stored entities.
func (s *MemoryStorage[T]) List(ctx context.Context) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]T, 0, len(s.entities))
	for _, data := range s.entities {
		var entity T
		if err := json.Unmarshal(data, &entity); err != nil {
			return nil, &errors.StorageError{Op: "list", Entity: s.kind, Cause: err}
		}
		results = append(results, entity)
	}
	return results, nil
}

// Create stores a new entity.
func (s *MemoryStorage[T]) Create(ctx context.Context, entity T) error {
	id := entity.EntityID()
	if id == "" {
		return &errors.ValidationError{Field: "id", Message: "entity ID cannot be empty"}
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return &errors.StorageError{Op: "create", Entity: s.kind, Cause: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entities[id]; exists {
		return &errors.ConflictError{Resource: s.kind, ID: id}
	}

	s.entities[id] = data
	return nil
}

// Update replaces an existing entity.
func (s *MemoryStorage[T]) Update(ctx context.Context, entity T) error {
	id := entity.EntityID()
	if id == "" {
		return &errors.ValidationError{Field: "id", Message: "entity ID cannot be empty"}
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return &errors.StorageError{Op: "update", Entity: s.kind, Cause: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entities[id]; !exists {
		return &errors.NotFoundError{Resource: s.kind, ID: id}
	}

	s.entities[id] = data
	return nil
}

// Delete removes the entity with the given id.
func (s *MemoryStorage[T]) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entities[id]; !exists {
		return &errors.NotFoundError{Resource: s.kind, ID: id}
	}

	delete(s.entities, id)
	return nil
}

// Exists reports whether an entity with the given id is stored.
func (s *MemoryStorage[T]) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.entities[id]
	return exists, nil
}
