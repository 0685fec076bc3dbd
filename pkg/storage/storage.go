// Package storage provides the generic persistence contract for gateway
// entities (workflows, credentials, external APIs, operations), with
// in-memory and SQLite implementations. Entities round-trip through their
// canonical JSON form.
package storage

import "context"

// Entity is the minimal shape stored entities must expose.
type Entity interface {
	// EntityID returns the stable identifier used as the storage key.
	EntityID() string
}

// Storage is the persistence contract for a single entity kind.
// Create fails when the key already exists; Update fails when it does not.
type Storage[T Entity] interface {
	// Get retrieves the entity with the given id.
	Get(ctx context.Context, id string) (T, error)

	// List returns all stored entities.
	List(ctx context.Context) ([]T, error)

	// Create stores a new entity. Returns a ConflictError when the id exists.
	Create(ctx context.Context, entity T) error

	// Update replaces an existing entity. Returns a NotFoundError when absent.
	Update(ctx context.Context, entity T) error

	// Delete removes the entity with the given id.
	Delete(ctx context.Context, id string) error

	// Exists reports whether an entity with the given id is stored.
	Exists(ctx context.Context, id string) (bool, error)
}
