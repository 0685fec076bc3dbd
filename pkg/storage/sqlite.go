package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	_ "modernc.org/sqlite"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
)

// SQLiteConfig contains SQLite connection configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// OpenSQLite opens a SQLite database with the gateway's standard pragmas.
// The returned handle is shared by the per-entity stores.
func OpenSQLite(cfg SQLiteConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if cfg.WAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return db, nil
}

// tableNamePattern restricts entity kinds to safe SQL identifiers.
var tableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// SQLiteStorage is a SQLite-backed Storage implementation. Each entity kind
// gets its own table holding the entity's canonical JSON form.
type SQLiteStorage[T Entity] struct {
	db    *sql.DB
	kind  string
	table string
}

// NewSQLiteStorage creates a SQLite store for the given entity kind and
// runs its table migration. The kind must be a plural-safe identifier
// (e.g., "workflows", "operations").
func NewSQLiteStorage[T Entity](db *sql.DB, kind string) (*SQLiteStorage[T], error) {
	if !tableNamePattern.MatchString(kind) {
		return nil, &errors.ValidationError{
			Field:      "kind",
			Message:    fmt.Sprintf("invalid entity kind %q", kind),
			Suggestion: "use lowercase letters, digits, and underscores",
		}
	}

	s := &SQLiteStorage[T]{
		db:    db,
		kind:  kind,
		table: "entities_" + kind,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	migration := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.table)
	if _, err := db.ExecContext(ctx, migration); err != nil {
		return nil, &errors.StorageError{Op: "migrate", Entity: kind, Cause: err}
	}

	return s, nil
}

// Get retrieves the entity with the given id.
func (s *SQLiteStorage[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T

	var data string
	query := fmt.Sprintf("SELECT data FROM %s WHERE id = ?", s.table)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&data)
	if err == sql.ErrNoRows {
		return zero, &errors.NotFoundError{Resource: s.kind, ID: id}
	}
	if err != nil {
		return zero, &errors.StorageError{Op: "get", Entity: s.kind, Cause: err}
	}

	var entity T
	if err := json.Unmarshal([]byte(data), &entity); err != nil {
		return zero, &errors.StorageError{Op: "get", Entity: s.kind, Cause: err}
	}
	return entity, nil
}

// List returns all stored entities.
func (s *SQLiteStorage[T]) List(ctx context.Context) ([]T, error) {
	query := fmt.Sprintf("SELECT data FROM %s ORDER BY id", s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &errors.StorageError{Op: "list", Entity: s.kind, Cause: err}
	}
	defer rows.Close()

	var results []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, &errors.StorageError{Op: "list", Entity: s.kind, Cause: err}
		}
		var entity T
		if err := json.Unmarshal([]byte(data), &entity); err != nil {
			return nil, &errors.StorageError{Op: "list", Entity: s.kind, Cause: err}
		}
		results = append(results, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.StorageError{Op: "list", Entity: s.kind, Cause: err}
	}
	return results, nil
}

// Create stores a new entity.
func (s *SQLiteStorage[T]) Create(ctx context.Context, entity T) error {
	id := entity.EntityID()
	if id == "" {
		return &errors.ValidationError{Field: "id", Message: "entity ID cannot be empty"}
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return &errors.StorageError{Op: "create", Entity: s.kind, Cause: err}
	}

	query := fmt.Sprintf("INSERT OR IGNORE INTO %s (id, data, updated_at) VALUES (?, ?, ?)", s.table)
	result, err := s.db.ExecContext(ctx, query, id, string(data), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return &errors.StorageError{Op: "create", Entity: s.kind, Cause: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &errors.StorageError{Op: "create", Entity: s.kind, Cause: err}
	}
	if affected == 0 {
		return &errors.ConflictError{Resource: s.kind, ID: id}
	}
	return nil
}

// Update replaces an existing entity.
func (s *SQLiteStorage[T]) Update(ctx context.Context, entity T) error {
	id := entity.EntityID()
	if id == "" {
		return &errors.ValidationError{Field: "id", Message: "entity ID cannot be empty"}
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return &errors.StorageError{Op: "update", Entity: s.kind, Cause: err}
	}

	query := fmt.Sprintf("UPDATE %s SET data = ?, updated_at = ? WHERE id = ?", s.table)
	result, err := s.db.ExecContext(ctx, query, string(data), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return &errors.StorageError{Op: "update", Entity: s.kind, Cause: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &errors.StorageError{Op: "update", Entity: s.kind, Cause: err}
	}
	if affected == 0 {
		return &errors.NotFoundError{Resource: s.kind, ID: id}
	}
	return nil
}

// Delete removes the entity with the given id.
func (s *SQLiteStorage[T]) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return &errors.StorageError{Op: "delete", Entity: s.kind, Cause: err}
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return &errors.StorageError{Op: "delete", Entity: s.kind, Cause: err}
	}
	if affected == 0 {
		return &errors.NotFoundError{Resource: s.kind, ID: id}
	}
	return nil
}

// Exists reports whether an entity with the given id is stored.
func (s *SQLiteStorage[T]) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", s.table)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &errors.StorageError{Op: "exists", Entity: s.kind, Cause: err}
	}
	return true, nil
}
