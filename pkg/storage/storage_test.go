package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
)

type testEntity struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Count int            `json:"count"`
	Tags  map[string]any `json:"tags,omitempty"`
}

func (e testEntity) EntityID() string { return e.ID }

// runStorageContract exercises the Storage contract against any backend.
func runStorageContract(t *testing.T, store Storage[testEntity]) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(ctx, "absent")
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("create and get", func(t *testing.T) {
		entity := testEntity{ID: "e1", Name: "first", Count: 3, Tags: map[string]any{"env": "test"}}
		require.NoError(t, store.Create(ctx, entity))

		got, err := store.Get(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "first", got.Name)
		assert.Equal(t, 3, got.Count)
		assert.Equal(t, "test", got.Tags["env"])
	})

	t.Run("create duplicate conflicts", func(t *testing.T) {
		err := store.Create(ctx, testEntity{ID: "e1", Name: "again"})
		assert.True(t, errors.IsConflict(err))

		got, err := store.Get(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "first", got.Name, "conflicting create does not overwrite")
	})

	t.Run("create without id", func(t *testing.T) {
		assert.Error(t, store.Create(ctx, testEntity{}))
	})

	t.Run("update", func(t *testing.T) {
		require.NoError(t, store.Update(ctx, testEntity{ID: "e1", Name: "renamed"}))

		got, err := store.Get(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
	})

	t.Run("update missing", func(t *testing.T) {
		err := store.Update(ctx, testEntity{ID: "ghost", Name: "x"})
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("exists", func(t *testing.T) {
		ok, err := store.Exists(ctx, "e1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Exists(ctx, "ghost")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("list", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, testEntity{ID: "e2", Name: "second"}))

		all, err := store.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "e2"))

		_, err := store.Get(ctx, "e2")
		assert.True(t, errors.IsNotFound(err))

		err = store.Delete(ctx, "e2")
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestMemoryStorageContract(t *testing.T) {
	runStorageContract(t, NewMemoryStorage[testEntity]("test entity"))
}

func TestSQLiteStorageContract(t *testing.T) {
	db, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStorage[testEntity](db, "test_entities")
	require.NoError(t, err)

	runStorageContract(t, store)
}

func TestSQLiteStorageRejectsBadKind(t *testing.T) {
	db, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for _, kind := range []string{"", "Workflows", "bad-kind", "1numbers", "drop table"} {
		_, err := NewSQLiteStorage[testEntity](db, kind)
		assert.Error(t, err, "kind %q", kind)
	}
}

func TestSQLiteStorageKindsAreIsolated(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	first, err := NewSQLiteStorage[testEntity](db, "firsts")
	require.NoError(t, err)
	second, err := NewSQLiteStorage[testEntity](db, "seconds")
	require.NoError(t, err)

	require.NoError(t, first.Create(ctx, testEntity{ID: "shared", Name: "one"}))
	require.NoError(t, second.Create(ctx, testEntity{ID: "shared", Name: "two"}))

	got, err := first.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "one", got.Name)

	got, err = second.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "two", got.Name)
}

func TestMemoryStorageIsolatesCallers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage[testEntity]("test entity")

	entity := testEntity{ID: "e1", Tags: map[string]any{"k": "v"}}
	require.NoError(t, store.Create(ctx, entity))

	// Mutating the original after Create must not affect the stored copy.
	entity.Tags["k"] = "mutated"

	got, err := store.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Tags["k"])
}
