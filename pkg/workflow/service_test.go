package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/storage"
)

func newTestService() *Service {
	return NewService(storage.NewMemoryStorage[Workflow]("workflow"), testLogger())
}

func TestServiceCreate(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	created, err := svc.Create(ctx, validWorkflow())
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	_, err = svc.Create(ctx, validWorkflow())
	assert.True(t, errors.IsConflict(err))
}

func TestServiceCreateRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	wf := validWorkflow()
	wf.Steps = nil
	_, err := svc.Create(ctx, wf)
	assert.Error(t, err)
}

func TestServiceUpdateVersioning(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	created, err := svc.Create(ctx, validWorkflow())
	require.NoError(t, err)

	t.Run("metadata change keeps version", func(t *testing.T) {
		wf := created
		wf.Name = "Renamed"
		updated, err := svc.Update(ctx, wf)
		require.NoError(t, err)
		assert.Equal(t, int64(1), updated.Version)
		assert.Equal(t, created.CreatedAt, updated.CreatedAt, "created_at preserved")
	})

	t.Run("step change bumps version", func(t *testing.T) {
		wf, err := svc.Get(ctx, created.ID)
		require.NoError(t, err)
		wf.Steps = append(wf.Steps, chatStep("extra"))

		updated, err := svc.Update(ctx, wf)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
	})

	t.Run("caller cannot lower the version", func(t *testing.T) {
		wf, err := svc.Get(ctx, created.ID)
		require.NoError(t, err)
		wf.Version = 0

		updated, err := svc.Update(ctx, wf)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version, "stored version wins")
	})
}

func TestServiceUpdateMissing(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	wf := validWorkflow()
	wf.ID = "never-created"
	_, err := svc.Update(ctx, wf)
	assert.True(t, errors.IsNotFound(err))
}

func TestServiceClone(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	source := validWorkflow()
	source.Name = "RAG Pipeline"
	created, err := svc.Create(ctx, source)
	require.NoError(t, err)

	// Bump the source version so the clone's reset is observable.
	created.Steps = append(created.Steps, chatStep("extra"))
	_, err = svc.Update(ctx, created)
	require.NoError(t, err)

	clone, err := svc.Clone(ctx, created.ID, "my-workflow-copy")
	require.NoError(t, err)
	assert.Equal(t, "my-workflow-copy", clone.ID)
	assert.Equal(t, "RAG Pipeline (copy)", clone.Name)
	assert.False(t, clone.Enabled, "clones start disabled")
	assert.Equal(t, int64(1), clone.Version, "clones start at version 1")
	assert.Len(t, clone.Steps, 2, "steps carried over")

	_, err = svc.Clone(ctx, "missing", "whatever")
	assert.True(t, errors.IsNotFound(err))
}

func TestServiceDelete(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	created, err := svc.Create(ctx, validWorkflow())
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, created.ID))
	_, err = svc.Get(ctx, created.ID)
	assert.True(t, errors.IsNotFound(err))
}
