package operation

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := storage.NewMemoryStorage[Operation]("operation")
	return NewManager(store, ManagerConfig{}, slog.New(slog.DiscardHandler))
}

func TestValidateIDForms(t *testing.T) {
	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"generated", NewID(), true},
		{"literal uuid", "op-0d9a29ff-8b14-4b86-9c3a-56700ab1f6f8", true},
		{"zero uuid", "op-00000000-0000-0000-0000-000000000000", true},
		{"missing prefix", "0d9a29ff-8b14-4b86-9c3a-56700ab1f6f8", false},
		{"wrong prefix", "job-0d9a29ff-8b14-4b86-9c3a-56700ab1f6f8", false},
		{"not a uuid", "op-not-a-uuid", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestOperationLifecycle(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	op, err := mgr.CreatePending(ctx, TypeWorkflowExecution, map[string]any{"q": "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, op.Status)
	assert.Nil(t, op.StartedAt)
	assert.Nil(t, op.CompletedAt)

	op, err = mgr.MarkRunning(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, op.Status)
	require.NotNil(t, op.StartedAt)

	op, err = mgr.MarkCompleted(ctx, op.ID, map[string]any{"answer": 42})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, op.Status)
	require.NotNil(t, op.CompletedAt)

	// created_at <= started_at <= completed_at
	assert.False(t, op.StartedAt.Before(op.CreatedAt))
	assert.False(t, op.CompletedAt.Before(*op.StartedAt))
}

func TestTerminalStatesSetCompletedAt(t *testing.T) {
	ctx := context.Background()

	t.Run("failed", func(t *testing.T) {
		mgr := newTestManager(t)
		op, err := mgr.CreatePending(ctx, TypeChatCompletion, nil, nil)
		require.NoError(t, err)
		_, err = mgr.MarkRunning(ctx, op.ID)
		require.NoError(t, err)

		op, err = mgr.MarkFailed(ctx, op.ID, "provider exploded")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, op.Status)
		assert.Equal(t, "provider exploded", op.Error)
		assert.NotNil(t, op.CompletedAt)
	})

	t.Run("cancelled from pending", func(t *testing.T) {
		mgr := newTestManager(t)
		op, err := mgr.CreatePending(ctx, TypeChatCompletion, nil, nil)
		require.NoError(t, err)

		op, err = mgr.Cancel(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, op.Status)
		assert.NotNil(t, op.CompletedAt)
		assert.Nil(t, op.StartedAt, "never started")
	})

	t.Run("cancelled from running", func(t *testing.T) {
		mgr := newTestManager(t)
		op, err := mgr.CreatePending(ctx, TypeChatCompletion, nil, nil)
		require.NoError(t, err)
		_, err = mgr.MarkRunning(ctx, op.ID)
		require.NoError(t, err)

		op, err = mgr.Cancel(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, op.Status)
	})
}

func TestInvalidTransitionsLeaveOperationUnchanged(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	op, err := mgr.CreatePending(ctx, TypeChatCompletion, nil, nil)
	require.NoError(t, err)

	// pending -> completed skips running.
	_, err = mgr.MarkCompleted(ctx, op.ID, nil)
	var transErr *errors.InvalidStateTransitionError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, "pending", transErr.From)
	assert.Equal(t, "completed", transErr.To)

	stored, err := mgr.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Nil(t, stored.CompletedAt)

	// Terminal states accept nothing further.
	_, err = mgr.MarkRunning(ctx, op.ID)
	require.NoError(t, err)
	completed, err := mgr.MarkCompleted(ctx, op.ID, "done")
	require.NoError(t, err)

	_, err = mgr.Cancel(ctx, op.ID)
	require.ErrorAs(t, err, &transErr)

	after, err := mgr.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, completed.Status, after.Status)
	assert.Equal(t, completed.CompletedAt.Unix(), after.CompletedAt.Unix())
}

func TestGetBatchSkipsMissing(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	first, err := mgr.CreatePending(ctx, TypeChatCompletion, nil, nil)
	require.NoError(t, err)
	second, err := mgr.CreatePending(ctx, TypeChatCompletion, nil, nil)
	require.NoError(t, err)

	ops, err := mgr.GetBatch(ctx, []string{
		first.ID,
		"op-00000000-0000-0000-0000-000000000000",
		second.ID,
	})
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, first.ID, ops[0].ID)
	assert.Equal(t, second.ID, ops[1].ID)
}

func TestGetBatchSkipsMalformedIDs(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	op, err := mgr.CreatePending(ctx, TypeChatCompletion, nil, nil)
	require.NoError(t, err)

	ops, err := mgr.GetBatch(ctx, []string{"garbage", op.ID})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID, ops[0].ID)
}

func TestGetRejectsMalformedID(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.Get(context.Background(), "not-an-operation")
	assert.Error(t, err)
}

func TestCreatePendingValidatesType(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t)

	var valErr *errors.ValidationError
	_, err := mgr.CreatePending(ctx, "", nil, nil)
	require.ErrorAs(t, err, &valErr)

	_, err = mgr.CreatePending(ctx, "batch_inference", nil, nil)
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "operation_type", valErr.Field)

	for _, opType := range []string{TypeChatCompletion, TypeWorkflowExecution} {
		_, err := mgr.CreatePending(ctx, opType, nil, nil)
		assert.NoError(t, err)
	}
}

func TestCleanupOld(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage[Operation]("operation")
	mgr := NewManager(store, ManagerConfig{Retention: time.Hour}, slog.New(slog.DiscardHandler))

	fresh, err := mgr.CreatePending(ctx, TypeChatCompletion, nil, nil)
	require.NoError(t, err)

	stale := Operation{
		ID:        NewID(),
		Type:      TypeChatCompletion,
		Status:    StatusCompleted,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, store.Create(ctx, stale))

	deleted, err := mgr.CleanupOld(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = mgr.Get(ctx, stale.ID)
	assert.True(t, errors.IsNotFound(err))
	_, err = mgr.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestDuration(t *testing.T) {
	started := time.Now().UTC()
	completed := started.Add(3 * time.Second)

	op := Operation{StartedAt: &started, CompletedAt: &completed}
	assert.Equal(t, 3*time.Second, op.Duration())

	assert.Zero(t, Operation{}.Duration(), "no timestamps yet")
}
