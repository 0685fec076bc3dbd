package operation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/observability"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/storage"
)

// DefaultRetention is how long finished and pending operations are kept
// before CleanupOld removes them.
const DefaultRetention = 24 * time.Hour

// ManagerConfig configures the operation manager.
type ManagerConfig struct {
	// Retention is the age past which CleanupOld deletes operations,
	// measured from created_at. Zero means DefaultRetention.
	Retention time.Duration
}

// Manager owns operation state transitions. Every mutation is a
// read-modify-write under a single lock and is persisted before the method
// returns, so transitions are linearizable per operation ID and readers
// observe at least the latest committed state.
type Manager struct {
	store     storage.Storage[Operation]
	retention time.Duration
	logger    *slog.Logger

	// mu serializes all writes. Reads go straight to the store.
	mu sync.Mutex
}

// NewManager creates an operation manager over the given store.
func NewManager(store storage.Storage[Operation], cfg ManagerConfig, logger *slog.Logger) *Manager {
	retention := cfg.Retention
	if retention == 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		retention: retention,
		logger:    logger,
	}
}

// CreatePending creates a new operation in the pending state.
func (m *Manager) CreatePending(ctx context.Context, opType string, input any, metadata map[string]any) (Operation, error) {
	if err := ValidateType(opType); err != nil {
		return Operation{}, err
	}

	op := Operation{
		ID:        NewID(),
		Type:      opType,
		Status:    StatusPending,
		Input:     input,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Create(ctx, op); err != nil {
		return Operation{}, err
	}
	observability.OperationStarted()

	m.logger.Debug("operation created",
		"operation_id", op.ID,
		"operation_type", opType)
	return op, nil
}

// Get retrieves an operation by ID.
func (m *Manager) Get(ctx context.Context, id string) (Operation, error) {
	if err := ValidateID(id); err != nil {
		return Operation{}, err
	}
	return m.store.Get(ctx, id)
}

// GetBatch retrieves the operations that exist among the given IDs, in the
// order requested. Missing IDs are skipped rather than failing the batch.
func (m *Manager) GetBatch(ctx context.Context, ids []string) ([]Operation, error) {
	ops := make([]Operation, 0, len(ids))
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			continue
		}
		op, err := m.store.Get(ctx, id)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// MarkRunning transitions pending -> running and sets started_at.
func (m *Manager) MarkRunning(ctx context.Context, id string) (Operation, error) {
	return m.transition(ctx, id, StatusRunning, func(op *Operation) {
		now := time.Now().UTC()
		op.StartedAt = &now
	})
}

// MarkCompleted transitions running -> completed with the given result.
func (m *Manager) MarkCompleted(ctx context.Context, id string, result any) (Operation, error) {
	return m.transition(ctx, id, StatusCompleted, func(op *Operation) {
		op.Result = result
	})
}

// MarkFailed transitions running -> failed with the given error message.
func (m *Manager) MarkFailed(ctx context.Context, id string, opErr string) (Operation, error) {
	return m.transition(ctx, id, StatusFailed, func(op *Operation) {
		op.Error = opErr
	})
}

// Cancel transitions a pending or running operation into cancelled.
func (m *Manager) Cancel(ctx context.Context, id string) (Operation, error) {
	return m.transition(ctx, id, StatusCancelled, nil)
}

// transition performs one state machine edge under the write lock. A
// disallowed edge returns InvalidStateTransitionError and leaves the stored
// entity untouched.
func (m *Manager) transition(ctx context.Context, id string, to Status, mutate func(*Operation)) (Operation, error) {
	if err := ValidateID(id); err != nil {
		return Operation{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.store.Get(ctx, id)
	if err != nil {
		return Operation{}, err
	}

	if !canTransition(op.Status, to) {
		return Operation{}, &errors.InvalidStateTransitionError{
			OperationID: id,
			From:        string(op.Status),
			To:          string(to),
		}
	}

	op.Status = to
	if mutate != nil {
		mutate(&op)
	}
	if to.Terminal() && op.CompletedAt == nil {
		now := time.Now().UTC()
		op.CompletedAt = &now
	}

	if err := m.store.Update(ctx, op); err != nil {
		return Operation{}, err
	}
	if to.Terminal() {
		observability.OperationFinished()
	}

	m.logger.Debug("operation transitioned",
		"operation_id", id,
		"status", to)
	return op, nil
}

// CleanupOld deletes every operation older than the retention window and
// returns how many were removed. Deletion is keyed by ID, so this is safe
// to run concurrently with transitions.
func (m *Manager) CleanupOld(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-m.retention)

	ops, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, op := range ops {
		if !op.CreatedAt.Before(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, op.ID); err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return deleted, err
		}
		// Reclaim the active slot for swept operations that never finished.
		if !op.Status.Terminal() {
			observability.OperationFinished()
		}
		deleted++
	}

	if deleted > 0 {
		m.logger.Info("cleaned up old operations", "deleted", deleted)
	}
	return deleted, nil
}
