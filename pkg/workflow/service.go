package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/storage"
)

// Service is the workflow store layer: validation on write, monotonic
// version bumps when steps mutate, and cloning.
type Service struct {
	store  storage.Storage[Workflow]
	logger *slog.Logger
}

// NewService creates a workflow service over the given store.
func NewService(store storage.Storage[Workflow], logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Get retrieves a workflow by ID.
func (s *Service) Get(ctx context.Context, id string) (Workflow, error) {
	return s.store.Get(ctx, id)
}

// List returns all workflows, including disabled ones.
func (s *Service) List(ctx context.Context) ([]Workflow, error) {
	return s.store.List(ctx)
}

// Create validates and persists a new workflow at version 1.
func (s *Service) Create(ctx context.Context, wf Workflow) (Workflow, error) {
	if err := wf.Validate(); err != nil {
		return Workflow{}, err
	}

	now := time.Now().UTC()
	wf.Version = 1
	wf.CreatedAt = now
	wf.UpdatedAt = now

	if err := s.store.Create(ctx, wf); err != nil {
		return Workflow{}, err
	}

	s.logger.Info("workflow created", "workflow_id", wf.ID)
	return wf, nil
}

// Update validates and persists changes to an existing workflow. The
// version bumps only when the step list actually changed; it never
// decreases.
func (s *Service) Update(ctx context.Context, wf Workflow) (Workflow, error) {
	if err := wf.Validate(); err != nil {
		return Workflow{}, err
	}

	existing, err := s.store.Get(ctx, wf.ID)
	if err != nil {
		return Workflow{}, err
	}

	wf.CreatedAt = existing.CreatedAt
	wf.Version = existing.Version
	if stepsChanged(existing.Steps, wf.Steps) {
		wf.Version = existing.Version + 1
	}
	wf.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, wf); err != nil {
		return Workflow{}, err
	}

	s.logger.Info("workflow updated",
		"workflow_id", wf.ID,
		"version", wf.Version)
	return wf, nil
}

// Delete removes a workflow.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("workflow deleted", "workflow_id", id)
	return nil
}

// Clone copies an existing workflow under a new ID. The clone starts at
// version 1 with fresh timestamps and is created disabled so it can be
// reviewed before serving.
func (s *Service) Clone(ctx context.Context, id, newID string) (Workflow, error) {
	source, err := s.store.Get(ctx, id)
	if err != nil {
		return Workflow{}, err
	}

	clone := source
	clone.ID = newID
	clone.Name = source.Name + " (copy)"
	clone.Enabled = false
	return s.Create(ctx, clone)
}

func stepsChanged(a, b []Step) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return true
	}
	return string(aj) != string(bj)
}
