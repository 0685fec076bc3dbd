// Package operation implements the async operation manager: operations are
// created pending, move through a fixed state machine, and persist every
// transition before the call returns.
package operation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
)

// Status is an operation lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the allowed edge set of the state machine.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

func canTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Operation types accepted by the manager.
const (
	TypeChatCompletion    = "chat_completion"
	TypeWorkflowExecution = "workflow_execution"
)

// ValidateType checks that the operation type is one of the known types.
func ValidateType(opType string) error {
	switch opType {
	case TypeChatCompletion, TypeWorkflowExecution:
		return nil
	case "":
		return &errors.ValidationError{
			Field:   "operation_type",
			Message: "operation type cannot be empty",
		}
	}
	return &errors.ValidationError{
		Field:      "operation_type",
		Message:    fmt.Sprintf("unknown operation type %q", opType),
		Suggestion: fmt.Sprintf("use %s or %s", TypeChatCompletion, TypeWorkflowExecution),
	}
}

// IDPrefix starts every operation identifier.
const IDPrefix = "op-"

// NewID generates a fresh operation identifier.
func NewID() string {
	return IDPrefix + uuid.NewString()
}

// ValidateID checks that an identifier is op- followed by a UUID.
func ValidateID(id string) error {
	raw, ok := strings.CutPrefix(id, IDPrefix)
	if !ok {
		return &errors.ValidationError{
			Field:      "id",
			Message:    fmt.Sprintf("invalid operation ID %q", id),
			Suggestion: "operation IDs have the form op-<uuid>",
		}
	}
	if _, err := uuid.Parse(raw); err != nil {
		return &errors.ValidationError{
			Field:      "id",
			Message:    fmt.Sprintf("invalid operation ID %q: %v", id, err),
			Suggestion: "operation IDs have the form op-<uuid>",
		}
	}
	return nil
}

// Operation is an asynchronous unit of work tracked by the manager.
type Operation struct {
	ID       string         `json:"id"`
	Type     string         `json:"operation_type"`
	Status   Status         `json:"status"`
	Input    any            `json:"input,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Result is set on the transition into completed.
	Result any `json:"result,omitempty"`

	// Error is set on the transition into failed.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// StartedAt is set exactly once, on pending -> running.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is set exactly once, on any transition into a terminal
	// state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// EntityID implements storage.Entity.
func (o Operation) EntityID() string { return o.ID }

// Duration returns wall time from start to completion, or 0 when the
// operation has not finished running.
func (o Operation) Duration() time.Duration {
	if o.StartedAt == nil || o.CompletedAt == nil {
		return 0
	}
	return o.CompletedAt.Sub(*o.StartedAt)
}
