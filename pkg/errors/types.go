package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid identifiers, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "credential", "operation")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError represents a creation that collides with an existing key.
type ConflictError struct {
	// Resource is the type of resource (e.g., "workflow", "plugin")
	Resource string

	// ID is the identifier that already exists
	ID string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.ID)
}

// InvalidStateTransitionError represents a rejected operation state change.
// The operation manager returns this without mutating the entity.
type InvalidStateTransitionError struct {
	// OperationID is the operation whose transition was rejected
	OperationID string

	// From is the current state
	From string

	// To is the requested state
	To string
}

// Error implements the error interface.
func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for operation %s: %s -> %s", e.OperationID, e.From, e.To)
}

// ProviderError represents LLM provider failures.
// Use this for errors originating from external model providers.
type ProviderError struct {
	// Provider is the name of the provider (e.g., "anthropic", "openai", "bedrock")
	Provider string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the human-readable error message
	Message string

	// Suggestion provides actionable guidance for resolution
	Suggestion string

	// RequestID correlates this error with provider logs
	RequestID string

	// Retryable marks the failure as transient (rate limit, 5xx, connection reset).
	// The router uses this to decide whether to try the next fallback target.
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error", e.Provider)

	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}

	msg = fmt.Sprintf("%s: %s", msg, e.Message)

	if e.RequestID != "" {
		msg = fmt.Sprintf("%s (request-id: %s)", msg, e.RequestID)
	}

	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// CredentialError represents a credential resolution failure
// (not found, disabled, expired, or upstream unreachable).
type CredentialError struct {
	// CredentialID is the credential that failed to resolve
	CredentialID string

	// Reason explains why resolution failed (e.g., "disabled", "not found")
	Reason string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential %s: %s", e.CredentialID, e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CredentialError) Unwrap() error {
	return e.Cause
}

// CacheError represents a cache read or write failure.
// Callers recover these locally: a read failure is a miss, a write failure is dropped.
type CacheError struct {
	// Op is the cache operation that failed (e.g., "get", "set", "delete")
	Op string

	// Key is the cache key involved
	Key string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s failed for key %s: %v", e.Op, e.Key, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// StorageError represents a persistence failure. Surfaces to the caller.
type StorageError struct {
	// Op is the storage operation that failed (e.g., "create", "update", "list")
	Op string

	// Entity is the entity kind involved (e.g., "workflow", "operation")
	Entity string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for %s: %v", e.Op, e.Entity, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "cache.ttl")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// VariableResolutionError represents a workflow variable reference that
// could not be resolved and had no default. Step-local; the step's on_error
// policy decides propagation.
type VariableResolutionError struct {
	// Reference is the literal variable reference (e.g., "${step:search:documents}")
	Reference string

	// Message explains why resolution failed
	Message string
}

// Error implements the error interface.
func (e *VariableResolutionError) Error() string {
	return fmt.Sprintf("variable resolution failed for %s: %s", e.Reference, e.Message)
}

// SchemaValidationError represents a workflow input or step output that does
// not match its declared schema. Step-local.
type SchemaValidationError struct {
	// Path locates the offending value (e.g., "user.profile.name")
	Path string

	// Message describes the mismatch
	Message string
}

// Error implements the error interface.
func (e *SchemaValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("schema validation failed at %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("schema validation failed: %s", e.Message)
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured deadline.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "provider request", "workflow step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
