// Package externalapi defines the external HTTP API entity consumed by
// http_request workflow steps.
package externalapi

import (
	"fmt"
	"net/url"
	"time"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
)

// ExternalApi is an admin-registered HTTP endpoint that workflow steps may
// call. BaseHeaders are applied to every request; step-level headers win on
// conflict.
type ExternalApi struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	BaseURL     string            `json:"base_url"`
	BaseHeaders map[string]string `json:"base_headers,omitempty"`
	Enabled     bool              `json:"enabled"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// EntityID implements storage.Entity.
func (a ExternalApi) EntityID() string { return a.ID }

// Validate checks the entity's invariants. Only http and https base URLs
// are accepted.
func (a ExternalApi) Validate() error {
	if a.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "external API ID cannot be empty"}
	}
	if a.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "external API name cannot be empty"}
	}

	parsed, err := url.Parse(a.BaseURL)
	if err != nil {
		return &errors.ValidationError{
			Field:   "base_url",
			Message: fmt.Sprintf("invalid base URL: %v", err),
		}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &errors.ValidationError{
			Field:      "base_url",
			Message:    fmt.Sprintf("unsupported scheme %q", parsed.Scheme),
			Suggestion: "base URLs must use http or https",
		}
	}
	if parsed.Host == "" {
		return &errors.ValidationError{
			Field:   "base_url",
			Message: "base URL has no host",
		}
	}
	return nil
}
