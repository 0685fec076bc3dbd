// Package credential defines stored credentials and the resolver that turns
// them into runtime secret bundles for provider instances. Stored entries are
// the admin-surface shape; resolution produces an immutable Credential copy
// so secrets are never shared mutable state.
package credential

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/errors"
)

// Type identifies the provider family a credential belongs to.
type Type string

const (
	TypeOpenAI      Type = "openai"
	TypeAnthropic   Type = "anthropic"
	TypeAzureOpenAI Type = "azure_openai"
	TypeBedrock     Type = "bedrock"

	// TypeHTTPAPIKey is a generic API-key header credential for http_request
	// steps. Deployment holds the header name and HeaderValue the template.
	TypeHTTPAPIKey Type = "http_api_key"

	// TypeCustom names a plugin-defined credential type; the concrete name
	// lives in StoredCredential.CustomName.
	TypeCustom Type = "custom"
)

// Valid reports whether t is a known credential type.
func (t Type) Valid() bool {
	switch t {
	case TypeOpenAI, TypeAnthropic, TypeAzureOpenAI, TypeBedrock, TypeHTTPAPIKey, TypeCustom:
		return true
	}
	return false
}

// apiKeyPlaceholder is the token replaced with the secret when rendering an
// http_api_key header value.
const apiKeyPlaceholder = "${api-key}"

// MaxIDLength bounds credential identifiers.
const MaxIDLength = 50

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateID checks a credential identifier against the allowed charset and
// length bound.
func ValidateID(id string) error {
	if id == "" {
		return &errors.ValidationError{
			Field:   "id",
			Message: "credential ID cannot be empty",
		}
	}
	if len(id) > MaxIDLength {
		return &errors.ValidationError{
			Field:      "id",
			Message:    fmt.Sprintf("credential ID exceeds %d characters", MaxIDLength),
			Suggestion: "use a shorter identifier",
		}
	}
	if !idPattern.MatchString(id) {
		return &errors.ValidationError{
			Field:      "id",
			Message:    fmt.Sprintf("invalid credential ID %q", id),
			Suggestion: "use only letters, digits, underscores, and hyphens",
		}
	}
	return nil
}

// StoredCredential is the persisted admin-surface shape of a credential.
// For http_api_key credentials, Deployment is overloaded as the HTTP header
// name and HeaderValue is a template containing ${api-key}.
type StoredCredential struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        Type      `json:"credential_type"`
	CustomName  string    `json:"custom_name,omitempty"`
	APIKey      string    `json:"api_key"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Deployment  string    `json:"deployment,omitempty"`
	HeaderValue string    `json:"header_value,omitempty"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EntityID implements storage.Entity.
func (c StoredCredential) EntityID() string { return c.ID }

// Validate checks the stored credential's invariants.
func (c StoredCredential) Validate() error {
	if err := ValidateID(c.ID); err != nil {
		return err
	}
	if !c.Type.Valid() {
		return &errors.ValidationError{
			Field:   "credential_type",
			Message: fmt.Sprintf("unknown credential type %q", c.Type),
		}
	}
	if c.Type == TypeCustom && c.CustomName == "" {
		return &errors.ValidationError{
			Field:   "custom_name",
			Message: "custom credentials require a type name",
		}
	}
	if c.Type == TypeHTTPAPIKey {
		if c.Deployment == "" {
			return &errors.ValidationError{
				Field:      "deployment",
				Message:    "http_api_key credentials require a header name",
				Suggestion: "set deployment to the header name, e.g. X-Api-Key",
			}
		}
		if c.HeaderValue != "" && !strings.Contains(c.HeaderValue, apiKeyPlaceholder) {
			return &errors.ValidationError{
				Field:      "header_value",
				Message:    "header_value template does not reference the API key",
				Suggestion: "include " + apiKeyPlaceholder + " in the template",
			}
		}
	}
	return nil
}

// Credential is the runtime view handed to plugins and step handlers. It is
// a value copy; mutating Params never affects the store.
type Credential struct {
	// ID is the stored credential's identifier.
	ID string

	// Type is the credential type; for custom credentials TypeName carries
	// the plugin-defined name.
	Type     Type
	TypeName string

	// APIKey is the opaque secret.
	APIKey string

	// Params holds the non-secret parameters (endpoint, deployment,
	// header_value) present on the stored credential.
	Params map[string]string

	// Version increments whenever the underlying stored credential is
	// refreshed; the router uses it to discard stale provider instances.
	Version uint64
}

// Param returns the named parameter or the empty string.
func (c Credential) Param(name string) string {
	return c.Params[name]
}

// Header renders the http_api_key header for this credential. The returned
// name is the Deployment parameter and the value is the HeaderValue template
// with ${api-key} substituted; an empty template means the raw key.
func (c Credential) Header() (name, value string) {
	name = c.Params["deployment"]
	tmpl := c.Params["header_value"]
	if tmpl == "" {
		return name, c.APIKey
	}
	return name, strings.ReplaceAll(tmpl, apiKeyPlaceholder, c.APIKey)
}

// derive converts a stored credential into its runtime view.
func derive(stored StoredCredential, version uint64) Credential {
	params := make(map[string]string)
	if stored.Endpoint != "" {
		params["endpoint"] = stored.Endpoint
	}
	if stored.Deployment != "" {
		params["deployment"] = stored.Deployment
	}
	if stored.HeaderValue != "" {
		params["header_value"] = stored.HeaderValue
	}
	return Credential{
		ID:       stored.ID,
		Type:     stored.Type,
		TypeName: stored.CustomName,
		APIKey:   stored.APIKey,
		Params:   params,
		Version:  version,
	}
}
