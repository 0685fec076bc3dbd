package response

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/llm"
)

// digestLen is the number of hex characters kept from the SHA-256 digest.
const digestLen = 16

// fingerprintPayload is the canonical serialization input for cache keys.
// Field order is fixed by the struct; map keys are sorted by encoding/json,
// so repeated serialization of the same request yields identical bytes.
type fingerprintPayload struct {
	Model       string            `json:"model"`
	Messages    []llm.Message     `json:"messages"`
	PromptID    string            `json:"prompt_id,omitempty"`
	PromptVars  map[string]string `json:"prompt_vars,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
}

// Fingerprint derives the deterministic short hash of the semantically
// significant components of a request. Temperature and max_tokens enter the
// key only when the corresponding config flags are set.
func Fingerprint(model string, req llm.Request, includeTemperature, includeMaxTokens bool) string {
	payload := fingerprintPayload{
		Model:      model,
		Messages:   req.Messages,
		PromptID:   req.PromptID,
		PromptVars: req.PromptVars,
	}
	if includeTemperature {
		payload.Temperature = req.Temperature
	}
	if includeMaxTokens {
		payload.MaxTokens = req.MaxTokens
	}

	// encoding/json never fails on this shape.
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:digestLen]
}

// sanitizeKeyComponent makes a model ID safe for use inside a cache key.
// Glob metacharacters and the separator are replaced so pattern invalidation
// stays predictable.
func sanitizeKeyComponent(s string) string {
	replacer := strings.NewReplacer(":", "_", "*", "_", "?", "_", "[", "_", "]", "_", " ", "_")
	return replacer.Replace(s)
}
