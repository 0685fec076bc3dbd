package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/credential"
)

// httpDoer is the outbound HTTP capability http_request steps use.
// Satisfied by *http.Client (including the shared gateway client).
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxResponseBody bounds how much of an external API response is read.
const maxResponseBody = 10 << 20

// runHTTPRequest resolves the external API, substitutes variables in the
// URL, headers, and body, executes the call, and optionally applies a jq
// transform to the parsed response.
func (e *Executor) runHTTPRequest(ctx context.Context, c *Context, cfg *HTTPRequestStep) (any, error) {
	if e.externalAPIs == nil {
		return nil, fmt.Errorf("no external API store configured")
	}
	if e.doRequest == nil {
		return nil, fmt.Errorf("no HTTP client configured")
	}

	api, err := e.externalAPIs.Get(ctx, cfg.ExternalApiID)
	if err != nil {
		return nil, err
	}
	if !api.Enabled {
		return nil, fmt.Errorf("external API %s is disabled", api.ID)
	}

	requestURL, err := e.buildURL(c, api.BaseURL, cfg)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if cfg.Body != nil {
		resolved, err := substituteAny(c, normalize(cfg.Body))
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(resolved)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(cfg.Method), requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	for name, value := range api.BaseHeaders {
		req.Header.Set(name, value)
	}
	headers, err := substituteStringMap(c, cfg.Headers)
	if err != nil {
		return nil, err
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	if cfg.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if cfg.CredentialID != "" {
		if e.credentials == nil {
			return nil, fmt.Errorf("no credential source configured")
		}
		cred, err := e.credentials.Get(ctx, cfg.CredentialID)
		if err != nil {
			return nil, err
		}
		if cred.Type != credential.TypeHTTPAPIKey {
			return nil, fmt.Errorf("credential %s is not an HTTP API key", cfg.CredentialID)
		}
		name, value := cred.Header()
		if name == "" {
			return nil, fmt.Errorf("credential %s has no header name", cfg.CredentialID)
		}
		req.Header.Set(name, value)
	}

	resp, err := e.doRequest.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", api.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", api.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("external API %s returned HTTP %d", api.Name, resp.StatusCode)
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		// Non-JSON responses surface as a raw string.
		body = string(raw)
	}

	output := map[string]any{
		"status": resp.StatusCode,
		"body":   body,
	}

	if cfg.Transform != "" {
		transformed, err := applyTransform(ctx, cfg.Transform, body)
		if err != nil {
			return nil, err
		}
		output["body"] = transformed
	}

	return output, nil
}

func (e *Executor) buildURL(c *Context, baseURL string, cfg *HTTPRequestStep) (string, error) {
	path, err := SubstituteString(c, cfg.Path)
	if err != nil {
		return "", err
	}

	full := strings.TrimRight(baseURL, "/")
	if path != "" {
		full += "/" + strings.TrimLeft(path, "/")
	}

	parsed, err := url.Parse(full)
	if err != nil {
		return "", fmt.Errorf("building URL: %w", err)
	}

	if len(cfg.Query) > 0 {
		values := parsed.Query()
		query, err := substituteStringMap(c, cfg.Query)
		if err != nil {
			return "", err
		}
		for name, value := range query {
			values.Set(name, value)
		}
		parsed.RawQuery = values.Encode()
	}

	return parsed.String(), nil
}

// applyTransform runs a jq program over the response body. A program
// producing multiple outputs yields an array; a single output is unwrapped.
func applyTransform(ctx context.Context, program string, body any) (any, error) {
	query, err := gojq.Parse(program)
	if err != nil {
		return nil, fmt.Errorf("parsing transform: %w", err)
	}

	var outputs []any
	iter := query.RunWithContext(ctx, body)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("applying transform: %w", err)
		}
		outputs = append(outputs, v)
	}

	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	default:
		return outputs, nil
	}
}
