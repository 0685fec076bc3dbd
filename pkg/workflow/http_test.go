package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/credential"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/externalapi"
	"github.com/comfortablynumb/pmp-llm-gateway-api-sub003/pkg/storage"
)

type stubCredentials struct {
	creds map[string]credential.Credential
}

func (s *stubCredentials) Get(ctx context.Context, id string) (credential.Credential, error) {
	cred, ok := s.creds[id]
	if !ok {
		return credential.Credential{}, fmt.Errorf("credential %s not found", id)
	}
	return cred, nil
}

func httpFixture(t *testing.T, handler http.HandlerFunc) (*Executor, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	apis := storage.NewMemoryStorage[externalapi.ExternalApi]("external API")
	err := apis.Create(context.Background(), externalapi.ExternalApi{
		ID:          "weather-api",
		Name:        "Weather API",
		BaseURL:     server.URL,
		BaseHeaders: map[string]string{"X-Source": "gateway"},
		Enabled:     true,
	})
	require.NoError(t, err)

	creds := &stubCredentials{creds: map[string]credential.Credential{
		"weather-key": {
			ID:     "weather-key",
			Type:   credential.TypeHTTPAPIKey,
			APIKey: "secret-token",
			Params: map[string]string{
				"deployment":   "Authorization",
				"header_value": "Bearer ${api-key}",
			},
		},
	}}

	exec := NewExecutor(echoRouter(), testLogger(),
		WithExternalAPIs(apis),
		WithCredentials(creds),
		WithHTTPDoer(server.Client()))
	return exec, server
}

func httpWorkflow(step *HTTPRequestStep) Workflow {
	wf := validWorkflow()
	wf.Steps = []Step{{
		Name:        "fetch",
		Type:        StepHTTPRequest,
		HTTPRequest: step,
	}}
	return wf
}

func TestHTTPRequestStep(t *testing.T) {
	var gotPath, gotAuth, gotSource, gotQuery string
	exec, _ := httpFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotSource = r.Header.Get("X-Source")
		gotQuery = r.URL.Query().Get("city")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"temperature": 21.5, "unit": "C"}`)
	})

	wf := httpWorkflow(&HTTPRequestStep{
		ExternalApiID: "weather-api",
		Method:        "get",
		Path:          "/v1/weather/${request:city}",
		Query:         map[string]string{"city": "${request:city}"},
		CredentialID:  "weather-key",
	})

	result := exec.Execute(context.Background(), wf, map[string]any{"city": "lisbon"})
	require.True(t, result.Success, "error: %s", result.Error)

	assert.Equal(t, "/v1/weather/lisbon", gotPath)
	assert.Equal(t, "Bearer secret-token", gotAuth, "credential header rendered")
	assert.Equal(t, "gateway", gotSource, "base headers applied")
	assert.Equal(t, "lisbon", gotQuery)

	output := result.StepResults[0].Output.(map[string]any)
	assert.Equal(t, 200, output["status"])
	body := output["body"].(map[string]any)
	assert.Equal(t, 21.5, body["temperature"])
}

func TestHTTPRequestBodySubstitution(t *testing.T) {
	var gotBody map[string]any
	var gotContentType string
	exec, _ := httpFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		fmt.Fprint(w, `{"ok": true}`)
	})

	wf := httpWorkflow(&HTTPRequestStep{
		ExternalApiID: "weather-api",
		Method:        "POST",
		Path:          "/v1/report",
		Body: map[string]any{
			"city":   "${request:city}",
			"nested": map[string]any{"note": "from ${request:city}"},
		},
	})

	result := exec.Execute(context.Background(), wf, map[string]any{"city": "porto"})
	require.True(t, result.Success, "error: %s", result.Error)

	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "porto", gotBody["city"])
	assert.Equal(t, "from porto", gotBody["nested"].(map[string]any)["note"])
}

func TestHTTPRequestStepHeadersOverrideBase(t *testing.T) {
	var gotSource string
	exec, _ := httpFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotSource = r.Header.Get("X-Source")
		fmt.Fprint(w, `{}`)
	})

	wf := httpWorkflow(&HTTPRequestStep{
		ExternalApiID: "weather-api",
		Method:        "GET",
		Path:          "/",
		Headers:       map[string]string{"X-Source": "step-override"},
	})

	result := exec.Execute(context.Background(), wf, nil)
	require.True(t, result.Success, "error: %s", result.Error)
	assert.Equal(t, "step-override", gotSource)
}

func TestHTTPRequestNon2xxFails(t *testing.T) {
	exec, _ := httpFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	})

	wf := httpWorkflow(&HTTPRequestStep{
		ExternalApiID: "weather-api",
		Method:        "GET",
		Path:          "/",
	})

	result := exec.Execute(context.Background(), wf, nil)
	require.False(t, result.Success)
	assert.Contains(t, result.StepResults[0].Error, "HTTP 502")
}

func TestHTTPRequestNonJSONBody(t *testing.T) {
	exec, _ := httpFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "plain text response")
	})

	wf := httpWorkflow(&HTTPRequestStep{
		ExternalApiID: "weather-api",
		Method:        "GET",
		Path:          "/",
	})

	result := exec.Execute(context.Background(), wf, nil)
	require.True(t, result.Success, "error: %s", result.Error)

	output := result.StepResults[0].Output.(map[string]any)
	assert.Equal(t, "plain text response", output["body"])
}

func TestHTTPRequestTransform(t *testing.T) {
	exec, _ := httpFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items": [{"name": "a"}, {"name": "b"}]}`)
	})

	wf := httpWorkflow(&HTTPRequestStep{
		ExternalApiID: "weather-api",
		Method:        "GET",
		Path:          "/",
		Transform:     ".items | map(.name)",
	})

	result := exec.Execute(context.Background(), wf, nil)
	require.True(t, result.Success, "error: %s", result.Error)

	output := result.StepResults[0].Output.(map[string]any)
	assert.Equal(t, []any{"a", "b"}, output["body"])
}

func TestHTTPRequestDisabledAPI(t *testing.T) {
	exec, _ := httpFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})

	// Disable the API after fixture setup.
	api, err := exec.externalAPIs.Get(context.Background(), "weather-api")
	require.NoError(t, err)
	api.Enabled = false
	require.NoError(t, exec.externalAPIs.Update(context.Background(), api))

	wf := httpWorkflow(&HTTPRequestStep{
		ExternalApiID: "weather-api",
		Method:        "GET",
		Path:          "/",
	})

	result := exec.Execute(context.Background(), wf, nil)
	require.False(t, result.Success)
	assert.Contains(t, result.StepResults[0].Error, "disabled")
}

func TestHTTPRequestWrongCredentialType(t *testing.T) {
	exec, _ := httpFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	exec.credentials.(*stubCredentials).creds["openai-key"] = credential.Credential{
		ID:     "openai-key",
		Type:   credential.TypeOpenAI,
		APIKey: "sk-1",
	}

	wf := httpWorkflow(&HTTPRequestStep{
		ExternalApiID: "weather-api",
		Method:        "GET",
		Path:          "/",
		CredentialID:  "openai-key",
	})

	result := exec.Execute(context.Background(), wf, nil)
	require.False(t, result.Success)
	assert.Contains(t, result.StepResults[0].Error, "not an HTTP API key")
}
