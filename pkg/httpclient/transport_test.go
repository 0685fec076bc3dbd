package httpclient

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserAgentInjection(t *testing.T) {
	var gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.UserAgent = "gateway-test/0.1"
	client, err := New(cfg)
	require.NoError(t, err)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "gateway-test/0.1", gotAgent)
}

func TestUserAgentNotOverwritten(t *testing.T) {
	var gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	client, err := New(DefaultConfig())
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "caller-agent/2.0")

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "caller-agent/2.0", gotAgent)
}

func TestSanitizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"api key redacted",
			"https://api.example.com/v1?api_key=sk-123&limit=5",
			"https://api.example.com/v1?api_key=%5BREDACTED%5D&limit=5",
		},
		{
			"substring match",
			"https://api.example.com/v1?access_token=abc",
			"https://api.example.com/v1?access_token=%5BREDACTED%5D",
		},
		{
			"plain params untouched",
			"https://api.example.com/v1?limit=5&offset=10",
			"https://api.example.com/v1?limit=5&offset=10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sanitizeURL(u))
		})
	}

	assert.Empty(t, sanitizeURL(nil))
}
