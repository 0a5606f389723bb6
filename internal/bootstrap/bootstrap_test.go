package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fyrsmithlabs/mcpclient/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeMCPServer(t *testing.T, checkAuth func(r *http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if checkAuth != nil {
			checkAuth(r)
		}
		var req struct {
			Method string `json:"method"`
			ID     any    `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		body, _ := json.Marshal(req.ID)
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(body) + `,"result":{"protocolVersion":"2025-06-18","serverInfo":{"name":"fake","version":"1.0"},"capabilities":{}}}`))
	}))
}

func TestBuildServer_PlainHTTPNoAuth(t *testing.T) {
	srv := fakeMCPServer(t, func(r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
	})
	defer srv.Close()

	def := config.ServerDefinition{Name: "plain", Type: config.TransportHTTP, URL: srv.URL}
	mcpSrv, err := BuildServer(context.Background(), def, nil, "2025-06-18")
	require.NoError(t, err)
	assert.Equal(t, "plain", mcpSrv.Name)
}

func TestBuildServer_StaticBearerTokenFromEnv(t *testing.T) {
	t.Setenv("MCP_BOOTSTRAP_TEST_TOKEN", "secret-token")
	srv := fakeMCPServer(t, func(r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
	})
	defer srv.Close()

	def := config.ServerDefinition{
		Name:           "auth'd",
		Type:           config.TransportHTTP,
		URL:            srv.URL,
		BearerTokenEnv: "MCP_BOOTSTRAP_TEST_TOKEN",
	}
	_, err := BuildServer(context.Background(), def, nil, "2025-06-18")
	require.NoError(t, err)
}

func TestBuildServer_MissingBearerTokenEnvFailsFast(t *testing.T) {
	def := config.ServerDefinition{
		Name:           "broken-auth",
		Type:           config.TransportHTTP,
		URL:            "http://127.0.0.1:1",
		BearerTokenEnv: "MCP_BOOTSTRAP_TEST_TOKEN_UNSET",
		ReadTimeout:    config.Duration(time.Second),
	}
	_, err := BuildServer(context.Background(), def, nil, "2025-06-18")
	require.Error(t, err)
}

func TestBuildServer_UnresolvableTypeFails(t *testing.T) {
	def := config.ServerDefinition{Name: "nothing"}
	_, err := BuildServer(context.Background(), def, nil, "2025-06-18")
	require.Error(t, err)
}
