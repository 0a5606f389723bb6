package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscover_SelfContainedAuthorizationServer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(wellKnownAuthServer, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Metadata{
			Issuer:                "https://auth.example.com",
			AuthorizationEndpoint: "https://auth.example.com/authorize",
			TokenEndpoint:         "https://auth.example.com/token",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	md, err := Discover(context.Background(), srv.Client(), srv.URL+"/mcp")
	require.NoError(t, err)
	require.Equal(t, "https://auth.example.com/authorize", md.AuthorizationEndpoint)
	require.Equal(t, "https://auth.example.com/token", md.TokenEndpoint)
}

func TestDiscover_FallsBackToDelegatedProtectedResource(t *testing.T) {
	authMux := http.NewServeMux()
	authMux.HandleFunc(wellKnownAuthServer, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Metadata{
			AuthorizationEndpoint: "https://idp.example.com/authorize",
			TokenEndpoint:         "https://idp.example.com/token",
		})
	})
	authSrv := httptest.NewServer(authMux)
	defer authSrv.Close()

	resourceMux := http.NewServeMux()
	resourceMux.HandleFunc(wellKnownAuthServer, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	resourceMux.HandleFunc(wellKnownProtectedRes, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(protectedResourceMetadata{
			Resource:             "https://resource.example.com",
			AuthorizationServers: []string{authSrv.URL},
		})
	})
	resourceSrv := httptest.NewServer(resourceMux)
	defer resourceSrv.Close()

	md, err := Discover(context.Background(), resourceSrv.Client(), resourceSrv.URL)
	require.NoError(t, err)
	require.Equal(t, "https://idp.example.com/authorize", md.AuthorizationEndpoint)
}

func TestDiscover_DiscoveryURLDiscardsPath(t *testing.T) {
	var hitPath string
	mux := http.NewServeMux()
	mux.HandleFunc(wellKnownAuthServer, func(w http.ResponseWriter, r *http.Request) {
		hitPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(Metadata{
			AuthorizationEndpoint: "https://auth.example.com/authorize",
			TokenEndpoint:         "https://auth.example.com/token",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := Discover(context.Background(), srv.Client(), srv.URL+"/some/deep/mcp/path")
	require.NoError(t, err)
	require.Equal(t, wellKnownAuthServer, hitPath)
}

func TestDiscover_RejectsRelativeServerURL(t *testing.T) {
	_, err := Discover(context.Background(), http.DefaultClient, "not-a-url")
	require.Error(t, err)
}

func TestResourceMetadataURL_ExtractsParameter(t *testing.T) {
	header := `Bearer realm="example", resource_metadata="https://example.com/.well-known/oauth-protected-resource", error="invalid_token"`
	require.Equal(t, "https://example.com/.well-known/oauth-protected-resource", ResourceMetadataURL(header))
}

func TestResourceMetadataURL_EmptyWhenAbsent(t *testing.T) {
	require.Equal(t, "", ResourceMetadataURL(`Bearer realm="example"`))
	require.Equal(t, "", ResourceMetadataURL(""))
}

func TestDiscoverFromResourceMetadataURL(t *testing.T) {
	authMux := http.NewServeMux()
	authMux.HandleFunc(wellKnownAuthServer, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Metadata{
			AuthorizationEndpoint: "https://idp.example.com/authorize",
			TokenEndpoint:         "https://idp.example.com/token",
		})
	})
	authSrv := httptest.NewServer(authMux)
	defer authSrv.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/tenant-a/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(protectedResourceMetadata{
			Resource:             "https://resource.example.com/tenant-a",
			AuthorizationServers: []string{authSrv.URL},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	md, err := DiscoverFromResourceMetadataURL(context.Background(), srv.Client(), srv.URL+"/tenant-a/.well-known/oauth-protected-resource")
	require.NoError(t, err)
	require.Equal(t, "https://idp.example.com/authorize", md.AuthorizationEndpoint)
}

func TestDiscoverFromResourceMetadataURL_NoAuthorizationServersErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(protectedResourceMetadata{Resource: "https://resource.example.com"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := DiscoverFromResourceMetadataURL(context.Background(), srv.Client(), srv.URL+"/.well-known/oauth-protected-resource")
	require.Error(t, err)
}
