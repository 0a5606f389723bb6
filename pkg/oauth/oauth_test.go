package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mcpclient/pkg/mcp"
)

var tokenFixture = mcp.Token{
	AccessToken: "cached-access-token",
	TokenType:   "Bearer",
	ExpiresAt:   time.Now().Add(time.Hour),
}

// driveCallback simulates the user's browser: it parses the authorization
// URL the provider would have opened and issues the redirect GET itself,
// optionally with a deliberately wrong state or error.
func driveCallback(t *testing.T, client *http.Client, authURL string, mutate func(v url.Values)) {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()

	redirect := q.Get("redirect_uri")
	state := q.Get("state")

	cbURL, err := url.Parse(redirect)
	require.NoError(t, err)
	cbQuery := url.Values{}
	cbQuery.Set("code", "test-auth-code")
	cbQuery.Set("state", state)
	if mutate != nil {
		mutate(cbQuery)
	}
	cbURL.RawQuery = cbQuery.Encode()

	resp, err := client.Get(cbURL.String())
	require.NoError(t, err)
	defer resp.Body.Close()
}

func newFakeAuthServer(t *testing.T, tokenHandler http.HandlerFunc) (*httptest.Server, *Metadata) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(wellKnownAuthServer, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r) // force the self-contained lookup to fail so the caller can inject Metadata directly
	})
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/token", tokenHandler)
	srv := httptest.NewServer(mux)

	md := &Metadata{
		Issuer:                srv.URL,
		AuthorizationEndpoint: srv.URL + "/authorize",
		TokenEndpoint:         srv.URL + "/token",
	}
	return srv, md
}

func TestProvider_Authenticate_HappyPath(t *testing.T) {
	srv, md := newFakeAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-123",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	defer srv.Close()

	store := NewMemoryTokenStore()
	p := NewProvider(ProviderConfig{
		ServerURL:       srv.URL,
		ClientID:        "preprovisioned-client",
		CallbackTimeout: 5 * time.Second,
		HTTPClient:      srv.Client(),
	}, store, "test-server")
	p.metadata = md // skip discovery; exercised separately in metadata_test.go

	origOpener := browserOpener
	browserOpener = func(target string) error {
		go driveCallback(t, srv.Client(), target, nil)
		return nil
	}
	defer func() { browserOpener = origOpener }()

	tok, err := p.Authenticate(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-123", tok.AccessToken)

	stored, err := store.Load(context.Background(), "test-server")
	require.NoError(t, err)
	require.Equal(t, "access-123", stored.AccessToken)
}

func TestProvider_Authenticate_StateMismatchRejected(t *testing.T) {
	srv, md := newFakeAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("token endpoint must not be reached when state mismatches")
	})
	defer srv.Close()

	p := NewProvider(ProviderConfig{
		ServerURL:       srv.URL,
		ClientID:        "client",
		CallbackTimeout: 2 * time.Second,
		HTTPClient:      srv.Client(),
	}, NewMemoryTokenStore(), "test-server")
	p.metadata = md

	origOpener := browserOpener
	browserOpener = func(target string) error {
		go driveCallback(t, srv.Client(), target, func(v url.Values) {
			v.Set("state", "wrong-state")
		})
		return nil
	}
	defer func() { browserOpener = origOpener }()

	_, err := p.Authenticate(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "state")
}

func TestProvider_Reauthorize_UsesResourceMetadataURLThenReauthenticates(t *testing.T) {
	srv, _ := newFakeAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	defer srv.Close()

	resourceMux := http.NewServeMux()
	resourceMux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(protectedResourceMetadata{
			Resource:             "https://resource.example.com",
			AuthorizationServers: []string{srv.URL},
		})
	})
	resourceSrv := httptest.NewServer(resourceMux)
	defer resourceSrv.Close()

	store := NewMemoryTokenStore()
	require.NoError(t, store.Save(context.Background(), "test-server", &tokenFixture))

	p := NewProvider(ProviderConfig{
		ServerURL:       srv.URL,
		ClientID:        "preprovisioned-client",
		CallbackTimeout: 5 * time.Second,
		HTTPClient:      srv.Client(),
	}, store, "test-server")

	origOpener := browserOpener
	browserOpener = func(target string) error {
		go driveCallback(t, srv.Client(), target, nil)
		return nil
	}
	defer func() { browserOpener = origOpener }()

	header := `Bearer resource_metadata="` + resourceSrv.URL + `/.well-known/oauth-protected-resource"`
	tok, err := p.Reauthorize(context.Background(), header)
	require.NoError(t, err)
	require.Equal(t, "fresh-access-token", tok.AccessToken)

	// The stale cached token was dropped and replaced, not merely shadowed.
	stored, err := store.Load(context.Background(), "test-server")
	require.NoError(t, err)
	require.Equal(t, "fresh-access-token", stored.AccessToken)
}

func TestProvider_Reauthorize_NoResourceMetadataFallsBackToConfiguredServerURL(t *testing.T) {
	// Unlike newFakeAuthServer's helper servers, this one answers the
	// self-contained well-known document for real: with no resource_metadata
	// parameter to chase, Reauthorize falls back to discovering against the
	// provider's configured ServerURL exactly as a first-time Authenticate
	// would.
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc(wellKnownAuthServer, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Metadata{
			AuthorizationEndpoint: srvURL + "/authorize",
			TokenEndpoint:         srvURL + "/token",
		})
	})
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	p := NewProvider(ProviderConfig{
		ServerURL:       srv.URL,
		ClientID:        "preprovisioned-client",
		CallbackTimeout: 5 * time.Second,
		HTTPClient:      srv.Client(),
	}, NewMemoryTokenStore(), "test-server")
	p.metadata = &Metadata{
		AuthorizationEndpoint: "https://stale.example.com/authorize",
		TokenEndpoint:         "https://stale.example.com/token",
	}

	origOpener := browserOpener
	browserOpener = func(target string) error {
		go driveCallback(t, srv.Client(), target, nil)
		return nil
	}
	defer func() { browserOpener = origOpener }()

	tok, err := p.Reauthorize(context.Background(), `Bearer error="invalid_token"`)
	require.NoError(t, err)
	require.Equal(t, "fresh-access-token", tok.AccessToken)
}

func TestProvider_Authenticate_AuthorizationErrorRejected(t *testing.T) {
	srv, md := newFakeAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("token endpoint must not be reached when authorization was denied")
	})
	defer srv.Close()

	p := NewProvider(ProviderConfig{
		ServerURL:       srv.URL,
		ClientID:        "client",
		CallbackTimeout: 2 * time.Second,
		HTTPClient:      srv.Client(),
	}, NewMemoryTokenStore(), "test-server")
	p.metadata = md

	origOpener := browserOpener
	browserOpener = func(target string) error {
		go driveCallback(t, srv.Client(), target, func(v url.Values) {
			v.Set("error", "access_denied")
		})
		return nil
	}
	defer func() { browserOpener = origOpener }()

	_, err := p.Authenticate(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "access_denied")
}

// TestProvider_Authenticate_RetriesOnceWithCanonicalRedirectURI covers the
// redirect_uri-mismatch end-to-end scenario: the token endpoint rejects the
// first exchange with a redirect_uri naming the canonical value, and the
// provider retries exactly once using it.
func TestProvider_Authenticate_RetriesOnceWithCanonicalRedirectURI(t *testing.T) {
	var calls int
	var canonicalRedirect string

	srv, md := newFakeAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.NoError(t, r.ParseForm())
		if calls == 1 {
			canonicalRedirect = "http://localhost:1/canonical-callback"
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":             "invalid_grant",
				"error_description": "redirect_uri mismatch, expected " + canonicalRedirect,
			})
			return
		}
		require.Equal(t, canonicalRedirect, r.FormValue("redirect_uri"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-after-retry",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	defer srv.Close()

	p := NewProvider(ProviderConfig{
		ServerURL:       srv.URL,
		ClientID:        "client",
		CallbackTimeout: 5 * time.Second,
		HTTPClient:      srv.Client(),
	}, NewMemoryTokenStore(), "test-server")
	p.metadata = md

	origOpener := browserOpener
	browserOpener = func(target string) error {
		go driveCallback(t, srv.Client(), target, nil)
		return nil
	}
	defer func() { browserOpener = origOpener }()

	tok, err := p.Authenticate(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-after-retry", tok.AccessToken)
	require.Equal(t, 2, calls)
}

func TestProvider_Token_ReusesUnexpiredCachedToken(t *testing.T) {
	store := NewMemoryTokenStore()
	require.NoError(t, store.Save(context.Background(), "srv", &tokenFixture))

	p := NewProvider(ProviderConfig{ServerURL: "https://example.com"}, store, "srv")
	token, err := p.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, tokenFixture.AccessToken, token)
}
