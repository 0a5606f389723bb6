package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"
)

// Metadata is the subset of RFC 8414 authorization-server metadata (or the
// OAuth Protected Resource Metadata delegated shape) this client needs.
type Metadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// protectedResourceMetadata is the delegated-discovery fallback shape: it
// names the authorization server(s) backing this resource rather than
// describing the endpoints directly.
type protectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
}

const (
	wellKnownAuthServer  = "/.well-known/oauth-authorization-server"
	wellKnownProtectedRes = "/.well-known/oauth-protected-resource"
)

// Discover resolves authorization-server metadata for serverURL, preferring
// the self-contained oauth-authorization-server document and falling back
// to the delegated oauth-protected-resource document (§4.I step 2). The
// discovery URL is built from scheme+host+port only; any path on serverURL
// is discarded.
func Discover(ctx context.Context, client *http.Client, serverURL string) (*Metadata, error) {
	base, err := discoveryBase(serverURL)
	if err != nil {
		return nil, err
	}

	if md, err := fetchAuthServerMetadata(ctx, client, base+wellKnownAuthServer); err == nil {
		return md, nil
	}

	resource, err := fetchProtectedResourceMetadata(ctx, client, base+wellKnownProtectedRes)
	if err != nil {
		return nil, fmt.Errorf("oauth: discovery failed for %s: %w", base, err)
	}
	if len(resource.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("oauth: protected resource metadata named no authorization servers")
	}
	return fetchAuthServerMetadata(ctx, client, resource.AuthorizationServers[0]+wellKnownAuthServer)
}

// resourceMetadataParam extracts the resource_metadata challenge parameter
// RFC 9728 adds to a WWW-Authenticate header, e.g.
// `Bearer resource_metadata="https://example.com/.well-known/oauth-protected-resource"`.
var resourceMetadataParam = regexp.MustCompile(`resource_metadata="([^"]+)"`)

// ResourceMetadataURL extracts the resource_metadata URL from a
// WWW-Authenticate header value, or "" if the header doesn't carry one.
func ResourceMetadataURL(wwwAuthenticate string) string {
	m := resourceMetadataParam.FindStringSubmatch(wwwAuthenticate)
	if len(m) != 2 {
		return ""
	}
	return m[1]
}

// DiscoverFromResourceMetadataURL fetches the protected-resource metadata
// document at docURL directly (as named by a 401's WWW-Authenticate
// resource_metadata parameter) rather than guessing the well-known path
// from the resource server's own base URL, then resolves the authorization
// server it names.
func DiscoverFromResourceMetadataURL(ctx context.Context, client *http.Client, docURL string) (*Metadata, error) {
	resource, err := fetchProtectedResourceMetadata(ctx, client, docURL)
	if err != nil {
		return nil, fmt.Errorf("oauth: fetching resource metadata %s: %w", docURL, err)
	}
	if len(resource.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("oauth: resource metadata at %s named no authorization servers", docURL)
	}
	return fetchAuthServerMetadata(ctx, client, resource.AuthorizationServers[0]+wellKnownAuthServer)
}

func discoveryBase(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("oauth: invalid server_url %q: %w", serverURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("oauth: server_url %q must be an absolute http(s) URL", serverURL)
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host), nil
}

func fetchAuthServerMetadata(ctx context.Context, client *http.Client, docURL string) (*Metadata, error) {
	var md Metadata
	if err := fetchJSON(ctx, client, docURL, &md); err != nil {
		return nil, err
	}
	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		return nil, fmt.Errorf("oauth: metadata at %s missing required endpoints", docURL)
	}
	return &md, nil
}

func fetchProtectedResourceMetadata(ctx context.Context, client *http.Client, docURL string) (*protectedResourceMetadata, error) {
	var pr protectedResourceMetadata
	if err := fetchJSON(ctx, client, docURL, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

func fetchJSON(ctx context.Context, client *http.Client, docURL string, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, docURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d fetching %s", resp.StatusCode, docURL)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
