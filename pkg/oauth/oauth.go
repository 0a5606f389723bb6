// Package oauth implements the browser-based OAuth 2.1 + PKCE helper
// (§4.I): metadata discovery, optional dynamic client registration, a
// single-connection loopback callback server, and pluggable token storage.
package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/mcpclient/internal/logging"
	"github.com/fyrsmithlabs/mcpclient/pkg/mcp"
)

const defaultCallbackTimeout = 300 * time.Second

// ProviderConfig configures one browser OAuth flow against one resource
// server (§4.I step 1).
type ProviderConfig struct {
	ServerURL   string
	Port        int    // loopback port; 0 picks an ephemeral port
	Path        string // callback path, default "/callback"
	Scope       string
	ClientName  string // used only for dynamic client registration
	ClientID    string // pre-provisioned client_id; skips registration if set
	CallbackTimeout time.Duration
	HTTPClient  *http.Client
	Logger      *logging.Logger
}

// Provider drives the authorization-code + PKCE flow and exposes the
// resulting token through a TokenStore.
type Provider struct {
	cfg   ProviderConfig
	store TokenStore
	key   string

	mu       sync.Mutex
	metadata *Metadata
	creds    *ClientCredentials
}

// NewProvider constructs a Provider; key identifies the stored token
// (typically the server's name) and store persists it across calls.
func NewProvider(cfg ProviderConfig, store TokenStore, key string) *Provider {
	if cfg.Path == "" {
		cfg.Path = "/callback"
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = defaultCallbackTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.FromContext(context.Background())
	}
	return &Provider{cfg: cfg, store: store, key: key}
}

// Token returns an unexpired access token, refreshing or running the full
// interactive flow as needed. This is the method callers wire in as an
// mcptransport.Options.BearerTokenProvider.
func (p *Provider) Token(ctx context.Context) (string, error) {
	tok, err := p.store.Load(ctx, p.key)
	if err != nil {
		return "", err
	}
	if tok != nil && !tok.Expired(time.Now()) {
		return tok.AccessToken, nil
	}
	if tok != nil && tok.RefreshToken != "" {
		if refreshed, err := p.refresh(ctx, tok); err == nil {
			return refreshed.AccessToken, nil
		}
		// refresh failed: drop the stale token and fall through to a full
		// interactive re-authorization, per the token-application rule.
		_ = p.store.Delete(ctx, p.key)
	}
	tok, err = p.Authenticate(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Reauthorize handles a 401 carrying a WWW-Authenticate header (§4.I's
// resource-metadata re-discovery path): it drops any cached metadata and
// client credentials, re-discovers — from the header's resource_metadata
// URL when present, otherwise by re-running Discover against ServerURL —
// and runs the full interactive flow again. Call this when a request fails
// with an mcp.ConnectionError or mcptransport.ConnectionError whose
// WWWAuthenticate field is non-empty; a plain expired-token 401 is already
// handled by Token's own refresh path and shouldn't reach here.
func (p *Provider) Reauthorize(ctx context.Context, wwwAuthenticate string) (*mcp.Token, error) {
	p.mu.Lock()
	p.metadata = nil
	p.creds = nil
	p.mu.Unlock()

	if docURL := ResourceMetadataURL(wwwAuthenticate); docURL != "" {
		md, err := DiscoverFromResourceMetadataURL(ctx, p.cfg.HTTPClient, docURL)
		if err != nil {
			return nil, &mcp.ConnectionError{Server: p.cfg.ServerURL, Err: err}
		}
		p.mu.Lock()
		p.metadata = md
		p.mu.Unlock()
	}

	_ = p.store.Delete(ctx, p.key)
	return p.Authenticate(ctx)
}

func (p *Provider) oauth2Config(redirectURI string) (*oauth2.Config, error) {
	md, creds, err := p.discoverAndRegister(redirectURI)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID: creds.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  md.AuthorizationEndpoint,
			TokenURL: md.TokenEndpoint,
		},
		RedirectURL: redirectURI,
		Scopes:      scopeList(p.cfg.Scope),
	}, nil
}

func (p *Provider) discoverAndRegister(redirectURI string) (*Metadata, *ClientCredentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.metadata == nil {
		md, err := Discover(context.Background(), p.cfg.HTTPClient, p.cfg.ServerURL)
		if err != nil {
			return nil, nil, &mcp.ConnectionError{Server: p.cfg.ServerURL, Err: err}
		}
		p.metadata = md
	}

	if p.creds == nil {
		if p.cfg.ClientID != "" {
			p.creds = &ClientCredentials{ClientID: p.cfg.ClientID}
		} else {
			creds, err := Register(context.Background(), p.cfg.HTTPClient, p.metadata, p.cfg.ClientName, redirectURI)
			if err != nil {
				return nil, nil, &mcp.ConnectionError{Server: p.cfg.ServerURL, Err: err}
			}
			p.creds = creds
		}
	}
	return p.metadata, p.creds, nil
}

func scopeList(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}

// callbackResult is what the loopback server observed.
type callbackResult struct {
	code  string
	state string
	err   string
}

// Authenticate runs the full interactive flow end to end (§4.I steps 4-10)
// and stores the resulting token.
func (p *Provider) Authenticate(ctx context.Context) (*mcp.Token, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p.cfg.Port))
	if err != nil {
		return nil, &mcp.ConnectionError{Server: p.cfg.ServerURL, Err: fmt.Errorf("binding loopback callback listener: %w", err)}
	}
	port := listener.Addr().(*net.TCPAddr).Port
	redirectURI := fmt.Sprintf("http://localhost:%d%s", port, p.cfg.Path)

	oauthCfg, err := p.oauth2Config(redirectURI)
	if err != nil {
		listener.Close()
		return nil, err
	}

	verifier := GenerateVerifier()
	state := GenerateState()

	resultCh := make(chan callbackResult, 1)
	srv := newCallbackServer(p.cfg.Path, resultCh)
	srv.echo.Listener = listener
	httpServer := &http.Server{
		ReadTimeout:    5 * time.Second,
		MaxHeaderBytes: 16 << 10, // a handful of headers at most; this is a loopback callback, not a public endpoint
	}
	go func() {
		if err := srv.echo.StartServer(httpServer); err != nil && err != http.ErrServerClosed {
			p.cfg.Logger.Warn(ctx, "oauth callback listener exited", zap.Error(err))
		}
	}()
	defer srv.Shutdown(context.Background())

	authURL := oauthCfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	if err := browserOpener(authURL); err != nil {
		p.cfg.Logger.Warn(ctx, "could not open browser automatically", zap.Error(err), zap.String("auth_url", authURL))
	}

	var result callbackResult
	select {
	case result = <-resultCh:
	case <-time.After(p.cfg.CallbackTimeout):
		return nil, &mcp.ConnectionError{Server: p.cfg.ServerURL, Err: fmt.Errorf("timed out waiting for oauth callback")}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if result.err != "" {
		return nil, &mcp.ConnectionError{Server: p.cfg.ServerURL, Err: fmt.Errorf("authorization server returned error: %s", result.err)}
	}
	if result.code == "" || result.state == "" {
		return nil, &mcp.ConnectionError{Server: p.cfg.ServerURL, Err: fmt.Errorf("callback missing code or state")}
	}
	if result.state != state {
		return nil, &mcp.ConnectionError{Server: p.cfg.ServerURL, Err: fmt.Errorf("callback state mismatch")}
	}

	token, err := p.exchangeWithRedirectRetry(ctx, oauthCfg, result.code, verifier, redirectURI)
	if err != nil {
		return nil, err
	}

	mcpToken := fromOAuth2Token(token)
	if err := p.store.Save(ctx, p.key, mcpToken); err != nil {
		return nil, err
	}
	return mcpToken, nil
}

// redirectMismatchPattern extracts a canonical URL named inside an
// unauthorized_client error_description, per §4.I step 9 and the OAuth
// end-to-end scenario.
var redirectMismatchPattern = regexp.MustCompile(`https?://[^\s"']+`)

func (p *Provider) exchangeWithRedirectRetry(ctx context.Context, cfg *oauth2.Config, code, verifier, redirectURI string) (*oauth2.Token, error) {
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err == nil {
		return tok, nil
	}

	canonical := extractCanonicalRedirect(err)
	if canonical == "" || canonical == redirectURI {
		return nil, &mcp.ConnectionError{Server: p.cfg.ServerURL, Err: fmt.Errorf("token exchange failed: %w", err)}
	}

	p.cfg.Logger.Warn(ctx, "retrying token exchange with server-specified redirect_uri",
		zap.String("original", redirectURI), zap.String("canonical", canonical))

	retryCfg := *cfg
	retryCfg.RedirectURL = canonical
	tok, retryErr := retryCfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if retryErr != nil {
		return nil, &mcp.ConnectionError{Server: p.cfg.ServerURL, Err: fmt.Errorf("token exchange failed (original error: %v, retry error): %w", err, retryErr)}
	}
	return tok, nil
}

// extractCanonicalRedirect pulls a URL out of an oauth2.RetrieveError's
// error_description, if present.
func extractCanonicalRedirect(err error) string {
	var re *oauth2.RetrieveError
	if !asRetrieveError(err, &re) {
		return ""
	}
	return redirectMismatchPattern.FindString(re.ErrorDescription)
}

func asRetrieveError(err error, target **oauth2.RetrieveError) bool {
	re, ok := err.(*oauth2.RetrieveError)
	if ok {
		*target = re
	}
	return ok
}

func (p *Provider) refresh(ctx context.Context, tok *mcp.Token) (*mcp.Token, error) {
	cfg, err := p.oauth2Config(fmt.Sprintf("http://localhost:%d%s", p.cfg.Port, p.cfg.Path))
	if err != nil {
		return nil, err
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("oauth: refresh failed: %w", err)
	}
	mcpToken := fromOAuth2Token(fresh)
	if err := p.store.Save(ctx, p.key, mcpToken); err != nil {
		return nil, err
	}
	return mcpToken, nil
}

func fromOAuth2Token(t *oauth2.Token) *mcp.Token {
	scope, _ := t.Extra("scope").(string)
	return &mcp.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		ExpiresAt:    t.Expiry,
		RefreshToken: t.RefreshToken,
		Scope:        scope,
	}
}

// callbackServer wraps the single-route echo instance the loopback GET
// lands on; everything else 404s.
type callbackServer struct {
	echo *echo.Echo
}

func newCallbackServer(path string, resultCh chan<- callbackResult) *callbackServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET(path, func(c echo.Context) error {
		result := callbackResult{
			code:  c.QueryParam("code"),
			state: c.QueryParam("state"),
			err:   c.QueryParam("error"),
		}
		select {
		case resultCh <- result:
		default:
		}
		if result.err != "" {
			return c.String(http.StatusOK, "Authorization failed; you may close this window.")
		}
		return c.String(http.StatusOK, "Authorization complete; you may close this window.")
	})

	return &callbackServer{echo: e}
}

func (s *callbackServer) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = s.echo.Shutdown(shutdownCtx)
}

// browserOpener is a package variable so tests can substitute a fake that
// drives the callback without a real browser.
var browserOpener = openBrowser

// openBrowser shells out to the platform's "open this URL" command. Failure
// is logged by the caller and never aborts the flow (§4.I step 6).
func openBrowser(target string) error {
	if _, err := url.ParseRequestURI(target); err != nil {
		return fmt.Errorf("refusing to open invalid URL: %w", err)
	}
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", target)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", target)
	default:
		cmd = exec.Command("xdg-open", target)
	}
	return cmd.Start()
}
