// Package bootstrap wires a parsed server definition (internal/config) into
// a connected *mcp.Server: resolving its transport (pkg/mcptransport),
// attaching bearer-token authentication (static env var or pkg/oauth), and
// running the initialize handshake. It exists to keep that wiring out of
// pkg/client and pkg/mcptransport, which must not import pkg/oauth without
// creating an import cycle (oauth depends on mcp's Token type).
package bootstrap

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/mcpclient/internal/config"
	"github.com/fyrsmithlabs/mcpclient/internal/logging"
	"github.com/fyrsmithlabs/mcpclient/pkg/mcp"
	"github.com/fyrsmithlabs/mcpclient/pkg/mcptransport"
	"github.com/fyrsmithlabs/mcpclient/pkg/oauth"
)

// ClientInfo identifies this module to every server it connects to.
var ClientInfo = mcp.ClientInfo{Name: "mcpclient", Version: "0.1.0"}

// BuildServer resolves def into a transport, attaches whatever
// authentication it declares, runs the handshake, and returns the facade
// ready for pkg/client.Client.AddServer. store is consulted only when def
// declares an OAuthProvider; pass nil otherwise.
func BuildServer(ctx context.Context, def config.ServerDefinition, store oauth.TokenStore, protocolVersion string) (*mcp.Server, error) {
	def.ApplyDefaults()
	def.InferType()

	opts := mcptransport.Options{
		Headers:      def.Headers,
		ReadTimeout:  def.ReadTimeout.Duration(),
		Retries:      def.Retries,
		RetryBackoff: def.RetryBackoff.Duration(),
		Ping:         def.Ping.Duration(),
		Logger:       logging.FromContext(ctx).Named(def.Name),
		ServerLabel:  def.Name,
	}

	provider, err := bearerTokenProvider(def, store)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %s: %w", def.Name, err)
	}
	opts.BearerTokenProvider = provider

	transport, err := mcptransport.NewFromDefinition(def, opts)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %s: %w", def.Name, err)
	}

	srv := mcp.NewServer(def.Name, transport, mcp.Hooks{})
	if _, err := srv.Initialize(ctx, ClientInfo, protocolVersion, nil); err != nil {
		_ = transport.Close(ctx)
		return nil, fmt.Errorf("bootstrap: %s: handshake failed: %w", def.Name, err)
	}
	return srv, nil
}

// bearerTokenProvider resolves def's auth declaration (at most one of
// OAuthProvider or BearerTokenEnv) into a mcptransport.Options.BearerTokenProvider.
// A definition with neither returns a nil provider: the transport attaches
// no Authorization header.
func bearerTokenProvider(def config.ServerDefinition, store oauth.TokenStore) (func(ctx context.Context) (string, error), error) {
	switch {
	case def.OAuthProvider != nil:
		if store == nil {
			store = oauth.NewMemoryTokenStore()
		}
		p := def.OAuthProvider
		provider := oauth.NewProvider(oauth.ProviderConfig{
			ServerURL:  p.ServerURL,
			Port:       p.RedirectPort,
			Path:       p.RedirectPath,
			Scope:      p.Scope,
			ClientName: def.Name,
			ClientID:   p.ClientID,
		}, store, def.Name)
		return provider.Token, nil

	case def.BearerTokenEnv != "":
		tok, err := config.BearerTokenFromEnv(def.BearerTokenEnv)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (string, error) { return tok, nil }, nil

	default:
		return nil, nil
	}
}

// NewFileTokenStore is a convenience re-export so callers building a
// config-driven CLI don't need a second import of pkg/oauth just to pick a
// token store.
func NewFileTokenStore(dir string) (oauth.TokenStore, error) {
	return oauth.NewFileTokenStore(dir)
}

// quickConnectInitParams mirrors pkg/mcp's unexported initialize params
// shape; QuickConnect builds one directly since it connects below the
// mcp.Server facade and never calls Server.Initialize.
type quickConnectInitParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      mcp.ClientInfo `json:"clientInfo"`
}

// QuickConnect infers a transport from a bare URL or command (spec §6's
// quick-connect heuristic, pkg/mcptransport.InferQuickConnect/QuickConnect),
// connects it, and wraps it in the facade under name. Unlike BuildServer,
// it never calls Server.Initialize: the handshake already ran inside
// mcptransport.QuickConnect, and EnsureConnected's second call is a no-op
// that would return an empty result rather than the cached one.
func QuickConnect(ctx context.Context, name, input string, argv []string, protocolVersion string) (*mcp.Server, config.ServerDefinition, error) {
	if name == "" {
		name = input
	}
	opts := mcptransport.Options{Logger: logging.FromContext(ctx).Named(name), ServerLabel: name}
	params := quickConnectInitParams{ProtocolVersion: protocolVersion, ClientInfo: ClientInfo}
	transport, def, err := mcptransport.QuickConnect(ctx, input, argv, params, opts)
	if err != nil {
		return nil, def, fmt.Errorf("bootstrap: quick-connect %q: %w", input, err)
	}
	if def.Name == "" {
		def.Name = name
	}
	return mcp.NewServer(name, transport, mcp.Hooks{}), def, nil
}
