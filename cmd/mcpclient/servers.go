package main

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/mcpclient/internal/bootstrap"
	"github.com/fyrsmithlabs/mcpclient/internal/config"
	"github.com/fyrsmithlabs/mcpclient/pkg/client"
	"github.com/fyrsmithlabs/mcpclient/pkg/mcp"
	"github.com/fyrsmithlabs/mcpclient/pkg/oauth"
)

// session holds every connected server plus the aggregator built over them,
// so subcommands can either drive one named server directly (ping,
// metadata) or go through the aggregator for cross-server tool/prompt/
// resource resolution.
type session struct {
	aggregator *client.Client
	byName     map[string]*mcp.Server
}

// connectAll builds a session from either --config or --target, per the
// root command's persistent flags. argv is forwarded to quick-connect as
// the command's own argv when --target names an executable.
func connectAll(ctx context.Context, argv []string) (*session, error) {
	if configPath == "" && target == "" {
		return nil, fmt.Errorf("one of --config or --target is required")
	}
	if configPath != "" && target != "" {
		return nil, fmt.Errorf("--config and --target are mutually exclusive")
	}

	store, err := tokenStore()
	if err != nil {
		return nil, err
	}

	agg := client.New(nil)
	sess := &session{aggregator: agg, byName: make(map[string]*mcp.Server)}

	if target != "" {
		name := serverRef
		srv, _, err := bootstrap.QuickConnect(ctx, name, target, argv, resolveProtocolVersion())
		if err != nil {
			return nil, err
		}
		if err := agg.AddServer(srv.Name, srv); err != nil {
			return nil, err
		}
		sess.byName[srv.Name] = srv
		return sess, nil
	}

	defs, err := config.LoadServerDefinitionsFile(configPath)
	if err != nil {
		return nil, err
	}
	if serverRef != "" {
		defs, err = filterByName(defs, serverRef)
		if err != nil {
			return nil, err
		}
	}
	for _, def := range defs {
		srv, err := bootstrap.BuildServer(ctx, def, store, resolveProtocolVersion())
		if err != nil {
			return nil, err
		}
		if err := agg.AddServer(srv.Name, srv); err != nil {
			_ = srv.Close(ctx)
			return nil, err
		}
		sess.byName[srv.Name] = srv
	}
	return sess, nil
}

func filterByName(defs []config.ServerDefinition, name string) ([]config.ServerDefinition, error) {
	for _, def := range defs {
		if def.Name == name {
			return []config.ServerDefinition{def}, nil
		}
	}
	return nil, fmt.Errorf("no server named %q in %s", name, configPath)
}

func resolveProtocolVersion() string {
	if protocolVersion != "" {
		return protocolVersion
	}
	return mcp.ProtocolVersionPreferred
}

func tokenStore() (oauth.TokenStore, error) {
	if tokenDir == "" {
		return oauth.NewMemoryTokenStore(), nil
	}
	return oauth.NewFileTokenStore(tokenDir)
}

// close tears every connected server down, collecting (not stopping at) the
// first error so every server gets a chance to disconnect.
func (s *session) close(ctx context.Context) error {
	return s.aggregator.Close(ctx)
}
