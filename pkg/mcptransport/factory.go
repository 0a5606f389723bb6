package mcptransport

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/mcpclient/internal/config"
)

// NewFromDefinition builds the concrete transport a server-definition
// resolves to (§6's per-type option table), after InferType/ApplyDefaults
// have already run.
func NewFromDefinition(def config.ServerDefinition, opts Options) (Transport, error) {
	opts = applyDefinitionOptions(def, opts)

	switch def.Type {
	case config.TransportStdio:
		if len(def.Command) == 0 {
			return nil, fmt.Errorf("mcptransport: stdio server definition has no command")
		}
		return NewStdio(StdioConfig{
			Command: def.Command[0],
			Args:    append(append([]string{}, def.Command[1:]...), def.Args...),
			Env:     def.Env,
		}, opts), nil

	case config.TransportHTTP:
		return NewHTTP(HTTPConfig{URL: resolveURL(def)}, opts), nil

	case config.TransportSSE:
		return NewSSE(SSEConfig{URL: resolveURL(def)}, opts), nil

	case config.TransportStreamableHTTP:
		return NewStreamableHTTP(StreamableHTTPConfig{URL: resolveURL(def)}, opts), nil

	default:
		return nil, fmt.Errorf("mcptransport: unresolvable server type %q", def.Type)
	}
}

func applyDefinitionOptions(def config.ServerDefinition, opts Options) Options {
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = def.ReadTimeout.Duration()
	}
	if opts.Retries == 0 {
		opts.Retries = def.Retries
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = def.RetryBackoff.Duration()
	}
	if opts.Headers == nil {
		opts.Headers = def.Headers
	}
	return opts
}

func resolveURL(def config.ServerDefinition) string {
	if def.URL != "" {
		return def.URL
	}
	base, endpoint := config.SplitEndpoint(def.BaseURL, def.Endpoint)
	if endpoint == "" {
		endpoint = config.DefaultEndpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return strings.TrimSuffix(base, "/") + endpoint
}

// TransportDetectionError is raised when quick-connect cannot infer, or
// cannot successfully probe, a transport from the supplied command or URL.
type TransportDetectionError struct {
	Input string
	Err   error
}

func (e *TransportDetectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("could not detect a working transport for %q: %v", e.Input, e.Err)
	}
	return fmt.Sprintf("could not infer a transport for %q", e.Input)
}

func (e *TransportDetectionError) Unwrap() error { return e.Err }

// quickConnectInterpreters are the command prefixes spec §6's quick-connect
// heuristic recognizes as "this is a stdio server", e.g. `npx @foo/bar`.
var quickConnectInterpreters = map[string]bool{
	"npx": true, "node": true, "python": true, "python3": true,
	"ruby": true, "php": true, "java": true, "cargo": true, "go": true,
}

// InferQuickConnect resolves a bare URL or command string into a
// ServerDefinition per spec §6's quick-connect heuristic. When the input is
// an ambiguous http(s) URL (not ending in /sse or /mcp), ambiguous is true
// and the caller must probe Streamable HTTP, then SSE, then HTTP in order.
func InferQuickConnect(input string, argv []string) (def config.ServerDefinition, ambiguous bool, err error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return config.ServerDefinition{}, false, &TransportDetectionError{Input: input}
	}

	if len(argv) > 0 {
		return config.ServerDefinition{Type: config.TransportStdio, Command: append([]string{input}, argv...)}, false, nil
	}

	if strings.HasPrefix(input, "stdio://") {
		cmd := strings.TrimPrefix(input, "stdio://")
		return config.ServerDefinition{Type: config.TransportStdio, Command: strings.Fields(cmd)}, false, nil
	}

	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		switch {
		case strings.HasSuffix(input, "/sse"):
			return config.ServerDefinition{Type: config.TransportSSE, URL: input}, false, nil
		case strings.HasSuffix(input, "/mcp"):
			return config.ServerDefinition{Type: config.TransportStreamableHTTP, URL: input}, false, nil
		default:
			return config.ServerDefinition{URL: input}, true, nil
		}
	}

	fields := strings.Fields(input)
	if len(fields) > 0 && quickConnectInterpreters[fields[0]] {
		return config.ServerDefinition{Type: config.TransportStdio, Command: fields}, false, nil
	}

	return config.ServerDefinition{}, false, &TransportDetectionError{Input: input}
}

// QuickConnect resolves input (and optional explicit argv) into a working
// transport, running EnsureConnected as the probe for ambiguous http(s)
// URLs: Streamable HTTP, then SSE, then HTTP, returning the first transport
// whose handshake succeeds.
func QuickConnect(ctx context.Context, input string, argv []string, initParams any, opts Options) (Transport, config.ServerDefinition, error) {
	def, ambiguous, err := InferQuickConnect(input, argv)
	if err != nil {
		return nil, config.ServerDefinition{}, err
	}
	def.ApplyDefaults()

	if !ambiguous {
		tr, err := NewFromDefinition(def, opts)
		if err != nil {
			return nil, def, err
		}
		if _, err := tr.EnsureConnected(ctx, initParams); err != nil {
			return nil, def, err
		}
		return tr, def, nil
	}

	probeOrder := []config.TransportType{config.TransportStreamableHTTP, config.TransportSSE, config.TransportHTTP}
	var lastErr error
	for _, t := range probeOrder {
		probeDef := def
		probeDef.Type = t
		tr, err := NewFromDefinition(probeDef, opts)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := tr.EnsureConnected(ctx, initParams); err != nil {
			lastErr = err
			_ = tr.Close(ctx)
			continue
		}
		return tr, probeDef, nil
	}
	return nil, def, &TransportDetectionError{Input: input, Err: lastErr}
}
