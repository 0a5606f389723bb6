// Package config loads and validates MCP server-definition configuration:
// the per-server transport settings described in spec §6, plus a lookup of
// a static bearer token from a named environment variable
// (BearerTokenFromEnv). No other setting is read from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// TransportType enumerates the recognized server-definition transport kinds.
type TransportType string

const (
	TransportStdio          TransportType = "stdio"
	TransportSSE            TransportType = "sse"
	TransportHTTP           TransportType = "http"
	TransportStreamableHTTP TransportType = "streamable_http"
)

// ServerDefinition is one entry from a server-definition file (spec §6).
// Reserved keys "comment" and "description" are parsed and then ignored.
type ServerDefinition struct {
	Name string        `json:"name,omitempty" yaml:"name,omitempty"`
	Type TransportType `json:"type,omitempty" yaml:"type,omitempty"`

	// stdio
	Command []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// URL-based (sse / http / streamable_http)
	URL      string            `json:"url,omitempty" yaml:"url,omitempty"`
	BaseURL  string            `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Endpoint string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	ReadTimeout  Duration `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	Retries      int      `json:"retries,omitempty" yaml:"retries,omitempty"`
	RetryBackoff Duration `json:"retry_backoff,omitempty" yaml:"retry_backoff,omitempty"`
	Ping         Duration `json:"ping,omitempty" yaml:"ping,omitempty"`

	OAuthProvider *OAuthProviderConfig `json:"oauth_provider,omitempty" yaml:"oauth_provider,omitempty"`
	// BearerTokenEnv names an environment variable holding a static bearer
	// token, for servers that front their own auth instead of OAuth.
	// Ignored when OAuthProvider is set.
	BearerTokenEnv string `json:"bearer_token_env,omitempty" yaml:"bearer_token_env,omitempty"`
	Logger         string `json:"logger,omitempty" yaml:"logger,omitempty"`

	// Reserved, parsed then discarded.
	Comment     string `json:"comment,omitempty" yaml:"comment,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// OAuthProviderConfig configures the browser OAuth helper (§4.I) for a
// single server definition.
type OAuthProviderConfig struct {
	ServerURL    string   `json:"server_url" yaml:"server_url"`
	RedirectPort int      `json:"redirect_port,omitempty" yaml:"redirect_port,omitempty"`
	RedirectPath string   `json:"redirect_path,omitempty" yaml:"redirect_path,omitempty"`
	Scope        string   `json:"scope,omitempty" yaml:"scope,omitempty"`
	ClientID     string   `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret Secret   `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	TokenStore   string   `json:"token_store,omitempty" yaml:"token_store,omitempty"` // "memory" | "file"
	TokenFile    string   `json:"token_file,omitempty" yaml:"token_file,omitempty"`
}

// Defaults applied when a ServerDefinition field is left zero.
const (
	DefaultEndpoint     = "/rpc"
	DefaultReadTimeout  = Duration(30_000_000_000) // 30s
	DefaultRetries      = 3
	DefaultRetryBackoff = Duration(1_000_000_000) // 1s
	DefaultPing         = Duration(10_000_000_000) // 10s
)

// ApplyDefaults fills in the defaults named in spec §6's per-type option
// table. Safe to call more than once.
func (d *ServerDefinition) ApplyDefaults() {
	if d.Endpoint == "" {
		d.Endpoint = DefaultEndpoint
	}
	if d.ReadTimeout == 0 {
		d.ReadTimeout = DefaultReadTimeout
	}
	if d.Retries == 0 {
		d.Retries = DefaultRetries
	}
	if d.RetryBackoff == 0 {
		d.RetryBackoff = DefaultRetryBackoff
	}
	if d.Ping == 0 {
		d.Ping = DefaultPing
	}
}

// InferType infers the transport type from the shape of the definition when
// Type was left blank (spec §6: "Type may be inferred").
func (d *ServerDefinition) InferType() {
	if d.Type != "" {
		return
	}
	switch {
	case len(d.Command) > 0:
		d.Type = TransportStdio
	case d.URL != "" || d.BaseURL != "":
		url := d.URL
		if url == "" {
			url = d.BaseURL
		}
		switch {
		case strings.HasSuffix(url, "/sse"):
			d.Type = TransportSSE
		case strings.HasSuffix(url, "/mcp"):
			d.Type = TransportStreamableHTTP
		default:
			d.Type = TransportHTTP
		}
	}
}

// Validate reports a configuration error for a definition that cannot be
// turned into a transport.
func (d *ServerDefinition) Validate() error {
	switch d.Type {
	case TransportStdio:
		if len(d.Command) == 0 {
			return fmt.Errorf("stdio server %q: command is required", d.Name)
		}
	case TransportSSE, TransportHTTP, TransportStreamableHTTP:
		url := d.URL
		if url == "" {
			url = d.BaseURL
		}
		if url == "" {
			return fmt.Errorf("%s server %q: base_url is required", d.Type, d.Name)
		}
		if err := validateURL(url); err != nil {
			return fmt.Errorf("%s server %q: %w", d.Type, d.Name, err)
		}
	default:
		return fmt.Errorf("server %q: unrecognized or unresolvable type %q", d.Name, d.Type)
	}
	return nil
}

// ParseServerDefinitions accepts the three recognized top-level shapes from
// spec §6: a single object, an array of objects, or {"mcpServers": {name:
// config, ...}}.
func ParseServerDefinitions(data []byte) ([]ServerDefinition, error) {
	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parsing server definitions: %w", err)
	}

	switch v := probe.(type) {
	case []any:
		var defs []ServerDefinition
		if err := json.Unmarshal(data, &defs); err != nil {
			return nil, fmt.Errorf("parsing server definition array: %w", err)
		}
		return normalizeAll(defs), nil

	case map[string]any:
		if named, ok := v["mcpServers"]; ok {
			namedMap, ok := named.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("mcpServers must be an object")
			}
			raw, err := json.Marshal(namedMap)
			if err != nil {
				return nil, err
			}
			var byName map[string]ServerDefinition
			if err := json.Unmarshal(raw, &byName); err != nil {
				return nil, fmt.Errorf("parsing mcpServers: %w", err)
			}
			defs := make([]ServerDefinition, 0, len(byName))
			for name, def := range byName {
				def.Name = name
				defs = append(defs, def)
			}
			return normalizeAll(defs), nil
		}

		var def ServerDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parsing server definition object: %w", err)
		}
		return normalizeAll([]ServerDefinition{def}), nil

	default:
		return nil, fmt.Errorf("server definitions must be an object or array")
	}
}

func normalizeAll(defs []ServerDefinition) []ServerDefinition {
	for i := range defs {
		defs[i].InferType()
		defs[i].ApplyDefaults()
	}
	return defs
}

// validateHostname checks if a hostname is safe (no command injection
// attempts). Uses positive validation with net.ParseIP for IP addresses and
// regexp for hostnames.
func validateHostname(host string) error {
	if host == "" {
		return nil
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
	if !hostnameRegex.MatchString(host) {
		return fmt.Errorf("invalid hostname format: %s", host)
	}
	invalidChars := []string{";", "\n", "\r", "$", "`", "|", "&", "<", ">", "(", ")"}
	for _, char := range invalidChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("invalid hostname: contains forbidden character %q", char)
		}
	}
	return nil
}

// validateURL enforces spec §4.B's transport URL rule: only http/https
// schemes, with a 0.0.0.0 host producing a warning rather than a failure
// (the warning is surfaced by the caller, which has a logger; this function
// only reports hard failures).
// ValidateURL is the exported form of validateURL for callers outside this
// package (the transport base's §4.B URL-scheme check).
func ValidateURL(rawURL string) error {
	return validateURL(rawURL)
}

func validateURL(rawURL string) error {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return fmt.Errorf("URL must use http:// or https:// scheme, got: %s", rawURL)
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(rawURL, "https://"), "http://")
	host := rest
	if idx := strings.IndexAny(rest, "/?#"); idx != -1 {
		host = rest[:idx]
	}
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		if _, err := strconv.Atoi(host[idx+1:]); err == nil {
			host = host[:idx]
		}
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return validateHostname(host)
}

// IsLoopbackWarning reports whether the URL's host is 0.0.0.0, the one case
// spec §4.B calls out as warn-not-fail.
func IsLoopbackWarning(rawURL string) bool {
	rest := strings.TrimPrefix(strings.TrimPrefix(rawURL, "https://"), "http://")
	host := rest
	if idx := strings.IndexAny(rest, "/?#"); idx != -1 {
		host = rest[:idx]
	}
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		if _, err := strconv.Atoi(host[idx+1:]); err == nil {
			host = host[:idx]
		}
	}
	return host == "0.0.0.0"
}

// SplitEndpoint implements spec §6's endpoint-extraction rule: when base_url
// is "https://host/path" and the caller did not override endpoint, split
// host (kept as base_url) from path (used as endpoint). Standard ports (80
// for http, 443 for https) are stripped; non-standard ports are preserved.
func SplitEndpoint(baseURL, explicitEndpoint string) (newBaseURL, endpoint string) {
	scheme := "http"
	rest := baseURL
	if strings.HasPrefix(baseURL, "https://") {
		scheme = "https"
		rest = strings.TrimPrefix(baseURL, "https://")
	} else if strings.HasPrefix(baseURL, "http://") {
		rest = strings.TrimPrefix(baseURL, "http://")
	}

	host := rest
	path := ""
	if idx := strings.IndexByte(rest, '/'); idx != -1 {
		host = rest[:idx]
		path = rest[idx:]
	}

	host = stripStandardPort(host, scheme)

	if explicitEndpoint != "" {
		return scheme + "://" + host, explicitEndpoint
	}
	if path == "" {
		path = DefaultEndpoint
	}
	return scheme + "://" + host, path
}

func stripStandardPort(host, scheme string) string {
	idx := strings.LastIndex(host, ":")
	if idx == -1 {
		return host
	}
	portStr := host[idx+1:]
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		return host[:idx]
	}
	return host
}

// BearerTokenFromEnv reads a bearer token from an environment variable,
// validating the variable name itself is well-formed before the lookup.
func BearerTokenFromEnv(envVarName string) (string, error) {
	if envVarName == "" {
		return "", nil
	}
	if !isValidEnvVarName(envVarName) {
		return "", fmt.Errorf("invalid bearer token env var name %q", envVarName)
	}
	val, ok := os.LookupEnv(envVarName)
	if !ok || strings.TrimSpace(val) == "" {
		return "", fmt.Errorf("bearer token env var %s is not set", envVarName)
	}
	if strings.ContainsAny(val, "\r\n") {
		return "", fmt.Errorf("bearer token env var %s must not contain newlines", envVarName)
	}
	return val, nil
}

func isValidEnvVarName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		b := s[i]
		isLetter := (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
		isDigit := b >= '0' && b <= '9'
		if i == 0 {
			if !isLetter && b != '_' {
				return false
			}
			continue
		}
		if !isLetter && !isDigit && b != '_' {
			return false
		}
	}
	return true
}
