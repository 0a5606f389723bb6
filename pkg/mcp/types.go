// Package mcp holds the MCP data model (§3) and the Server facade (§4.G)
// that exposes uniform operations above any transport.
package mcp

import (
	"encoding/json"
	"time"
)

// ProtocolVersionPreferred is the protocol version advertised on initialize
// by default (spec §6).
const ProtocolVersionPreferred = "2025-06-18"

// ProtocolVersionHTTPCompat is advertised by HTTP-family transports for
// compatibility with older servers.
const ProtocolVersionHTTPCompat = "2025-03-26"

// Tool describes one callable tool exposed by a server.
type Tool struct {
	Name         string          `json:"name"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Hints        ToolHints       `json:"-"`

	// Server is a weak, non-owning back-reference to the owning server's
	// name. Populated by the facade/aggregator, never serialized.
	Server string `json:"-"`
}

// ToolHints are behavioral annotations a server may attach to a tool.
// Defaults match spec §3: read-only, non-destructive, non-idempotent, open world.
type ToolHints struct {
	ReadOnly    bool `json:"readOnlyHint"`
	Destructive bool `json:"destructiveHint"`
	Idempotent  bool `json:"idempotentHint"`
	OpenWorld   bool `json:"openWorldHint"`
}

// DefaultToolHints returns the spec §3 defaults.
func DefaultToolHints() ToolHints {
	return ToolHints{ReadOnly: true, Destructive: false, Idempotent: false, OpenWorld: true}
}

// toolWire is the JSON wire shape for Tool, which flattens hint annotations
// into the top-level object the way MCP servers emit them.
type toolWire struct {
	Name         string          `json:"name"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	ReadOnly     *bool           `json:"readOnlyHint,omitempty"`
	Destructive  *bool           `json:"destructiveHint,omitempty"`
	Idempotent   *bool           `json:"idempotentHint,omitempty"`
	OpenWorld    *bool           `json:"openWorldHint,omitempty"`
}

// MarshalJSON implements json.Marshaler, preserving hint annotations.
func (t Tool) MarshalJSON() ([]byte, error) {
	w := toolWire{
		Name:         t.Name,
		Title:        t.Title,
		Description:  t.Description,
		InputSchema:  t.InputSchema,
		OutputSchema: t.OutputSchema,
		ReadOnly:     &t.Hints.ReadOnly,
		Destructive:  &t.Hints.Destructive,
		Idempotent:   &t.Hints.Idempotent,
		OpenWorld:    &t.Hints.OpenWorld,
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler, applying spec §3 hint defaults
// for any hint field the server omitted.
func (t *Tool) UnmarshalJSON(data []byte) error {
	var w toolWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	hints := DefaultToolHints()
	if w.ReadOnly != nil {
		hints.ReadOnly = *w.ReadOnly
	}
	if w.Destructive != nil {
		hints.Destructive = *w.Destructive
	}
	if w.Idempotent != nil {
		hints.Idempotent = *w.Idempotent
	}
	if w.OpenWorld != nil {
		hints.OpenWorld = *w.OpenWorld
	}
	t.Name = w.Name
	t.Title = w.Title
	t.Description = w.Description
	t.InputSchema = w.InputSchema
	t.OutputSchema = w.OutputSchema
	t.Hints = hints
	return nil
}

// Prompt describes a named prompt template a server exposes.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
	Server      string           `json:"-"`
}

// PromptArgument is one recognized argument in a Prompt's schema.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ResourceAnnotations are optional hints about how a resource should be
// consumed or prioritized.
type ResourceAnnotations struct {
	Audience     []string   `json:"audience,omitempty"`
	Priority     *float64   `json:"priority,omitempty"`
	LastModified *time.Time `json:"lastModified,omitempty"`
}

// Resource describes one URI-addressable resource a server exposes.
type Resource struct {
	URI         string               `json:"uri"`
	Name        string               `json:"name"`
	Title       string               `json:"title,omitempty"`
	Description string               `json:"description,omitempty"`
	MimeType    string               `json:"mimeType,omitempty"`
	Size        int64                `json:"size,omitempty"`
	Annotations *ResourceAnnotations `json:"annotations,omitempty"`
	Server      string               `json:"-"`
}

// ResourceTemplate is like Resource but keyed by an RFC 6570 uri_template
// instead of a concrete URI.
type ResourceTemplate struct {
	URITemplate string               `json:"uriTemplate"`
	Name        string               `json:"name"`
	Title       string               `json:"title,omitempty"`
	Description string               `json:"description,omitempty"`
	MimeType    string               `json:"mimeType,omitempty"`
	Annotations *ResourceAnnotations `json:"annotations,omitempty"`
	Server      string               `json:"-"`
}

// ResourceContent is one item returned by read_resource. Exactly one of
// Text/Blob is populated — never both, never neither.
type ResourceContent struct {
	URI         string               `json:"uri,omitempty"`
	MimeType    string               `json:"mimeType,omitempty"`
	Text        *string              `json:"text,omitempty"`
	Blob        *string              `json:"blob,omitempty"`
	Annotations *ResourceAnnotations `json:"annotations,omitempty"`
}

// IsText reports whether this content carries a text body.
func (c ResourceContent) IsText() bool { return c.Text != nil }

// IsBinary reports whether this content carries a base64 blob.
func (c ResourceContent) IsBinary() bool { return c.Blob != nil }

// ResourceLink is a pointer to a resource that may appear inside a tool
// result's content array.
type ResourceLink struct {
	Type        string               `json:"type"` // always "resource_link"
	URI         string               `json:"uri"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	MimeType    string               `json:"mimeType,omitempty"`
	Annotations *ResourceAnnotations `json:"annotations,omitempty"`
}

// AudioContent is inline audio data inside a tool result. Both fields are
// required and non-empty.
type AudioContent struct {
	Type     string `json:"type"` // always "audio"
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// Root describes a filesystem-scope boundary exposed by the client to
// servers.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// TaskState is the lifecycle state of a server-tracked long-running task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Task is the client-visible state of a server-tracked long-running
// operation created via tasks/create.
type Task struct {
	ID            string          `json:"id"`
	State         TaskState       `json:"state"`
	ProgressToken string          `json:"progressToken,omitempty"`
	Progress      *float64        `json:"progress,omitempty"`
	Total         *float64        `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// IsTerminal reports whether the task has reached a final state.
func (t Task) IsTerminal() bool {
	return t.State == TaskCompleted || t.State == TaskFailed || t.State == TaskCancelled
}

// IsActive reports whether the task is still pending or running.
func (t Task) IsActive() bool {
	return t.State == TaskPending || t.State == TaskRunning
}

// ProgressPercent returns the completion percentage, defined only when
// Total is present and greater than zero.
func (t Task) ProgressPercent() (pct float64, ok bool) {
	if t.Total == nil || *t.Total <= 0 || t.Progress == nil {
		return 0, false
	}
	return (*t.Progress / *t.Total) * 100, true
}

// Token is an OAuth 2.1 bearer token as obtained by the browser helper or a
// client-credentials exchange.
type Token struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"` // default "Bearer"
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

// Expired reports whether the token's expiry has passed as of now.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// EffectiveTokenType returns TokenType, defaulting to "Bearer".
func (t Token) EffectiveTokenType() string {
	if t.TokenType == "" {
		return "Bearer"
	}
	return t.TokenType
}

// ClientInfo is the client identity sent during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerMetadata captures the serverInfo and capabilities object observed
// in the initialize response. Exposed read-only after initialize.
type ServerMetadata struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}
