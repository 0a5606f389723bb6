package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/mcpclient/pkg/mcptransport"
)

// Hooks are the three inbound registration points a server-capable
// transport (stdio, SSE, streamable HTTP) can invoke on this client (§4.G).
// A nil hook falls back to the documented decline/error default.
type Hooks struct {
	Elicitation func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
	RootsList   func(ctx context.Context) ([]Root, error)
	Sampling    func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// Server is the uniform facade over one MCP connection (§4.G): every
// method is defined by its contract, not by which of the four transports
// backs it.
type Server struct {
	Name string

	transport mcptransport.Transport
	hooks     Hooks

	info ServerMetadata
}

// NewServer wraps transport behind the uniform facade and wires the
// server-initiated-request router immediately, so requests that arrive
// during or just after the handshake are never dropped.
func NewServer(name string, transport mcptransport.Transport, hooks Hooks) *Server {
	s := &Server{Name: name, transport: transport, hooks: hooks}
	transport.SetServerRequestHandler(s.routeServerRequest)
	return s
}

// SetHooks replaces the inbound hook set.
func (s *Server) SetHooks(h Hooks) { s.hooks = h }

// SetNotificationHandler registers the sink for every inbound notification
// (list_changed, message/log, progress, etc.) on the underlying transport.
// A caller aggregating several servers uses this to route notifications
// back through one fan-out point tagged with the originating server.
func (s *Server) SetNotificationHandler(h mcptransport.NotificationHandler) {
	s.transport.SetNotificationHandler(h)
}

type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ClientInfo      ClientInfo      `json:"clientInfo"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      ClientInfo      `json:"serverInfo"`
	Capabilities    json.RawMessage `json:"capabilities"`
}

// Initialize performs the initialize/notifications-initialized handshake
// and captures the peer's serverInfo and capabilities.
func (s *Server) Initialize(ctx context.Context, clientInfo ClientInfo, protocolVersion string, capabilities json.RawMessage) (ServerMetadata, error) {
	raw, err := s.transport.EnsureConnected(ctx, initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      clientInfo,
		Capabilities:    capabilities,
	})
	if err != nil {
		return ServerMetadata{}, translateErr(s.Name, "initialize", err)
	}
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ServerMetadata{}, &TransportError{Server: s.Name, Op: "initialize", Err: err}
	}
	s.info = ServerMetadata{
		Name:         result.ServerInfo.Name,
		Version:      result.ServerInfo.Version,
		Capabilities: result.Capabilities,
	}
	return s.info, nil
}

// Metadata returns the serverInfo/capabilities captured during Initialize.
func (s *Server) Metadata() ServerMetadata { return s.info }

// SessionID returns the transport's captured Mcp-Session-Id, or "" for
// transports that don't use one (stdio).
func (s *Server) SessionID() string { return s.transport.SessionID() }

func (s *Server) call(ctx context.Context, method string, params any, out any) error {
	raw, err := s.transport.RPCRequest(ctx, method, params, 0)
	if err != nil {
		return translateErr(s.Name, method, err)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &TransportError{Server: s.Name, Op: method, Err: err}
	}
	return nil
}

// ListTools returns the ordered tool list (empty is permissible).
func (s *Server) ListTools(ctx context.Context) ([]Tool, error) {
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := s.call(ctx, "tools/list", struct{}{}, &result); err != nil {
		return nil, err
	}
	for i := range result.Tools {
		result.Tools[i].Server = s.Name
	}
	return result.Tools, nil
}

// ToolCallResult is the raw shape of a tools/call response.
type ToolCallResult struct {
	Content           []json.RawMessage `json:"content"`
	StructuredContent json.RawMessage   `json:"structuredContent,omitempty"`
	IsError           bool              `json:"isError,omitempty"`
}

// CallTool invokes tools/call; a result with isError=true is surfaced as a
// ToolCallError rather than returned successfully.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any, meta json.RawMessage) (*ToolCallResult, error) {
	params := map[string]any{"name": name, "arguments": args}
	if len(meta) > 0 {
		params["_meta"] = meta
	}
	var result ToolCallResult
	if err := s.call(ctx, "tools/call", params, &result); err != nil {
		return nil, &ToolCallError{Server: s.Name, Tool: name, Err: err}
	}
	if result.IsError {
		return &result, &ToolCallError{Server: s.Name, Tool: name, Err: fmt.Errorf("tool reported isError=true")}
	}
	return &result, nil
}

// ToolChunk is one element of a call_tool_streaming sequence.
type ToolChunk struct {
	Result *ToolCallResult
	Err    error
	Final  bool
}

// CallToolStreaming returns a restartable, finite channel of chunks. Plain
// request/response transports (HTTP) yield exactly one chunk; streamable
// transports that surface intermediate progress frames do so through the
// notification handler registered separately, so this still yields once
// with the final correlated result (§4.G: "implementation-defined").
func (s *Server) CallToolStreaming(ctx context.Context, name string, args map[string]any, meta json.RawMessage) <-chan ToolChunk {
	ch := make(chan ToolChunk, 1)
	go func() {
		defer close(ch)
		result, err := s.CallTool(ctx, name, args, meta)
		ch <- ToolChunk{Result: result, Err: err, Final: true}
	}()
	return ch
}

// ListPrompts returns the ordered prompt list.
func (s *Server) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var result struct {
		Prompts []Prompt `json:"prompts"`
	}
	if err := s.call(ctx, "prompts/list", struct{}{}, &result); err != nil {
		return nil, err
	}
	for i := range result.Prompts {
		result.Prompts[i].Server = s.Name
	}
	return result.Prompts, nil
}

// GetPromptResult is the prompts/get response shape.
type GetPromptResult struct {
	Description string            `json:"description,omitempty"`
	Messages    []json.RawMessage `json:"messages"`
}

// GetPrompt fetches a rendered prompt.
func (s *Server) GetPrompt(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	var result GetPromptResult
	if err := s.call(ctx, "prompts/get", params, &result); err != nil {
		return nil, &PromptGetError{Server: s.Name, Prompt: name, Err: err}
	}
	return &result, nil
}

// ListResourcesResult is the resources/list response shape; Cursor is
// opaque and round-tripped verbatim into the next call.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ListResources lists one page of resources.
func (s *Server) ListResources(ctx context.Context, cursor string) (*ListResourcesResult, error) {
	params := map[string]any{}
	if cursor != "" {
		params["cursor"] = cursor
	}
	var result ListResourcesResult
	if err := s.call(ctx, "resources/list", params, &result); err != nil {
		return nil, err
	}
	for i := range result.Resources {
		result.Resources[i].Server = s.Name
	}
	return &result, nil
}

// ReadResource returns the resource's content blocks (§3's exactly-one-of
// Text/Blob invariant is enforced by the peer, not re-validated here).
func (s *Server) ReadResource(ctx context.Context, uri string) ([]ResourceContent, error) {
	var result struct {
		Contents []ResourceContent `json:"contents"`
	}
	if err := s.call(ctx, "resources/read", map[string]string{"uri": uri}, &result); err != nil {
		return nil, &ResourceReadError{Server: s.Name, URI: uri, Err: err}
	}
	return result.Contents, nil
}

// ListResourceTemplatesResult is the resources/templates/list response shape.
type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string              `json:"nextCursor,omitempty"`
}

// ListResourceTemplates lists one page of resource templates.
func (s *Server) ListResourceTemplates(ctx context.Context, cursor string) (*ListResourceTemplatesResult, error) {
	params := map[string]any{}
	if cursor != "" {
		params["cursor"] = cursor
	}
	var result ListResourceTemplatesResult
	if err := s.call(ctx, "resources/templates/list", params, &result); err != nil {
		return nil, err
	}
	for i := range result.ResourceTemplates {
		result.ResourceTemplates[i].Server = s.Name
	}
	return &result, nil
}

// SubscribeResource subscribes to update notifications for uri.
func (s *Server) SubscribeResource(ctx context.Context, uri string) (bool, error) {
	return s.boolCall(ctx, "resources/subscribe", map[string]string{"uri": uri})
}

// UnsubscribeResource cancels a prior subscription.
func (s *Server) UnsubscribeResource(ctx context.Context, uri string) (bool, error) {
	return s.boolCall(ctx, "resources/unsubscribe", map[string]string{"uri": uri})
}

func (s *Server) boolCall(ctx context.Context, method string, params any) (bool, error) {
	var result struct {
		Success bool `json:"success"`
	}
	if err := s.call(ctx, method, params, &result); err != nil {
		return false, err
	}
	return result.Success, nil
}

// Ping is the zero-param heartbeat; the payload is opaque.
func (s *Server) Ping(ctx context.Context) (json.RawMessage, error) {
	raw, err := s.transport.RPCRequest(ctx, "ping", struct{}{}, 0)
	if err != nil {
		return nil, translateErr(s.Name, "ping", err)
	}
	return raw, nil
}

// LogLevel is one of the six levels §4.G allows for set_log_level.
type LogLevel string

const (
	LogLevelDebug    LogLevel = "debug"
	LogLevelInfo     LogLevel = "info"
	LogLevelNotice   LogLevel = "notice"
	LogLevelWarning  LogLevel = "warning"
	LogLevelError    LogLevel = "error"
	LogLevelCritical LogLevel = "critical"
)

// SetLogLevel requests the peer emit notifications/message at level or
// more severe.
func (s *Server) SetLogLevel(ctx context.Context, level LogLevel) error {
	return s.call(ctx, "logging/setLevel", map[string]string{"level": string(level)}, nil)
}

// CompletionResult is the completion/complete response shape; a missing
// completion object on the wire yields an empty Values slice.
type CompletionResult struct {
	Values  []string `json:"values"`
	Total   *int     `json:"total,omitempty"`
	HasMore bool     `json:"hasMore,omitempty"`
}

// Complete requests argument-completion suggestions for ref/argument.
func (s *Server) Complete(ctx context.Context, ref json.RawMessage, argument json.RawMessage) (*CompletionResult, error) {
	params := map[string]any{"ref": ref, "argument": argument}
	var wire struct {
		Completion *CompletionResult `json:"completion"`
	}
	if err := s.call(ctx, "completion/complete", params, &wire); err != nil {
		return nil, err
	}
	if wire.Completion == nil {
		return &CompletionResult{Values: []string{}}, nil
	}
	if wire.Completion.Values == nil {
		wire.Completion.Values = []string{}
	}
	return wire.Completion, nil
}

// CreateTask starts a long-running operation and returns its initial state.
func (s *Server) CreateTask(ctx context.Context, params json.RawMessage) (*Task, error) {
	var task Task
	if err := s.call(ctx, "tasks/create", params, &task); err != nil {
		return nil, &TaskError{ID: task.ID, Err: err}
	}
	return &task, nil
}

// GetTask polls a task's current state.
func (s *Server) GetTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	if err := s.call(ctx, "tasks/get", map[string]string{"taskId": id}, &task); err != nil {
		return nil, taskOrNotFoundErr(id, err)
	}
	return &task, nil
}

// CancelTask requests cancellation of a running task.
func (s *Server) CancelTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	if err := s.call(ctx, "tasks/cancel", map[string]string{"taskId": id}, &task); err != nil {
		return nil, taskOrNotFoundErr(id, err)
	}
	return &task, nil
}

func taskOrNotFoundErr(id string, err error) error {
	var se *ServerError
	if asServerErr(err, &se) {
		msg := strings.ToLower(se.Message)
		if strings.Contains(msg, "not found") || strings.Contains(msg, "unknown") {
			return &TaskNotFound{ID: id}
		}
	}
	return &TaskError{ID: id, Err: err}
}

func asServerErr(err error, target **ServerError) bool {
	se, ok := err.(*ServerError)
	if ok {
		*target = se
	}
	return ok
}

// SetRoots sends notifications/roots/list_changed; the actual root list is
// served back to the peer through the RootsList hook, not carried in this
// notification's payload.
func (s *Server) SetRoots(ctx context.Context) error {
	return s.transport.RPCNotify(ctx, "notifications/roots/list_changed", struct{}{})
}

// routeServerRequest implements §4.G's server-request router.
func (s *Server) routeServerRequest(ctx context.Context, id any, method string, params json.RawMessage) {
	result, rpcErr := s.dispatchServerRequest(ctx, method, params)
	_ = s.transport.RespondToServerRequest(ctx, id, result, rpcErr)
}

func (s *Server) dispatchServerRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *mcptransport.RPCError) {
	switch method {
	case "elicitation/create":
		return s.runElicitation(ctx, params)
	case "ping":
		return json.RawMessage(`{}`), nil
	case "roots/list":
		return s.runRootsList(ctx)
	case "sampling/createMessage":
		return s.runSampling(ctx, params)
	default:
		return nil, &mcptransport.RPCError{Code: -32601, Message: "Method not found"}
	}
}

func (s *Server) runElicitation(ctx context.Context, params json.RawMessage) (json.RawMessage, *mcptransport.RPCError) {
	if s.hooks.Elicitation == nil {
		return json.RawMessage(`{"action":"decline"}`), nil
	}
	result, err := safeElicitation(ctx, s.hooks.Elicitation, params)
	if err != nil {
		return nil, &mcptransport.RPCError{Code: -32603, Message: fmt.Sprintf("Internal error: %v", err)}
	}
	return result, nil
}

func (s *Server) runRootsList(ctx context.Context) (json.RawMessage, *mcptransport.RPCError) {
	if s.hooks.RootsList == nil {
		return json.RawMessage(`{"roots":[]}`), nil
	}
	roots, err := s.hooks.RootsList(ctx)
	if err != nil {
		return nil, &mcptransport.RPCError{Code: -32603, Message: fmt.Sprintf("Internal error: %v", err)}
	}
	result, marshalErr := json.Marshal(struct {
		Roots []Root `json:"roots"`
	}{Roots: roots})
	if marshalErr != nil {
		return nil, &mcptransport.RPCError{Code: -32603, Message: fmt.Sprintf("Internal error: %v", marshalErr)}
	}
	return result, nil
}

func (s *Server) runSampling(ctx context.Context, params json.RawMessage) (json.RawMessage, *mcptransport.RPCError) {
	if s.hooks.Sampling == nil {
		return nil, &mcptransport.RPCError{Code: -32601, Message: "sampling not supported"}
	}
	result, err := safeSampling(ctx, s.hooks.Sampling, params)
	if err != nil {
		return nil, &mcptransport.RPCError{Code: -32603, Message: fmt.Sprintf("Internal error: %v", err)}
	}
	return result, nil
}

// safeElicitation/safeSampling isolate a panicking user hook from the read
// loop that ultimately invokes it, converting a panic into an error so
// dispatchServerRequest's caller still sends a well-formed -32603 response.
func safeElicitation(ctx context.Context, h func(context.Context, json.RawMessage) (json.RawMessage, error), params json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("elicitation hook panicked: %v", r)
		}
	}()
	return h(ctx, params)
}

func safeSampling(ctx context.Context, h func(context.Context, json.RawMessage) (json.RawMessage, error), params json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sampling hook panicked: %v", r)
		}
	}()
	return h(ctx, params)
}

// Close tears down the underlying transport.
func (s *Server) Close(ctx context.Context) error {
	return s.transport.Close(ctx)
}

// translateErr maps mcptransport's error vocabulary onto pkg/mcp's, which
// aggregator and CLI callers depend on for error-kind switches.
func translateErr(server, op string, err error) error {
	if err == nil {
		return nil
	}
	switch e := err.(type) {
	case *mcptransport.ServerError:
		return &ServerError{Server: server, Code: e.Code, Message: e.Message}
	case *mcptransport.ConnectionError:
		return &ConnectionError{Server: server, Err: e.Err, WWWAuthenticate: e.WWWAuthenticate}
	case *mcptransport.TransportError:
		return &TransportError{Server: server, Op: op, Err: e.Err}
	case *mcptransport.ValidationError:
		return &ValidationError{Op: op, Err: e.Err}
	default:
		return &TransportError{Server: server, Op: op, Err: err}
	}
}
