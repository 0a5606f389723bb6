// Package mcptransport implements the four MCP wire transports (stdio, SSE,
// HTTP, streamable-HTTP) behind one shared Transport interface, plus the
// retry/session/lifecycle contract (§4.B) every one of them honors.
package mcptransport

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/mcpclient/internal/logging"
	"github.com/fyrsmithlabs/mcpclient/pkg/metrics"
)

// NotificationHandler is invoked for every inbound notification (no id).
type NotificationHandler func(method string, params json.RawMessage)

// ServerRequestHandler is invoked for every inbound server-initiated request
// (has both method and id). The handler returns nothing: the answer is sent
// separately through Transport.RespondToServerRequest, which pkg/mcp's
// server request router calls with either a result or a JSON-RPC error
// object.
type ServerRequestHandler func(ctx context.Context, id any, method string, params json.RawMessage)

// Transport is the contract every MCP wire transport satisfies (§4.B).
// Implementations: Stdio, SSE, HTTP, StreamableHTTP.
type Transport interface {
	// EnsureConnected brings the connection to the fully-initialized state,
	// running the initialize handshake at most once. Duplicate calls are
	// no-ops. Returns the raw initialize result for the facade to parse.
	EnsureConnected(ctx context.Context, initParams any) (json.RawMessage, error)

	// RPCRequest issues method with params and blocks for the correlated
	// response or until timeout elapses (zero means the transport default).
	RPCRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)

	// RPCNotify sends a fire-and-forget notification.
	RPCNotify(ctx context.Context, method string, params any) error

	// SendRPCBatch encodes a batch of method/params pairs as a JSON array.
	// Optional: transports that do not support batching return an error.
	SendRPCBatch(ctx context.Context, calls []BatchCall) ([]json.RawMessage, error)

	// SetNotificationHandler registers the sink for inbound notifications.
	SetNotificationHandler(h NotificationHandler)

	// SetServerRequestHandler registers the sink for inbound server-initiated
	// requests. Transports that cannot receive server-initiated requests
	// (plain HTTP) accept the registration but never invoke it.
	SetServerRequestHandler(h ServerRequestHandler)

	// RespondToServerRequest answers a server-initiated request previously
	// delivered to the ServerRequestHandler.
	RespondToServerRequest(ctx context.Context, id any, result json.RawMessage, rpcErr *RPCError) error

	// SessionID returns the captured Mcp-Session-Id, or "" if none.
	SessionID() string

	// Close idempotently tears the transport down: cancels watchdogs,
	// closes sockets/pipes, reaps children, issues a session-termination
	// DELETE if applicable, and fails all pending requests.
	Close(ctx context.Context) error
}

// BatchCall is one method/params pair inside a send_rpc_batch request.
type BatchCall struct {
	Method string
	Params any
}

// RPCError is the idiomatic shape of a JSON-RPC error object, used when a
// server-initiated request must be failed rather than answered.
type RPCError struct {
	Code    int
	Message string
	Data    any
}

// sessionIDPattern is spec §8's testable invariant: any retained session ID
// matches this pattern.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// ValidSessionID reports whether id is an acceptable Mcp-Session-Id value.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Options are the common construction parameters every transport accepts.
type Options struct {
	Logger       *logging.Logger
	ReadTimeout  time.Duration
	Retries      int
	RetryBackoff time.Duration
	Headers      map[string]string
	// BearerTokenProvider resolves a bearer token before each outbound
	// request; returning "" attaches no Authorization header. Used by the
	// OAuth helper and by static bearer-token configuration alike.
	BearerTokenProvider func(ctx context.Context) (string, error)
	// Metrics, if set, receives reconnect counts from the SSE transport, the
	// only one that reconnects. Nil disables collection.
	Metrics *metrics.Metrics
	// ServerLabel is the metrics label for this transport's server; falls
	// back to the transport's own URL/command when empty.
	ServerLabel string
	// Ping is the inactivity-watchdog interval (§4.D): once this long
	// passes with no inbound activity, the transport issues a liveness
	// ping; once 2.5x this long passes, or 3 consecutive pings fail, it
	// force-reconnects. Zero uses the transport's own default (10s).
	Ping time.Duration
}

func (o Options) metricsLabel(fallback string) string {
	if o.ServerLabel != "" {
		return o.ServerLabel
	}
	return fallback
}

func (o Options) logger() *logging.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logging.FromContext(context.Background())
}
