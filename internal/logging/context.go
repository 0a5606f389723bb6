// internal/logging/context.go
package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	// Owning MCP server, for the aggregator's "[server_name]" log prefix.
	if server := ServerNameFromContext(ctx); server != "" {
		fields = append(fields, zap.String("mcp.server", server))
	}

	// Session context
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		fields = append(fields, zap.String("session.id", sessionID))
	}

	// Request ID
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

// Context key types
type serverCtxKey struct{}
type sessionCtxKey struct{}
type requestCtxKey struct{}

// Validation constants
const (
	maxServerNameLen = 64
	maxIDLen         = 128
)

var (
	// serverNamePattern allows alphanumeric, hyphen, underscore, colon (for
	// "name:logger" style names emitted by notifications/message routing).
	serverNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)
	// idPattern allows alphanumeric, hyphen, underscore with optional prefix
	idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// validateServerName validates the server-name context field.
func validateServerName(name string) error {
	if name == "" {
		return fmt.Errorf("server name cannot be empty")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("server name contains invalid UTF-8")
	}
	if len(name) > maxServerNameLen {
		return fmt.Errorf("server name exceeds max length %d", maxServerNameLen)
	}
	if !serverNamePattern.MatchString(name) {
		return fmt.Errorf("server name contains invalid characters (must be alphanumeric, hyphen, underscore, colon)")
	}
	return nil
}

// validateID validates a session or request ID.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// ServerNameFromContext extracts the owning MCP server name from context.
func ServerNameFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(serverCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithServerName adds the owning MCP server name to context.
// Panics if name is empty or contains invalid characters.
func WithServerName(ctx context.Context, name string) context.Context {
	if err := validateServerName(name); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, serverCtxKey{}, name)
}

// SessionIDFromContext extracts session ID from context.
func SessionIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sessionCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithSessionID adds session ID to context.
// Panics if sessionID is empty or contains invalid characters.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if err := validateID(sessionID, "sessionID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID adds request ID to context.
// Panics if requestID is empty or contains invalid characters.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if err := validateID(requestID, "requestID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// loggerCtxKey is the context key for Logger.
type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a default nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
