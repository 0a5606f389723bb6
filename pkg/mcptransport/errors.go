package mcptransport

import "fmt"

// TransportError signals a framing failure, timeout, malformed SSE frame,
// broken pipe, or an HTTP 5xx response with no JSON-RPC envelope. pkg/mcp
// re-exposes this verbatim to callers rather than re-wrapping it.
type TransportError struct {
	Server string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("transport error on %q during %s: %v", e.Server, e.Op, e.Err)
	}
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConnectionError signals the session could not be established or preserved
// (includes HTTP 401/403 observed at connect time). WWWAuthenticate carries
// the peer's WWW-Authenticate header verbatim when the failure was a 401,
// so a caller holding an oauth.Provider can pull a resource_metadata URL
// out of it and re-run discovery (§4.I) instead of retrying blind.
type ConnectionError struct {
	Server          string
	Err             error
	WWWAuthenticate string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error on %q: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ServerError wraps a JSON-RPC error object returned by the peer.
type ServerError struct {
	Server  string
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server %q returned error %d: %s", e.Server, e.Code, e.Message)
}

// ValidationError is raised by a local pre-flight check before any RPC is
// issued (e.g. malformed params that fail to marshal).
type ValidationError struct {
	Op  string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %v", e.Op, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
