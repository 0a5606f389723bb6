package mcptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpclient/pkg/jsonrpc"
)

// streamableProtocolVersions is the client's supported MCP-Protocol-Version
// list, most preferred first. The negotiated version is whichever the
// server echoes back in its MCP-Protocol-Version response header; until one
// has been seen, the first (most preferred) entry is sent.
var streamableProtocolVersions = []string{"2025-06-18", "2025-03-26"}

// StreamableHTTPConfig describes a streamable-HTTP MCP server (§4.F): one
// POST per request, whose response body is either a single JSON object or
// an SSE-framed stream that may emit zero or more progress/elicitation
// frames before the one frame correlated to the request's id.
type StreamableHTTPConfig struct {
	URL string
}

// StreamableHTTP is the POST-with-SSE-framed-response transport.
type StreamableHTTP struct {
	cfg  StreamableHTTPConfig
	opts Options

	client *http.Client

	life    lifecycle
	ids     *jsonrpc.IDCounter
	retrier *retrier

	sessMu  sync.Mutex
	sessID  string
	negotiatedVersion string

	lastEventIDMu sync.Mutex
	lastEventID   string

	closed atomic.Bool

	// elicitationIDs tracks which in-flight server-request ids were
	// elicitation/create requests, keyed by idKey(id), so
	// RespondToServerRequest knows to answer them with the §4.F
	// elicitation/response request shape instead of a correlated response.
	elicitationIDs sync.Map

	notifyHandler  NotificationHandler
	requestHandler ServerRequestHandler
	handlerMu      sync.Mutex
}

// NewStreamableHTTP constructs a StreamableHTTP transport.
func NewStreamableHTTP(cfg StreamableHTTPConfig, opts Options) *StreamableHTTP {
	timeout := opts.ReadTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &StreamableHTTP{
		cfg:     cfg,
		opts:    opts,
		client:  newHTTPClient(timeout),
		ids:     jsonrpc.NewIDCounter(),
		retrier: newRetrier(opts.Retries, opts.RetryBackoff),
	}
}

func (t *StreamableHTTP) EnsureConnected(ctx context.Context, initParams any) (json.RawMessage, error) {
	if warn, err := validateTransportURL(t.cfg.URL); err != nil {
		return nil, Permanent(&ValidationError{Op: "connect", Err: err})
	} else if warn {
		t.opts.logger().Warn("mcp server URL host looks unreachable from other hosts", zap.String("url", t.cfg.URL))
	}

	var result json.RawMessage
	err := t.life.ensureConnected(func() error {
		r, err := t.post(ctx, "initialize", initParams)
		if err != nil {
			return err
		}
		result = r
		return t.RPCNotify(ctx, "notifications/initialized", struct{}{})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (t *StreamableHTTP) RPCRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !t.life.isInitialized() {
		return nil, &ConnectionError{Server: t.cfg.URL, Err: fmt.Errorf("transport not connected")}
	}
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var result json.RawMessage
	err := t.retrier.do(reqCtx, func() error {
		r, err := t.post(reqCtx, method, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (t *StreamableHTTP) RPCNotify(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return &ValidationError{Op: method, Err: err}
	}
	_, err = t.send(ctx, req, "")
	return err
}

func (t *StreamableHTTP) SendRPCBatch(ctx context.Context, calls []BatchCall) ([]json.RawMessage, error) {
	batch := make([]*jsonrpc.Request, 0, len(calls))
	for _, c := range calls {
		req, err := jsonrpc.NewRequest(t.ids.Next(), c.Method, c.Params)
		if err != nil {
			return nil, Permanent(&ValidationError{Op: c.Method, Err: err})
		}
		batch = append(batch, req)
	}
	raw, err := t.send(ctx, batch, "")
	if err != nil {
		return nil, err
	}
	var responses []json.RawMessage
	if err := json.Unmarshal(raw, &responses); err != nil {
		return nil, &TransportError{Server: t.cfg.URL, Op: "send_rpc_batch", Err: err}
	}
	return responses, nil
}

func (t *StreamableHTTP) post(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.ids.Next()
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, Permanent(&ValidationError{Op: method, Err: err})
	}
	return t.send(ctx, req, idKey(id))
}

// send POSTs envelope and, if correlationID is non-empty, blocks until the
// response frame matching it is observed — either as the whole JSON body or
// as one frame inside an SSE-framed body, after zero or more intervening
// progress/elicitation frames are dispatched to their handlers.
func (t *StreamableHTTP) send(ctx context.Context, envelope any, correlationID string) (json.RawMessage, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, Permanent(&ValidationError{Op: "marshal", Err: err})
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(&ValidationError{Op: "build request", Err: err})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/json")
	httpReq.Header.Set("Cache-Control", "no-cache")
	t.setCommonHeaders(httpReq)
	if err := attachBearerToken(ctx, httpReq, t.opts); err != nil {
		return nil, &ConnectionError{Server: t.cfg.URL, Err: err}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Server: t.cfg.URL, Op: "post", Err: err}
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" && ValidSessionID(sid) {
		t.sessMu.Lock()
		t.sessID = sid
		t.sessMu.Unlock()
	}
	if v := resp.Header.Get("MCP-Protocol-Version"); v != "" {
		t.sessMu.Lock()
		t.negotiatedVersion = v
		t.sessMu.Unlock()
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ConnectionError{Server: t.cfg.URL, Err: fmt.Errorf("http %d: %s", resp.StatusCode, string(data)), WWWAuthenticate: resp.Header.Get("WWW-Authenticate")}
	}
	if resp.StatusCode == http.StatusAccepted {
		// notification or response-less request: server acknowledged, no body.
		return nil, nil
	}
	if resp.StatusCode >= 500 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &TransportError{Server: t.cfg.URL, Op: "post", Err: fmt.Errorf("http %d: %s", resp.StatusCode, string(data))}
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, Permanent(&TransportError{Server: t.cfg.URL, Op: "post", Err: fmt.Errorf("http %d: %s", resp.StatusCode, string(data))})
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		return t.handleSSEResponse(resp.Body, correlationID)
	default:
		return t.handleJSONResponse(resp.Body, correlationID)
	}
}

func (t *StreamableHTTP) setCommonHeaders(req *http.Request) {
	applyHeaders(req, t.opts.Headers)

	t.sessMu.Lock()
	sid := t.sessID
	version := t.negotiatedVersion
	t.sessMu.Unlock()
	if sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
	}
	if version == "" {
		version = streamableProtocolVersions[0]
	}
	req.Header.Set("MCP-Protocol-Version", version)

	t.lastEventIDMu.Lock()
	lastID := t.lastEventID
	t.lastEventIDMu.Unlock()
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
}

func (t *StreamableHTTP) handleJSONResponse(body io.Reader, correlationID string) (json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(body, 64<<20))
	if err != nil {
		return nil, &TransportError{Server: t.cfg.URL, Op: "post", Err: err}
	}
	if len(data) == 0 {
		return nil, nil
	}
	return t.decodeOne(data, correlationID)
}

// handleSSEResponse reads the SSE-framed response body frame by frame,
// dispatching any progress/elicitation/notification frames to their
// handlers and returning once the frame correlated to correlationID
// arrives (or the stream ends, for notifications with no correlation id).
func (t *StreamableHTTP) handleSSEResponse(body io.Reader, correlationID string) (json.RawMessage, error) {
	scanner := newSSEScanner(body)
	for {
		ev, err := scanner.Next()
		if err != nil {
			if err == io.EOF {
				if correlationID == "" {
					return nil, nil
				}
				return nil, &TransportError{Server: t.cfg.URL, Op: "post", Err: fmt.Errorf("sse stream ended before response %s arrived", correlationID)}
			}
			return nil, &TransportError{Server: t.cfg.URL, Op: "post", Err: err}
		}
		if ev.ID != "" {
			t.lastEventIDMu.Lock()
			t.lastEventID = ev.ID
			t.lastEventIDMu.Unlock()
		}

		frame := []byte(ev.Data)
		kind, clsErr := jsonrpc.Classify(frame)
		if clsErr != nil {
			continue
		}

		switch kind {
		case jsonrpc.FrameResponse:
			resp, err := jsonrpc.DecodeResponse(frame)
			if err != nil {
				continue
			}
			if correlationID != "" && idKey(resp.ID) == correlationID {
				if resp.Error != nil {
					return nil, Permanent(&ServerError{Server: t.cfg.URL, Code: resp.Error.Code, Message: resp.Error.Message})
				}
				return resp.Result, nil
			}
			// a response for a different in-flight request sharing this
			// stream is not delivered anywhere; it is dropped.
		case jsonrpc.FrameNotification:
			req, err := jsonrpc.DecodeRequest(frame)
			if err != nil {
				continue
			}
			t.handlerMu.Lock()
			h := t.notifyHandler
			t.handlerMu.Unlock()
			if h != nil {
				h(req.Method, req.Params)
			}
		case jsonrpc.FrameServerRequest:
			req, err := jsonrpc.DecodeRequest(frame)
			if err != nil {
				continue
			}
			if req.Method == "elicitation/create" {
				t.elicitationIDs.Store(idKey(req.ID), struct{}{})
			}
			t.handlerMu.Lock()
			h := t.requestHandler
			t.handlerMu.Unlock()
			if h != nil {
				h(context.Background(), req.ID, req.Method, req.Params)
			}
		}
	}
}

func (t *StreamableHTTP) decodeOne(data []byte, correlationID string) (json.RawMessage, error) {
	kind, err := jsonrpc.Classify(data)
	if err != nil {
		return nil, &TransportError{Server: t.cfg.URL, Op: "post", Err: err}
	}
	if kind != jsonrpc.FrameResponse {
		return data, nil
	}
	resp, err := jsonrpc.DecodeResponse(data)
	if err != nil {
		return nil, &TransportError{Server: t.cfg.URL, Op: "post", Err: err}
	}
	if resp.Error != nil {
		return nil, Permanent(&ServerError{Server: t.cfg.URL, Code: resp.Error.Code, Message: resp.Error.Message})
	}
	return resp.Result, nil
}

func (t *StreamableHTTP) SetNotificationHandler(h NotificationHandler) {
	t.handlerMu.Lock()
	t.notifyHandler = h
	t.handlerMu.Unlock()
}

func (t *StreamableHTTP) SetServerRequestHandler(h ServerRequestHandler) {
	t.handlerMu.Lock()
	t.requestHandler = h
	t.handlerMu.Unlock()
}

// RespondToServerRequest answers a server-initiated request. Per §4.F, an
// elicitation/create result is not sent as a correlated JSON-RPC response:
// it is a separate POST of a new elicitation/response request instead.
// Every other server-request kind (roots/list, sampling/createMessage,
// ping) keeps the ordinary correlated-response shape.
func (t *StreamableHTTP) RespondToServerRequest(ctx context.Context, id any, result json.RawMessage, rpcErr *RPCError) error {
	_, wasElicitation := t.elicitationIDs.LoadAndDelete(idKey(id))
	if wasElicitation && rpcErr == nil {
		return t.sendElicitationResponse(ctx, id, result)
	}
	if rpcErr != nil {
		_, err := t.send(ctx, jsonrpc.NewErrorResponse(id, rpcErr.Code, rpcErr.Message, rpcErr.Data), "")
		return err
	}
	resp, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		return err
	}
	_, err = t.send(ctx, resp, "")
	return err
}

// elicitationResponseParams is §4.F's params shape for the elicitation/response
// request: { elicitationId, action, content? }.
type elicitationResponseParams struct {
	ElicitationID any             `json:"elicitationId"`
	Action        string          `json:"action"`
	Content       json.RawMessage `json:"content,omitempty"`
}

func (t *StreamableHTTP) sendElicitationResponse(ctx context.Context, elicitationID any, result json.RawMessage) error {
	var decoded struct {
		Action  string          `json:"action"`
		Content json.RawMessage `json:"content,omitempty"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return Permanent(&ValidationError{Op: "elicitation/response", Err: err})
	}

	req, err := jsonrpc.NewRequest(t.ids.Next(), "elicitation/response", elicitationResponseParams{
		ElicitationID: elicitationID,
		Action:        decoded.Action,
		Content:       decoded.Content,
	})
	if err != nil {
		return Permanent(&ValidationError{Op: "elicitation/response", Err: err})
	}
	_, err = t.send(ctx, req, "")
	return err
}

func (t *StreamableHTTP) SessionID() string {
	t.sessMu.Lock()
	defer t.sessMu.Unlock()
	return t.sessID
}

// NegotiatedVersion reports the MCP-Protocol-Version the server echoed, or
// the client's most-preferred version if none has been observed yet.
func (t *StreamableHTTP) NegotiatedVersion() string {
	t.sessMu.Lock()
	defer t.sessMu.Unlock()
	if t.negotiatedVersion == "" {
		return streamableProtocolVersions[0]
	}
	return t.negotiatedVersion
}

func (t *StreamableHTTP) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.sessMu.Lock()
	sid := t.sessID
	t.sessMu.Unlock()
	if sid == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.cfg.URL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Mcp-Session-Id", sid)
	applyHeaders(req, t.opts.Headers)
	_ = attachBearerToken(ctx, req, t.opts)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	return nil
}
