package mcptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpclient/pkg/jsonrpc"
)

// HTTPConfig describes a plain request/response MCP server (§4.E): every
// rpc_request is one POST, the response body is a single JSON-RPC envelope,
// no streaming and no server-initiated requests are possible.
type HTTPConfig struct {
	URL string
}

// HTTP is the plain POST/response transport.
type HTTP struct {
	cfg  HTTPConfig
	opts Options

	client *http.Client

	life    lifecycle
	ids     *jsonrpc.IDCounter
	retrier *retrier

	sessMu sync.Mutex
	sessID string

	closed atomic.Bool

	notifyHandler  NotificationHandler
	requestHandler ServerRequestHandler
	handlerMu      sync.Mutex
}

// NewHTTP constructs an HTTP transport. No network activity occurs until
// EnsureConnected.
func NewHTTP(cfg HTTPConfig, opts Options) *HTTP {
	timeout := opts.ReadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{
		cfg:     cfg,
		opts:    opts,
		client:  newHTTPClient(timeout),
		ids:     jsonrpc.NewIDCounter(),
		retrier: newRetrier(opts.Retries, opts.RetryBackoff),
	}
}

func (h *HTTP) EnsureConnected(ctx context.Context, initParams any) (json.RawMessage, error) {
	if warn, err := validateTransportURL(h.cfg.URL); err != nil {
		return nil, Permanent(&ValidationError{Op: "connect", Err: err})
	} else if warn {
		h.opts.logger().Warn("mcp server URL host looks unreachable from other hosts", zap.String("url", h.cfg.URL))
	}

	var result json.RawMessage
	err := h.life.ensureConnected(func() error {
		r, err := h.post(ctx, "initialize", initParams)
		if err != nil {
			return err
		}
		result = r
		return h.RPCNotify(ctx, "notifications/initialized", struct{}{})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (h *HTTP) RPCRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !h.life.isInitialized() {
		return nil, &ConnectionError{Server: h.cfg.URL, Err: fmt.Errorf("transport not connected")}
	}
	var result json.RawMessage
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := h.retrier.do(reqCtx, func() error {
		r, err := h.post(reqCtx, method, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (h *HTTP) RPCNotify(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return &ValidationError{Op: method, Err: err}
	}
	_, err = h.doRequest(ctx, req)
	return err
}

func (h *HTTP) SendRPCBatch(ctx context.Context, calls []BatchCall) ([]json.RawMessage, error) {
	batch := make([]*jsonrpc.Request, 0, len(calls))
	for _, c := range calls {
		req, err := jsonrpc.NewRequest(h.ids.Next(), c.Method, c.Params)
		if err != nil {
			return nil, Permanent(&ValidationError{Op: c.Method, Err: err})
		}
		batch = append(batch, req)
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, Permanent(&ValidationError{Op: "send_rpc_batch", Err: err})
	}
	raw, err := h.send(ctx, body)
	if err != nil {
		return nil, err
	}
	var responses []json.RawMessage
	if err := json.Unmarshal(raw, &responses); err != nil {
		return nil, &TransportError{Server: h.cfg.URL, Op: "send_rpc_batch", Err: err}
	}
	return responses, nil
}

func (h *HTTP) post(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := h.ids.Next()
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, Permanent(&ValidationError{Op: method, Err: err})
	}
	return h.doRequest(ctx, req)
}

func (h *HTTP) doRequest(ctx context.Context, envelope any) (json.RawMessage, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, Permanent(&ValidationError{Op: "marshal", Err: err})
	}
	return h.send(ctx, body)
}

func (h *HTTP) send(ctx context.Context, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(&ValidationError{Op: "build request", Err: err})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	applyHeaders(httpReq, h.opts.Headers)
	if err := attachBearerToken(ctx, httpReq, h.opts); err != nil {
		return nil, &ConnectionError{Server: h.cfg.URL, Err: err}
	}

	h.sessMu.Lock()
	sid := h.sessID
	h.sessMu.Unlock()
	if sid != "" {
		httpReq.Header.Set("Mcp-Session-Id", sid)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Server: h.cfg.URL, Op: "post", Err: err}
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" && ValidSessionID(sid) {
		h.sessMu.Lock()
		h.sessID = sid
		h.sessMu.Unlock()
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, &TransportError{Server: h.cfg.URL, Op: "read response", Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &ConnectionError{Server: h.cfg.URL, Err: fmt.Errorf("http %d: %s", resp.StatusCode, string(data)), WWWAuthenticate: resp.Header.Get("WWW-Authenticate")}
	}
	if resp.StatusCode >= 500 {
		return nil, &TransportError{Server: h.cfg.URL, Op: "post", Err: fmt.Errorf("http %d: %s", resp.StatusCode, string(data))}
	}
	if resp.StatusCode >= 400 {
		return nil, Permanent(&TransportError{Server: h.cfg.URL, Op: "post", Err: fmt.Errorf("http %d: %s", resp.StatusCode, string(data))})
	}

	if len(data) == 0 {
		return json.RawMessage("null"), nil
	}

	kind, err := jsonrpc.Classify(data)
	if err != nil {
		return nil, &TransportError{Server: h.cfg.URL, Op: "post", Err: err}
	}
	if kind != jsonrpc.FrameResponse {
		return data, nil
	}

	envResp, err := jsonrpc.DecodeResponse(data)
	if err != nil {
		return nil, &TransportError{Server: h.cfg.URL, Op: "post", Err: err}
	}
	if envResp.Error != nil {
		return nil, Permanent(&ServerError{Server: h.cfg.URL, Code: envResp.Error.Code, Message: envResp.Error.Message})
	}
	return envResp.Result, nil
}

func (h *HTTP) SetNotificationHandler(nh NotificationHandler) {
	h.handlerMu.Lock()
	h.notifyHandler = nh
	h.handlerMu.Unlock()
}

// SetServerRequestHandler is accepted but never invoked: plain HTTP has no
// channel for server-initiated requests (§4.E).
func (h *HTTP) SetServerRequestHandler(rh ServerRequestHandler) {
	h.handlerMu.Lock()
	h.requestHandler = rh
	h.handlerMu.Unlock()
}

func (h *HTTP) RespondToServerRequest(ctx context.Context, id any, result json.RawMessage, rpcErr *RPCError) error {
	return &TransportError{Server: h.cfg.URL, Op: "respond_to_server_request", Err: fmt.Errorf("plain HTTP transport cannot receive server-initiated requests")}
}

func (h *HTTP) SessionID() string {
	h.sessMu.Lock()
	defer h.sessMu.Unlock()
	return h.sessID
}

// Close issues a session-termination DELETE if a session was captured, per
// §4.B's teardown contract.
func (h *HTTP) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.sessMu.Lock()
	sid := h.sessID
	h.sessMu.Unlock()
	if sid == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.cfg.URL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Mcp-Session-Id", sid)
	applyHeaders(req, h.opts.Headers)
	_ = attachBearerToken(ctx, req, h.opts)
	resp, err := h.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	return nil
}
