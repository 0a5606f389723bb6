package mcptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpclient/pkg/jsonrpc"
)

// Inactivity-management constants (§4.D): the watchdog ticks every ping
// interval; a tick that finds no activity since the last one issues a
// liveness ping, a gap of closeThresholdMultiplier*ping with no activity at
// all force-reconnects outright, and maxConsecutivePingFailures failed
// pings in a row force-reconnects even though the gap itself is shorter.
const (
	sseDefaultPingInterval        = 10 * time.Second
	sseCloseThresholdMultiplier   = 2.5
	sseMaxConsecutivePingFailures = 3
)

// SSEConfig describes a legacy two-channel SSE MCP server (§4.D): a GET
// event stream carries every inbound message, a side-channel POST (whose
// URL is learned from the stream's first "endpoint" event) carries every
// outbound request.
type SSEConfig struct {
	URL string
}

// SSE is the GET-event-stream-plus-POST-side-channel transport.
type SSE struct {
	cfg  SSEConfig
	opts Options

	client *http.Client

	life    lifecycle
	pending *pendingTable
	ids     *jsonrpc.IDCounter
	retrier *retrier
	clock   *activityClock
	dog     *watchdog

	pingInterval time.Duration
	pingFailures atomic.Int32

	endpointMu sync.Mutex
	endpointCh chan struct{}
	endpointOk bool
	endpointURL string

	sessMu sync.Mutex
	sessID string

	lastEventIDMu sync.Mutex
	lastEventID   string

	closed   atomic.Bool
	streamWG sync.WaitGroup
	cancelStream context.CancelFunc

	notifyHandler  NotificationHandler
	requestHandler ServerRequestHandler
	handlerMu      sync.Mutex
}

// NewSSE constructs an SSE transport. The GET stream is not opened until
// EnsureConnected.
func NewSSE(cfg SSEConfig, opts Options) *SSE {
	timeout := opts.ReadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pingInterval := opts.Ping
	if pingInterval <= 0 {
		pingInterval = sseDefaultPingInterval
	}
	return &SSE{
		cfg:          cfg,
		opts:         opts,
		pingInterval: pingInterval,
		client:       newHTTPClient(0), // the GET stream must not time out on idle
		pending:      newPendingTable(),
		ids:          jsonrpc.NewIDCounter(),
		retrier:      newRetrier(opts.Retries, opts.RetryBackoff),
		clock:        newActivityClock(),
		endpointCh:   make(chan struct{}),
	}
}

func (s *SSE) EnsureConnected(ctx context.Context, initParams any) (json.RawMessage, error) {
	if warn, err := validateTransportURL(s.cfg.URL); err != nil {
		return nil, Permanent(&ValidationError{Op: "connect", Err: err})
	} else if warn {
		s.opts.logger().Warn("mcp server URL host looks unreachable from other hosts", zap.String("url", s.cfg.URL))
	}

	var result json.RawMessage
	err := s.life.ensureConnected(func() error {
		streamCtx, cancel := context.WithCancel(context.Background())
		s.cancelStream = cancel
		if err := s.openStream(streamCtx); err != nil {
			return err
		}

		select {
		case <-s.endpointCh:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.ReadTimeout + 10*time.Second):
			return &TransportError{Server: s.cfg.URL, Op: "connect", Err: fmt.Errorf("timed out waiting for endpoint event")}
		}
		if !s.endpointOk {
			return &TransportError{Server: s.cfg.URL, Op: "connect", Err: fmt.Errorf("stream closed before endpoint event")}
		}

		s.dog = startWatchdog(s.pingInterval, s.checkInactivity)

		r, err := s.doPost(ctx, "initialize", initParams)
		if err != nil {
			return err
		}
		result = r
		return s.RPCNotify(ctx, "notifications/initialized", struct{}{})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SSE) checkInactivity() {
	idle := s.clock.since()
	if idle < s.pingInterval {
		return
	}

	closeThreshold := time.Duration(float64(s.pingInterval) * sseCloseThresholdMultiplier)
	if idle >= closeThreshold {
		s.opts.logger().Warn("sse: inactivity timeout, reconnecting",
			zap.String("url", s.cfg.URL), zap.Duration("idle", idle))
		s.pingFailures.Store(0)
		s.reconnect()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReadTimeout)
	defer cancel()
	if _, err := s.doPost(ctx, "ping", struct{}{}); err != nil {
		n := s.pingFailures.Add(1)
		s.opts.logger().Warn("sse: inactivity ping failed",
			zap.String("url", s.cfg.URL), zap.Error(err), zap.Int32("consecutive_failures", n))
		if n >= sseMaxConsecutivePingFailures {
			s.pingFailures.Store(0)
			s.reconnect()
		}
		return
	}
	s.pingFailures.Store(0)
}

func (s *SSE) reconnect() {
	if s.closed.Load() {
		return
	}
	s.opts.Metrics.RecordReconnect(s.opts.metricsLabel(s.cfg.URL))
	if s.cancelStream != nil {
		s.cancelStream()
	}
	s.streamWG.Wait()

	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancelStream = cancel
	backoff := time.Second
	for attempt := 0; attempt < 5; attempt++ {
		if err := s.openStream(streamCtx); err == nil {
			s.clock.touch()
			s.pingFailures.Store(0)
			return
		}
		select {
		case <-time.After(backoff):
		case <-streamCtx.Done():
			return
		}
		backoff *= 2
	}
	s.pending.failAll(&ConnectionError{Server: s.cfg.URL, Err: fmt.Errorf("sse reconnect exhausted")})
}

func (s *SSE) openStream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	applyHeaders(req, s.opts.Headers)
	if err := attachBearerToken(ctx, req, s.opts); err != nil {
		return &ConnectionError{Server: s.cfg.URL, Err: err}
	}
	s.lastEventIDMu.Lock()
	lastID := s.lastEventID
	s.lastEventIDMu.Unlock()
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &TransportError{Server: s.cfg.URL, Op: "open stream", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return &ConnectionError{Server: s.cfg.URL, Err: fmt.Errorf("sse stream returned http %d", resp.StatusCode)}
	}

	s.streamWG.Add(1)
	go s.readStream(resp.Body)
	return nil
}

func (s *SSE) readStream(body io.ReadCloser) {
	defer s.streamWG.Done()
	defer body.Close()

	scanner := newSSEScanner(body)
	for {
		ev, err := scanner.Next()
		if err != nil {
			if !s.closed.Load() {
				go s.reconnect()
			}
			return
		}
		s.clock.touch()
		if ev.ID != "" {
			s.lastEventIDMu.Lock()
			s.lastEventID = ev.ID
			s.lastEventIDMu.Unlock()
		}
		s.handleEvent(ev)
	}
}

func (s *SSE) handleEvent(ev sseEvent) {
	switch ev.Event {
	case "endpoint":
		s.resolveEndpoint(ev.Data)
	case "", "message":
		s.dispatch([]byte(ev.Data))
	default:
		s.dispatch([]byte(ev.Data))
	}
}

func (s *SSE) resolveEndpoint(data string) {
	s.endpointMu.Lock()
	defer s.endpointMu.Unlock()
	if s.endpointOk {
		return
	}
	resolved := data
	if base, err := url.Parse(s.cfg.URL); err == nil {
		if ref, err := url.Parse(data); err == nil {
			resolved = base.ResolveReference(ref).String()
		}
	}
	s.endpointURL = resolved
	s.endpointOk = true
	close(s.endpointCh)
}

func (s *SSE) dispatch(frame []byte) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return
	}
	kind, err := jsonrpc.Classify(frame)
	if err != nil {
		s.opts.logger().Warn("sse: malformed frame", zap.Error(err))
		return
	}
	switch kind {
	case jsonrpc.FrameResponse:
		resp, err := jsonrpc.DecodeResponse(frame)
		if err != nil {
			return
		}
		key := idKey(resp.ID)
		if resp.Error != nil {
			s.pending.deliver(key, nil, &ServerError{Server: s.cfg.URL, Code: resp.Error.Code, Message: resp.Error.Message})
			return
		}
		s.pending.deliver(key, resp.Result, nil)
	case jsonrpc.FrameNotification:
		req, err := jsonrpc.DecodeRequest(frame)
		if err != nil {
			return
		}
		s.handlerMu.Lock()
		h := s.notifyHandler
		s.handlerMu.Unlock()
		if h != nil {
			h(req.Method, req.Params)
		}
	case jsonrpc.FrameServerRequest:
		req, err := jsonrpc.DecodeRequest(frame)
		if err != nil {
			return
		}
		s.handlerMu.Lock()
		h := s.requestHandler
		s.handlerMu.Unlock()
		if h != nil {
			h(context.Background(), req.ID, req.Method, req.Params)
		}
	}
}

func (s *SSE) RPCRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !s.life.isInitialized() {
		return nil, &ConnectionError{Server: s.cfg.URL, Err: fmt.Errorf("transport not connected")}
	}
	if timeout <= 0 {
		timeout = s.opts.ReadTimeout
	}
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var result json.RawMessage
	err := s.retrier.do(reqCtx, func() error {
		r, err := s.doPost(reqCtx, method, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// doPost sends the request over the side-channel POST and waits for the
// correlated response to arrive via the GET stream.
func (s *SSE) doPost(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.ids.Next()
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, Permanent(&ValidationError{Op: method, Err: err})
	}
	key := strconv.FormatInt(id, 10)
	slot := s.pending.register(key)
	defer s.pending.remove(key)

	if err := s.postFrame(ctx, req); err != nil {
		return nil, err
	}

	raw, err := slot.wait(ctx, s.opts.ReadTimeout)
	if err != nil {
		if _, ok := err.(*ServerError); ok {
			return nil, Permanent(err)
		}
		return nil, err
	}
	return raw, nil
}

func (s *SSE) RPCNotify(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return &ValidationError{Op: method, Err: err}
	}
	return s.postFrame(ctx, req)
}

func (s *SSE) SendRPCBatch(ctx context.Context, calls []BatchCall) ([]json.RawMessage, error) {
	return nil, &TransportError{Server: s.cfg.URL, Op: "send_rpc_batch", Err: fmt.Errorf("sse transport does not support batching")}
}

func (s *SSE) postFrame(ctx context.Context, envelope any) error {
	s.endpointMu.Lock()
	target := s.endpointURL
	ok := s.endpointOk
	s.endpointMu.Unlock()
	if !ok {
		return &ConnectionError{Server: s.cfg.URL, Err: fmt.Errorf("endpoint not yet resolved")}
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return Permanent(&ValidationError{Op: "marshal", Err: err})
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Permanent(&ValidationError{Op: "build request", Err: err})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	applyHeaders(httpReq, s.opts.Headers)
	if err := attachBearerToken(ctx, httpReq, s.opts); err != nil {
		return &ConnectionError{Server: s.cfg.URL, Err: err}
	}
	s.sessMu.Lock()
	sid := s.sessID
	s.sessMu.Unlock()
	if sid != "" {
		httpReq.Header.Set("Mcp-Session-Id", sid)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return &TransportError{Server: s.cfg.URL, Op: "post", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" && ValidSessionID(sid) {
		s.sessMu.Lock()
		s.sessID = sid
		s.sessMu.Unlock()
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &ConnectionError{Server: s.cfg.URL, Err: fmt.Errorf("http %d", resp.StatusCode), WWWAuthenticate: resp.Header.Get("WWW-Authenticate")}
	}
	if resp.StatusCode >= 500 {
		return &TransportError{Server: s.cfg.URL, Op: "post", Err: fmt.Errorf("http %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return Permanent(&TransportError{Server: s.cfg.URL, Op: "post", Err: fmt.Errorf("http %d", resp.StatusCode)})
	}
	return nil
}

func (s *SSE) SetNotificationHandler(h NotificationHandler) {
	s.handlerMu.Lock()
	s.notifyHandler = h
	s.handlerMu.Unlock()
}

func (s *SSE) SetServerRequestHandler(h ServerRequestHandler) {
	s.handlerMu.Lock()
	s.requestHandler = h
	s.handlerMu.Unlock()
}

func (s *SSE) RespondToServerRequest(ctx context.Context, id any, result json.RawMessage, rpcErr *RPCError) error {
	if rpcErr != nil {
		return s.postFrame(ctx, jsonrpc.NewErrorResponse(id, rpcErr.Code, rpcErr.Message, rpcErr.Data))
	}
	resp, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		return err
	}
	return s.postFrame(ctx, resp)
}

func (s *SSE) SessionID() string {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return s.sessID
}

func (s *SSE) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.dog != nil {
		s.dog.Stop()
	}
	if s.cancelStream != nil {
		s.cancelStream()
	}
	s.streamWG.Wait()
	s.pending.failAll(&ConnectionError{Server: s.cfg.URL, Err: fmt.Errorf("transport closed")})

	s.sessMu.Lock()
	sid := s.sessID
	s.sessMu.Unlock()
	if sid == "" {
		return nil
	}
	s.endpointMu.Lock()
	target := s.endpointURL
	s.endpointMu.Unlock()
	if target == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Mcp-Session-Id", sid)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	return nil
}
