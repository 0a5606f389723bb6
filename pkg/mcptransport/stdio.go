package mcptransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpclient/pkg/jsonrpc"
)

// maxStdioLineSize caps a single line-delimited JSON frame read from a child
// process's stdout, guarding against a misbehaving server that never emits
// a newline.
const maxStdioLineSize = 16 * 1024 * 1024

// StdioConfig describes how to spawn and talk to a child-process MCP server
// (§4.C). Command and Args are passed directly to os/exec — never through a
// shell — so there is no command-injection surface from untrusted argv
// content.
type StdioConfig struct {
	Command string
	Args    []string
	Env     []string // additional environment variables, appended to os.Environ()
	Dir     string   // working directory, empty means inherit
}

// Stdio is the child-process transport (§4.C): argv-spawned subprocess,
// line-delimited JSON over stdin/stdout, stderr forwarded to the logger.
type Stdio struct {
	cfg  StdioConfig
	opts Options

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	writeMu sync.Mutex

	life     lifecycle
	pending  *pendingTable
	ids      *jsonrpc.IDCounter
	retrier  *retrier
	sessID   string // stdio has no Mcp-Session-Id; always empty
	closed   atomic.Bool
	readerWG sync.WaitGroup

	notifyHandler NotificationHandler
	requestHandler ServerRequestHandler
	handlerMu      sync.Mutex
}

// NewStdio constructs a Stdio transport. The child process is not spawned
// until EnsureConnected is called.
func NewStdio(cfg StdioConfig, opts Options) *Stdio {
	return &Stdio{
		cfg:     cfg,
		opts:    opts,
		pending: newPendingTable(),
		ids:     jsonrpc.NewIDCounter(),
		retrier: newRetrier(opts.Retries, opts.RetryBackoff),
	}
}

func (s *Stdio) EnsureConnected(ctx context.Context, initParams any) (json.RawMessage, error) {
	var result json.RawMessage
	err := s.life.ensureConnected(func() error {
		if err := s.spawn(); err != nil {
			return fmt.Errorf("spawning %s: %w", s.cfg.Command, err)
		}
		s.readerWG.Add(1)
		go s.readLoop()

		r, err := s.rpcRequestLocked(ctx, "initialize", initParams, s.opts.ReadTimeout)
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

func (s *Stdio) spawn() error {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	if s.cfg.Dir != "" {
		cmd.Dir = s.cfg.Dir
	}
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout

	go s.drainStderr(stderr)
	return nil
}

// drainStderr forwards the child's stderr to the logger line by line, per
// the teacher's convention of never letting a subprocess's stderr silently
// fill a pipe buffer.
func (s *Stdio) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStdioLineSize)
	log := s.opts.logger()
	for scanner.Scan() {
		log.Warn("stdio server stderr", zap.String("line", scanner.Text()))
	}
}

func (s *Stdio) readLoop() {
	defer s.readerWG.Done()
	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStdioLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		s.dispatch(append([]byte(nil), line...))
	}
	if s.closed.Load() {
		return
	}
	s.pending.failAll(&ConnectionError{Server: s.cfg.Command, Err: io.ErrClosedPipe})
}

func (s *Stdio) dispatch(frame []byte) {
	kind, err := jsonrpc.Classify(frame)
	if err != nil {
		s.opts.logger().Warn("stdio: malformed frame", zap.Error(err))
		return
	}
	switch kind {
	case jsonrpc.FrameResponse:
		s.handleResponse(frame)
	case jsonrpc.FrameNotification:
		s.handleNotification(frame)
	case jsonrpc.FrameServerRequest:
		s.handleServerRequest(frame)
	default:
		s.opts.logger().Warn("stdio: unclassifiable frame", zap.ByteString("frame", frame))
	}
}

func (s *Stdio) handleResponse(frame []byte) {
	resp, err := jsonrpc.DecodeResponse(frame)
	if err != nil {
		return
	}
	key := idKey(resp.ID)
	if resp.Error != nil {
		s.pending.deliver(key, nil, &ServerError{Server: s.cfg.Command, Code: resp.Error.Code, Message: resp.Error.Message})
		return
	}
	s.pending.deliver(key, resp.Result, nil)
}

func (s *Stdio) handleNotification(frame []byte) {
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
}

func (s *Stdio) handleServerRequest(frame []byte) {
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

func (s *Stdio) RPCRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !s.life.isInitialized() {
		return nil, &ConnectionError{Server: s.cfg.Command, Err: fmt.Errorf("transport not connected")}
	}
	var result json.RawMessage
	err := s.retrier.do(ctx, func() error {
		r, err := s.rpcRequestLocked(ctx, method, params, timeout)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (s *Stdio) rpcRequestLocked(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := s.ids.Next()
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, Permanent(&ValidationError{Op: method, Err: err})
	}
	key := strconv.FormatInt(id, 10)
	slot := s.pending.register(key)
	defer s.pending.remove(key)

	if err := s.writeFrame(req); err != nil {
		return nil, fmt.Errorf("writing frame: %w", err)
	}

	if timeout <= 0 {
		timeout = s.opts.ReadTimeout
	}
	raw, err := slot.wait(ctx, timeout)
	if err != nil {
		var srvErr *ServerError
		if asServerError(err, &srvErr) {
			return nil, Permanent(err)
		}
		return nil, err
	}
	return raw, nil
}

func asServerError(err error, target **ServerError) bool {
	se, ok := err.(*ServerError)
	if ok {
		*target = se
	}
	return ok
}

func (s *Stdio) RPCNotify(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return &ValidationError{Op: method, Err: err}
	}
	return s.writeFrame(req)
}

func (s *Stdio) SendRPCBatch(ctx context.Context, calls []BatchCall) ([]json.RawMessage, error) {
	return nil, &TransportError{Server: s.cfg.Command, Op: "send_rpc_batch", Err: fmt.Errorf("stdio transport does not support batching")}
}

func (s *Stdio) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdin == nil {
		return fmt.Errorf("stdio transport not connected")
	}
	_, err = s.stdin.Write(data)
	return err
}

func (s *Stdio) SetNotificationHandler(h NotificationHandler) {
	s.handlerMu.Lock()
	s.notifyHandler = h
	s.handlerMu.Unlock()
}

func (s *Stdio) SetServerRequestHandler(h ServerRequestHandler) {
	s.handlerMu.Lock()
	s.requestHandler = h
	s.handlerMu.Unlock()
}

func (s *Stdio) RespondToServerRequest(ctx context.Context, id any, result json.RawMessage, rpcErr *RPCError) error {
	if rpcErr != nil {
		resp := jsonrpc.NewErrorResponse(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return s.writeFrame(resp)
	}
	resp, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		return err
	}
	return s.writeFrame(resp)
}

func (s *Stdio) SessionID() string { return s.sessID }

// Close terminates the child process gracefully (close stdin, wait) and
// forcefully (Kill) if it does not exit promptly, per §4.C.
func (s *Stdio) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.pending.failAll(&ConnectionError{Server: s.cfg.Command, Err: fmt.Errorf("transport closed")})

	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = s.cmd.Process.Kill()
		<-done
	case <-ctx.Done():
		_ = s.cmd.Process.Kill()
		<-done
	}
	s.readerWG.Wait()
	return nil
}

func idKey(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
