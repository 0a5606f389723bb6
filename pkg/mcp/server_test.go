package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mcpclient/pkg/mcptransport"
)

// fakeTransport is an in-memory mcptransport.Transport double driven by a
// table of canned responses keyed by RPC method, letting the facade's
// translation and shaping logic be tested without any network or process.
type fakeTransport struct {
	responses map[string]json.RawMessage
	errs      map[string]error
	notified  []string
	serverReq mcptransport.ServerRequestHandler
	sessID    string
	responded []respondedCall
}

type respondedCall struct {
	id     any
	result json.RawMessage
	rpcErr *mcptransport.RPCError
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{responses: map[string]json.RawMessage{}, errs: map[string]error{}}
}

func (f *fakeTransport) EnsureConnected(ctx context.Context, initParams any) (json.RawMessage, error) {
	return f.responses["initialize"], f.errs["initialize"]
}

func (f *fakeTransport) RPCRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err, ok := f.errs[method]; ok {
		return nil, err
	}
	return f.responses[method], nil
}

func (f *fakeTransport) RPCNotify(ctx context.Context, method string, params any) error {
	f.notified = append(f.notified, method)
	return nil
}

func (f *fakeTransport) SendRPCBatch(ctx context.Context, calls []mcptransport.BatchCall) ([]json.RawMessage, error) {
	return nil, nil
}

func (f *fakeTransport) SetNotificationHandler(h mcptransport.NotificationHandler) {}

func (f *fakeTransport) SetServerRequestHandler(h mcptransport.ServerRequestHandler) {
	f.serverReq = h
}

func (f *fakeTransport) RespondToServerRequest(ctx context.Context, id any, result json.RawMessage, rpcErr *mcptransport.RPCError) error {
	f.responded = append(f.responded, respondedCall{id: id, result: result, rpcErr: rpcErr})
	return nil
}

func (f *fakeTransport) SessionID() string { return f.sessID }

func (f *fakeTransport) Close(ctx context.Context) error { return nil }

func TestServer_Initialize_CapturesServerInfo(t *testing.T) {
	ft := newFakeTransport()
	ft.responses["initialize"] = json.RawMessage(`{"protocolVersion":"2025-06-18","serverInfo":{"name":"weather","version":"1.0"},"capabilities":{"tools":{}}}`)

	s := NewServer("weather", ft, Hooks{})
	meta, err := s.Initialize(context.Background(), ClientInfo{Name: "mcpclient", Version: "0.1"}, ProtocolVersionPreferred, nil)
	require.NoError(t, err)
	assert.Equal(t, "weather", meta.Name)
	assert.Equal(t, "1.0", meta.Version)
	assert.JSONEq(t, `{"tools":{}}`, string(meta.Capabilities))
}

func TestServer_DispatchServerRequest_DefaultElicitationDeclines(t *testing.T) {
	ft := newFakeTransport()
	s := NewServer("weather", ft, Hooks{})
	result, rpcErr := s.dispatchServerRequest(context.Background(), "elicitation/create", nil)
	require.Nil(t, rpcErr)
	assert.JSONEq(t, `{"action":"decline"}`, string(result))
}

// TestServer_RouteServerRequest_ElicitationAutoDeclinesOverWire covers §8
// scenario 5: a server sends an elicitation/create request with id 7 and no
// handler is registered, so the client's one reply is a decline response
// correlated to that same id.
func TestServer_RouteServerRequest_ElicitationAutoDeclinesOverWire(t *testing.T) {
	ft := newFakeTransport()
	NewServer("weather", ft, Hooks{})

	params := json.RawMessage(`{"message":"x","requestedSchema":{"type":"object","properties":{}}}`)
	ft.serverReq(context.Background(), float64(7), "elicitation/create", params)

	require.Len(t, ft.responded, 1)
	call := ft.responded[0]
	assert.Equal(t, float64(7), call.id)
	assert.Nil(t, call.rpcErr)
	assert.JSONEq(t, `{"action":"decline"}`, string(call.result))
}

func TestServer_DispatchServerRequest_DefaultSamplingErrors(t *testing.T) {
	ft := newFakeTransport()
	s := NewServer("weather", ft, Hooks{})
	_, rpcErr := s.dispatchServerRequest(context.Background(), "sampling/createMessage", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
}

func TestServer_DispatchServerRequest_PingIsEmptyResult(t *testing.T) {
	ft := newFakeTransport()
	s := NewServer("weather", ft, Hooks{})
	result, rpcErr := s.dispatchServerRequest(context.Background(), "ping", nil)
	require.Nil(t, rpcErr)
	assert.JSONEq(t, `{}`, string(result))
}

func TestServer_DispatchServerRequest_UnknownMethodIsMethodNotFound(t *testing.T) {
	ft := newFakeTransport()
	s := NewServer("weather", ft, Hooks{})
	_, rpcErr := s.dispatchServerRequest(context.Background(), "nonsense/method", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
}

func TestServer_DispatchServerRequest_PanickingHookYieldsInternalError(t *testing.T) {
	ft := newFakeTransport()
	s := NewServer("weather", ft, Hooks{
		Elicitation: func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
			panic("boom")
		},
	})
	_, rpcErr := s.dispatchServerRequest(context.Background(), "elicitation/create", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, -32603, rpcErr.Code)
}

func TestServer_RootsList_DefaultsToEmpty(t *testing.T) {
	ft := newFakeTransport()
	s := NewServer("weather", ft, Hooks{})
	result, rpcErr := s.dispatchServerRequest(context.Background(), "roots/list", nil)
	require.Nil(t, rpcErr)
	assert.JSONEq(t, `{"roots":[]}`, string(result))
}

func TestServer_RootsList_UsesHook(t *testing.T) {
	ft := newFakeTransport()
	s := NewServer("weather", ft, Hooks{
		RootsList: func(ctx context.Context) ([]Root, error) {
			return []Root{{URI: "file:///tmp"}}, nil
		},
	})
	result, rpcErr := s.dispatchServerRequest(context.Background(), "roots/list", nil)
	require.Nil(t, rpcErr)
	assert.JSONEq(t, `{"roots":[{"uri":"file:///tmp"}]}`, string(result))
}

func TestServer_SetRoots_SendsNotification(t *testing.T) {
	ft := newFakeTransport()
	s := NewServer("weather", ft, Hooks{})
	require.NoError(t, s.SetRoots(context.Background()))
	assert.Equal(t, []string{"notifications/roots/list_changed"}, ft.notified)
}
