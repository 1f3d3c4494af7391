package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/protocol"
	"github.com/ThinkInAIXYZ/go-cometd/server/session"
	"github.com/ThinkInAIXYZ/go-cometd/transport"
)

// pipeHarness drives a server through the mock transport, one frame per line.
type pipeHarness struct {
	t      *testing.T
	server *Server
	in     io.WriteCloser
	frames chan []byte

	buffered []*protocol.Message
}

func newPipeHarness(t *testing.T, opts ...Option) *pipeHarness {
	reader1, writer1 := io.Pipe()
	reader2, writer2 := io.Pipe()

	server, err := NewServer(transport.NewMockServerTransport(reader1, writer2),
		append([]Option{WithLogger(pkg.NopLogger)}, opts...)...)
	require.NoError(t, err)

	h := &pipeHarness{t: t, server: server, in: writer1, frames: make(chan []byte, 64)}
	go func() {
		defer close(h.frames)

		s := bufio.NewScanner(reader2)
		for s.Scan() {
			h.frames <- append([]byte(nil), s.Bytes()...)
		}
	}()

	go func() {
		if err := server.Run(); err != nil {
			t.Errorf("server start: %+v", err)
		}
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			t.Errorf("server shutdown: %+v", err)
		}
		_ = reader2.Close()
	})
	return h
}

func (h *pipeHarness) send(msgs ...*protocol.Message) {
	h.t.Helper()
	frame, err := protocol.Encode(msgs)
	require.NoError(h.t, err)
	_, err = h.in.Write(append(frame, '\n'))
	require.NoError(h.t, err)
}

func (h *pipeHarness) next() *protocol.Message {
	h.t.Helper()
	for len(h.buffered) == 0 {
		select {
		case frame, ok := <-h.frames:
			require.True(h.t, ok, "server closed the stream")
			msgs, err := protocol.Decode(frame)
			require.NoError(h.t, err)
			h.buffered = msgs
		case <-time.After(2 * time.Second):
			h.t.Fatal("timed out waiting for a message")
		}
	}
	msg := h.buffered[0]
	h.buffered = h.buffered[1:]
	return msg
}

func (h *pipeHarness) expectNothing(d time.Duration) {
	h.t.Helper()
	require.Empty(h.t, h.buffered)
	select {
	case frame, ok := <-h.frames:
		if ok {
			h.t.Fatalf("unexpected frame: %s", frame)
		}
	case <-time.After(d):
	}
}

func (h *pipeHarness) expectClosed() {
	h.t.Helper()
	select {
	case frame, ok := <-h.frames:
		require.False(h.t, ok, "unexpected frame: %s", frame)
	case <-time.After(2 * time.Second):
		h.t.Fatal("stream not closed")
	}
}

func (h *pipeHarness) handshake() string {
	h.t.Helper()
	req := protocol.NewHandshakeRequest(protocol.ConnectionTypeWebSocket)
	req.ID = "1"
	h.send(req)

	reply := h.next()
	require.Equal(h.t, protocol.MetaHandshake, reply.Channel)
	require.True(h.t, reply.IsSuccessful(), reply.Error)
	require.NotEmpty(h.t, reply.ClientID)
	return reply.ClientID
}

func TestServerHandle(t *testing.T) {
	h := newPipeHarness(t, WithConnectHold(200*time.Millisecond))
	clientID := h.handshake()

	_, ok := h.server.Sessions().Get(clientID)
	require.True(t, ok)

	tests := []struct {
		name     string
		request  *protocol.Message
		expected []*protocol.Message
	}{
		{
			name:    "test_subscribe",
			request: &protocol.Message{Channel: protocol.MetaSubscribe, ClientID: clientID, ID: "2", Subscription: "/chat/demo"},
			expected: []*protocol.Message{
				{Channel: protocol.MetaSubscribe, ID: "2", Subscription: "/chat/demo", Successful: boolPtr(true)},
			},
		},
		{
			name:    "test_publish_to_self",
			request: &protocol.Message{Channel: "/chat/demo", ClientID: clientID, ID: "3", Data: json.RawMessage(`{"text":"hi"}`)},
			expected: []*protocol.Message{
				{Channel: "/chat/demo", ID: "3", Data: json.RawMessage(`{"text":"hi"}`)},
				{Channel: "/chat/demo", ID: "3", Successful: boolPtr(true)},
			},
		},
		{
			name:    "test_subscribe_wildcard",
			request: &protocol.Message{Channel: protocol.MetaSubscribe, ClientID: clientID, ID: "4", Subscription: "/chat/*"},
			expected: []*protocol.Message{
				{Channel: protocol.MetaSubscribe, ID: "4", Subscription: "/chat/*", Successful: boolPtr(false),
					Error: protocol.ErrorString(protocol.ErrorCodeBadRequest, "wildcard subscriptions are not supported")},
			},
		},
		{
			name:    "test_unknown_meta",
			request: &protocol.Message{Channel: "/meta/bogus", ClientID: clientID, ID: "5"},
			expected: []*protocol.Message{
				{Channel: "/meta/bogus", ID: "5", Successful: boolPtr(false),
					Error: protocol.ErrorString(protocol.ErrorCodeBadRequest, "unknown meta channel")},
			},
		},
		{
			name:    "test_unsubscribe",
			request: &protocol.Message{Channel: protocol.MetaUnsubscribe, ClientID: clientID, ID: "6", Subscription: "/chat/demo"},
			expected: []*protocol.Message{
				{Channel: protocol.MetaUnsubscribe, ID: "6", Subscription: "/chat/demo", Successful: boolPtr(true)},
			},
		},
		{
			name:    "test_publish_without_subscribers",
			request: &protocol.Message{Channel: "/chat/demo", ClientID: clientID, ID: "7", Data: json.RawMessage(`1`)},
			expected: []*protocol.Message{
				{Channel: "/chat/demo", ID: "7", Successful: boolPtr(true)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.send(tt.request)
			for _, want := range tt.expected {
				got := h.next()
				got.ClientID = ""
				assert.Equal(t, want, got)
			}
		})
	}

	// The first connect after handshake asks for an immediate answer.
	h.send(&protocol.Message{Channel: protocol.MetaConnect, ClientID: clientID, ID: "8",
		ConnectionType: protocol.ConnectionTypeWebSocket, Advice: &protocol.Advice{Timeout: protocol.Millis(0)}})
	reply := h.next()
	assert.Equal(t, protocol.MetaConnect, reply.Channel)
	assert.True(t, reply.IsSuccessful())
	require.NotNil(t, reply.Advice)
	assert.Equal(t, int64(200), *reply.Advice.Timeout)

	// Later connects are held.
	h.send(&protocol.Message{Channel: protocol.MetaConnect, ClientID: clientID, ID: "9", ConnectionType: protocol.ConnectionTypeWebSocket})
	h.expectNothing(50 * time.Millisecond)
	reply = h.next()
	assert.Equal(t, "9", reply.ID)
	assert.True(t, reply.IsSuccessful())

	h.send(&protocol.Message{Channel: protocol.MetaDisconnect, ClientID: clientID, ID: "10"})
	reply = h.next()
	assert.Equal(t, protocol.MetaDisconnect, reply.Channel)
	assert.True(t, reply.IsSuccessful())
	h.expectClosed()

	require.Eventually(t, func() bool { return h.server.Sessions().IsEmpty() }, time.Second, time.Millisecond)
}

func TestServerUnknownClient(t *testing.T) {
	h := newPipeHarness(t)

	h.send(&protocol.Message{Channel: "/chat/demo", ClientID: "stale", ID: "1"})
	reply := h.next()
	assert.False(t, reply.IsSuccessful())
	assert.Equal(t, protocol.ErrorString(protocol.ErrorCodeUnknownClient, "unknown client"), reply.Error)
	require.NotNil(t, reply.Advice)
	assert.Equal(t, protocol.ReconnectHandshake, reply.Advice.Reconnect)

	clientID := h.handshake()
	h.send(&protocol.Message{Channel: protocol.MetaSubscribe, ClientID: "someone-else", ID: "2", Subscription: "/a"})
	reply = h.next()
	assert.Equal(t, protocol.ErrorString(protocol.ErrorCodeUnknownClient, "unknown client"), reply.Error)
	assert.Empty(t, h.server.Subscribers("/a"))
	assert.NotEmpty(t, clientID)
}

func TestServerConnectTimeout(t *testing.T) {
	h := newPipeHarness(t, WithConnectTimeout(50*time.Millisecond), WithConnectHold(5*time.Second))
	clientID := h.handshake()

	h.send(&protocol.Message{Channel: protocol.MetaConnect, ClientID: clientID, ID: "2", ConnectionType: protocol.ConnectionTypeWebSocket})
	reply := h.next()
	assert.Equal(t, "2", reply.ID)
	assert.False(t, reply.IsSuccessful())
	assert.Equal(t, protocol.ErrorString(protocol.ErrorCodeConnectTimeout, "connect timeout"), reply.Error)
	require.NotNil(t, reply.Advice)
	assert.Equal(t, protocol.ReconnectRetry, reply.Advice.Reconnect)
}

func TestServerPublishAPI(t *testing.T) {
	h := newPipeHarness(t, WithConnectHold(5*time.Second))
	clientID := h.handshake()

	h.send(&protocol.Message{Channel: protocol.MetaSubscribe, ClientID: clientID, ID: "2", Subscription: "/news"})
	require.True(t, h.next().IsSuccessful())
	assert.Equal(t, []string{clientID}, h.server.Subscribers("/news"))

	// A held connect does not hold back deliveries on a persistent link.
	h.send(&protocol.Message{Channel: protocol.MetaConnect, ClientID: clientID, ID: "3", ConnectionType: protocol.ConnectionTypeWebSocket})
	h.expectNothing(20 * time.Millisecond)

	n, err := h.server.Publish(context.Background(), "/news", map[string]string{"headline": "hello"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msg := h.next()
	assert.Equal(t, "/news", msg.Channel)
	assert.JSONEq(t, `{"headline":"hello"}`, string(msg.Data))

	_, err = h.server.Publish(context.Background(), protocol.MetaConnect, nil)
	assert.ErrorIs(t, err, pkg.ErrChannelNotAllowed)
}

func TestServerService(t *testing.T) {
	h := newPipeHarness(t)
	require.NoError(t, h.server.RegisterService("/service/echo/{room}", func(ctx context.Context, req *ServiceRequest) (json.RawMessage, error) {
		sess, err := GetSessionFromCtx(ctx)
		if err != nil {
			return nil, err
		}
		if sess != req.Session {
			return nil, errors.New("session mismatch")
		}
		return json.Marshal(map[string]string{"room": req.Params["room"], "echo": string(req.Message.Data)})
	}))
	require.NoError(t, h.server.RegisterService("/service/fail", func(context.Context, *ServiceRequest) (json.RawMessage, error) {
		return nil, errors.New("nope")
	}))
	assert.Error(t, h.server.RegisterService("/chat/not-a-service", nil))

	clientID := h.handshake()

	h.send(&protocol.Message{Channel: "/service/echo/lobby", ClientID: clientID, ID: "2", Data: json.RawMessage(`"ping"`)})
	result := h.next()
	assert.Equal(t, "/service/echo/lobby", result.Channel)
	assert.JSONEq(t, `{"room":"lobby","echo":"\"ping\""}`, string(result.Data))
	ack := h.next()
	assert.True(t, ack.IsSuccessful())

	h.send(&protocol.Message{Channel: "/service/fail", ClientID: clientID, ID: "3"})
	reply := h.next()
	assert.False(t, reply.IsSuccessful())
	assert.Equal(t, protocol.ErrorString(protocol.ErrorCodeServerError, "nope"), reply.Error)

	h.server.UnregisterService("/service/fail")
	h.send(&protocol.Message{Channel: "/service/fail", ClientID: clientID, ID: "4"})
	assert.True(t, h.next().IsSuccessful())
}

func TestServerExtensions(t *testing.T) {
	h := newPipeHarness(t, WithExtension(Extension{
		Name: "deny-secret",
		Incoming: func(_ *session.Session, msg *protocol.Message) error {
			if msg.Channel == "/secret" {
				return errors.New("denied")
			}
			return nil
		},
	}))
	h.server.AddExtension(Extension{
		Name: "stamp",
		Outgoing: func(_ *session.Session, msg *protocol.Message) bool {
			if msg.Channel == "/quiet" && msg.Successful == nil {
				return false
			}
			if msg.Ext == nil {
				msg.Ext = map[string]any{}
			}
			msg.Ext["stamped"] = true
			return true
		},
	})
	clientID := h.handshake()

	h.send(&protocol.Message{Channel: "/secret", ClientID: clientID, ID: "2"})
	reply := h.next()
	assert.Equal(t, protocol.ErrorString(protocol.ErrorCodeForbidden, "denied"), reply.Error)
	assert.Equal(t, true, reply.Ext["stamped"])

	h.send(&protocol.Message{Channel: protocol.MetaSubscribe, ClientID: clientID, ID: "3", Subscription: "/quiet"})
	require.True(t, h.next().IsSuccessful())

	// The delivery is dropped, the ack is not.
	h.send(&protocol.Message{Channel: "/quiet", ClientID: clientID, ID: "4", Data: json.RawMessage(`1`)})
	ack := h.next()
	assert.Equal(t, "4", ack.ID)
	assert.True(t, ack.IsSuccessful())
}

func TestServerMalformedFrameClosesSession(t *testing.T) {
	h := newPipeHarness(t)
	h.handshake()

	_, err := h.in.Write([]byte("{not json\n"))
	require.NoError(t, err)
	h.expectClosed()
	require.Eventually(t, func() bool { return h.server.Sessions().IsEmpty() }, time.Second, time.Millisecond)
}

func boolPtr(b bool) *bool {
	return &b
}
