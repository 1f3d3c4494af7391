package client

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/protocol"
	"github.com/ThinkInAIXYZ/go-cometd/server"
	"github.com/ThinkInAIXYZ/go-cometd/transport"
)

func newTestPair(t *testing.T, serverOpts []server.Option, clientOpts ...Option) (*server.Server, *Client) {
	reader1, writer1 := io.Pipe()
	reader2, writer2 := io.Pipe()

	srv, err := server.NewServer(transport.NewMockServerTransport(reader1, writer2),
		append([]server.Option{server.WithLogger(pkg.NopLogger)}, serverOpts...)...)
	require.NoError(t, err)
	go func() {
		if err := srv.Run(); err != nil {
			t.Errorf("server start: %+v", err)
		}
	}()

	c, err := NewClient(transport.NewMockClientTransport(reader2, writer1),
		append([]Option{WithLogger(pkg.NopLogger), WithBackoff(10 * time.Millisecond)}, clientOpts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, c.Close())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
		_ = writer1.Close()
	})
	return srv, c
}

func receiveOne(t *testing.T, ch <-chan *protocol.Message) *protocol.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func TestClientSubscribePublish(t *testing.T) {
	srv, c := newTestPair(t, []server.Option{server.WithConnectHold(time.Second)})
	assert.NotEmpty(t, c.ClientID())

	received := make(chan *protocol.Message, 8)
	require.NoError(t, c.Subscribe(context.Background(), "/chat/demo", func(msg *protocol.Message) {
		received <- msg
	}))
	assert.Equal(t, []string{c.ClientID()}, srv.Subscribers("/chat/demo"))

	require.NoError(t, c.Publish(context.Background(), "/chat/demo", map[string]string{"text": "hello"}))
	msg := receiveOne(t, received)
	assert.Equal(t, "/chat/demo", msg.Channel)
	assert.JSONEq(t, `{"text":"hello"}`, string(msg.Data))

	n, err := srv.Publish(context.Background(), "/chat/demo", "from server")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	msg = receiveOne(t, received)
	assert.JSONEq(t, `"from server"`, string(msg.Data))

	require.NoError(t, c.Unsubscribe(context.Background(), "/chat/demo"))
	assert.Empty(t, srv.Subscribers("/chat/demo"))

	require.NoError(t, c.Publish(context.Background(), "/chat/demo", "nobody"))
	select {
	case msg := <-received:
		t.Fatalf("unexpected delivery after unsubscribe: %s", msg.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientRejectedSubscribe(t *testing.T) {
	_, c := newTestPair(t, nil)

	err := c.Subscribe(context.Background(), "/chat/*", func(*protocol.Message) {})
	var replyErr *ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, protocol.ErrorCodeBadRequest, replyErr.Code)
	assert.Equal(t, protocol.MetaSubscribe, replyErr.Channel)

	assert.ErrorIs(t, c.Subscribe(context.Background(), protocol.MetaConnect, nil), pkg.ErrChannelNotAllowed)
	assert.ErrorIs(t, c.Publish(context.Background(), protocol.MetaHandshake, nil), pkg.ErrChannelNotAllowed)
}

func TestClientService(t *testing.T) {
	srv, c := newTestPair(t, nil)
	require.NoError(t, srv.RegisterService("/service/upper/{word}", func(_ context.Context, req *server.ServiceRequest) (json.RawMessage, error) {
		return json.Marshal(req.Params["word"] + "!")
	}))

	results := make(chan *protocol.Message, 1)
	remove := c.AddListener("/service/upper/hey", func(msg *protocol.Message) {
		results <- msg
	})
	defer remove()

	require.NoError(t, c.Publish(context.Background(), "/service/upper/hey", nil))
	msg := receiveOne(t, results)
	assert.JSONEq(t, `"hey!"`, string(msg.Data))
}

func TestClientConnectTimeoutNotifiesMetaListener(t *testing.T) {
	_, c := newTestPair(t,
		[]server.Option{server.WithConnectHold(5 * time.Second)},
		WithConnectTimeout(100*time.Millisecond))

	failures := make(chan *protocol.Message, 8)
	c.AddListener(protocol.MetaConnect, func(msg *protocol.Message) {
		if !msg.IsSuccessful() {
			failures <- msg
		}
	})

	msg := receiveOne(t, failures)
	assert.Equal(t, protocol.ErrorString(protocol.ErrorCodeConnectTimeout, "connect timeout"), msg.Error)
	require.NotNil(t, msg.Advice)
	assert.Equal(t, protocol.ReconnectRetry, msg.Advice.Reconnect)
}

func TestClientListenerPanicContained(t *testing.T) {
	_, c := newTestPair(t, nil)

	got := make(chan struct{}, 1)
	require.NoError(t, c.Subscribe(context.Background(), "/boom", func(*protocol.Message) {
		panic("listener")
	}))
	c.AddListener("/boom", func(*protocol.Message) {
		got <- struct{}{}
	})

	require.NoError(t, c.Publish(context.Background(), "/boom", 1))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("second listener not called")
	}
}

func TestClientDisconnect(t *testing.T) {
	srv, c := newTestPair(t, nil)
	require.Equal(t, 1, srv.Sessions().Len())

	require.NoError(t, c.Disconnect(context.Background()))
	require.Eventually(t, func() bool { return srv.Sessions().IsEmpty() }, time.Second, time.Millisecond)

	assert.ErrorIs(t, c.Publish(context.Background(), "/chat/demo", 1), pkg.ErrClientClosed)
	assert.ErrorIs(t, c.Disconnect(context.Background()), pkg.ErrClientClosed)
}
