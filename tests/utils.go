package tests

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThinkInAIXYZ/go-cometd/client"
	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/protocol"
	"github.com/ThinkInAIXYZ/go-cometd/server"
	"github.com/ThinkInAIXYZ/go-cometd/transport"
)

func getAvailablePort() (int, error) {
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to get available port: %v", err)
	}
	defer func() {
		if err = addr.Close(); err != nil {
			fmt.Println(err)
		}
	}()

	return addr.Addr().(*net.TCPAddr).Port, nil
}

// runServer starts a server on a free port and returns it with its endpoint address.
func runServer(t *testing.T, opts ...server.Option) (*server.Server, string) {
	port, err := getAvailablePort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	serverTransport, err := transport.NewCometDServerTransport(addr,
		transport.WithCometDServerTransportOptionLogger(pkg.NopLogger))
	require.NoError(t, err)

	srv, err := server.NewServer(serverTransport, append([]server.Option{server.WithLogger(pkg.NopLogger)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, srv.RegisterService("/service/echo/{room}", echoService))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 3*time.Second, 10*time.Millisecond, "server did not start listening")
	// Use select to handle potential errors
	select {
	case err := <-errCh:
		t.Fatalf("server.Run() failed: %v", err)
	default:
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("server shutdown: %v", err)
		}
	})
	return srv, addr
}

func echoService(_ context.Context, req *server.ServiceRequest) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"room": req.Params["room"], "echo": req.Message.Data})
}

// collector gathers messages delivered to a listener.
type collector struct {
	mu   sync.Mutex
	msgs []*protocol.Message
	ch   chan *protocol.Message
}

func newCollector() *collector {
	return &collector{ch: make(chan *protocol.Message, 256)}
}

func (c *collector) listen(msg *protocol.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.ch <- msg
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) next(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case msg := <-c.ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

// test runs one client through a full session: subscribe, publish, service call, server push and disconnect.
func test(t *testing.T, srv *server.Server, clientTransport transport.ClientTransport, opts ...client.Option) {
	cometdClient, err := client.NewClient(clientTransport, append([]client.Option{client.WithLogger(pkg.NopLogger)}, opts...)...)
	require.NoError(t, err, "Failed to create cometd client")

	chat := newCollector()
	require.NoError(t, cometdClient.Subscribe(context.Background(), "/chat/room", chat.listen))

	require.NoError(t, cometdClient.Publish(context.Background(), "/chat/room", map[string]string{"text": "hello"}))
	msg := chat.next(t)
	assert.JSONEq(t, `{"text":"hello"}`, string(msg.Data))

	results := newCollector()
	cometdClient.AddListener("/service/echo/lobby", results.listen)
	require.NoError(t, cometdClient.Publish(context.Background(), "/service/echo/lobby", "ping"))
	msg = results.next(t)
	assert.JSONEq(t, `{"room":"lobby","echo":"ping"}`, string(msg.Data))

	// Server side pushes reach the client through its held connect.
	require.Eventually(t, func() bool {
		n, err := srv.Publish(context.Background(), "/chat/room", "from server")
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)
	msg = chat.next(t)
	assert.JSONEq(t, `"from server"`, string(msg.Data))

	require.NoError(t, cometdClient.Disconnect(context.Background()))
	require.Eventually(t, func() bool { return srv.Sessions().IsEmpty() }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, srv.Subscribers("/chat/room"))
}
