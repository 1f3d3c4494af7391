package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/protocol"
)

type WebSocketClientTransportOption func(*webSocketClientTransport)

func WithWebSocketClientOptionLogger(log pkg.Logger) WebSocketClientTransportOption {
	return func(t *webSocketClientTransport) {
		t.logger = log
	}
}

func WithWebSocketClientOptionHTTPClient(client *http.Client) WebSocketClientTransportOption {
	return func(t *webSocketClientTransport) {
		t.httpClient = client
	}
}

func WithWebSocketClientOptionHeader(header http.Header) WebSocketClientTransportOption {
	return func(t *webSocketClientTransport) {
		t.header = header
	}
}

type webSocketClientTransport struct {
	url        string
	httpClient *http.Client
	header     http.Header

	conn     *websocket.Conn
	receiver ClientReceiver

	logger pkg.Logger

	writeMu         sync.Mutex
	cancel          context.CancelFunc
	receiveShutDone chan struct{}
}

// NewWebSocketClientTransport dials ws:// or wss:// urls on Start.
func NewWebSocketClientTransport(url string, opts ...WebSocketClientTransportOption) (ClientTransport, error) {
	t := &webSocketClientTransport{
		url:             url,
		logger:          pkg.DefaultLogger,
		receiveShutDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *webSocketClientTransport) Type() string {
	return protocol.ConnectionTypeWebSocket
}

func (t *webSocketClientTransport) Start(ctx context.Context) error {
	conn, resp, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: t.header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", t.url, err)
	}
	conn.SetReadLimit(defaultMaxFrameSize)
	t.conn = conn

	receiveCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	go func() {
		defer pkg.Recover()
		defer close(t.receiveShutDone)

		t.receive(receiveCtx)
	}()
	return nil
}

func (t *webSocketClientTransport) receive(ctx context.Context) {
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status != -1:
				var closeErr websocket.CloseError
				if errors.As(err, &closeErr) {
					t.logger.Infof("websocket closed by server: %d %s", closeErr.Code, closeErr.Reason)
				}
			case errors.Is(err, context.Canceled):
			default:
				t.logger.Errorf("websocket read: %v", err)
			}
			return
		}

		if err = t.receiver.Receive(ctx, data); err != nil {
			t.logger.Errorf("receiver failed: %v", err)
		}
	}
}

func (t *webSocketClientTransport) Send(ctx context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.conn == nil {
		return fmt.Errorf("%w: not started", pkg.ErrTransportClosed)
	}
	if err := t.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrTransportSend, err)
	}
	return nil
}

func (t *webSocketClientTransport) SetReceiver(receiver ClientReceiver) {
	t.receiver = receiver
}

func (t *webSocketClientTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	t.cancel()
	<-t.receiveShutDone

	if err != nil && websocket.CloseStatus(err) == -1 &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close websocket: %w", err)
	}
	return nil
}
