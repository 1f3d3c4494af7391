package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/yosida95/uritemplate/v3"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/protocol"
)

// messageTypeTemplate appends the meta message type, e.g. /cometd/connect.
var messageTypeTemplate = uritemplate.MustNew("{+base}{/type}")

type LongPollClientTransportOption func(*longPollClientTransport)

func WithLongPollClientOptionLogger(log pkg.Logger) LongPollClientTransportOption {
	return func(t *longPollClientTransport) {
		t.logger = log
	}
}

func WithLongPollClientOptionHTTPClient(client *http.Client) LongPollClientTransportOption {
	return func(t *longPollClientTransport) {
		t.client = client
	}
}

// WithLongPollClientOptionAppendMessageType suffixes the url with the meta type of single-message frames.
func WithLongPollClientOptionAppendMessageType(enabled bool) LongPollClientTransportOption {
	return func(t *longPollClientTransport) {
		t.appendMessageType = enabled
	}
}

type longPollClientTransport struct {
	url    string
	client *http.Client

	appendMessageType bool

	receiver ClientReceiver

	logger pkg.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewLongPollClientTransport(url string, opts ...LongPollClientTransportOption) (ClientTransport, error) {
	t := &longPollClientTransport{
		url:    url,
		client: http.DefaultClient,
		logger: pkg.DefaultLogger,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

func (t *longPollClientTransport) Type() string {
	return protocol.ConnectionTypeLongPolling
}

func (t *longPollClientTransport) Start(_ context.Context) error {
	return nil
}

func (t *longPollClientTransport) Send(ctx context.Context, frame []byte) error {
	// Closing the transport aborts outstanding polls.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.target(frame), bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrTransportSend, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", pkg.ErrTransportSend, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status code: %d, body: %s", pkg.ErrTransportSend, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err = t.receiver.Receive(ctx, body); err != nil {
		t.logger.Errorf("receiver failed: %v", err)
	}
	return nil
}

func (t *longPollClientTransport) target(frame []byte) string {
	if !t.appendMessageType {
		return t.url
	}
	channels := protocol.PeekChannels(frame)
	if len(channels) != 1 || !protocol.IsMeta(channels[0]) {
		return t.url
	}

	values := uritemplate.Values{}
	values.Set("base", uritemplate.String(strings.TrimSuffix(t.url, "/")))
	values.Set("type", uritemplate.String(strings.TrimPrefix(channels[0], "/meta/")))
	target, err := messageTypeTemplate.Expand(values)
	if err != nil {
		t.logger.Warnf("expand message type url: %v", err)
		return t.url
	}
	return target
}

func (t *longPollClientTransport) SetReceiver(receiver ClientReceiver) {
	t.receiver = receiver
}

func (t *longPollClientTransport) Close() error {
	t.cancel()
	return nil
}
