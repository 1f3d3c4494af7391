package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/protocol"
	"github.com/ThinkInAIXYZ/go-cometd/server/session"
	"github.com/ThinkInAIXYZ/go-cometd/transport"
)

const (
	defaultAdviceTimeout   = 20 * time.Second
	defaultMaxNetworkDelay = 10 * time.Second
)

type Option func(*Client)

func WithLogger(logger pkg.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.handshakeTimeout = timeout
	}
}

// WithConnectTimeout fixes how long a connect may go without any inbound
// message before the client gives up on it. By default it is the server's
// timeout advice plus the max network delay.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.connectTimeout = timeout
	}
}

func WithMaxNetworkDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.maxNetworkDelay = delay
	}
}

// WithBackoff sets the pause before retrying after a transport failure.
func WithBackoff(backoff time.Duration) Option {
	return func(c *Client) {
		c.backoff = backoff
	}
}

func WithScheduler(sched session.Scheduler) Option {
	return func(c *Client) {
		c.scheduler = sched
	}
}

type Client struct {
	transport transport.ClientTransport

	reqID2respChan cmap.ConcurrentMap[string, chan *protocol.Message]
	listeners      cmap.ConcurrentMap[string, []*listener]
	subscriptions  cmap.ConcurrentMap[string, struct{}]

	requestID  int64
	listenerID atomic.Uint64

	mu       sync.RWMutex
	clientID string
	advice   protocol.Advice

	handshakeMu sync.Mutex
	connect     atomic.Pointer[session.ConnectTimeout]

	handshakeTimeout time.Duration
	connectTimeout   time.Duration
	maxNetworkDelay  time.Duration
	backoff          time.Duration
	scheduler        session.Scheduler

	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once
	connectDone chan struct{}

	logger pkg.Logger
}

// NewClient handshakes over t and starts the connect loop.
func NewClient(t transport.ClientTransport, opts ...Option) (*Client, error) {
	client := &Client{
		transport:        t,
		reqID2respChan:   cmap.New[chan *protocol.Message](),
		listeners:        cmap.New[[]*listener](),
		subscriptions:    cmap.New[struct{}](),
		handshakeTimeout: 30 * time.Second,
		maxNetworkDelay:  defaultMaxNetworkDelay,
		backoff:          time.Second,
		scheduler:        session.SystemScheduler(),
		connectDone:      make(chan struct{}),
		logger:           pkg.DefaultLogger,
	}
	t.SetReceiver(transport.ClientReceiverF(client.receive))

	for _, opt := range opts {
		opt(client)
	}
	client.ctx, client.cancel = context.WithCancel(context.Background())

	ctx, cancel := context.WithTimeout(client.ctx, client.handshakeTimeout)
	defer cancel()

	if err := client.transport.Start(ctx); err != nil {
		client.cancel()
		return nil, fmt.Errorf("init cometd client transport start fail: %w", err)
	}

	if err := client.handshake(ctx); err != nil {
		client.cancel()
		_ = client.transport.Close()
		return nil, err
	}
	client.connect.Store(session.NewConnectTimeout(client.scheduler, client.connectTimeoutFor(client.Advice())))

	go func() {
		defer pkg.Recover()

		client.connectLoop()
	}()

	return client, nil
}

// ClientID returns the id assigned by the last successful handshake.
func (client *Client) ClientID() string {
	client.mu.RLock()
	defer client.mu.RUnlock()
	return client.clientID
}

// Advice returns the most recent advice received from the server.
func (client *Client) Advice() protocol.Advice {
	client.mu.RLock()
	defer client.mu.RUnlock()
	return client.advice
}

func (client *Client) updateAdvice(advice *protocol.Advice) protocol.Advice {
	client.mu.Lock()
	defer client.mu.Unlock()
	if advice != nil {
		if advice.Reconnect != "" {
			client.advice.Reconnect = advice.Reconnect
		}
		if advice.Interval != nil {
			client.advice.Interval = advice.Interval
		}
		if advice.Timeout != nil {
			client.advice.Timeout = advice.Timeout
		}
	}
	return client.advice
}

func (client *Client) connectTimeoutFor(advice protocol.Advice) time.Duration {
	if client.connectTimeout > 0 {
		return client.connectTimeout
	}
	timeout := defaultAdviceTimeout
	if advice.Timeout != nil {
		timeout = time.Duration(*advice.Timeout) * time.Millisecond
	}
	return timeout + client.maxNetworkDelay
}

// Close stops the connect loop and the transport without telling the server.
// Use Disconnect for an orderly leave.
func (client *Client) Close() error {
	var err error
	client.closeOnce.Do(func() {
		client.cancel()
		if ct := client.connect.Load(); ct != nil {
			ct.Stop()
		}
		<-client.connectDone

		err = client.transport.Close()
	})
	return err
}

func (client *Client) closed() bool {
	return client.ctx.Err() != nil
}
