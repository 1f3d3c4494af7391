package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/protocol"
)

const defaultMaxFrameSize = 1 << 20

type CometDServerTransportOption func(*cometdServerTransport)

func WithCometDServerTransportOptionLogger(logger pkg.Logger) CometDServerTransportOption {
	return func(t *cometdServerTransport) {
		t.logger = logger
	}
}

func WithCometDServerTransportOptionEndpoint(endpoint string) CometDServerTransportOption {
	return func(t *cometdServerTransport) {
		t.endpoint = endpoint
	}
}

func WithCometDServerTransportOptionWriteTimeout(timeout time.Duration) CometDServerTransportOption {
	return func(t *cometdServerTransport) {
		t.writeTimeout = timeout
	}
}

func WithCometDServerTransportOptionMaxFrameSize(size int64) CometDServerTransportOption {
	return func(t *cometdServerTransport) {
		t.maxFrameSize = size
	}
}

// WithCometDServerTransportOptionCheckOrigin replaces the upgrader's origin check.
func WithCometDServerTransportOptionCheckOrigin(check func(r *http.Request) bool) CometDServerTransportOption {
	return func(t *cometdServerTransport) {
		t.upgrader.CheckOrigin = check
	}
}

// cometdServerTransport serves one endpoint that upgrades to WebSocket when asked
// and otherwise treats POSTs as long-poll cycles.
type cometdServerTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	httpSvr  *http.Server
	upgrader websocket.Upgrader

	inFly sync.WaitGroup

	sessionManager SessionManager

	logger       pkg.Logger
	endpoint     string
	writeTimeout time.Duration
	maxFrameSize int64
}

type CometDHandler struct {
	transport *cometdServerTransport
}

// HandleCometD handles both WebSocket upgrades and long-poll requests.
func (h *CometDHandler) HandleCometD() http.Handler {
	return http.HandlerFunc(h.transport.handleEndpoint)
}

// NewCometDServerTransportAndHandler returns a transport without starting an
// HTTP server, plus a handler to mount on an existing one:
//
//	t, handler, _ := NewCometDServerTransportAndHandler()
//	http.Handle("/cometd", handler.HandleCometD())
func NewCometDServerTransportAndHandler(opts ...CometDServerTransportOption) (ServerTransport, *CometDHandler, error) {
	t := newCometDServerTransport(opts...)
	return t, &CometDHandler{transport: t}, nil
}

func NewCometDServerTransport(addr string, opts ...CometDServerTransportOption) (ServerTransport, error) {
	t := newCometDServerTransport(opts...)

	mux := http.NewServeMux()
	mux.HandleFunc(t.endpoint, t.handleEndpoint)
	if !strings.HasSuffix(t.endpoint, "/") {
		// Clients may suffix the endpoint with the message type.
		mux.HandleFunc(t.endpoint+"/", t.handleEndpoint)
	}

	t.httpSvr = &http.Server{
		Addr:        addr,
		Handler:     mux,
		IdleTimeout: time.Minute,
	}
	return t, nil
}

func newCometDServerTransport(opts ...CometDServerTransportOption) *cometdServerTransport {
	ctx, cancel := context.WithCancel(context.Background())

	t := &cometdServerTransport{
		ctx:    ctx,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:       pkg.DefaultLogger,
		endpoint:     "/cometd",
		writeTimeout: 10 * time.Second,
		maxFrameSize: defaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *cometdServerTransport) Run() error {
	if t.httpSvr == nil {
		<-t.ctx.Done()
		return nil
	}

	if err := t.httpSvr.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

func (t *cometdServerTransport) SetSessionManager(manager SessionManager) {
	t.sessionManager = manager
}

func (t *cometdServerTransport) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	defer pkg.RecoverWithFunc(func(_ any) {
		t.writeError(w, http.StatusInternalServerError, "Internal server error")
	})

	select {
	case <-t.ctx.Done():
		t.writeError(w, http.StatusServiceUnavailable, "Server shutting down")
		return
	default:
	}

	t.inFly.Add(1)
	defer t.inFly.Done()

	if websocket.IsWebSocketUpgrade(r) {
		t.handleWebSocket(w, r)
		return
	}

	switch r.Method {
	case http.MethodPost:
		t.handleLongPoll(w, r)
	default:
		t.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (t *cometdServerTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		t.logger.Warnf("websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(t.maxFrameSize)

	link := newWebSocketLink(conn, t.writeTimeout, t.logger)
	handler := t.sessionManager.Open(link)

	t.logger.Debugf("websocket link opened from %s", link.RemoteAddr())
	link.serve(t.ctx, handler)
	t.logger.Debugf("websocket link from %s finished", link.RemoteAddr())
}

func (t *cometdServerTransport) handleLongPoll(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, t.maxFrameSize))
	if err != nil {
		t.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return
	}

	link := newLongPollLink(w, r, t.logger)

	var handler Handler
	if clientID := protocol.PeekClientID(body); clientID == "" {
		handler = t.sessionManager.Open(link)
	} else {
		h, ok := t.sessionManager.Lookup(clientID)
		if !ok {
			t.logger.Debugf("long-poll from %s: %v: %s", r.RemoteAddr, pkg.ErrUnknownSession, clientID)
			t.writeUnknownClient(w, body)
			return
		}
		handler = h
		if protocol.HasChannel(body, protocol.MetaConnect) {
			handler.OnOutboundReady(link)
		}
	}
	link.setHandler(handler)

	// Leaving mid-poll must not abandon the frame halfway through processing.
	ctx := pkg.NewCancelShieldContext(r.Context())
	if err = handler.OnInboundFrame(ctx, link, body); err != nil {
		t.logger.Debugf("long-poll frame from %s: %v", r.RemoteAddr, err)
		if !link.Finished() {
			if errors.Is(err, pkg.ErrSessionClosed) || errors.Is(err, pkg.ErrGateClosed) {
				t.writeUnknownClient(w, body)
				return
			}
			t.writeError(w, http.StatusBadRequest, fmt.Sprintf("Failed to receive: %v", err))
		}
		return
	}

	link.wait(r.Context())
}

// writeUnknownClient answers every message of the frame with 402 and handshake advice.
func (t *cometdServerTransport) writeUnknownClient(w http.ResponseWriter, body []byte) {
	msgs, err := protocol.Decode(body)
	if err != nil {
		t.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return
	}

	replies := make([]*protocol.Message, 0, len(msgs))
	for _, msg := range msgs {
		reply := protocol.NewErrorReply(msg, protocol.ErrorCodeUnknownClient, "unknown client")
		reply.Advice = &protocol.Advice{Reconnect: protocol.ReconnectHandshake, Interval: protocol.Millis(0)}
		replies = append(replies, reply)
	}
	payload, err := protocol.Encode(replies)
	if err != nil {
		t.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	if _, err = w.Write(payload); err != nil {
		t.logger.Errorf("cometdServerTransport write unknown client: %v", err)
	}
}

func (t *cometdServerTransport) writeError(w http.ResponseWriter, code int, message string) {
	t.logger.Errorf("cometdServerTransport Error: code: %d, message: %s", code, message)

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	if _, err := w.Write([]byte(message)); err != nil {
		t.logger.Errorf("cometdServerTransport writeError: %v", err)
	}
}

func (t *cometdServerTransport) Shutdown(userCtx context.Context, serverCtx context.Context) error {
	shutdownFunc := func() {
		<-serverCtx.Done()

		if t.sessionManager != nil {
			t.sessionManager.CloseAllSessions()
		}

		t.cancel()

		t.inFly.Wait()
	}

	if t.httpSvr == nil {
		shutdownFunc()
		return nil
	}

	t.httpSvr.RegisterOnShutdown(shutdownFunc)

	if err := t.httpSvr.Shutdown(userCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
