package server

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

type Option func(*Server)

func WithLogger(logger pkg.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithConnectTimeout bounds how long a held connect may go without a delivery before it is answered with 408.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.connectTimeout = timeout
	}
}

func WithSendPacing(pacing time.Duration) Option {
	return func(s *Server) {
		s.sendPacing = pacing
	}
}

func WithMaxCloseReasonLength(n int) Option {
	return func(s *Server) {
		s.maxCloseReasonLength = n
	}
}

// WithConnectHold sets how long a connect is held when there is nothing to deliver.
func WithConnectHold(hold time.Duration) Option {
	return func(s *Server) {
		s.connectHold = hold
	}
}

func WithSessionMaxIdleTime(maxIdleTime time.Duration) Option {
	return func(s *Server) {
		s.sessionMaxIdle = maxIdleTime
	}
}

func WithScheduler(sched session.Scheduler) Option {
	return func(s *Server) {
		s.scheduler = sched
	}
}

func WithExtension(ext Extension) Option {
	return func(s *Server) {
		s.extensions = append(s.extensions, ext)
	}
}

type Server struct {
	transport transport.ServerTransport

	sessionManager *session.Manager

	// channel -> client id -> session
	channels cmap.ConcurrentMap[string, cmap.ConcurrentMap[string, *session.Session]]
	services cmap.ConcurrentMap[string, *serviceEntry]

	extMu      sync.RWMutex
	extensions []Extension

	inShutdown   atomic.Bool
	inFlyRequest sync.WaitGroup

	connectTimeout       time.Duration
	sendPacing           time.Duration
	maxCloseReasonLength int
	connectHold          time.Duration
	sessionMaxIdle       time.Duration
	scheduler            session.Scheduler

	logger pkg.Logger
}

func NewServer(t transport.ServerTransport, opts ...Option) (*Server, error) {
	server := &Server{
		transport:            t,
		channels:             cmap.New[cmap.ConcurrentMap[string, *session.Session]](),
		services:             cmap.New[*serviceEntry](),
		connectTimeout:       30 * time.Second,
		maxCloseReasonLength: session.DefaultMaxCloseReasonLength,
		connectHold:          20 * time.Second,
		sessionMaxIdle:       time.Minute,
		scheduler:            session.SystemScheduler(),
		logger:               pkg.DefaultLogger,
	}

	for _, opt := range opts {
		opt(server)
	}
	if server.connectHold < 0 {
		return nil, fmt.Errorf("connect hold must not be negative: %s", server.connectHold)
	}

	server.sessionManager = session.NewManager(server,
		session.WithManagerLogger(server.logger),
		session.WithManagerSessionOptions(
			session.WithConnectTimeout(server.connectTimeout),
			session.WithSendPacing(server.sendPacing),
			session.WithMaxCloseReasonLength(server.maxCloseReasonLength),
			session.WithScheduler(server.scheduler),
			session.WithLogger(server.logger),
		),
	)
	server.sessionManager.SetMaxIdleTime(server.sessionMaxIdle)

	t.SetSessionManager(server.sessionManager)

	return server, nil
}

func (server *Server) Run() error {
	go func() {
		defer pkg.Recover()

		server.sessionManager.StartHeartbeatAndCleanInvalidSessions()
	}()

	if err := server.transport.Run(); err != nil {
		return fmt.Errorf("init cometd server transport run fail: %w", err)
	}
	return nil
}

// Sessions exposes the registry of handshaken sessions.
func (server *Server) Sessions() *session.Manager {
	return server.sessionManager
}

func (server *Server) AddExtension(ext Extension) {
	server.extMu.Lock()
	defer server.extMu.Unlock()
	server.extensions = append(server.extensions, ext)
}

// advice is attached to handshake and connect replies.
func (server *Server) advice() *protocol.Advice {
	return &protocol.Advice{
		Reconnect: protocol.ReconnectRetry,
		Interval:  protocol.Millis(0),
		Timeout:   protocol.Millis(server.connectHold.Milliseconds()),
	}
}

func (server *Server) Shutdown(userCtx context.Context) error {
	server.inShutdown.Store(true)

	serverCtx, cancel := context.WithCancel(userCtx)
	defer cancel()

	go func() {
		defer pkg.Recover()

		server.inFlyRequest.Wait()
		cancel()
	}()

	server.sessionManager.StopHeartbeat()

	return server.transport.Shutdown(userCtx, serverCtx)
}
