package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/transport"
)

type ManagerOption func(*Manager)

func WithManagerSessionOptions(opts ...Option) ManagerOption {
	return func(m *Manager) {
		m.sessionOpts = append(m.sessionOpts, opts...)
	}
}

func WithManagerLogger(logger pkg.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerHeartbeatInterval sets how often idle sessions are swept.
func WithManagerHeartbeatInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.heartbeatInterval = interval
	}
}

// Manager keeps the handshaken sessions by client id.
type Manager struct {
	sessions cmap.ConcurrentMap[string, *Session]

	processor   Processor
	sessionOpts []Option
	logger      pkg.Logger

	maxIdleTime       time.Duration
	heartbeatInterval time.Duration

	stopHeartbeat chan struct{}
	stopOnce      sync.Once
}

func NewManager(processor Processor, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:          cmap.New[*Session](),
		processor:         processor,
		logger:            pkg.DefaultLogger,
		maxIdleTime:       time.Minute,
		heartbeatInterval: 10 * time.Second,
		stopHeartbeat:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) SetMaxIdleTime(d time.Duration) {
	m.maxIdleTime = d
}

// Create builds a session that is not yet registered.
func (m *Manager) Create() *Session {
	return New(uuid.NewString(), m.processor, m.sessionOpts...)
}

// Open is called by server transports for a connection that has no client id yet.
func (m *Manager) Open(transport.Link) transport.Handler {
	return m.Create()
}

// Register makes the session reachable by id until it terminates.
func (m *Manager) Register(s *Session) {
	m.sessions.Set(s.ID(), s)
	s.OnTerminated(func(s *Session) {
		m.sessions.RemoveCb(s.ID(), func(_ string, v *Session, exists bool) bool {
			return exists && v == s
		})
	})
}

func (m *Manager) Get(id string) (*Session, bool) {
	return m.sessions.Get(id)
}

func (m *Manager) Lookup(id string) (transport.Handler, bool) {
	s, ok := m.sessions.Get(id)
	if !ok {
		return nil, false
	}
	return s, true
}

func (m *Manager) Remove(id string) {
	m.sessions.Remove(id)
}

func (m *Manager) Len() int {
	return m.sessions.Count()
}

func (m *Manager) IsEmpty() bool {
	return m.sessions.IsEmpty()
}

// RangeSessions calls f for each session until f returns false.
func (m *Manager) RangeSessions(f func(id string, s *Session) bool) {
	for item := range m.sessions.IterBuffered() {
		if !f(item.Key, item.Val) {
			return
		}
	}
}

func (m *Manager) CloseAllSessions() {
	m.RangeSessions(func(_ string, s *Session) bool {
		s.Close(transport.CloseGoingAway, "server shutdown")
		return true
	})
}

// CycleCleanSessions closes sessions that have had no link attached and no traffic for maxIdleTime.
func (m *Manager) CycleCleanSessions(maxIdleTime time.Duration) {
	var expiredCount int

	m.RangeSessions(func(id string, s *Session) bool {
		if s.Link() == nil && s.IdleFor() > maxIdleTime {
			s.Close(transport.CloseGoingAway, "session expired")
			m.sessions.Remove(id)
			expiredCount++
		}
		return true
	})
	if expiredCount > 0 {
		m.logger.Infof("cleaned %d expired sessions", expiredCount)
	}
}

// StartHeartbeatAndCleanInvalidSessions sweeps idle sessions until StopHeartbeat is called.
func (m *Manager) StartHeartbeatAndCleanInvalidSessions() {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopHeartbeat:
			return
		case <-ticker.C:
			m.CycleCleanSessions(m.maxIdleTime)
		}
	}
}

func (m *Manager) StopHeartbeat() {
	m.stopOnce.Do(func() {
		close(m.stopHeartbeat)
	})
}
