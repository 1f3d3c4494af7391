package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/transport"
)

func newTestManager(opts ...Option) *Manager {
	return NewManager(nopProcessor,
		WithManagerLogger(pkg.NopLogger),
		WithManagerSessionOptions(append([]Option{WithLogger(pkg.NopLogger)}, opts...)...),
	)
}

func TestManagerRegisterAndTerminate(t *testing.T) {
	m := newTestManager()
	assert.True(t, m.IsEmpty())

	s := m.Create()
	_, ok := m.Lookup(s.ID())
	assert.False(t, ok, "unregistered sessions are not reachable")

	m.Register(s)
	got, ok := m.Get(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)
	handler, ok := m.Lookup(s.ID())
	require.True(t, ok)
	assert.Equal(t, transport.Handler(s), handler)
	assert.Equal(t, 1, m.Len())

	s.Close(transport.CloseNormal, "disconnect")
	waitDone(t, s)
	assert.True(t, m.IsEmpty())
}

func TestManagerCycleCleanSessions(t *testing.T) {
	sched := NewMockScheduler(time.Unix(0, 0))
	m := newTestManager(WithScheduler(sched))

	idle := m.Create()
	m.Register(idle)

	attached := m.Create()
	link := transport.NewMockLink(transport.WithMockLinkAutoComplete(0, 0))
	attached.OnOutboundReady(link)
	m.Register(attached)

	sched.Advance(2 * time.Minute)
	m.CycleCleanSessions(time.Minute)

	waitDone(t, idle)
	info, _ := idle.CloseInfo()
	assert.Equal(t, transport.CloseGoingAway, info.Code)
	assert.Equal(t, "session expired", info.Reason)

	_, ok := m.Get(attached.ID())
	assert.True(t, ok)
	assert.False(t, attached.Closed())

	m.CloseAllSessions()
	waitDone(t, attached)
	assert.True(t, m.IsEmpty())
	assert.Equal(t, []transport.MockClose{{Code: transport.CloseGoingAway, Reason: "server shutdown"}}, link.Closes())
}

func TestManagerRangeStopsEarly(t *testing.T) {
	m := newTestManager()
	for i := 0; i < 3; i++ {
		m.Register(m.Create())
	}

	visited := 0
	m.RangeSessions(func(string, *Session) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)

	m.CloseAllSessions()
	assert.True(t, m.IsEmpty())
}

func TestManagerHeartbeatStops(t *testing.T) {
	m := NewManager(nopProcessor, WithManagerLogger(pkg.NopLogger), WithManagerHeartbeatInterval(time.Millisecond))

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.StartHeartbeatAndCleanInvalidSessions()
	}()

	time.Sleep(5 * time.Millisecond)
	m.StopHeartbeat()
	m.StopHeartbeat()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat loop did not stop")
	}
}
