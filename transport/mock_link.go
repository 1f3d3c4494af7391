package transport

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
)

type MockLinkOption func(*MockLink)

func WithMockLinkKind(kind Kind) MockLinkOption {
	return func(l *MockLink) {
		l.kind = kind
	}
}

// WithMockLinkAutoComplete completes every submission after a random delay in [min, max].
func WithMockLinkAutoComplete(min, max time.Duration) MockLinkOption {
	return func(l *MockLink) {
		l.auto = true
		l.minLatency = min
		l.maxLatency = max
	}
}

// WithMockLinkFailure decides the result of auto-completed submissions.
func WithMockLinkFailure(fail func(frame *Frame) error) MockLinkOption {
	return func(l *MockLink) {
		l.fail = fail
	}
}

type MockClose struct {
	Code   int
	Reason string
}

type mockSubmission struct {
	frame *Frame
	done  func(error)
}

// MockLink is an in-memory Link that records traffic. Without auto completion
// submissions stay in flight until CompleteNext is called.
type MockLink struct {
	kind Kind

	auto       bool
	minLatency time.Duration
	maxLatency time.Duration
	fail       func(frame *Frame) error

	mu          sync.Mutex
	pending     []mockSubmission
	submitted   []*Frame
	inFlight    int
	maxInFlight int
	closes      []MockClose
	closed      bool
}

func NewMockLink(opts ...MockLinkOption) *MockLink {
	l := &MockLink{kind: KindMock}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MockLink) Kind() Kind {
	return l.kind
}

func (l *MockLink) RemoteAddr() string {
	return "mock"
}

func (l *MockLink) Submit(frame *Frame, done func(error)) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		done(fmt.Errorf("%w: mock link", pkg.ErrTransportClosed))
		return
	}
	l.submitted = append(l.submitted, frame)
	l.inFlight++
	if l.inFlight > l.maxInFlight {
		l.maxInFlight = l.inFlight
	}
	if !l.auto {
		l.pending = append(l.pending, mockSubmission{frame: frame, done: done})
		l.mu.Unlock()
		return
	}
	delay := l.latency()
	l.mu.Unlock()

	go func() {
		defer pkg.Recover()

		if delay > 0 {
			time.Sleep(delay)
		}
		var err error
		if l.fail != nil {
			err = l.fail(frame)
		}
		l.finish(done, err)
	}()
}

func (l *MockLink) latency() time.Duration {
	if l.maxLatency <= l.minLatency {
		return l.minLatency
	}
	return l.minLatency + time.Duration(rand.Int63n(int64(l.maxLatency-l.minLatency)))
}

func (l *MockLink) finish(done func(error), err error) {
	l.mu.Lock()
	l.inFlight--
	l.mu.Unlock()
	done(err)
}

// CompleteNext finishes the oldest pending submission. It reports false when none is pending.
func (l *MockLink) CompleteNext(err error) bool {
	l.mu.Lock()
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return false
	}
	next := l.pending[0]
	l.pending = l.pending[1:]
	l.mu.Unlock()

	l.finish(next.done, err)
	return true
}

func (l *MockLink) Close(code int, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes = append(l.closes, MockClose{Code: code, Reason: reason})
	l.closed = true
	return nil
}

func (l *MockLink) Submitted() []*Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Frame(nil), l.submitted...)
}

func (l *MockLink) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *MockLink) MaxInFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxInFlight
}

func (l *MockLink) Closes() []MockClose {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]MockClose(nil), l.closes...)
}
