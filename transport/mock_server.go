package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
)

const frameDelimiter = '\n'

// mockServerTransport serves a single persistent link over a pair of streams,
// one frame per line.
type mockServerTransport struct {
	in  io.ReadCloser
	out io.Writer

	sessionManager SessionManager

	logger pkg.Logger

	cancel          context.CancelFunc
	receiveShutDone chan struct{}
}

func NewMockServerTransport(in io.ReadCloser, out io.Writer) ServerTransport {
	return &mockServerTransport{
		in:     in,
		out:    out,
		logger: pkg.DefaultLogger,

		receiveShutDone: make(chan struct{}),
	}
}

func (t *mockServerTransport) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	link := &streamLink{out: t.out, in: t.in}
	handler := t.sessionManager.Open(link)
	handler.OnOutboundReady(link)

	t.receive(ctx, link, handler)

	close(t.receiveShutDone)
	return nil
}

func (t *mockServerTransport) SetSessionManager(m SessionManager) {
	t.sessionManager = m
}

func (t *mockServerTransport) Shutdown(userCtx context.Context, serverCtx context.Context) error {
	t.cancel()

	if err := t.in.Close(); err != nil {
		return err
	}

	<-t.receiveShutDone

	if t.sessionManager != nil {
		t.sessionManager.CloseAllSessions()
	}

	select {
	case <-serverCtx.Done():
		return nil
	case <-userCtx.Done():
		return userCtx.Err()
	}
}

func (t *mockServerTransport) receive(ctx context.Context, link *streamLink, handler Handler) {
	s := bufio.NewScanner(t.in)
	s.Buffer(make([]byte, 0, 64*1024), defaultMaxFrameSize)

	for s.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
			if err := handler.OnInboundFrame(ctx, link, s.Bytes()); err != nil {
				t.logger.Errorf("inbound frame failed: %v", err)
				return
			}
		}
	}

	if err := s.Err(); err != nil {
		if !errors.Is(err, io.ErrClosedPipe) { // This error occurs during unit tests, suppressing it here
			t.logger.Errorf("mock server unexpected error reading input: %v", err)
			handler.OnTransportError(link, fmt.Errorf("%w: %v", pkg.ErrTransportClosed, err))
		}
		return
	}
	handler.OnTransportClosed(link, CloseNormal, "eof")
}

// streamLink writes frames to a stream, one per line.
type streamLink struct {
	mu     sync.Mutex
	out    io.Writer
	in     io.Closer
	closed bool
}

func (l *streamLink) Kind() Kind {
	return KindMock
}

func (l *streamLink) RemoteAddr() string {
	return "stream"
}

func (l *streamLink) Submit(frame *Frame, done func(error)) {
	data, err := frame.Bytes()
	if err != nil {
		done(err)
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		done(fmt.Errorf("%w: stream", pkg.ErrTransportClosed))
		return
	}
	_, err = l.out.Write(append(data, frameDelimiter))
	l.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("%w: failed to write: %v", pkg.ErrTransportClosed, err)
	}
	done(err)
}

func (l *streamLink) Close(_ int, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if c, ok := l.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
