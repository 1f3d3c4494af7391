package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/protocol"
)

type mockClientTransport struct {
	receiver ClientReceiver
	in       io.ReadCloser
	out      io.Writer

	logger pkg.Logger

	writeMu         sync.Mutex
	cancel          context.CancelFunc
	receiveShutDone chan struct{}
}

// NewMockClientTransport behaves like a persistent transport over a pair of streams.
func NewMockClientTransport(in io.ReadCloser, out io.Writer) ClientTransport {
	return &mockClientTransport{
		in:              in,
		out:             out,
		logger:          pkg.DefaultLogger,
		receiveShutDone: make(chan struct{}),
	}
}

func (t *mockClientTransport) Type() string {
	return protocol.ConnectionTypeWebSocket
}

func (t *mockClientTransport) Start(_ context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	go func() {
		defer pkg.Recover()

		t.receive(ctx)

		close(t.receiveShutDone)
	}()

	return nil
}

func (t *mockClientTransport) Send(_ context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.out.Write(append(frame, frameDelimiter)); err != nil {
		return fmt.Errorf("%w: failed to write: %v", pkg.ErrTransportSend, err)
	}
	return nil
}

func (t *mockClientTransport) SetReceiver(receiver ClientReceiver) {
	t.receiver = receiver
}

func (t *mockClientTransport) Close() error {
	t.cancel()

	if err := t.in.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}

	<-t.receiveShutDone

	return nil
}

func (t *mockClientTransport) receive(ctx context.Context) {
	s := bufio.NewScanner(t.in)
	s.Buffer(make([]byte, 0, 64*1024), defaultMaxFrameSize)

	for s.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
			if err := t.receiver.Receive(ctx, s.Bytes()); err != nil {
				t.logger.Errorf("receiver failed: %v", err)
				return
			}
		}
	}

	if err := s.Err(); err != nil {
		if !errors.Is(err, io.ErrClosedPipe) { // This error occurs during unit tests, suppressing it here
			t.logger.Errorf("unexpected error reading input: %v", err)
		}
		return
	}
}
