package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/protocol"
)

// WebSocket close codes used by links and sessions.
const (
	CloseNormal      = 1000
	CloseGoingAway   = 1001
	CloseServerError = 1011
)

type Kind int

const (
	KindWebSocket Kind = iota
	KindLongPolling
	KindMock
)

func (k Kind) String() string {
	switch k {
	case KindWebSocket:
		return protocol.ConnectionTypeWebSocket
	case KindLongPolling:
		return protocol.ConnectionTypeLongPolling
	default:
		return "mock"
	}
}

// Persistent reports whether the link outlives a single exchange. Closing a
// persistent link ends its session; a long-poll cycle ending only detaches it.
func (k Kind) Persistent() bool {
	return k != KindLongPolling
}

type FrameKind int

const (
	FrameData FrameKind = iota
	FrameClose
)

// Frame is one outbound unit handed to a Link.
type Frame struct {
	Kind FrameKind

	// Messages is encoded lazily by the link unless Payload is already set.
	Messages []*protocol.Message
	Payload  []byte

	// Reply marks the answer to an inbound batch; it ends a long-poll cycle.
	Reply bool

	Code   int
	Reason string

	EnqueuedAt time.Time
	Callback   func(error)

	once sync.Once
}

func NewDataFrame(msgs ...*protocol.Message) *Frame {
	return &Frame{Kind: FrameData, Messages: msgs}
}

func NewReplyFrame(msgs ...*protocol.Message) *Frame {
	return &Frame{Kind: FrameData, Messages: msgs, Reply: true}
}

func NewCloseFrame(code int, reason string) *Frame {
	return &Frame{Kind: FrameClose, Code: code, Reason: reason}
}

// Complete invokes the callback once; later calls are ignored.
func (f *Frame) Complete(err error) {
	f.once.Do(func() {
		if f.Callback != nil {
			f.Callback(err)
		}
	})
}

// Bytes renders the frame as a JSON array.
func (f *Frame) Bytes() ([]byte, error) {
	if f.Payload != nil {
		return f.Payload, nil
	}
	payload, err := protocol.Encode(f.Messages)
	if err != nil {
		return nil, fmt.Errorf("%w: encode frame: %v", pkg.ErrTransportSend, err)
	}
	f.Payload = payload
	return payload, nil
}

// elements returns the frame's array members without the enclosing brackets.
func (f *Frame) elements() ([]byte, error) {
	if f.Payload == nil {
		parts := make([][]byte, 0, len(f.Messages))
		for _, msg := range f.Messages {
			b, err := json.Marshal(msg)
			if err != nil {
				return nil, fmt.Errorf("%w: encode message: %v", pkg.ErrTransportSend, err)
			}
			parts = append(parts, b)
		}
		return bytes.Join(parts, []byte{','}), nil
	}
	body := bytes.TrimSpace(f.Payload)
	if len(body) >= 2 && body[0] == '[' && body[len(body)-1] == ']' {
		return bytes.TrimSpace(body[1 : len(body)-1]), nil
	}
	return body, nil
}

// Link is one physical channel bound to one session.
type Link interface {
	Kind() Kind

	// Submit hands a frame to the wire. done is invoked exactly once with the result.
	Submit(frame *Frame, done func(error))

	Close(code int, reason string) error

	RemoteAddr() string
}

// Handler receives link events. Sessions implement it.
type Handler interface {
	OnOutboundReady(link Link)

	// OnInboundFrame returns only after the frame has been fully processed,
	// which parks the caller's read path.
	OnInboundFrame(ctx context.Context, link Link, frame []byte) error

	OnTransportClosed(link Link, code int, reason string)

	OnTransportError(link Link, err error)
}

// SessionManager is what server transports need from the session layer.
type SessionManager interface {
	// Open creates an unregistered session for a connection that has not handshaken yet.
	Open(link Link) Handler

	Lookup(clientID string) (Handler, bool)

	CloseAllSessions()
}

type ServerTransport interface {
	// Run starts listening when the transport owns its HTTP server, otherwise blocks until shutdown.
	Run() error

	SetSessionManager(manager SessionManager)

	// Shutdown stops accepting connections; sessions are closed once serverCtx is done.
	Shutdown(userCtx context.Context, serverCtx context.Context) error
}

type ClientTransport interface {
	Start(ctx context.Context) error

	// Send writes one frame. Long-poll transports block until the response arrives
	// and hand it to the receiver before returning.
	Send(ctx context.Context, frame []byte) error

	SetReceiver(receiver ClientReceiver)

	Type() string

	Close() error
}

type ClientReceiver interface {
	Receive(ctx context.Context, frame []byte) error
}

type ClientReceiverF func(ctx context.Context, frame []byte) error

func (f ClientReceiverF) Receive(ctx context.Context, frame []byte) error {
	return f(ctx, frame)
}
