package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
)

// maxControlReason is the room left for a close reason in a control frame (125 - 2 code bytes).
const maxControlReason = 123

type wsWrite struct {
	data []byte
	done func(error)
}

// webSocketLink owns one gorilla connection. Data frames go through a single
// writer goroutine; Close uses WriteControl, which gorilla allows concurrently.
type webSocketLink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       pkg.Logger

	writeCh chan wsWrite

	closeOnce sync.Once
	closed    chan struct{}
	stopped   chan struct{}
}

func newWebSocketLink(conn *websocket.Conn, writeTimeout time.Duration, logger pkg.Logger) *webSocketLink {
	l := &webSocketLink{
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       logger,
		writeCh:      make(chan wsWrite),
		closed:       make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

func (l *webSocketLink) Kind() Kind {
	return KindWebSocket
}

func (l *webSocketLink) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

func (l *webSocketLink) Submit(frame *Frame, done func(error)) {
	data, err := frame.Bytes()
	if err != nil {
		done(err)
		return
	}

	select {
	case l.writeCh <- wsWrite{data: data, done: done}:
	case <-l.closed:
		done(fmt.Errorf("%w: websocket %s", pkg.ErrTransportClosed, l.RemoteAddr()))
	}
}

func (l *webSocketLink) writeLoop() {
	defer pkg.Recover()
	defer close(l.stopped)

	for {
		select {
		case <-l.closed:
			return
		case w := <-l.writeCh:
			if l.writeTimeout > 0 {
				_ = l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, w.data); err != nil {
				// gorilla connections are unusable after a failed write.
				w.done(fmt.Errorf("%w: %v", pkg.ErrTransportClosed, err))
				continue
			}
			w.done(nil)
		}
	}
}

func (l *webSocketLink) Close(code int, reason string) error {
	var err error
	l.closeOnce.Do(func() {
		reason = trimControlReason(reason)
		deadline := time.Now().Add(time.Second)
		if l.writeTimeout > 0 {
			deadline = time.Now().Add(l.writeTimeout)
		}
		msg := websocket.FormatCloseMessage(code, reason)
		if e := l.conn.WriteControl(websocket.CloseMessage, msg, deadline); e != nil && !errors.Is(e, websocket.ErrCloseSent) {
			err = fmt.Errorf("write close frame: %w", e)
		}
		close(l.closed)
		if e := l.conn.Close(); e != nil && err == nil {
			err = e
		}
	})
	return err
}

// trimControlReason fits reason into a close control frame without splitting a rune.
func trimControlReason(reason string) string {
	if len(reason) <= maxControlReason {
		return reason
	}
	n := maxControlReason
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}

// abort tears the connection down without a close handshake, after the peer is gone.
func (l *webSocketLink) abort() {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.conn.Close()
	})
}

// serve runs the read loop until the connection ends. Each frame is handed to
// the handler, which blocks until processing completes.
func (l *webSocketLink) serve(ctx context.Context, handler Handler) {
	defer func() {
		l.abort()
		<-l.stopped
	}()

	handler.OnOutboundReady(l)

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}

			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				l.logger.Debugf("websocket %s closed by peer: %d %s", l.RemoteAddr(), closeErr.Code, closeErr.Text)
				handler.OnTransportClosed(l, closeErr.Code, closeErr.Text)
				return
			}
			l.logger.Debugf("websocket %s read: %v", l.RemoteAddr(), err)
			handler.OnTransportError(l, fmt.Errorf("%w: %v", pkg.ErrTransportClosed, err))
			return
		}

		if err = handler.OnInboundFrame(ctx, l, data); err != nil {
			l.logger.Debugf("websocket %s inbound frame: %v", l.RemoteAddr(), err)
			// The session closes the link through its delivery queue; wait for that
			// instead of tearing down underneath a queued close frame.
			select {
			case <-l.closed:
			case <-ctx.Done():
			}
			return
		}
	}
}
