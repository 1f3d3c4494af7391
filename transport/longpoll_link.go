package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
)

// longPollLink streams one HTTP response as a JSON array. Each submitted frame
// is written and flushed as it arrives; a reply frame closes the array and
// ends the cycle.
type longPollLink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	remote  string
	logger  pkg.Logger

	mu       sync.Mutex
	handler  Handler
	started  bool
	count    int
	finished bool
	done     chan struct{}
}

func newLongPollLink(w http.ResponseWriter, r *http.Request, logger pkg.Logger) *longPollLink {
	flusher, _ := w.(http.Flusher)
	return &longPollLink{
		w:       w,
		flusher: flusher,
		remote:  r.RemoteAddr,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (l *longPollLink) Kind() Kind {
	return KindLongPolling
}

func (l *longPollLink) RemoteAddr() string {
	return l.remote
}

func (l *longPollLink) setHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func (l *longPollLink) Finished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finished
}

func (l *longPollLink) Submit(frame *Frame, done func(error)) {
	body, err := frame.elements()
	if err != nil {
		done(err)
		return
	}

	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		done(fmt.Errorf("%w: poll cycle from %s already answered", pkg.ErrTransportSend, l.remote))
		return
	}

	err = l.writeLocked(body)
	ended := false
	if err == nil && frame.Reply {
		err = l.finishLocked()
		ended = true
	}
	if err != nil && !ended {
		// The client is gone; nothing else can be written on this cycle.
		l.finished = true
		close(l.done)
		ended = true
	}
	handler := l.handler
	l.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("%w: %v", pkg.ErrTransportSend, err)
	}
	done(err)

	if ended && handler != nil {
		handler.OnTransportClosed(l, CloseNormal, "")
	}
}

func (l *longPollLink) writeLocked(body []byte) error {
	if !l.started {
		l.started = true
		l.w.Header().Set("Content-Type", "application/json;charset=UTF-8")
		l.w.WriteHeader(http.StatusOK)
		if _, err := l.w.Write([]byte{'['}); err != nil {
			return err
		}
	}
	if len(body) > 0 {
		if l.count > 0 {
			if _, err := l.w.Write([]byte{','}); err != nil {
				return err
			}
		}
		if _, err := l.w.Write(body); err != nil {
			return err
		}
		l.count++
	}
	if l.flusher != nil {
		l.flusher.Flush()
	}
	return nil
}

func (l *longPollLink) finishLocked() error {
	var err error
	if !l.started {
		err = l.writeLocked(nil)
	}
	if err == nil {
		_, err = l.w.Write([]byte{']'})
	}
	if l.flusher != nil {
		l.flusher.Flush()
	}
	l.finished = true
	close(l.done)
	return err
}

// Close answers the cycle with whatever has been written so far.
func (l *longPollLink) Close(_ int, _ string) error {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return nil
	}
	err := l.finishLocked()
	l.mu.Unlock()
	return err
}

// wait parks the request goroutine until the cycle ends or the client goes away.
func (l *longPollLink) wait(ctx context.Context) {
	select {
	case <-l.done:
		return
	case <-ctx.Done():
	}

	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return
	}
	l.finished = true
	close(l.done)
	handler := l.handler
	l.mu.Unlock()

	if handler != nil {
		handler.OnTransportClosed(l, CloseGoingAway, "client gone")
	}
}
