package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/transport"
)

// deliveryQueue hands frames to the attached link one at a time, in order.
// A single goroutine drains it while frames are queued and a link is attached.
type deliveryQueue struct {
	sched  Scheduler
	pacing time.Duration
	logger pkg.Logger

	onDelivered func(frame *transport.Frame, link transport.Link)
	// onInvalidated runs after link failed a submit with ErrTransportClosed
	// and the frames queued behind it were failed.
	onInvalidated func(link transport.Link, err error)

	mu          sync.Mutex
	frames      []*transport.Frame
	link        transport.Link
	draining    bool
	closed      bool
	lastFailure error
	lastSubmit  time.Time
}

func newDeliveryQueue(sched Scheduler, pacing time.Duration, logger pkg.Logger) *deliveryQueue {
	return &deliveryQueue{
		sched:  sched,
		pacing: pacing,
		logger: logger,
	}
}

// Enqueue appends a frame without blocking. The frame's callback is not
// invoked when Enqueue returns an error.
func (q *deliveryQueue) Enqueue(frame *transport.Frame) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("%w: enqueue rejected", pkg.ErrSessionClosed)
	}
	frame.EnqueuedAt = q.sched.Now()
	q.frames = append(q.frames, frame)
	start := q.startLocked()
	q.mu.Unlock()

	if start {
		go q.drain()
	}
	return nil
}

// Attach binds a link and resumes delivery.
func (q *deliveryQueue) Attach(link transport.Link) {
	q.mu.Lock()
	q.link = link
	start := q.startLocked()
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

// Detach unbinds link if it is the attached one. Queued frames wait for the next link.
func (q *deliveryQueue) Detach(link transport.Link) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.link != link {
		return false
	}
	q.link = nil
	return true
}

func (q *deliveryQueue) Link() transport.Link {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.link
}

func (q *deliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *deliveryQueue) LastFailure() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastFailure
}

// Terminate rejects further frames and fails the queued ones with err. A
// non-nil closeFrame is delivered after whatever is in flight. Terminate
// reports false when no link is attached to carry it; the frame is then left
// to the caller.
func (q *deliveryQueue) Terminate(err error, closeFrame *transport.Frame) bool {
	q.mu.Lock()
	q.closed = true
	pending := q.frames
	q.frames = nil

	carried := false
	if closeFrame != nil && q.link != nil {
		closeFrame.EnqueuedAt = q.sched.Now()
		q.frames = []*transport.Frame{closeFrame}
		carried = true
	}
	start := q.startLocked()
	q.mu.Unlock()

	for _, frame := range pending {
		frame.Complete(err)
	}
	if start {
		go q.drain()
	}
	return carried
}

func (q *deliveryQueue) startLocked() bool {
	if q.draining || q.link == nil || len(q.frames) == 0 {
		return false
	}
	q.draining = true
	return true
}

func (q *deliveryQueue) drain() {
	defer pkg.Recover()

	for {
		q.mu.Lock()
		if q.link == nil || len(q.frames) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		if wait := q.pacingWaitLocked(); wait > 0 {
			q.mu.Unlock()
			q.sleep(wait)
			continue
		}
		frame := q.frames[0]
		q.frames[0] = nil
		q.frames = q.frames[1:]
		link := q.link
		q.mu.Unlock()

		err := q.submit(link, frame)

		q.mu.Lock()
		q.lastSubmit = q.sched.Now()
		var lost []*transport.Frame
		invalidated := false
		switch {
		case frame.Kind == transport.FrameClose:
			if q.link == link {
				q.link = nil
			}
		case err != nil:
			q.lastFailure = err
			if q.link == link && (!link.Kind().Persistent() || errors.Is(err, pkg.ErrTransportClosed)) {
				q.link = nil
			}
			if errors.Is(err, pkg.ErrTransportClosed) {
				lost = q.frames
				q.frames = nil
				invalidated = true
			}
		default:
			q.lastFailure = nil
			if frame.Reply && !link.Kind().Persistent() {
				// A reply ends the poll cycle.
				if q.link == link {
					q.link = nil
				}
			}
		}
		q.mu.Unlock()

		if err != nil {
			q.logger.Debugf("deliver frame to %s: %v", link.RemoteAddr(), err)
		}
		frame.Complete(err)
		if err == nil && q.onDelivered != nil {
			q.onDelivered(frame, link)
		}
		for _, f := range lost {
			f.Complete(err)
		}
		if invalidated && q.onInvalidated != nil {
			q.onInvalidated(link, err)
		}
	}
}

func (q *deliveryQueue) pacingWaitLocked() time.Duration {
	if q.pacing <= 0 || q.lastSubmit.IsZero() {
		return 0
	}
	return q.lastSubmit.Add(q.pacing).Sub(q.sched.Now())
}

func (q *deliveryQueue) sleep(d time.Duration) {
	wake := make(chan struct{})
	q.sched.AfterFunc(d, func() { close(wake) })
	<-wake
}

func (q *deliveryQueue) submit(link transport.Link, frame *transport.Frame) error {
	if frame.Kind == transport.FrameClose {
		return link.Close(frame.Code, frame.Reason)
	}

	result := make(chan error, 1)
	var once sync.Once
	link.Submit(frame, func(err error) {
		once.Do(func() { result <- err })
	})
	return <-result
}
