package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/protocol"
	"github.com/ThinkInAIXYZ/go-cometd/transport"
)

const DefaultMaxCloseReasonLength = 30

// Processor handles one inbound frame for a session. done must be called
// exactly once; a non-nil error closes the session.
type Processor interface {
	Process(ctx context.Context, sess *Session, link transport.Link, frame []byte, done func(error))
}

type ProcessorF func(ctx context.Context, sess *Session, link transport.Link, frame []byte, done func(error))

func (f ProcessorF) Process(ctx context.Context, sess *Session, link transport.Link, frame []byte, done func(error)) {
	f(ctx, sess, link, frame, done)
}

type Option func(*options)

type options struct {
	connectTimeout       time.Duration
	sendPacing           time.Duration
	maxCloseReasonLength int
	scheduler            Scheduler
	logger               pkg.Logger
}

func defaultOptions() options {
	return options{
		connectTimeout:       30 * time.Second,
		maxCloseReasonLength: DefaultMaxCloseReasonLength,
		scheduler:            SystemScheduler(),
		logger:               pkg.DefaultLogger,
	}
}

func WithConnectTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = timeout
	}
}

// WithSendPacing enforces a minimum delay between consecutive submissions.
func WithSendPacing(pacing time.Duration) Option {
	return func(o *options) {
		o.sendPacing = pacing
	}
}

func WithMaxCloseReasonLength(n int) Option {
	return func(o *options) {
		o.maxCloseReasonLength = n
	}
}

func WithScheduler(sched Scheduler) Option {
	return func(o *options) {
		o.scheduler = sched
	}
}

func WithLogger(logger pkg.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

type CloseInfo struct {
	Code      int
	Reason    string
	Truncated bool
}

type pendingConnect struct {
	req    *protocol.Message
	link   transport.Link
	advice *protocol.Advice
	period uint64
	hold   Timer
}

// Session is the server side of one client. It serializes inbound frames,
// orders outbound frames and watches held connects.
type Session struct {
	id        string
	opts      options
	logger    pkg.Logger
	processor Processor

	queue   *deliveryQueue
	gate    *inboundGate
	connect *ConnectTimeout

	subscriptions cmap.ConcurrentMap[string, struct{}]

	mu            sync.Mutex
	link          transport.Link
	pending       *pendingConnect
	deliveredOn   transport.Link
	lastMessageAt time.Time
	closeInfo     *CloseInfo
	hooks         []func(*Session)

	handshaken atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once
	finishOnce sync.Once
	done       chan struct{}
}

func New(id string, processor Processor, opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		id:            id,
		opts:          o,
		logger:        o.logger,
		processor:     processor,
		connect:       NewConnectTimeout(o.scheduler, o.connectTimeout),
		subscriptions: cmap.New[struct{}](),
		lastMessageAt: o.scheduler.Now(),
		done:          make(chan struct{}),
	}
	s.queue = newDeliveryQueue(o.scheduler, o.sendPacing, o.logger)
	s.queue.onDelivered = s.onDelivered
	s.queue.onInvalidated = s.onLinkInvalidated
	s.gate = newInboundGate(func(err error) {
		s.Close(transport.CloseServerError, err.Error())
	})
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Handshaken() bool {
	return s.handshaken.Load()
}

func (s *Session) SetHandshaken() {
	s.handshaken.Store(true)
}

func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Done is closed once the session has terminated and its close frame, if any, was handled.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Link() transport.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

func (s *Session) LastMessageAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessageAt
}

// IdleFor is the time since the last inbound frame or delivery.
func (s *Session) IdleFor() time.Duration {
	return s.opts.scheduler.Now().Sub(s.LastMessageAt())
}

func (s *Session) CloseInfo() (CloseInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeInfo == nil {
		return CloseInfo{}, false
	}
	return *s.closeInfo, true
}

func (s *Session) ConnectTimeout() *ConnectTimeout {
	return s.connect
}

func (s *Session) LastFailure() error {
	return s.queue.LastFailure()
}

func (s *Session) QueueLen() int {
	return s.queue.Len()
}

func (s *Session) GetSubscriptions() cmap.ConcurrentMap[string, struct{}] {
	return s.subscriptions
}

// OnTerminated registers a hook run once the session has terminated.
func (s *Session) OnTerminated(hook func(*Session)) {
	s.mu.Lock()
	if !s.closed.Load() {
		s.hooks = append(s.hooks, hook)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	go func() {
		defer pkg.Recover()

		<-s.done
		hook(s)
	}()
}

func (s *Session) touch() {
	now := s.opts.scheduler.Now()
	s.mu.Lock()
	s.lastMessageAt = now
	s.mu.Unlock()
}

// Enqueue queues a frame for delivery. Its callback runs exactly once unless
// Enqueue fails.
func (s *Session) Enqueue(frame *transport.Frame) error {
	return s.queue.Enqueue(frame)
}

func (s *Session) Send(msgs ...*protocol.Message) error {
	return s.queue.Enqueue(transport.NewDataFrame(msgs...))
}

// Reply answers an inbound batch. Replies for a link other than the attached
// one go straight to that link.
func (s *Session) Reply(link transport.Link, msgs ...*protocol.Message) error {
	return s.ReplyFrame(link, transport.NewReplyFrame(msgs...))
}

func (s *Session) ReplyFrame(link transport.Link, frame *transport.Frame) error {
	if link == nil || link == s.Link() {
		return s.queue.Enqueue(frame)
	}

	link.Submit(frame, func(err error) {
		if err != nil {
			s.logger.Warnf("session %s reply to %s: %v", s.id, link.RemoteAddr(), err)
		}
		frame.Complete(err)
	})
	return nil
}

// HoldConnect parks a connect until hold elapses, a message is delivered on
// a long-poll link or the connect timeout fires. Each connect gets exactly
// one reply.
func (s *Session) HoldConnect(req *protocol.Message, link transport.Link, hold time.Duration, advice *protocol.Advice) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: connect", pkg.ErrSessionClosed)
	}

	s.mu.Lock()
	prev := s.pending
	s.pending = nil
	s.mu.Unlock()
	if prev != nil {
		s.completeConnect(prev)
	}

	pc := &pendingConnect{req: req, link: link, advice: advice}
	period, ok := s.connect.Begin(func() { s.expireConnect(pc) })
	if !ok {
		return fmt.Errorf("%w: connect", pkg.ErrSessionClosed)
	}
	pc.period = period

	s.mu.Lock()
	if !s.connect.Armed(period) {
		// Already expired and answered.
		s.mu.Unlock()
		return nil
	}
	s.pending = pc
	immediate := hold <= 0
	if !link.Kind().Persistent() && (s.queue.Len() > 0 || s.deliveredOn == link) {
		immediate = true
	}
	if !immediate {
		pc.hold = s.opts.scheduler.AfterFunc(hold, func() { s.completeConnect(pc) })
	}
	s.mu.Unlock()

	if immediate {
		s.completeConnect(pc)
	}
	return nil
}

func (s *Session) takePending(pc *pendingConnect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == pc {
		s.pending = nil
	}
	if pc.hold != nil {
		pc.hold.Stop()
	}
}

func (s *Session) completeConnect(pc *pendingConnect) {
	if !s.connect.Complete(pc.period) {
		return
	}
	s.takePending(pc)

	reply := protocol.NewSuccessReply(pc.req)
	reply.Advice = pc.advice
	if err := s.Reply(pc.link, reply); err != nil {
		s.logger.Debugf("session %s connect reply: %v", s.id, err)
	}
}

func (s *Session) expireConnect(pc *pendingConnect) {
	s.takePending(pc)
	s.logger.Infof("session %s: %v", s.id, pkg.ErrConnectTimeout)

	reply := protocol.NewErrorReply(pc.req, protocol.ErrorCodeConnectTimeout, "connect timeout")
	reply.Advice = &protocol.Advice{Reconnect: protocol.ReconnectRetry, Interval: protocol.Millis(0)}
	if err := s.Reply(pc.link, reply); err != nil {
		s.logger.Debugf("session %s connect timeout reply: %v", s.id, err)
	}
}

func (s *Session) onDelivered(frame *transport.Frame, link transport.Link) {
	s.touch()
	if frame.Kind != transport.FrameData {
		return
	}
	s.connect.Observe()

	if link.Kind().Persistent() || frame.Reply {
		return
	}
	s.mu.Lock()
	s.deliveredOn = link
	pc := s.pending
	s.mu.Unlock()

	// Long-poll clients only see messages once their connect is answered.
	if pc != nil && pc.link == link {
		s.completeConnect(pc)
	}
}

// OnOutboundReady attaches link. A connect still held on an earlier
// long-poll link is answered there.
func (s *Session) OnOutboundReady(link transport.Link) {
	s.mu.Lock()
	s.link = link
	s.deliveredOn = nil
	superseded := s.pending
	if superseded != nil && (superseded.link == link || superseded.link.Kind().Persistent()) {
		superseded = nil
	}
	s.mu.Unlock()

	s.queue.Attach(link)
	if superseded != nil {
		s.completeConnect(superseded)
	}
}

// OnInboundFrame processes frame and returns once processing has completed.
func (s *Session) OnInboundFrame(ctx context.Context, link transport.Link, frame []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: inbound frame", pkg.ErrSessionClosed)
	}

	h, err := s.gate.Admit(ctx, frame)
	if err != nil {
		return err
	}
	s.touch()

	func() {
		defer pkg.RecoverWithFunc(func(r any) {
			h.Complete(pkg.PanicError(r))
		})
		s.processor.Process(ctx, s, link, h.Raw(), h.Complete)
	}()

	return h.Wait(ctx)
}

func (s *Session) OnTransportClosed(link transport.Link, code int, reason string) {
	if !link.Kind().Persistent() {
		s.detach(link)
		return
	}
	if s.Link() != link {
		return
	}
	s.logger.Debugf("session %s transport closed: %d %s", s.id, code, reason)
	s.terminate(CloseInfo{Code: code, Reason: reason}, fmt.Errorf("%w: %d %s", pkg.ErrTransportClosed, code, reason), nil)
}

func (s *Session) OnTransportError(link transport.Link, err error) {
	if !link.Kind().Persistent() {
		s.detach(link)
		return
	}
	if s.Link() != link {
		return
	}
	s.logger.Warnf("session %s transport error: %v", s.id, err)
	s.Close(transport.CloseServerError, err.Error())
}

// onLinkInvalidated handles a link that failed a submit because it is gone.
func (s *Session) onLinkInvalidated(link transport.Link, err error) {
	if !link.Kind().Persistent() {
		s.detach(link)
		return
	}
	if s.Link() != link {
		return
	}
	s.logger.Warnf("session %s link %s: %v", s.id, link.RemoteAddr(), err)
	s.closeWith(transport.CloseServerError, err.Error(), err)
}

func (s *Session) detach(link transport.Link) {
	s.mu.Lock()
	if s.link == link {
		s.link = nil
	}
	dropped := s.pending
	if dropped != nil && dropped.link != link {
		dropped = nil
	}
	s.mu.Unlock()

	s.queue.Detach(link)
	if dropped != nil && s.connect.Complete(dropped.period) {
		s.takePending(dropped)
	}
}

// Close terminates the session. The close frame follows any frame already
// being written; frames still queued fail with ErrSessionClosed. Only the
// first call has effect.
func (s *Session) Close(code int, reason string) {
	s.closeWith(code, reason, fmt.Errorf("%w: %s", pkg.ErrSessionClosed, s.id))
}

// closeWith fails queued frames with cause.
func (s *Session) closeWith(code int, reason string, cause error) {
	reason, truncated := truncateReason(reason, s.opts.maxCloseReasonLength)

	frame := transport.NewCloseFrame(code, reason)
	frame.Callback = func(err error) {
		if err != nil && !errors.Is(err, pkg.ErrLinkDetached) {
			s.logger.Debugf("session %s close frame: %v", s.id, err)
		}
		s.finish()
	}
	first := s.terminate(CloseInfo{Code: code, Reason: reason, Truncated: truncated}, cause, frame)
	if first && truncated {
		s.logger.Infof("session %s close reason truncated to %d characters", s.id, s.opts.maxCloseReasonLength)
	}
}

func (s *Session) terminate(info CloseInfo, err error, closeFrame *transport.Frame) bool {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.mu.Lock()
		s.closed.Store(true)
		s.closeInfo = &info
		pc := s.pending
		s.pending = nil
		if pc != nil && pc.hold != nil {
			pc.hold.Stop()
		}
		link := s.link
		s.mu.Unlock()

		s.connect.Stop()
		s.gate.shut(err)
		carried := s.queue.Terminate(err, closeFrame)
		switch {
		case closeFrame == nil:
			s.finish()
		case carried:
		case link != nil && link.Kind().Persistent():
			// The queue already let go of a dead link.
			closeFrame.Complete(link.Close(closeFrame.Code, closeFrame.Reason))
		default:
			closeFrame.Complete(pkg.ErrLinkDetached)
		}
	})
	return first
}

func (s *Session) finish() {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		hooks := s.hooks
		s.hooks = nil
		s.mu.Unlock()

		for _, hook := range hooks {
			func() {
				defer pkg.Recover()
				hook(s)
			}()
		}
		close(s.done)
	})
}

func truncateReason(reason string, max int) (string, bool) {
	if max <= 0 {
		return reason, false
	}
	runes := []rune(reason)
	if len(runes) <= max {
		return reason, false
	}
	return string(runes[:max]), true
}
