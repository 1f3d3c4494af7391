package client

import (
	"context"
	"errors"
	"time"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/protocol"
)

// receive routes an inbound frame. Every message counts as activity for the
// outstanding connect.
func (client *Client) receive(_ context.Context, frame []byte) error {
	msgs, err := protocol.Decode(frame)
	if err != nil {
		// A bad frame must not stop the transport from reading the next one.
		client.logger.Warnf("cometd client decode frame: %v", err)
		return nil
	}

	ct := client.connect.Load()
	for _, msg := range msgs {
		if ct != nil {
			ct.Observe()
		}
		client.handleMessage(msg)
	}
	return nil
}

func (client *Client) handleMessage(msg *protocol.Message) {
	// Replies carry "successful"; deliveries do not, even when they echo the publisher's id.
	if msg.Successful != nil && msg.ID != "" {
		if respChan, ok := client.reqID2respChan.Get(msg.ID); ok {
			select {
			case respChan <- msg:
			default:
			}
		}
	}
	if msg.IsMeta() || msg.Successful == nil {
		client.notifyListeners(msg)
	}
}

func (client *Client) connectLoop() {
	defer close(client.connectDone)

	first := true
	for !client.closed() {
		stale := client.ClientID()
		reply, err := client.connectOnce(first)
		first = false

		switch {
		case errors.Is(err, pkg.ErrClientClosed):
			return
		case errors.Is(err, pkg.ErrConnectTimeout):
			client.logger.Warnf("cometd client connect: %v", err)
			continue
		case err != nil:
			client.logger.Warnf("cometd client connect: %v", err)
			if !client.sleep(client.backoff) {
				return
			}
			continue
		}

		advice := client.updateAdvice(reply.Advice)
		switch {
		case advice.Reconnect == protocol.ReconnectNone:
			client.logger.Infof("cometd client: server advised reconnect none, connect loop stopped")
			return
		case advice.Reconnect == protocol.ReconnectHandshake:
			if err = client.rehandshake(stale); err != nil {
				client.logger.Warnf("cometd client rehandshake: %v", err)
				if !client.sleep(client.backoff) {
					return
				}
				continue
			}
			first = true
			continue
		}

		if advice.Interval != nil && *advice.Interval > 0 {
			if !client.sleep(time.Duration(*advice.Interval) * time.Millisecond) {
				return
			}
		}
	}
}

// connectOnce sends one /meta/connect and waits for its reply, giving up when
// the connect timeout fires without any inbound activity.
func (client *Client) connectOnce(first bool) (*protocol.Message, error) {
	ct := client.connect.Load()

	ctx, cancel := context.WithCancelCause(client.ctx)
	defer cancel(nil)

	period, ok := ct.Begin(func() { cancel(pkg.ErrConnectTimeout) })
	if !ok {
		return nil, pkg.ErrClientClosed
	}

	msg := protocol.NewConnectRequest(client.ClientID(), client.transport.Type())
	if first {
		msg.Advice = &protocol.Advice{Timeout: protocol.Millis(0)}
	}
	reply, err := client.callServer(ctx, msg)
	if err == nil {
		ct.Complete(period)
		return reply, nil
	}

	switch {
	case errors.Is(context.Cause(ctx), pkg.ErrConnectTimeout):
		failure := protocol.NewErrorReply(msg, protocol.ErrorCodeConnectTimeout, "connect timeout")
		failure.Advice = &protocol.Advice{Reconnect: protocol.ReconnectRetry, Interval: protocol.Millis(0)}
		client.notifyListeners(failure)
		return nil, pkg.ErrConnectTimeout
	case client.closed():
		return nil, pkg.ErrClientClosed
	}
	ct.Complete(period)
	return nil, err
}

func (client *Client) sleep(d time.Duration) bool {
	if d <= 0 {
		return !client.closed()
	}
	wake := make(chan struct{})
	t := client.scheduler.AfterFunc(d, func() { close(wake) })
	defer t.Stop()

	select {
	case <-wake:
		return true
	case <-client.ctx.Done():
		return false
	}
}
