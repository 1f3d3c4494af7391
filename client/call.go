package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/protocol"
)

// ReplyError is an unsuccessful reply from the server.
type ReplyError struct {
	Channel string
	Code    int
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Channel, protocol.ErrorString(e.Code, e.Message))
}

func replyError(reply *protocol.Message) error {
	if reply.IsSuccessful() {
		return nil
	}
	code, message := protocol.ParseError(reply.Error)
	return &ReplyError{Channel: reply.Channel, Code: code, Message: message}
}

func (client *Client) handshake(ctx context.Context) error {
	reply, err := client.callServer(ctx, protocol.NewHandshakeRequest(client.transport.Type()))
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err = replyError(reply); err != nil {
		return fmt.Errorf("%w: %w", pkg.ErrNotHandshaken, err)
	}

	client.mu.Lock()
	client.clientID = reply.ClientID
	client.mu.Unlock()
	client.updateAdvice(reply.Advice)

	client.logger.Infof("cometd client handshaken: clientId=%s", reply.ClientID)
	return nil
}

// rehandshake obtains a new client id and restores the subscriptions of the old one.
func (client *Client) rehandshake(stale string) error {
	client.handshakeMu.Lock()
	defer client.handshakeMu.Unlock()

	if client.ClientID() != stale {
		return nil
	}

	ctx, cancel := context.WithTimeout(client.ctx, client.handshakeTimeout)
	defer cancel()

	if err := client.handshake(ctx); err != nil {
		return err
	}
	for _, channel := range client.subscriptions.Keys() {
		if err := client.subscribe(ctx, channel); err != nil {
			client.logger.Warnf("cometd client resubscribe %s: %v", channel, err)
		}
	}
	return nil
}

// Subscribe registers fn for messages on channel and subscribes to it on the
// server. fn is registered first so no delivery racing the reply is lost.
func (client *Client) Subscribe(ctx context.Context, channel string, fn MessageListener) error {
	if protocol.IsMeta(channel) {
		return fmt.Errorf("%w: %s", pkg.ErrChannelNotAllowed, channel)
	}

	remove := client.AddListener(channel, fn)
	if err := client.subscribe(ctx, channel); err != nil {
		remove()
		return err
	}
	client.subscriptions.Set(channel, struct{}{})
	return nil
}

func (client *Client) subscribe(ctx context.Context, channel string) error {
	reply, err := client.callServer(ctx, &protocol.Message{
		Channel:      protocol.MetaSubscribe,
		ClientID:     client.ClientID(),
		Subscription: channel,
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return replyError(reply)
}

// Unsubscribe leaves channel and drops its listeners.
func (client *Client) Unsubscribe(ctx context.Context, channel string) error {
	reply, err := client.callServer(ctx, &protocol.Message{
		Channel:      protocol.MetaUnsubscribe,
		ClientID:     client.ClientID(),
		Subscription: channel,
	})
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	if err = replyError(reply); err != nil {
		return err
	}
	client.subscriptions.Remove(channel)
	client.removeListeners(channel)
	return nil
}

// Publish sends data on channel and waits for the server to acknowledge it.
func (client *Client) Publish(ctx context.Context, channel string, data any) error {
	if protocol.IsMeta(channel) {
		return fmt.Errorf("%w: %s", pkg.ErrChannelNotAllowed, channel)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("publish json marshal: %w", err)
	}

	msg := protocol.NewPublish(channel, raw)
	msg.ClientID = client.ClientID()
	reply, err := client.callServer(ctx, msg)
	if err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return replyError(reply)
}

// Disconnect tells the server the client is leaving, then closes the client.
func (client *Client) Disconnect(ctx context.Context) error {
	if client.closed() {
		return pkg.ErrClientClosed
	}

	reply, err := client.callServer(ctx, &protocol.Message{Channel: protocol.MetaDisconnect, ClientID: client.ClientID()})
	if err == nil {
		err = replyError(reply)
	}
	if closeErr := client.Close(); err == nil {
		err = closeErr
	}
	return err
}

// callServer sends msg and waits for the reply carrying the same id.
func (client *Client) callServer(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if client.closed() {
		return nil, pkg.ErrClientClosed
	}

	msg.ID = strconv.FormatInt(atomic.AddInt64(&client.requestID, 1), 10)
	respChan := make(chan *protocol.Message, 1)
	client.reqID2respChan.Set(msg.ID, respChan)
	defer client.reqID2respChan.Remove(msg.ID)

	if err := client.send(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-client.ctx.Done():
		return nil, pkg.ErrClientClosed
	case reply := <-respChan:
		return reply, nil
	}
}
