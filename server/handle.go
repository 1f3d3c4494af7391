package server

import (
	"context"
	"strings"
	"time"

	"github.com/ThinkInAIXYZ/go-cometd/protocol"
	"github.com/ThinkInAIXYZ/go-cometd/server/session"
	"github.com/ThinkInAIXYZ/go-cometd/transport"
)

func (server *Server) handleHandshake(sess *session.Session, link transport.Link, msg *protocol.Message) *protocol.Message {
	if link.Kind() != transport.KindMock && len(msg.SupportedConnectionTypes) > 0 &&
		!containsString(msg.SupportedConnectionTypes, link.Kind().String()) {
		reply := protocol.NewErrorReply(msg, protocol.ErrorCodeBadRequest, "unsupported connection types")
		reply.SupportedConnectionTypes = []string{protocol.ConnectionTypeWebSocket, protocol.ConnectionTypeLongPolling}
		reply.Advice = &protocol.Advice{Reconnect: protocol.ReconnectNone}
		return reply
	}

	if !sess.Handshaken() {
		sess.SetHandshaken()
		server.sessionManager.Register(sess)
		sess.OnTerminated(server.unsubscribeAll)
		server.logger.Infof("session %s handshaken over %s from %s", sess.ID(), link.Kind(), link.RemoteAddr())
	}
	return protocol.NewHandshakeReply(msg, sess.ID(), server.advice())
}

func (server *Server) handleConnect(sess *session.Session, link transport.Link, msg *protocol.Message) {
	hold := server.connectHold
	// The first connect after a handshake carries timeout 0 to get an immediate answer.
	if msg.Advice != nil && msg.Advice.Timeout != nil {
		if requested := time.Duration(*msg.Advice.Timeout) * time.Millisecond; requested < hold {
			hold = requested
		}
	}

	if err := sess.HoldConnect(msg, link, hold, server.advice()); err != nil {
		server.logger.Debugf("session %s hold connect: %v", sess.ID(), err)
		server.reply(sess, link, []*protocol.Message{unknownClientReply(msg)})
	}
}

func (server *Server) handleSubscribe(sess *session.Session, msg *protocol.Message) *protocol.Message {
	if reply := checkSubscription(msg); reply != nil {
		return reply
	}
	server.subscribe(sess, msg.Subscription)
	return protocol.NewSuccessReply(msg)
}

func (server *Server) handleUnsubscribe(sess *session.Session, msg *protocol.Message) *protocol.Message {
	if reply := checkSubscription(msg); reply != nil {
		return reply
	}
	server.unsubscribe(sess, msg.Subscription)
	return protocol.NewSuccessReply(msg)
}

func checkSubscription(msg *protocol.Message) *protocol.Message {
	switch {
	case msg.Subscription == "" || !strings.HasPrefix(msg.Subscription, "/"):
		return protocol.NewErrorReply(msg, protocol.ErrorCodeBadRequest, "invalid subscription")
	case protocol.IsMeta(msg.Subscription):
		return protocol.NewErrorReply(msg, protocol.ErrorCodeForbidden, "meta channels cannot be subscribed")
	case strings.Contains(msg.Subscription, "*"):
		return protocol.NewErrorReply(msg, protocol.ErrorCodeBadRequest, "wildcard subscriptions are not supported")
	}
	return nil
}

func (server *Server) handlePublish(ctx context.Context, sess *session.Session, msg *protocol.Message) *protocol.Message {
	if protocol.IsService(msg.Channel) {
		return server.handleService(ctx, sess, msg)
	}

	server.fanOut(msg)
	return protocol.NewSuccessReply(msg)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
