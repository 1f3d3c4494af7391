package server

import (
	"context"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/protocol"
	"github.com/ThinkInAIXYZ/go-cometd/server/session"
	"github.com/ThinkInAIXYZ/go-cometd/transport"
)

// Process handles one inbound batch. Replies to everything but /meta/connect
// are produced synchronously; a connect is handed to the session to hold.
func (server *Server) Process(ctx context.Context, sess *session.Session, link transport.Link, frame []byte, done func(error)) {
	server.inFlyRequest.Add(1)
	defer server.inFlyRequest.Done()

	msgs, err := protocol.Decode(frame)
	if err != nil {
		done(err)
		return
	}

	if server.inShutdown.Load() {
		replies := make([]*protocol.Message, 0, len(msgs))
		for _, msg := range msgs {
			reply := protocol.NewErrorReply(msg, protocol.ErrorCodeServerError, pkg.ErrServerShutdown.Error())
			reply.Advice = &protocol.Advice{Reconnect: protocol.ReconnectNone}
			replies = append(replies, reply)
		}
		server.reply(sess, link, replies)
		done(nil)
		return
	}

	ctx = setSessionToCtx(ctx, sess)

	var (
		replies    []*protocol.Message
		connect    *protocol.Message
		disconnect bool
	)
	for _, msg := range msgs {
		if err = msg.Validate(); err != nil {
			replies = append(replies, protocol.NewErrorReply(msg, protocol.ErrorCodeBadRequest, err.Error()))
			continue
		}
		if err = server.applyIncoming(sess, msg); err != nil {
			replies = append(replies, protocol.NewErrorReply(msg, protocol.ErrorCodeForbidden, err.Error()))
			continue
		}
		if msg.Channel != protocol.MetaHandshake && !server.knownClient(sess, msg) {
			replies = append(replies, unknownClientReply(msg))
			continue
		}

		switch msg.Channel {
		case protocol.MetaHandshake:
			replies = append(replies, server.handleHandshake(sess, link, msg))
		case protocol.MetaConnect:
			if connect != nil {
				replies = append(replies, protocol.NewErrorReply(msg, protocol.ErrorCodeBadRequest, "duplicate connect"))
				continue
			}
			connect = msg
		case protocol.MetaSubscribe:
			replies = append(replies, server.handleSubscribe(sess, msg))
		case protocol.MetaUnsubscribe:
			replies = append(replies, server.handleUnsubscribe(sess, msg))
		case protocol.MetaDisconnect:
			replies = append(replies, protocol.NewSuccessReply(msg))
			disconnect = true
		default:
			if msg.IsMeta() {
				replies = append(replies, protocol.NewErrorReply(msg, protocol.ErrorCodeBadRequest, "unknown meta channel"))
				continue
			}
			replies = append(replies, server.handlePublish(ctx, sess, msg))
		}
	}

	switch {
	case disconnect:
		server.replyThenClose(sess, link, replies)
	case connect != nil:
		// Everything else in a connect batch travels ahead of the held connect reply.
		if replies = server.outgoing(sess, replies); len(replies) > 0 {
			if err = sess.Send(replies...); err != nil {
				server.logger.Debugf("session %s send replies: %v", sess.ID(), err)
			}
		}
		server.handleConnect(sess, link, connect)
	default:
		server.reply(sess, link, replies)
	}
	done(nil)
}

func (server *Server) knownClient(sess *session.Session, msg *protocol.Message) bool {
	return sess.Handshaken() && msg.ClientID == sess.ID()
}

func unknownClientReply(msg *protocol.Message) *protocol.Message {
	reply := protocol.NewErrorReply(msg, protocol.ErrorCodeUnknownClient, "unknown client")
	reply.Advice = &protocol.Advice{Reconnect: protocol.ReconnectHandshake, Interval: protocol.Millis(0)}
	return reply
}

func (server *Server) reply(sess *session.Session, link transport.Link, replies []*protocol.Message) {
	if err := sess.Reply(link, server.outgoing(sess, replies)...); err != nil {
		server.logger.Debugf("session %s reply: %v", sess.ID(), err)
	}
}

// replyThenClose closes the session once the disconnect reply has been handed to the link.
func (server *Server) replyThenClose(sess *session.Session, link transport.Link, replies []*protocol.Message) {
	frame := transport.NewReplyFrame(server.outgoing(sess, replies)...)
	frame.Callback = func(error) {
		sess.Close(transport.CloseNormal, "disconnect")
	}
	if err := sess.ReplyFrame(link, frame); err != nil {
		server.logger.Debugf("session %s disconnect reply: %v", sess.ID(), err)
		sess.Close(transport.CloseNormal, "disconnect")
	}
}
