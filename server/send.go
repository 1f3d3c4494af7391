package server

import (
	"context"
	"encoding/json"
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
	"github.com/ThinkInAIXYZ/go-cometd/protocol"
	"github.com/ThinkInAIXYZ/go-cometd/server/session"
)

func (server *Server) subscribe(sess *session.Session, channel protocol.Channel) {
	server.channels.Upsert(channel, cmap.ConcurrentMap[string, *session.Session]{},
		func(exist bool, subs cmap.ConcurrentMap[string, *session.Session], _ cmap.ConcurrentMap[string, *session.Session]) cmap.ConcurrentMap[string, *session.Session] {
			if !exist {
				subs = cmap.New[*session.Session]()
			}
			subs.Set(sess.ID(), sess)
			return subs
		})
	sess.GetSubscriptions().Set(channel, struct{}{})
	if sess.Closed() {
		server.unsubscribe(sess, channel)
	}
}

func (server *Server) unsubscribe(sess *session.Session, channel protocol.Channel) {
	sess.GetSubscriptions().Remove(channel)
	if subs, ok := server.channels.Get(channel); ok {
		subs.Remove(sess.ID())
	}
	server.channels.RemoveCb(channel, func(_ string, subs cmap.ConcurrentMap[string, *session.Session], exists bool) bool {
		return exists && subs.IsEmpty()
	})
}

// unsubscribeAll drops a terminated session from every channel it joined.
func (server *Server) unsubscribeAll(sess *session.Session) {
	for _, channel := range sess.GetSubscriptions().Keys() {
		server.unsubscribe(sess, channel)
	}
}

// Subscribers lists the client ids subscribed to channel.
func (server *Server) Subscribers(channel protocol.Channel) []string {
	subs, ok := server.channels.Get(channel)
	if !ok {
		return nil
	}
	return subs.Keys()
}

// fanOut queues msg to every session subscribed to its channel and reports how many accepted it.
func (server *Server) fanOut(msg *protocol.Message) int {
	subs, ok := server.channels.Get(msg.Channel)
	if !ok {
		return 0
	}

	delivered := 0
	for item := range subs.IterBuffered() {
		sess := item.Val
		out := &protocol.Message{
			Channel: msg.Channel,
			ID:      msg.ID,
			Data:    msg.Data,
			Ext:     msg.Ext,
		}
		if !server.applyOutgoing(sess, out) {
			continue
		}
		if err := sess.Send(out); err != nil {
			server.logger.Debugf("deliver %s to %s: %v", msg.Channel, sess.ID(), err)
			continue
		}
		delivered++
	}
	return delivered
}

// Publish delivers data to the subscribers of channel from the server itself.
func (server *Server) Publish(_ context.Context, channel protocol.Channel, data any) (int, error) {
	if server.inShutdown.Load() {
		return 0, pkg.ErrServerShutdown
	}
	if protocol.IsMeta(channel) || protocol.IsService(channel) {
		return 0, fmt.Errorf("%w: %s", pkg.ErrChannelNotAllowed, channel)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("publish json marshal: %w", err)
	}
	msg := protocol.NewPublish(channel, raw)
	if err = msg.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", pkg.ErrMessageInvalid, err)
	}
	return server.fanOut(msg), nil
}
