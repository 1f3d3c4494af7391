package server

import (
	"github.com/ThinkInAIXYZ/go-cometd/protocol"
	"github.com/ThinkInAIXYZ/go-cometd/server/session"
)

// Extension hooks into every message crossing the server. Either func may be nil.
//
// Incoming runs before a message is dispatched; a non-nil error rejects it
// with a 403 reply. Outgoing runs before a message is queued to a session;
// returning false drops it for that session. Both may modify msg.
type Extension struct {
	Name     string
	Incoming func(sess *session.Session, msg *protocol.Message) error
	Outgoing func(sess *session.Session, msg *protocol.Message) bool
}

func (server *Server) getExtensions() []Extension {
	server.extMu.RLock()
	defer server.extMu.RUnlock()
	return server.extensions
}

func (server *Server) applyIncoming(sess *session.Session, msg *protocol.Message) error {
	for _, ext := range server.getExtensions() {
		if ext.Incoming == nil {
			continue
		}
		if err := ext.Incoming(sess, msg); err != nil {
			server.logger.Debugf("extension %s rejected %s: %v", ext.Name, msg.Channel, err)
			return err
		}
	}
	return nil
}

func (server *Server) applyOutgoing(sess *session.Session, msg *protocol.Message) bool {
	for _, ext := range server.getExtensions() {
		if ext.Outgoing == nil {
			continue
		}
		if !ext.Outgoing(sess, msg) {
			server.logger.Debugf("extension %s dropped %s for %s", ext.Name, msg.Channel, sess.ID())
			return false
		}
	}
	return true
}

// outgoing filters a batch through the outgoing extensions.
func (server *Server) outgoing(sess *session.Session, msgs []*protocol.Message) []*protocol.Message {
	kept := msgs[:0]
	for _, msg := range msgs {
		if server.applyOutgoing(sess, msg) {
			kept = append(kept, msg)
		}
	}
	return kept
}
