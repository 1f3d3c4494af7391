package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yosida95/uritemplate/v3"

	"github.com/ThinkInAIXYZ/go-cometd/protocol"
	"github.com/ThinkInAIXYZ/go-cometd/server/session"
)

// ServiceRequest is a message published on a /service channel.
type ServiceRequest struct {
	Session *session.Session
	Message *protocol.Message
	// Params holds the variables matched by the channel template.
	Params map[string]string
}

// ServiceHandlerFunc answers a service request. A non-nil result is sent back
// to the requesting session on the same channel.
type ServiceHandlerFunc func(ctx context.Context, req *ServiceRequest) (json.RawMessage, error)

type serviceEntry struct {
	template *uritemplate.Template
	handler  ServiceHandlerFunc
}

// RegisterService binds a handler to /service channels matching template, e.g. "/service/echo/{room}".
func (server *Server) RegisterService(template string, handler ServiceHandlerFunc) error {
	if !protocol.IsService(template) {
		return fmt.Errorf("service template must start with /service/: %s", template)
	}
	parsed, err := uritemplate.New(template)
	if err != nil {
		return fmt.Errorf("parse service template %s: %w", template, err)
	}
	server.services.Set(template, &serviceEntry{template: parsed, handler: handler})
	return nil
}

func (server *Server) UnregisterService(template string) {
	server.services.Remove(template)
}

func (server *Server) handleService(ctx context.Context, sess *session.Session, msg *protocol.Message) *protocol.Message {
	var (
		handler ServiceHandlerFunc
		params  map[string]string
	)
	for item := range server.services.IterBuffered() {
		entry := item.Val
		if !matchesTemplate(msg.Channel, entry.template) {
			continue
		}
		handler = entry.handler
		params = make(map[string]string)
		for name, value := range entry.template.Match(msg.Channel) {
			if len(value.V) > 0 {
				params[name] = value.V[0]
			}
		}
		break
	}

	// Nobody listens on an unbound service channel; the publish still succeeds.
	if handler == nil {
		return protocol.NewSuccessReply(msg)
	}

	result, err := handler(ctx, &ServiceRequest{Session: sess, Message: msg, Params: params})
	if err != nil {
		server.logger.Warnf("service %s failed: %v", msg.Channel, err)
		return protocol.NewErrorReply(msg, protocol.ErrorCodeServerError, err.Error())
	}
	if result != nil {
		out := &protocol.Message{Channel: msg.Channel, ID: msg.ID, Data: result}
		if server.applyOutgoing(sess, out) {
			if err = sess.Send(out); err != nil {
				server.logger.Debugf("service %s result: %v", msg.Channel, err)
			}
		}
	}
	return protocol.NewSuccessReply(msg)
}

func matchesTemplate(channel string, template *uritemplate.Template) bool {
	return template.Regexp().MatchString(channel)
}
