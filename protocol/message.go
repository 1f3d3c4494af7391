package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const Version = "1.0"

type Channel = string

const (
	MetaHandshake   Channel = "/meta/handshake"
	MetaConnect     Channel = "/meta/connect"
	MetaSubscribe   Channel = "/meta/subscribe"
	MetaUnsubscribe Channel = "/meta/unsubscribe"
	MetaDisconnect  Channel = "/meta/disconnect"

	metaPrefix    = "/meta/"
	servicePrefix = "/service/"
)

const (
	ConnectionTypeWebSocket   = "websocket"
	ConnectionTypeLongPolling = "long-polling"
)

// Reconnect advice values.
const (
	ReconnectRetry     = "retry"
	ReconnectHandshake = "handshake"
	ReconnectNone      = "none"
)

// Error codes carried in the "error" field as "code::message".
const (
	ErrorCodeUnknownClient  = 402
	ErrorCodeForbidden      = 403
	ErrorCodeBadRequest     = 400
	ErrorCodeConnectTimeout = 408
	ErrorCodeServerError    = 500
)

type Advice struct {
	Reconnect string `json:"reconnect,omitempty"`
	Interval  *int64 `json:"interval,omitempty"`
	Timeout   *int64 `json:"timeout,omitempty"`
}

// Message is one Bayeux message. A frame on the wire carries a batch of them.
type Message struct {
	Channel                  Channel         `json:"channel"`
	ID                       string          `json:"id,omitempty"`
	ClientID                 string          `json:"clientId,omitempty"`
	Successful               *bool           `json:"successful,omitempty"`
	Error                    string          `json:"error,omitempty"`
	Subscription             string          `json:"subscription,omitempty"`
	ConnectionType           string          `json:"connectionType,omitempty"`
	SupportedConnectionTypes []string        `json:"supportedConnectionTypes,omitempty"`
	Version                  string          `json:"version,omitempty"`
	MinimumVersion           string          `json:"minimumVersion,omitempty"`
	Advice                   *Advice         `json:"advice,omitempty"`
	Data                     json.RawMessage `json:"data,omitempty"`
	Ext                      map[string]any  `json:"ext,omitempty"`
}

func (m *Message) IsMeta() bool {
	return IsMeta(m.Channel)
}

func (m *Message) IsSuccessful() bool {
	return m.Successful != nil && *m.Successful
}

// Validate checks the fields every inbound message must carry.
func (m *Message) Validate() error {
	if m.Channel == "" || !strings.HasPrefix(m.Channel, "/") {
		return fmt.Errorf("invalid channel %q", m.Channel)
	}
	if strings.Contains(m.Channel, "*") && !IsMeta(m.Channel) {
		return fmt.Errorf("wildcard channel %q", m.Channel)
	}
	return nil
}

func IsMeta(channel Channel) bool {
	return strings.HasPrefix(channel, metaPrefix)
}

func IsService(channel Channel) bool {
	return strings.HasPrefix(channel, servicePrefix)
}

// ErrorString formats a Bayeux error field.
func ErrorString(code int, message string) string {
	return fmt.Sprintf("%d::%s", code, message)
}

// ParseError splits a Bayeux error field into code and message.
func ParseError(s string) (int, string) {
	var code int
	idx := strings.Index(s, "::")
	if idx < 0 {
		return 0, s
	}
	if _, err := fmt.Sscanf(s[:idx], "%d", &code); err != nil {
		return 0, s
	}
	return code, s[idx+2:]
}

func newReply(req *Message, successful bool) *Message {
	reply := &Message{
		Channel:    req.Channel,
		ID:         req.ID,
		ClientID:   req.ClientID,
		Successful: &successful,
	}
	if req.Channel == MetaSubscribe || req.Channel == MetaUnsubscribe {
		reply.Subscription = req.Subscription
	}
	return reply
}

func NewSuccessReply(req *Message) *Message {
	return newReply(req, true)
}

func NewErrorReply(req *Message, code int, message string) *Message {
	reply := newReply(req, false)
	reply.Error = ErrorString(code, message)
	return reply
}

func NewHandshakeReply(req *Message, clientID string, advice *Advice) *Message {
	reply := newReply(req, true)
	reply.ClientID = clientID
	reply.Version = Version
	reply.MinimumVersion = Version
	reply.SupportedConnectionTypes = []string{ConnectionTypeWebSocket, ConnectionTypeLongPolling}
	reply.Advice = advice
	return reply
}

func NewHandshakeRequest(connectionTypes ...string) *Message {
	return &Message{
		Channel:                  MetaHandshake,
		Version:                  Version,
		MinimumVersion:           Version,
		SupportedConnectionTypes: connectionTypes,
	}
}

func NewConnectRequest(clientID, connectionType string) *Message {
	return &Message{Channel: MetaConnect, ClientID: clientID, ConnectionType: connectionType}
}

func NewPublish(channel Channel, data json.RawMessage) *Message {
	return &Message{Channel: channel, Data: data}
}

func Millis(v int64) *int64 {
	return &v
}
