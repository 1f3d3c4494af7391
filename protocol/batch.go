package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
)

// Decode parses a frame holding either a JSON array of messages or a single message object.
func Decode(frame []byte) ([]*Message, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", pkg.ErrMessageInvalid)
	}

	var msgs []*Message
	if frame[0] == '{' {
		msg := &Message{}
		if err := pkg.JSONUnmarshal(frame, msg); err != nil {
			return nil, err
		}
		msgs = []*Message{msg}
	} else if err := pkg.JSONUnmarshal(frame, &msgs); err != nil {
		return nil, err
	}

	for _, msg := range msgs {
		if msg == nil {
			return nil, fmt.Errorf("%w: null message", pkg.ErrMessageInvalid)
		}
	}
	return msgs, nil
}

// Encode renders a batch as a JSON array.
func Encode(msgs []*Message) ([]byte, error) {
	if msgs == nil {
		msgs = []*Message{}
	}
	return json.Marshal(msgs)
}

// PeekClientID returns the first clientId found in a raw frame without decoding it.
func PeekClientID(frame []byte) string {
	result := gjson.ParseBytes(frame)
	if result.IsObject() {
		return result.Get("clientId").String()
	}
	for _, m := range result.Array() {
		if id := m.Get("clientId").String(); id != "" {
			return id
		}
	}
	return ""
}

// PeekChannels lists the channels of a raw frame in order.
func PeekChannels(frame []byte) []string {
	result := gjson.ParseBytes(frame)
	if result.IsObject() {
		return []string{result.Get("channel").String()}
	}
	chans := make([]string, 0, len(result.Array()))
	for _, c := range result.Get("#.channel").Array() {
		chans = append(chans, c.String())
	}
	return chans
}

// HasChannel reports whether a raw frame carries a message on channel.
func HasChannel(frame []byte, channel Channel) bool {
	for _, c := range PeekChannels(frame) {
		if c == channel {
			return true
		}
	}
	return false
}
