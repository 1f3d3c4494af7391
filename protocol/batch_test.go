package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThinkInAIXYZ/go-cometd/pkg"
)

func TestDecode(t *testing.T) {
	msgs, err := Decode([]byte(`[{"channel":"/meta/connect","clientId":"abc","connectionType":"websocket"},{"channel":"/chat","data":{"x":1}}]`))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, MetaConnect, msgs[0].Channel)
	assert.Equal(t, "abc", msgs[0].ClientID)
	assert.JSONEq(t, `{"x":1}`, string(msgs[1].Data))

	msgs, err = Decode([]byte(` {"channel":"/meta/handshake","version":"1.0"} `))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MetaHandshake, msgs[0].Channel)
}

func TestDecodeInvalid(t *testing.T) {
	for _, frame := range []string{"", "  ", "[null]", "{bad", "42"} {
		_, err := Decode([]byte(frame))
		assert.Error(t, err, "frame %q", frame)
	}
	_, err := Decode([]byte("{bad"))
	assert.True(t, errors.Is(err, pkg.ErrJSONUnmarshal))
}

func TestPeek(t *testing.T) {
	frame := []byte(`[{"channel":"/chat","data":1},{"channel":"/meta/connect","clientId":"c1"}]`)
	assert.Equal(t, "c1", PeekClientID(frame))
	assert.Equal(t, []string{"/chat", MetaConnect}, PeekChannels(frame))
	assert.True(t, HasChannel(frame, MetaConnect))
	assert.False(t, HasChannel(frame, MetaHandshake))

	single := []byte(`{"channel":"/meta/handshake"}`)
	assert.Equal(t, "", PeekClientID(single))
	assert.Equal(t, []string{MetaHandshake}, PeekChannels(single))
}

func TestReplies(t *testing.T) {
	req := &Message{Channel: MetaSubscribe, ID: "7", ClientID: "c", Subscription: "/a"}

	ok := NewSuccessReply(req)
	assert.True(t, ok.IsSuccessful())
	assert.Equal(t, "/a", ok.Subscription)
	assert.Equal(t, "7", ok.ID)

	fail := NewErrorReply(req, ErrorCodeUnknownClient, "unknown client")
	assert.False(t, fail.IsSuccessful())
	code, text := ParseError(fail.Error)
	assert.Equal(t, ErrorCodeUnknownClient, code)
	assert.Equal(t, "unknown client", text)

	code, text = ParseError("no code")
	assert.Equal(t, 0, code)
	assert.Equal(t, "no code", text)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, (&Message{Channel: "/chat/room"}).Validate())
	assert.Error(t, (&Message{Channel: ""}).Validate())
	assert.Error(t, (&Message{Channel: "chat"}).Validate())
	assert.Error(t, (&Message{Channel: "/chat/*"}).Validate())
	assert.True(t, IsService("/service/echo"))
	assert.True(t, IsMeta(MetaConnect))
}
